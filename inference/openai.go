package inference

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIConfig configures the hosted-API backend. Typical failures include
// auth errors, rate limiting and quota exhaustion; the retry decorator
// handles the retryable subset.
type OpenAIConfig struct {
	APIKey        string
	APIURL        string
	Model         string
	Temperature   float32
	Timeout       time.Duration
	WhisperAPIURL string
}

// OpenAIClient talks to an OpenAI-compatible hosted endpoint.
type OpenAIClient struct {
	cfg     OpenAIConfig
	cli     *openai.Client
	whisper *whisperTranscriber
	logger  *zap.Logger
}

func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimSuffix(cfg.APIURL, "/")

	// Audio goes to the dedicated whisper endpoint when one is configured,
	// otherwise to the same hosted API.
	whisperURL := cfg.WhisperAPIURL
	if whisperURL == "" {
		whisperURL = cfg.APIURL
	}

	return &OpenAIClient{
		cfg:     cfg,
		cli:     openai.NewClientWithConfig(clientCfg),
		whisper: newWhisperTranscriber(whisperURL, cfg.APIKey, cfg.Timeout, logger),
		logger:  logger,
	}
}

func (c *OpenAIClient) Name() string { return "openai_api/" + c.cfg.Model }

func (c *OpenAIClient) AnalyzeFrame(ctx context.Context, image []byte, prompt string, maxLen int) (string, error) {
	imageURL := fmt.Sprintf("data:image/jpeg;base64,%s", base64.StdEncoding.EncodeToString(image))
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: prompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
					},
				},
			},
		},
		MaxTokens:   maxLen,
		Temperature: c.cfg.Temperature,
	}
	return c.complete(ctx, req)
}

func (c *OpenAIClient) Synthesize(ctx context.Context, inputs []string, prompt string, maxLen int) (string, error) {
	content := prompt
	if len(inputs) > 0 {
		content = prompt + "\n\n" + strings.Join(inputs, "\n\n")
	}
	req := openai.ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: content},
		},
		MaxTokens:   maxLen,
		Temperature: c.cfg.Temperature,
	}
	return c.complete(ctx, req)
}

func (c *OpenAIClient) Transcribe(ctx context.Context, chunk AudioChunk, languageHint string) (*Transcription, error) {
	return c.whisper.Transcribe(ctx, chunk, languageHint)
}

func (c *OpenAIClient) DetectLanguage(ctx context.Context, chunk AudioChunk) (string, float64, error) {
	return c.whisper.DetectLanguage(ctx, chunk)
}

// CheckAudioHealth probes the whisper endpoint. The hosted platform has no
// /health route, so a failure here is advisory only when audio goes to the
// same API.
func (c *OpenAIClient) CheckAudioHealth(ctx context.Context) error {
	if c.cfg.WhisperAPIURL == "" {
		return nil
	}
	return c.whisper.CheckHealth(ctx)
}

func (c *OpenAIClient) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.cli.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &TransientError{Err: fmt.Errorf("no response choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
