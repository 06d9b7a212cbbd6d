package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OllamaConfig configures the local-server backend. The model is assumed to
// be resident on the server already; typical failures are connectivity or
// model-not-loaded errors.
type OllamaConfig struct {
	URL           string
	Model         string
	Temperature   float32
	Timeout       time.Duration
	WhisperAPIURL string
}

// OllamaClient talks to an ollama-style local inference server over its
// JSON chat API. Audio calls are delegated to the configured whisper
// endpoint since the vision server has no speech capability.
type OllamaClient struct {
	cfg     OllamaConfig
	http    *http.Client
	whisper *whisperTranscriber
	logger  *zap.Logger
}

func NewOllamaClient(cfg OllamaConfig, logger *zap.Logger) *OllamaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &OllamaClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		whisper: newWhisperTranscriber(cfg.WhisperAPIURL, "", cfg.Timeout, logger),
		logger:  logger,
	}
}

func (c *OllamaClient) Name() string { return "ollama/" + c.cfg.Model }

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error,omitempty"`
}

func (c *OllamaClient) AnalyzeFrame(ctx context.Context, image []byte, prompt string, maxLen int) (string, error) {
	msg := ollamaMessage{
		Role:    "user",
		Content: prompt,
		Images:  []string{base64.StdEncoding.EncodeToString(image)},
	}
	return c.chat(ctx, []ollamaMessage{msg}, maxLen)
}

func (c *OllamaClient) Synthesize(ctx context.Context, inputs []string, prompt string, maxLen int) (string, error) {
	content := prompt
	if len(inputs) > 0 {
		content = prompt + "\n\n" + strings.Join(inputs, "\n\n")
	}
	msg := ollamaMessage{Role: "user", Content: content}
	return c.chat(ctx, []ollamaMessage{msg}, maxLen)
}

func (c *OllamaClient) Transcribe(ctx context.Context, chunk AudioChunk, languageHint string) (*Transcription, error) {
	return c.whisper.Transcribe(ctx, chunk, languageHint)
}

func (c *OllamaClient) DetectLanguage(ctx context.Context, chunk AudioChunk) (string, float64, error) {
	return c.whisper.DetectLanguage(ctx, chunk)
}

func (c *OllamaClient) CheckAudioHealth(ctx context.Context) error {
	return c.whisper.CheckHealth(ctx)
}

func (c *OllamaClient) chat(ctx context.Context, messages []ollamaMessage, maxLen int) (string, error) {
	reqBody := ollamaChatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   false,
		Options:  ollamaOptions{Temperature: c.cfg.Temperature, NumPredict: maxLen},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", &FatalError{Err: fmt.Errorf("encode request: %w", err)}
	}

	url := strings.TrimSuffix(c.cfg.URL, "/") + "/api/chat"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", &FatalError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyNetwork(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", classifyNetwork(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", classifyHTTP(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return "", &FatalError{Err: fmt.Errorf("decode response: %w", err)}
	}
	if chatResp.Error != "" {
		return "", &FatalError{Err: fmt.Errorf("ollama: %s", chatResp.Error)}
	}
	return strings.TrimSpace(chatResp.Message.Content), nil
}
