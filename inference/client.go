// Package inference provides a uniform capability set over interchangeable
// model backends: analyze an image, synthesize text from text, transcribe
// audio. Backend choice is a pure configuration decision made once per run.
package inference

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"videoNarrate/config"
)

// Transcription is the result of a speech-to-text call.
type Transcription struct {
	Text     string
	Language string
}

// AudioChunk is the transcription input: mono 16-bit PCM samples.
type AudioChunk struct {
	Samples    []int16
	SampleRate int
}

// Client is the backend-agnostic inference capability set. All methods
// honor the configured temperature and the per-call response length budget,
// apply a call timeout, and return taxonomy-classified errors.
type Client interface {
	// AnalyzeFrame describes an encoded image under the given prompt.
	AnalyzeFrame(ctx context.Context, image []byte, prompt string, maxLen int) (string, error)
	// Synthesize produces text from prior textual inputs plus a prompt.
	Synthesize(ctx context.Context, inputs []string, prompt string, maxLen int) (string, error)
	// Transcribe converts an audio chunk to text, optionally hinted with a
	// language code.
	Transcribe(ctx context.Context, chunk AudioChunk, languageHint string) (*Transcription, error)
	// DetectLanguage runs a lightweight pre-check returning the detected
	// language and a confidence in [0,1].
	DetectLanguage(ctx context.Context, chunk AudioChunk) (string, float64, error)
	// CheckAudioHealth probes the transcription service once before the
	// audio stage starts.
	CheckAudioHealth(ctx context.Context) error
	// Name identifies the backend for result records.
	Name() string
}

// New builds the configured backend wrapped with retry and rate limiting.
func New(cfg *config.Config, logger *zap.Logger) (Client, error) {
	timeout := time.Duration(cfg.Audio.TimeoutSeconds) * time.Second

	var base Client
	switch cfg.Clients.Default {
	case config.ClientOllama:
		base = NewOllamaClient(OllamaConfig{
			URL:           cfg.Clients.Ollama.URL,
			Model:         cfg.Clients.Ollama.Model,
			Temperature:   cfg.Clients.Temperature,
			Timeout:       timeout,
			WhisperAPIURL: cfg.Audio.WhisperAPIURL,
		}, logger)
	case config.ClientOpenAIAPI:
		base = NewOpenAIClient(OpenAIConfig{
			APIKey:        cfg.Clients.OpenAIAPI.APIKey,
			APIURL:        cfg.Clients.OpenAIAPI.APIURL,
			Model:         cfg.Clients.OpenAIAPI.Model,
			Temperature:   cfg.Clients.Temperature,
			Timeout:       timeout,
			WhisperAPIURL: cfg.Audio.WhisperAPIURL,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown client type %q", cfg.Clients.Default)
	}

	return WithRetry(base, RetryConfig{
		MaxAttempts: cfg.Clients.MaxRetries + 1,
		RateLimit:   cfg.Clients.RateLimit,
	}, logger), nil
}
