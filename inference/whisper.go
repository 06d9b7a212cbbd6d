package inference

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// whisperTranscriber speaks the OpenAI-compatible transcription API exposed
// by both the hosted platform and local whisper servers. Both backend
// variants delegate their audio capability here, pointed at their own
// endpoint.
type whisperTranscriber struct {
	cli     *openai.Client
	baseURL string
	timeout time.Duration
	logger  *zap.Logger
}

func newWhisperTranscriber(apiURL, apiKey string, timeout time.Duration, logger *zap.Logger) *whisperTranscriber {
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = strings.TrimSuffix(apiURL, "/") + "/v1"
	if strings.HasSuffix(apiURL, "/v1") {
		cfg.BaseURL = apiURL
	}
	return &whisperTranscriber{
		cli:     openai.NewClientWithConfig(cfg),
		baseURL: strings.TrimSuffix(apiURL, "/v1"),
		timeout: timeout,
		logger:  logger,
	}
}

// CheckHealth probes the transcription service before the audio stage runs.
func (w *whisperTranscriber) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSuffix(w.baseURL, "/")+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return classifyNetwork(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return classifyHTTP(resp.StatusCode, "health check")
	}
	return nil
}

func (w *whisperTranscriber) Transcribe(ctx context.Context, chunk AudioChunk, languageHint string) (*Transcription, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	resp, err := w.cli.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(encodeWAV(chunk)),
		FilePath: "chunk.wav",
		Language: languageHint,
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	return &Transcription{
		Text:     strings.TrimSpace(resp.Text),
		Language: resp.Language,
	}, nil
}

// DetectLanguage transcribes only the head of the chunk to get the service's
// language identification and a speech-presence confidence without paying
// for a full transcription call.
func (w *whisperTranscriber) DetectLanguage(ctx context.Context, chunk AudioChunk) (string, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	head := chunk
	maxHead := chunk.SampleRate * 5
	if len(head.Samples) > maxHead {
		head.Samples = head.Samples[:maxHead]
	}

	resp, err := w.cli.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		Reader:   bytes.NewReader(encodeWAV(head)),
		FilePath: "probe.wav",
		Format:   openai.AudioResponseFormatVerboseJSON,
	})
	if err != nil {
		return "", 0, classifyOpenAIError(err)
	}

	confidence := 1.0
	if len(resp.Segments) > 0 {
		var noSpeech float64
		for _, seg := range resp.Segments {
			noSpeech += seg.NoSpeechProb
		}
		confidence = 1 - noSpeech/float64(len(resp.Segments))
	} else if strings.TrimSpace(resp.Text) == "" {
		confidence = 0
	}
	return resp.Language, confidence, nil
}

// classifyOpenAIError maps go-openai errors onto the retry taxonomy.
func classifyOpenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyHTTP(apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyHTTP(reqErr.HTTPStatusCode, reqErr.Error())
	}
	return classifyNetwork(err)
}

// encodeWAV wraps mono 16-bit PCM samples in a minimal RIFF header so they
// can be posted as a file to the transcription endpoint.
func encodeWAV(chunk AudioChunk) []byte {
	dataLen := len(chunk.Samples) * 2
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataLen))

	writeLE := func(v any) { _ = binary.Write(buf, binary.LittleEndian, v) }

	buf.WriteString("RIFF")
	writeLE(uint32(36 + dataLen))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	writeLE(uint32(16))
	writeLE(uint16(1)) // PCM
	writeLE(uint16(1)) // mono
	writeLE(uint32(chunk.SampleRate))
	writeLE(uint32(chunk.SampleRate * 2)) // byte rate
	writeLE(uint16(2))                    // block align
	writeLE(uint16(16))                   // bits per sample
	buf.WriteString("data")
	writeLE(uint32(dataLen))
	for _, s := range chunk.Samples {
		writeLE(s)
	}
	return buf.Bytes()
}
