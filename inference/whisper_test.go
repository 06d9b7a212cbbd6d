package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"videoNarrate/media"
)

func whisperServer(t *testing.T, handler http.HandlerFunc) *whisperTranscriber {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return newWhisperTranscriber(srv.URL, "", 30*time.Second, zap.NewNop())
}

type verboseResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []segment `json:"segments"`
}

type segment struct {
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

func TestWhisperCheckHealth(t *testing.T) {
	w := whisperServer(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		rw.WriteHeader(http.StatusOK)
	})
	assert.NoError(t, w.CheckHealth(context.Background()))
}

func TestWhisperCheckHealthDown(t *testing.T) {
	w := whisperServer(t, func(rw http.ResponseWriter, r *http.Request) {
		http.Error(rw, "starting up", http.StatusServiceUnavailable)
	})
	err := w.CheckHealth(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestWhisperTranscribe(t *testing.T) {
	w := whisperServer(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(32<<20))
		assert.Equal(t, "verbose_json", r.FormValue("response_format"))
		assert.Equal(t, "en", r.FormValue("language"))
		json.NewEncoder(rw).Encode(verboseResponse{Text: "  hello world  ", Language: "en"})
	})

	tr, err := w.Transcribe(context.Background(), AudioChunk{Samples: make([]int16, 16000), SampleRate: 16000}, "en")
	require.NoError(t, err)
	assert.Equal(t, "hello world", tr.Text)
	assert.Equal(t, "en", tr.Language)
}

func TestWhisperDetectLanguageConfidence(t *testing.T) {
	w := whisperServer(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(verboseResponse{
			Text:     "bonjour",
			Language: "fr",
			Segments: []segment{{Text: "bonjour", NoSpeechProb: 0.1}, {Text: "", NoSpeechProb: 0.3}},
		})
	})

	lang, conf, err := w.DetectLanguage(context.Background(), AudioChunk{Samples: make([]int16, 16000), SampleRate: 16000})
	require.NoError(t, err)
	assert.Equal(t, "fr", lang)
	assert.InDelta(t, 0.8, conf, 0.001)
}

func TestWhisperDetectLanguageSilence(t *testing.T) {
	w := whisperServer(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(verboseResponse{Text: "  "})
	})

	_, conf, err := w.DetectLanguage(context.Background(), AudioChunk{Samples: make([]int16, 16000), SampleRate: 16000})
	require.NoError(t, err)
	assert.Zero(t, conf)
}

func TestEncodeWAVRoundTrip(t *testing.T) {
	chunk := AudioChunk{Samples: []int16{0, 500, -500, 32767, -32768}, SampleRate: 16000}
	path := filepath.Join(t.TempDir(), "chunk.wav")
	require.NoError(t, os.WriteFile(path, encodeWAV(chunk), 0o644))

	track, err := media.ReadWAV(path)
	require.NoError(t, err)
	assert.Equal(t, 16000, track.SampleRate)
	assert.Equal(t, 1, track.Channels)
	assert.Equal(t, chunk.Samples, track.Samples)
}
