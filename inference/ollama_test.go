package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func ollamaServer(t *testing.T, handler http.HandlerFunc) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOllamaClient(OllamaConfig{URL: srv.URL, Model: "llava"}, zap.NewNop())
}

func TestOllamaAnalyzeFrame(t *testing.T) {
	var got ollamaChatRequest
	c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "  a red door  "},
		})
	})

	out, err := c.AnalyzeFrame(context.Background(), []byte{0xff, 0xd8}, "describe", 120)
	require.NoError(t, err)
	assert.Equal(t, "a red door", out)

	assert.Equal(t, "llava", got.Model)
	assert.False(t, got.Stream)
	assert.Equal(t, 120, got.Options.NumPredict)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "describe", got.Messages[0].Content)
	require.Len(t, got.Messages[0].Images, 1)
	assert.Equal(t, "/9g=", got.Messages[0].Images[0])
}

func TestOllamaSynthesizeJoinsInputs(t *testing.T) {
	var got ollamaChatRequest
	c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(ollamaChatResponse{
			Message: ollamaMessage{Role: "assistant", Content: "story"},
		})
	})

	out, err := c.Synthesize(context.Background(), []string{"first", "second"}, "narrate", 0)
	require.NoError(t, err)
	assert.Equal(t, "story", out)
	assert.Equal(t, "narrate\n\nfirst\n\nsecond", got.Messages[0].Content)
}

func TestOllamaServerErrorIsTransient(t *testing.T) {
	c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := c.AnalyzeFrame(context.Background(), nil, "describe", 0)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOllamaBadRequestIsFatal(t *testing.T) {
	c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	})

	_, err := c.AnalyzeFrame(context.Background(), nil, "describe", 0)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
}

func TestOllamaInBandError(t *testing.T) {
	c := ollamaServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaChatResponse{Error: "model llava not loaded"})
	})

	_, err := c.Synthesize(context.Background(), nil, "narrate", 0)
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Contains(t, err.Error(), "not loaded")
}

func TestOllamaUnreachableIsTransient(t *testing.T) {
	c := NewOllamaClient(OllamaConfig{URL: "http://127.0.0.1:1", Model: "llava"}, zap.NewNop())

	_, err := c.AnalyzeFrame(context.Background(), nil, "describe", 0)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
