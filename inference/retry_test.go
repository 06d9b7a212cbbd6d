package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyClient fails the first failures calls to every operation, then
// succeeds.
type flakyClient struct {
	failures int
	failWith error
	calls    int
}

func (f *flakyClient) attempt() error {
	f.calls++
	if f.calls <= f.failures {
		return f.failWith
	}
	return nil
}

func (f *flakyClient) Name() string { return "flaky" }

func (f *flakyClient) AnalyzeFrame(context.Context, []byte, string, int) (string, error) {
	if err := f.attempt(); err != nil {
		return "", err
	}
	return "a frame", nil
}

func (f *flakyClient) Synthesize(context.Context, []string, string, int) (string, error) {
	if err := f.attempt(); err != nil {
		return "", err
	}
	return "a narrative", nil
}

func (f *flakyClient) Transcribe(context.Context, AudioChunk, string) (*Transcription, error) {
	if err := f.attempt(); err != nil {
		return nil, err
	}
	return &Transcription{Text: "hello"}, nil
}

func (f *flakyClient) DetectLanguage(context.Context, AudioChunk) (string, float64, error) {
	if err := f.attempt(); err != nil {
		return "", 0, err
	}
	return "en", 0.9, nil
}

func (f *flakyClient) CheckAudioHealth(context.Context) error {
	return f.attempt()
}

func fastRetry(inner Client, attempts int) Client {
	return WithRetry(inner, RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
	}, zap.NewNop())
}

func TestRetryRecoversFromTransient(t *testing.T) {
	inner := &flakyClient{failures: 2, failWith: &TransientError{Err: errors.New("flaky")}}
	c := fastRetry(inner, 3)

	out, err := c.AnalyzeFrame(context.Background(), nil, "describe", 100)
	require.NoError(t, err)
	assert.Equal(t, "a frame", out)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryExhaustion(t *testing.T) {
	inner := &flakyClient{failures: 100, failWith: &TransientError{Err: errors.New("always down")}}
	c := fastRetry(inner, 3)

	_, err := c.Synthesize(context.Background(), nil, "summarize", 100)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Equal(t, 3, inner.calls)
}

func TestRetryFatalPassthrough(t *testing.T) {
	inner := &flakyClient{failures: 100, failWith: &FatalError{Err: errors.New("bad key")}}
	c := fastRetry(inner, 5)

	_, err := c.Transcribe(context.Background(), AudioChunk{}, "")
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, inner.calls, "fatal errors must not be retried")
}

func TestRetryStopsOnCancel(t *testing.T) {
	inner := &flakyClient{failures: 100, failWith: &TransientError{Err: errors.New("down")}}
	c := WithRetry(inner, RetryConfig{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := c.DetectLanguage(ctx, AudioChunk{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, inner.calls, 10)
}

func TestHealthCheckNotRetried(t *testing.T) {
	inner := &flakyClient{failures: 100, failWith: &TransientError{Err: errors.New("down")}}
	c := fastRetry(inner, 5)

	err := c.CheckAudioHealth(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestBackoffDelayBounds(t *testing.T) {
	r := &retryClient{cfg: RetryConfig{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}}

	for attempt := 2; attempt <= 12; attempt++ {
		d := r.backoffDelay(attempt)
		assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
		assert.LessOrEqual(t, d, time.Duration(float64(30*time.Second)*1.25), "attempt %d", attempt)
	}
}
