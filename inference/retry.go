package inference

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RetryConfig bounds the retry loop shared by all backend calls.
type RetryConfig struct {
	MaxAttempts  int           // total attempts including the first; min 1
	InitialDelay time.Duration // default 1s
	MaxDelay     time.Duration // default 30s
	Multiplier   float64       // default 2.0
	RateLimit    float64       // requests per second across attempts, 0 = unlimited
}

type retryClient struct {
	inner   Client
	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// WithRetry decorates a backend with bounded exponential backoff on
// transient failures and an optional request rate limit. Fatal errors pass
// through immediately.
func WithRetry(inner Client, cfg RetryConfig, logger *zap.Logger) Client {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2.0
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return &retryClient{inner: inner, cfg: cfg, limiter: limiter, logger: logger}
}

func (r *retryClient) Name() string { return r.inner.Name() }

// CheckAudioHealth is a single probe; failures are not worth a backoff loop.
func (r *retryClient) CheckAudioHealth(ctx context.Context) error {
	return r.inner.CheckAudioHealth(ctx)
}

func (r *retryClient) AnalyzeFrame(ctx context.Context, image []byte, prompt string, maxLen int) (string, error) {
	return doRetry(ctx, r, "analyze_frame", func() (string, error) {
		return r.inner.AnalyzeFrame(ctx, image, prompt, maxLen)
	})
}

func (r *retryClient) Synthesize(ctx context.Context, inputs []string, prompt string, maxLen int) (string, error) {
	return doRetry(ctx, r, "synthesize", func() (string, error) {
		return r.inner.Synthesize(ctx, inputs, prompt, maxLen)
	})
}

func (r *retryClient) Transcribe(ctx context.Context, chunk AudioChunk, languageHint string) (*Transcription, error) {
	return doRetry(ctx, r, "transcribe", func() (*Transcription, error) {
		return r.inner.Transcribe(ctx, chunk, languageHint)
	})
}

func (r *retryClient) DetectLanguage(ctx context.Context, chunk AudioChunk) (string, float64, error) {
	type detected struct {
		lang string
		conf float64
	}
	d, err := doRetry(ctx, r, "detect_language", func() (detected, error) {
		lang, conf, err := r.inner.DetectLanguage(ctx, chunk)
		return detected{lang, conf}, err
	})
	return d.lang, d.conf, err
}

// doRetry runs fn up to MaxAttempts times with exponential backoff and
// jitter, waiting on the rate limiter before every attempt.
func doRetry[T any](ctx context.Context, r *retryClient, op string, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.backoffDelay(attempt)
			r.logger.Debug("retrying backend call",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		lastErr = err
	}

	return zero, &TransientError{Err: fmt.Errorf("%s failed after %d attempts: %w", op, r.cfg.MaxAttempts, lastErr)}
}

func (r *retryClient) backoffDelay(attempt int) time.Duration {
	d := float64(r.cfg.InitialDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-2))
	if d > float64(r.cfg.MaxDelay) {
		d = float64(r.cfg.MaxDelay)
	}
	// +-25% jitter so parallel workers don't retry in lockstep
	d += d * 0.25 * (rand.Float64()*2 - 1)
	if d < float64(r.cfg.InitialDelay) {
		d = float64(r.cfg.InitialDelay)
	}
	return time.Duration(d)
}
