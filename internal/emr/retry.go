package emr

import (
	"context"
	"math/rand"
	"time"

	"clinrag/internal/apperrors"
)

// RetryConfig controls backoff for rate-limited external calls. Only
// RATE_LIMITED errors are retried; breaker-open and hard failures return
// immediately.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.Multiplier < 1 {
		c.Multiplier = 1
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	} else if c.Jitter > 1 {
		c.Jitter = 1
	}
}

// retryRateLimited runs op, backing off and retrying while the error kind is
// RATE_LIMITED. The context deadline bounds the whole sequence, including
// backoff sleeps.
func retryRateLimited(ctx context.Context, cfg *RetryConfig, op func(context.Context) error) error {
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return apperrors.Wrap(apperrors.KindTimeout, "request cancelled", err)
		}
		lastErr = op(ctx)
		if lastErr == nil || apperrors.KindOf(lastErr) != apperrors.KindRateLimited {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(jittered(delay, cfg.Jitter)):
		case <-ctx.Done():
			return apperrors.Wrap(apperrors.KindTimeout, "request cancelled during backoff", ctx.Err())
		}
		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}

func jittered(delay time.Duration, factor float64) time.Duration {
	if factor == 0 {
		return delay
	}
	delta := float64(delay) * factor
	return time.Duration(float64(delay) - delta + rand.Float64()*2*delta)
}

// RetryEmbedder retries rate-limited Embed calls with exponential backoff.
type RetryEmbedder struct {
	inner Embedder
	cfg   *RetryConfig
}

func NewRetryEmbedder(inner Embedder, cfg *RetryConfig) *RetryEmbedder {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	cfg.normalize()
	return &RetryEmbedder{inner: inner, cfg: cfg}
}

func (e *RetryEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := retryRateLimited(ctx, e.cfg, func(ctx context.Context) error {
		var err error
		vector, err = e.inner.Embed(ctx, text)
		return err
	})
	return vector, err
}

// RetryGenerator retries rate-limited Generate calls with exponential backoff.
type RetryGenerator struct {
	inner Generator
	cfg   *RetryConfig
}

func NewRetryGenerator(inner Generator, cfg *RetryConfig) *RetryGenerator {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	cfg.normalize()
	return &RetryGenerator{inner: inner, cfg: cfg}
}

func (g *RetryGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	var generation *Generation
	err := retryRateLimited(ctx, g.cfg, func(ctx context.Context) error {
		var err error
		generation, err = g.inner.Generate(ctx, prompt, opts)
		return err
	})
	return generation, err
}
