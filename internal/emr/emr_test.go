package emr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/internal/apperrors"
	"clinrag/internal/cache"
	"clinrag/internal/circuitbreaker"
)

func TestHashEmbedderDeterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	ctx := context.Background()

	a, err := e.Embed(ctx, "metformin dosage history")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "metformin dosage history")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 32)

	c, err := e.Embed(ctx, "different text")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestCachedEmbedderSkipsRepeatCalls(t *testing.T) {
	inner := NewHashEmbedder(16)
	caches := cache.NewManager(cache.DefaultConfig())
	defer caches.Stop()

	cached := NewCachedEmbedder(inner, caches)
	ctx := context.Background()

	first, err := cached.Embed(ctx, "current medications")
	require.NoError(t, err)
	second, err := cached.Embed(ctx, "current medications")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, inner.Calls(), "second call must come from cache")
}

func TestBreakerEmbedderOpensAfterFailures(t *testing.T) {
	inner := NewHashEmbedder(8)
	inner.FailWith(errors.New("embed service down"))

	breakers := circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	})
	wrapped := NewBreakerEmbedder(inner, breakers)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := wrapped.Embed(ctx, "q")
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breakers.Breaker(ServiceEmbed).State())

	_, err := wrapped.Embed(ctx, "q")
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 3, inner.Calls(), "open breaker must not reach the service")
}

func TestMockFetcherServesSeededRecords(t *testing.T) {
	fetcher := NewMockFetcher()
	fetcher.Seed("p-1", "medications", []RawRecord{
		{"medication_name": "Lisinopril", "prescribed_at": "2025-01-10"},
	})

	breakers := circuitbreaker.NewManager(nil)
	wrapped := NewBreakerFetcher(fetcher, breakers)

	meds, err := wrapped.FetchMedications(context.Background(), "p-1")
	require.NoError(t, err)
	require.Len(t, meds, 1)
	assert.Equal(t, "Lisinopril", meds[0]["medication_name"])

	none, err := wrapped.FetchConditions(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTemplateGeneratorPreservesCitedSpans(t *testing.T) {
	g := NewTemplateGenerator()

	prompt := "Answer using these records.\n[CITE]Lisinopril 10mg once daily.[/CITE]\n[CITE]BP 132/84 at last visit.[/CITE]"
	gen, err := g.Generate(context.Background(), prompt, GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, gen.Text, "Lisinopril 10mg once daily.")
	assert.Contains(t, gen.Text, "BP 132/84 at last visit.")
	assert.Greater(t, gen.Tokens, 0)
}

func TestTemplateGeneratorWithoutCitations(t *testing.T) {
	g := NewTemplateGenerator()

	gen, err := g.Generate(context.Background(), "no markers here", GenerateOptions{})
	require.NoError(t, err)
	assert.Contains(t, gen.Text, "No supporting clinical records")
}

type flakyEmbedder struct {
	calls   int
	failFor int
	err     error
}

func (f *flakyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.calls <= f.failFor {
		return nil, f.err
	}
	return []float32{1, 0}, nil
}

func TestRetryEmbedderRecoversFromRateLimit(t *testing.T) {
	inner := &flakyEmbedder{failFor: 2, err: apperrors.New(apperrors.KindRateLimited, "slow down")}
	wrapped := NewRetryEmbedder(inner, &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	})

	vec, err := wrapped.Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vec)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryEmbedderStopsOnNonRetryableError(t *testing.T) {
	inner := &flakyEmbedder{failFor: 10, err: apperrors.New(apperrors.KindValidation, "bad input")}
	wrapped := NewRetryEmbedder(inner, nil)

	_, err := wrapped.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Equal(t, 1, inner.calls)
}

func TestRetryEmbedderGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyEmbedder{failFor: 10, err: apperrors.New(apperrors.KindRateLimited, "slow down")}
	wrapped := NewRetryEmbedder(inner, &RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	})

	_, err := wrapped.Embed(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindRateLimited, apperrors.KindOf(err))
	assert.Equal(t, 2, inner.calls)
}
