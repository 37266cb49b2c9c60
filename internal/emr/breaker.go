package emr

import (
	"context"

	"clinrag/internal/circuitbreaker"
)

// Service names under which external calls register with the breaker manager.
const (
	ServiceEMR   = "emr"
	ServiceEmbed = "embed"
	ServiceLLM   = "llm"
)

// BreakerFetcher wraps a Fetcher so every EMR call goes through the breaker
// keyed "emr".
type BreakerFetcher struct {
	inner    Fetcher
	breakers *circuitbreaker.Manager
}

func NewBreakerFetcher(inner Fetcher, breakers *circuitbreaker.Manager) *BreakerFetcher {
	return &BreakerFetcher{inner: inner, breakers: breakers}
}

func (f *BreakerFetcher) fetch(ctx context.Context,
	call func(context.Context) ([]RawRecord, error)) ([]RawRecord, error) {
	var records []RawRecord
	err := f.breakers.Execute(ctx, ServiceEMR, func(ctx context.Context) error {
		var err error
		records, err = call(ctx)
		return err
	})
	return records, err
}

func (f *BreakerFetcher) FetchMedications(ctx context.Context, patientID string) ([]RawRecord, error) {
	return f.fetch(ctx, func(ctx context.Context) ([]RawRecord, error) {
		return f.inner.FetchMedications(ctx, patientID)
	})
}

func (f *BreakerFetcher) FetchConditions(ctx context.Context, patientID string) ([]RawRecord, error) {
	return f.fetch(ctx, func(ctx context.Context) ([]RawRecord, error) {
		return f.inner.FetchConditions(ctx, patientID)
	})
}

func (f *BreakerFetcher) FetchCarePlans(ctx context.Context, patientID string) ([]RawRecord, error) {
	return f.fetch(ctx, func(ctx context.Context) ([]RawRecord, error) {
		return f.inner.FetchCarePlans(ctx, patientID)
	})
}

func (f *BreakerFetcher) FetchNotes(ctx context.Context, patientID string) ([]RawRecord, error) {
	return f.fetch(ctx, func(ctx context.Context) ([]RawRecord, error) {
		return f.inner.FetchNotes(ctx, patientID)
	})
}

func (f *BreakerFetcher) FetchLabs(ctx context.Context, patientID string) ([]RawRecord, error) {
	return f.fetch(ctx, func(ctx context.Context) ([]RawRecord, error) {
		return f.inner.FetchLabs(ctx, patientID)
	})
}

// BreakerEmbedder routes Embed calls through the breaker keyed "embed".
type BreakerEmbedder struct {
	inner    Embedder
	breakers *circuitbreaker.Manager
}

func NewBreakerEmbedder(inner Embedder, breakers *circuitbreaker.Manager) *BreakerEmbedder {
	return &BreakerEmbedder{inner: inner, breakers: breakers}
}

func (e *BreakerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := e.breakers.Execute(ctx, ServiceEmbed, func(ctx context.Context) error {
		var err error
		vector, err = e.inner.Embed(ctx, text)
		return err
	})
	return vector, err
}

// BreakerGenerator routes Generate calls through the breaker keyed "llm".
type BreakerGenerator struct {
	inner    Generator
	breakers *circuitbreaker.Manager
}

func NewBreakerGenerator(inner Generator, breakers *circuitbreaker.Manager) *BreakerGenerator {
	return &BreakerGenerator{inner: inner, breakers: breakers}
}

func (g *BreakerGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error) {
	var generation *Generation
	err := g.breakers.Execute(ctx, ServiceLLM, func(ctx context.Context) error {
		var err error
		generation, err = g.inner.Generate(ctx, prompt, opts)
		return err
	})
	return generation, err
}
