// Package emr defines the external collaborator contracts: the EMR record
// fetcher, the embedding service, and the answer generator. Decorators wrap
// each client with the circuit breaker, and the embedder additionally with
// the embedding cache.
package emr

import (
	"context"
)

// RawRecord is an EMR payload before normalization. Field names and value
// types vary by source system; the normalizer resolves them.
type RawRecord map[string]interface{}

// Fetcher pulls raw clinical records from the EMR. Every method may block on
// the network and honors ctx cancellation.
type Fetcher interface {
	FetchMedications(ctx context.Context, patientID string) ([]RawRecord, error)
	FetchConditions(ctx context.Context, patientID string) ([]RawRecord, error)
	FetchCarePlans(ctx context.Context, patientID string) ([]RawRecord, error)
	FetchNotes(ctx context.Context, patientID string) ([]RawRecord, error)
	FetchLabs(ctx context.Context, patientID string) ([]RawRecord, error)
}

// Embedder converts text to a fixed-dimension vector. Identical input yields
// identical output, which is what makes the embedding cache sound.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// GenerateOptions tunes one generation call.
type GenerateOptions struct {
	MaxTokens   int
	Temperature float64
}

// Generation is the generator's reply.
type Generation struct {
	Text   string
	Tokens int
}

// Generator produces grounded answer text from a prompt. The prompt's cited
// spans must be preserved verbatim in the output.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (*Generation, error)
}
