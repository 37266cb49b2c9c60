// Package vectorstore abstracts nearest-neighbor search over chunk
// embeddings. The Qdrant implementation backs production; the in-memory
// implementation backs tests and embedded deployments.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
)

// ErrDimensionMismatch is returned when a vector's length disagrees with the
// dimension the index was locked to by its first insert.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Point is one stored embedding with its retrieval payload.
type Point struct {
	ChunkID   string
	PatientID string
	Vector    []float32
}

// Hit is one nearest-neighbor result, score = cosine similarity in [0,1].
type Hit struct {
	ChunkID string
	Score   float64
}

// SearchParams narrows a nearest-neighbor search. PatientID is mandatory;
// AllowedChunkIDs, when non-nil, restricts results to that set.
type SearchParams struct {
	Vector          []float32
	PatientID       string
	AllowedChunkIDs map[string]bool
	Limit           int
}

// Index stores chunk embeddings and answers filtered similarity queries.
// The vector dimension is fixed by the first Add; later vectors of a
// different length fail with ErrDimensionMismatch.
type Index interface {
	Add(ctx context.Context, points []Point) error
	Search(ctx context.Context, params SearchParams) ([]Hit, error)
	Delete(ctx context.Context, chunkIDs []string) error
	DeleteByPatient(ctx context.Context, patientID string) error
	Count(ctx context.Context) (int, error)
}

func checkDimension(locked int, vector []float32) (int, error) {
	if len(vector) == 0 {
		return locked, fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if locked == 0 {
		return len(vector), nil
	}
	if len(vector) != locked {
		return locked, fmt.Errorf("%w: index holds %d-dim vectors, got %d",
			ErrDimensionMismatch, locked, len(vector))
	}
	return locked, nil
}
