package chunkstore

import (
	"context"
	"strings"
	"time"

	"clinrag/pkg/types"
)

// Store is the chunk persistence contract. Every implementation upserts by
// chunk_id, treats filter predicates as AND, and sorts query results by
// occurred_at descending then chunk_id ascending.
type Store interface {
	Store(ctx context.Context, chunks []types.Chunk) (*types.StoreResult, error)
	Retrieve(ctx context.Context, chunkID string) (*types.Chunk, error)
	Query(ctx context.Context, filter types.ChunkFilter) ([]types.Chunk, error)
	DeleteByArtifact(ctx context.Context, artifactID string) (int, error)
	DeleteByPatient(ctx context.Context, patientID string) (int, error)
	Clear(ctx context.Context) error
	GarbageCollect(ctx context.Context, cutoff time.Time) (int, error)
	GetStatistics(ctx context.Context) (*types.ChunkStatistics, error)
}

// matchesFilter applies every non-zero predicate; date bounds are inclusive.
func matchesFilter(c *types.Chunk, f *types.ChunkFilter) bool {
	if f.PatientID != "" && c.PatientID != f.PatientID {
		return false
	}
	if f.ArtifactID != "" && c.ArtifactID != f.ArtifactID {
		return false
	}
	if f.ArtifactType != "" && c.ArtifactType != f.ArtifactType {
		return false
	}
	if !f.DateFrom.IsZero() && c.OccurredAt.Before(f.DateFrom) {
		return false
	}
	if !f.DateTo.IsZero() && c.OccurredAt.After(f.DateTo) {
		return false
	}
	if f.EntityType != "" || f.EntityText != "" {
		if !hasEntityMatch(c, f.EntityType, f.EntityText) {
			return false
		}
	}
	return true
}

func hasEntityMatch(c *types.Chunk, entType types.EntityType, text string) bool {
	needle := strings.ToLower(text)
	for i := range c.Entities {
		ent := &c.Entities[i]
		if entType != "" && ent.Type != entType {
			continue
		}
		if needle == "" || strings.Contains(strings.ToLower(ent.Normalized), needle) {
			return true
		}
	}
	return false
}

func paginate(chunks []types.Chunk, limit, offset int) []types.Chunk {
	if offset > 0 {
		if offset >= len(chunks) {
			return []types.Chunk{}
		}
		chunks = chunks[offset:]
	}
	if limit > 0 && limit < len(chunks) {
		chunks = chunks[:limit]
	}
	return chunks
}

