package vectorstore

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryIndex is a brute-force cosine index. Fine for tests and working sets
// up to a few tens of thousands of chunks.
type MemoryIndex struct {
	mu        sync.RWMutex
	points    map[string]Point // chunk_id -> point
	dimension int
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

func (m *MemoryIndex) Add(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range points {
		dim, err := checkDimension(m.dimension, p.Vector)
		if err != nil {
			return err
		}
		m.dimension = dim
	}
	for _, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		p.Vector = vec
		m.points[p.ChunkID] = p
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, params SearchParams) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.dimension > 0 {
		if _, err := checkDimension(m.dimension, params.Vector); err != nil {
			return nil, err
		}
	}

	var hits []Hit
	for id, p := range m.points {
		if params.PatientID != "" && p.PatientID != params.PatientID {
			continue
		}
		if params.AllowedChunkIDs != nil && !params.AllowedChunkIDs[id] {
			continue
		}
		hits = append(hits, Hit{ChunkID: id, Score: cosine(params.Vector, p.Vector)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if params.Limit > 0 && len(hits) > params.Limit {
		hits = hits[:params.Limit]
	}
	return hits, nil
}

func (m *MemoryIndex) Delete(_ context.Context, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range chunkIDs {
		delete(m.points, id)
	}
	return nil
}

func (m *MemoryIndex) DeleteByPatient(_ context.Context, patientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, p := range m.points {
		if p.PatientID == patientID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

// cosine maps similarity into [0,1]: identical direction scores 1, opposite
// scores 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return (sim + 1) / 2
}
