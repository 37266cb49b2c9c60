package chunkstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"clinrag/pkg/types"
)

// MemoryStore keeps chunks in process with secondary index sets by artifact,
// patient, and date. Index updates happen under the same lock as primary
// writes, so a chunk is either visible in all indexes or in none.
type MemoryStore struct {
	mu         sync.RWMutex
	chunks     map[string]types.Chunk
	byArtifact map[string]map[string]bool
	byPatient  map[string]map[string]bool
	byDate     map[string]map[string]bool // YYYY-MM-DD -> chunk ids
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:     make(map[string]types.Chunk),
		byArtifact: make(map[string]map[string]bool),
		byPatient:  make(map[string]map[string]bool),
		byDate:     make(map[string]map[string]bool),
	}
}

func dateKey(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Store upserts chunks one at a time: a failed chunk is reported in the
// result without rolling back chunks stored before it.
func (m *MemoryStore) Store(_ context.Context, chunks []types.Chunk) (*types.StoreResult, error) {
	result := &types.StoreResult{}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range chunks {
		c := chunks[i]
		if err := c.Validate(); err != nil {
			if result.Errors == nil {
				result.Errors = make(map[string]string)
			}
			id := c.ChunkID
			if id == "" {
				id = types.ChunkIDFor(c.ArtifactID, c.StartOffset, c.EndOffset)
			}
			result.Errors[id] = err.Error()
			continue
		}
		if existing, ok := m.chunks[c.ChunkID]; ok {
			m.removeFromIndexes(&existing)
			result.SkippedCount++
		} else {
			result.StoredCount++
		}
		m.chunks[c.ChunkID] = c
		m.addToIndexes(&c)
	}
	return result, nil
}

func (m *MemoryStore) addToIndexes(c *types.Chunk) {
	indexAdd(m.byArtifact, c.ArtifactID, c.ChunkID)
	indexAdd(m.byPatient, c.PatientID, c.ChunkID)
	indexAdd(m.byDate, dateKey(c.OccurredAt), c.ChunkID)
}

func (m *MemoryStore) removeFromIndexes(c *types.Chunk) {
	indexRemove(m.byArtifact, c.ArtifactID, c.ChunkID)
	indexRemove(m.byPatient, c.PatientID, c.ChunkID)
	indexRemove(m.byDate, dateKey(c.OccurredAt), c.ChunkID)
}

func indexAdd(index map[string]map[string]bool, key, chunkID string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]bool)
		index[key] = set
	}
	set[chunkID] = true
}

func indexRemove(index map[string]map[string]bool, key, chunkID string) {
	if set, ok := index[key]; ok {
		delete(set, chunkID)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}

func (m *MemoryStore) Retrieve(_ context.Context, chunkID string) (*types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chunks[chunkID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

// Query narrows the candidate set with the most selective available index,
// applies the remaining predicates linearly, sorts, and paginates.
func (m *MemoryStore) Query(_ context.Context, filter types.ChunkFilter) ([]types.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var candidates []types.Chunk
	switch {
	case filter.ArtifactID != "":
		candidates = m.collect(m.byArtifact[filter.ArtifactID])
	case filter.PatientID != "":
		candidates = m.collect(m.byPatient[filter.PatientID])
	default:
		candidates = make([]types.Chunk, 0, len(m.chunks))
		for _, c := range m.chunks {
			candidates = append(candidates, c)
		}
	}

	matched := candidates[:0:0]
	for i := range candidates {
		if matchesFilter(&candidates[i], &filter) {
			matched = append(matched, candidates[i])
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].OccurredAt.Equal(matched[j].OccurredAt) {
			return matched[i].OccurredAt.After(matched[j].OccurredAt)
		}
		return matched[i].ChunkID < matched[j].ChunkID
	})

	return paginate(matched, filter.Limit, filter.Offset), nil
}

func (m *MemoryStore) collect(ids map[string]bool) []types.Chunk {
	out := make([]types.Chunk, 0, len(ids))
	for id := range ids {
		if c, ok := m.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (m *MemoryStore) DeleteByArtifact(_ context.Context, artifactID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteSet(m.byArtifact[artifactID]), nil
}

func (m *MemoryStore) DeleteByPatient(_ context.Context, patientID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteSet(m.byPatient[patientID]), nil
}

func (m *MemoryStore) deleteSet(ids map[string]bool) int {
	removed := 0
	for id := range ids {
		if c, ok := m.chunks[id]; ok {
			m.removeFromIndexes(&c)
			delete(m.chunks, id)
			removed++
		}
	}
	return removed
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = make(map[string]types.Chunk)
	m.byArtifact = make(map[string]map[string]bool)
	m.byPatient = make(map[string]map[string]bool)
	m.byDate = make(map[string]map[string]bool)
	return nil
}

func (m *MemoryStore) GarbageCollect(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, c := range m.chunks {
		if c.OccurredAt.Before(cutoff) {
			m.removeFromIndexes(&c)
			delete(m.chunks, id)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) GetStatistics(_ context.Context) (*types.ChunkStatistics, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &types.ChunkStatistics{
		TotalChunks:   len(m.chunks),
		ByType:        make(map[types.ArtifactType]int),
		PatientCount:  len(m.byPatient),
		ArtifactCount: len(m.byArtifact),
	}
	for _, c := range m.chunks {
		stats.ByType[c.ArtifactType]++
		if stats.OldestDate.IsZero() || c.OccurredAt.Before(stats.OldestDate) {
			stats.OldestDate = c.OccurredAt
		}
		if c.OccurredAt.After(stats.NewestDate) {
			stats.NewestDate = c.OccurredAt
		}
	}
	return stats, nil
}
