package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/pkg/types"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)

	// Touch "a" so "b" becomes the eviction victim.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, int64(1), c.GetStats().Evictions)
}

func TestLRUExpiresByTTL(t *testing.T) {
	c := NewLRU(10, 10*time.Millisecond)
	c.Set("k", "v")

	_, ok := c.Get("k")
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)

	c.Set("again", "v")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, c.CleanExpired())
	assert.Zero(t, c.Len())
}

func TestQueryKeyDeterministic(t *testing.T) {
	filters := map[string]string{"artifact_type": "medication", "author_id": "dr-1"}
	reordered := map[string]string{"author_id": "dr-1", "artifact_type": "medication"}

	a := QueryKey("Current Medications?", "p-1", filters)
	b := QueryKey("  current   medications? ", "p-1", reordered)
	assert.Equal(t, a, b, "normalized query and filter order must not change the key")

	assert.NotEqual(t, a, QueryKey("current medications?", "p-2", filters))
	assert.NotEqual(t, a, QueryKey("current medications?", "p-1", nil))
}

func TestEmbeddingKeyNormalizesText(t *testing.T) {
	assert.Equal(t, EmbeddingKey("Metformin  Dosage"), EmbeddingKey("metformin dosage"))
	assert.NotEqual(t, EmbeddingKey("metformin"), EmbeddingKey("lisinopril"))
}

func TestManagerEmbeddingCopyIsolation(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	vec := []float32{1, 2, 3}
	m.SetEmbedding("q", vec)
	vec[0] = 99

	got, ok := m.GetEmbedding("q")
	require.True(t, ok)
	assert.Equal(t, float32(1), got[0])

	got[1] = 99
	again, _ := m.GetEmbedding("q")
	assert.Equal(t, float32(2), again[1])
}

func TestManagerQueryResultRoundTrip(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	key := QueryKey("active conditions", "p-1", nil)
	_, ok := m.GetQueryResult(key)
	require.False(t, ok)

	m.SetQueryResult(key, &types.RetrievalResult{QueryID: "q-1", TotalSearched: 2})
	got, ok := m.GetQueryResult(key)
	require.True(t, ok)
	assert.Equal(t, "q-1", got.QueryID)
	assert.Equal(t, 2, got.TotalSearched)
}

func TestManagerInvalidatePatient(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	m.SetPatientIndex("p-1", &PatientIndex{ChunkIDs: []string{"c-1"}, BuiltAt: time.Now()})
	m.SetPatientIndex("p-2", &PatientIndex{ChunkIDs: []string{"c-2"}, BuiltAt: time.Now()})

	m.InvalidatePatient("p-1")
	_, ok := m.GetPatientIndex("p-1")
	assert.False(t, ok)
	idx, ok := m.GetPatientIndex("p-2")
	require.True(t, ok)
	assert.Equal(t, []string{"c-2"}, idx.ChunkIDs)
}

func TestManagerStats(t *testing.T) {
	m := NewManager(DefaultConfig())
	defer m.Stop()

	m.SetEmbedding("q", []float32{1})
	m.GetEmbedding("q")
	m.GetEmbedding("missing")

	stats := m.GetStats()
	require.Contains(t, stats, "embeddings")
	assert.Equal(t, int64(1), stats["embeddings"].Hits)
	assert.Equal(t, int64(1), stats["embeddings"].Misses)
	assert.Equal(t, 0.5, stats["embeddings"].HitRate)
}
