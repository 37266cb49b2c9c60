package chunkstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/pkg/types"
)

func chunkFixture(artifactID, patientID string, occurredAt time.Time) types.Chunk {
	return types.Chunk{
		ChunkID:      types.ChunkIDFor(artifactID, 0, 20),
		ArtifactID:   artifactID,
		PatientID:    patientID,
		ArtifactType: types.ArtifactTypeNote,
		ChunkText:    "patient note content",
		StartOffset:  0,
		EndOffset:    20,
		OccurredAt:   occurredAt,
		CreatedAt:    occurredAt,
	}
}

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func TestMemoryStoreUpsert(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := chunkFixture("art-1", "p-1", day)
	result, err := store.Store(ctx, []types.Chunk{c})
	require.NoError(t, err)
	assert.Equal(t, 1, result.StoredCount)
	assert.Equal(t, 0, result.SkippedCount)

	// Same chunk_id again counts as skipped but still replaces content.
	c.ChunkText = "updated note content"
	result, err = store.Store(ctx, []types.Chunk{c})
	require.NoError(t, err)
	assert.Equal(t, 0, result.StoredCount)
	assert.Equal(t, 1, result.SkippedCount)

	got, err := store.Retrieve(ctx, c.ChunkID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "updated note content", got.ChunkText)
}

func TestMemoryStorePartialFailureKeepsGoodChunks(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	good := chunkFixture("art-1", "p-1", day)
	bad := chunkFixture("art-2", "p-1", day)
	bad.ChunkText = ""

	result, err := store.Store(ctx, []types.Chunk{good, bad})
	require.NoError(t, err)
	assert.Equal(t, 1, result.StoredCount)
	require.Len(t, result.Errors, 1)

	got, err := store.Retrieve(ctx, good.ChunkID)
	require.NoError(t, err)
	assert.NotNil(t, got, "good chunk must survive the bad one")
}

func TestMemoryStoreRetrieveMissing(t *testing.T) {
	store := NewMemoryStore()
	got, err := store.Retrieve(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStoreQueryFiltersAndJoinsWithAND(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a := chunkFixture("art-1", "p-1", day)
	b := chunkFixture("art-2", "p-1", day.AddDate(0, 0, -5))
	b.ArtifactType = types.ArtifactTypeMedication
	c := chunkFixture("art-3", "p-2", day)

	_, err := store.Store(ctx, []types.Chunk{a, b, c})
	require.NoError(t, err)

	got, err := store.Query(ctx, types.ChunkFilter{PatientID: "p-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.Query(ctx, types.ChunkFilter{
		PatientID:    "p-1",
		ArtifactType: types.ArtifactTypeMedication,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "art-2", got[0].ArtifactID)
}

func TestMemoryStoreQueryDateRangeInclusive(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Store(ctx, []types.Chunk{
		chunkFixture("art-1", "p-1", day.AddDate(0, 0, -2)),
		chunkFixture("art-2", "p-1", day),
		chunkFixture("art-3", "p-1", day.AddDate(0, 0, 2)),
	})
	require.NoError(t, err)

	got, err := store.Query(ctx, types.ChunkFilter{
		PatientID: "p-1",
		DateFrom:  day.AddDate(0, 0, -2),
		DateTo:    day,
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestMemoryStoreQueryEntityPredicates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	c := chunkFixture("art-1", "p-1", day)
	c.Entities = []types.Entity{
		{Text: "lisinopril", Type: types.EntityMedication, Start: 0, End: 10, Normalized: "Lisinopril"},
	}
	other := chunkFixture("art-2", "p-1", day)
	_, err := store.Store(ctx, []types.Chunk{c, other})
	require.NoError(t, err)

	got, err := store.Query(ctx, types.ChunkFilter{
		PatientID:  "p-1",
		EntityType: types.EntityMedication,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Case-insensitive substring on the normalized form.
	got, err = store.Query(ctx, types.ChunkFilter{PatientID: "p-1", EntityText: "LISINO"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = store.Query(ctx, types.ChunkFilter{PatientID: "p-1", EntityText: "metformin"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreQueryOrderingAndPagination(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Store(ctx, []types.Chunk{
		chunkFixture("art-1", "p-1", day.AddDate(0, 0, -1)),
		chunkFixture("art-2", "p-1", day.AddDate(0, 0, 1)),
		chunkFixture("art-3", "p-1", day),
	})
	require.NoError(t, err)

	got, err := store.Query(ctx, types.ChunkFilter{PatientID: "p-1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "art-2", got[0].ArtifactID, "newest first")
	assert.Equal(t, "art-3", got[1].ArtifactID)
	assert.Equal(t, "art-1", got[2].ArtifactID)

	got, err = store.Query(ctx, types.ChunkFilter{PatientID: "p-1", Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "art-3", got[0].ArtifactID)

	got, err = store.Query(ctx, types.ChunkFilter{PatientID: "p-1", Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStoreDeletesUpdateIndexes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Store(ctx, []types.Chunk{
		chunkFixture("art-1", "p-1", day),
		chunkFixture("art-2", "p-1", day),
		chunkFixture("art-3", "p-2", day),
	})
	require.NoError(t, err)

	removed, err := store.DeleteByArtifact(ctx, "art-1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = store.DeleteByPatient(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalChunks)
	assert.Equal(t, 1, stats.PatientCount)
	assert.Equal(t, 1, stats.ArtifactCount)
}

func TestMemoryStoreGarbageCollect(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Store(ctx, []types.Chunk{
		chunkFixture("art-1", "p-1", day.AddDate(-1, 0, 0)),
		chunkFixture("art-2", "p-1", day),
	})
	require.NoError(t, err)

	removed, err := store.GarbageCollect(ctx, day.AddDate(0, -6, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalChunks)
}

func TestMemoryStoreStatistics(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	med := chunkFixture("art-1", "p-1", day.AddDate(0, 0, -3))
	med.ArtifactType = types.ArtifactTypeMedication
	_, err := store.Store(ctx, []types.Chunk{med, chunkFixture("art-2", "p-2", day)})
	require.NoError(t, err)

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalChunks)
	assert.Equal(t, 1, stats.ByType[types.ArtifactTypeMedication])
	assert.Equal(t, 1, stats.ByType[types.ArtifactTypeNote])
	assert.Equal(t, 2, stats.PatientCount)
	assert.True(t, stats.OldestDate.Equal(day.AddDate(0, 0, -3)))
	assert.True(t, stats.NewestDate.Equal(day))
}

func TestMemoryStoreClear(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Store(ctx, []types.Chunk{chunkFixture("art-1", "p-1", day)})
	require.NoError(t, err)
	require.NoError(t, store.Clear(ctx))

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalChunks)
}
