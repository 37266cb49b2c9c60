package chunkstore

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/pkg/types"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewSQLiteStore(db, nil)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	c := chunkFixture("art-1", "p-1", day)
	c.Entities = []types.Entity{
		{Text: "metformin", Type: types.EntityMedication, Start: 0, End: 9, Normalized: "Metformin"},
	}
	c.RelationshipIDs = []string{"rel-1"}
	c.ExtractedEntities = map[string][]string{"medication": {"Metformin"}}

	result, err := store.Store(ctx, []types.Chunk{c})
	require.NoError(t, err)
	assert.Equal(t, 1, result.StoredCount)

	got, err := store.Retrieve(ctx, c.ChunkID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, c.ChunkText, got.ChunkText)
	assert.Equal(t, c.Entities, got.Entities)
	assert.Equal(t, []string{"rel-1"}, got.RelationshipIDs)
	assert.Equal(t, c.ExtractedEntities, got.ExtractedEntities)
}

func TestSQLStoreUpsertCountsSkipped(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	c := chunkFixture("art-1", "p-1", day)
	_, err := store.Store(ctx, []types.Chunk{c})
	require.NoError(t, err)

	c.ChunkText = "revised text"
	result, err := store.Store(ctx, []types.Chunk{c})
	require.NoError(t, err)
	assert.Equal(t, 0, result.StoredCount)
	assert.Equal(t, 1, result.SkippedCount)

	got, err := store.Retrieve(ctx, c.ChunkID)
	require.NoError(t, err)
	assert.Equal(t, "revised text", got.ChunkText)
}

func TestSQLStoreQueryAndDelete(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	old := chunkFixture("art-1", "p-1", day.AddDate(-2, 0, 0))
	recent := chunkFixture("art-2", "p-1", day)
	other := chunkFixture("art-3", "p-2", day)
	_, err := store.Store(ctx, []types.Chunk{old, recent, other})
	require.NoError(t, err)

	got, err := store.Query(ctx, types.ChunkFilter{PatientID: "p-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "art-2", got[0].ArtifactID, "newest first")

	removed, err := store.GarbageCollect(ctx, day.AddDate(-1, 0, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	removed, err = store.DeleteByPatient(ctx, "p-2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	stats, err := store.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalChunks)
}

func TestSQLStoreStatisticsEmpty(t *testing.T) {
	store := newSQLiteStore(t)

	stats, err := store.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalChunks)
	assert.True(t, stats.OldestDate.IsZero())
}
