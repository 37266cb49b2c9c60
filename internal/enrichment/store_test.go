package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/pkg/types"
)

func storedEnriched(artifactID, patientID string) *types.EnrichedArtifact {
	return &types.EnrichedArtifact{
		ArtifactID:        artifactID,
		PatientID:         patientID,
		ArtifactType:      types.ArtifactTypeMedication,
		OccurredAt:        time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC),
		OriginalText:      "original",
		EnrichedText:      "Medication: Lisinopril.",
		EnrichmentVersion: Version,
		EnrichedAt:        time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC),
		EnrichmentMethod:  types.MethodExplicitAPI,
	}
}

func storedRel(id, source, target, patientID string) *types.ClinicalRelationship {
	return &types.ClinicalRelationship{
		RelationshipID:     id,
		RelationshipType:   types.RelMedicationIndication,
		SourceArtifactID:   source,
		SourceArtifactType: types.ArtifactTypeMedication,
		TargetArtifactID:   target,
		TargetArtifactType: types.ArtifactTypeCondition,
		PatientID:          patientID,
		ConfidenceScore:    0.95,
		ExtractionMethod:   types.MethodExplicitAPI,
		EstablishedAt:      time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ea := storedEnriched("med-1", "p-1")
	rel := storedRel("rel-1", "med-1", "cond-1", "p-1")
	require.NoError(t, store.StoreEnrichments(ctx, []*types.EnrichedArtifact{ea},
		[]*types.ClinicalRelationship{rel}))

	got, err := store.GetEnrichedArtifact(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, ea.EnrichedText, got.EnrichedText)

	_, err = store.GetEnrichedArtifact(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreUpsertReplacesWholeRecord(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first := storedEnriched("med-1", "p-1")
	first.RelationshipSummary = "old summary"
	require.NoError(t, store.StoreEnrichments(ctx, []*types.EnrichedArtifact{first}, nil))

	second := storedEnriched("med-1", "p-1")
	second.EnrichedText = "Medication: Lisinopril 10mg."
	require.NoError(t, store.StoreEnrichments(ctx, []*types.EnrichedArtifact{second}, nil))

	got, err := store.GetEnrichedArtifact(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, "Medication: Lisinopril 10mg.", got.EnrichedText)
	assert.Empty(t, got.RelationshipSummary, "upsert replaces, never merges")
}

func TestMemoryStoreRejectsInvalidWithoutPartialWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	good := storedEnriched("med-1", "p-1")
	bad := storedEnriched("", "p-1")
	err := store.StoreEnrichments(ctx, []*types.EnrichedArtifact{good, bad}, nil)
	require.Error(t, err)

	_, err = store.GetEnrichedArtifact(ctx, "med-1")
	assert.ErrorIs(t, err, ErrNotFound, "failed batch must not write any rows")
}

func TestMemoryStoreRelationshipLookups(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rels := []*types.ClinicalRelationship{
		storedRel("rel-1", "med-1", "cond-1", "p-1"),
		storedRel("rel-2", "med-2", "cond-1", "p-1"),
		storedRel("rel-3", "med-3", "cond-9", "p-2"),
	}
	require.NoError(t, store.StoreEnrichments(ctx, nil, rels))

	byArtifact, err := store.GetRelationshipsForArtifact(ctx, "cond-1")
	require.NoError(t, err)
	assert.Len(t, byArtifact, 2)

	byPatient, err := store.GetRelationshipsForPatient(ctx, "p-1")
	require.NoError(t, err)
	assert.Len(t, byPatient, 2)
	// Deterministic order: by source, then target, then type.
	assert.Equal(t, "med-1", byPatient[0].SourceArtifactID)
	assert.Equal(t, "med-2", byPatient[1].SourceArtifactID)
}

func TestMemoryStoreDeleteByPatient(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.StoreEnrichments(ctx,
		[]*types.EnrichedArtifact{storedEnriched("med-1", "p-1"), storedEnriched("med-2", "p-2")},
		[]*types.ClinicalRelationship{storedRel("rel-1", "med-1", "cond-1", "p-1")}))

	require.NoError(t, store.DeleteByPatient(ctx, "p-1"))

	_, err := store.GetEnrichedArtifact(ctx, "med-1")
	assert.ErrorIs(t, err, ErrNotFound)
	remaining, err := store.GetRelationshipsForPatient(ctx, "p-1")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	_, err = store.GetEnrichedArtifact(ctx, "med-2")
	assert.NoError(t, err)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.StoreEnrichments(ctx,
		[]*types.EnrichedArtifact{storedEnriched("med-1", "p-1")}, nil))

	got, err := store.GetEnrichedArtifact(ctx, "med-1")
	require.NoError(t, err)
	got.EnrichedText = "mutated"

	again, err := store.GetEnrichedArtifact(ctx, "med-1")
	require.NoError(t, err)
	assert.Equal(t, "Medication: Lisinopril.", again.EnrichedText)
}
