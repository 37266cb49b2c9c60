package chunkstore

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/pkg/types"
)

func enrichedFixture(text string) *types.EnrichedArtifact {
	return &types.EnrichedArtifact{
		ArtifactID:        "art-1",
		PatientID:         "p-1",
		ArtifactType:      types.ArtifactTypeNote,
		OccurredAt:        time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		OriginalText:      text,
		EnrichedText:      "Note: enriched rendering. " + text,
		EnrichmentVersion: "v2",
		EnrichmentMethod:  types.MethodExplicitAPI,
	}
}

func TestSplitShortTextSingleChunk(t *testing.T) {
	s := NewSplitter(1000, 150, nil)

	chunks := s.Split(enrichedFixture("A short note."), []string{"rel-1"})
	require.Len(t, chunks, 1)
	assert.Equal(t, "A short note.", chunks[0].ChunkText)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, 13, chunks[0].EndOffset)
	assert.Equal(t, types.ChunkIDFor("art-1", 0, 13), chunks[0].ChunkID)
	assert.Equal(t, []string{"rel-1"}, chunks[0].RelationshipIDs)
	// First chunk carries the enriched rendering as search text.
	assert.Contains(t, chunks[0].EnrichedText, "enriched rendering")
}

func TestSplitRespectsMaxAndSentenceBoundaries(t *testing.T) {
	s := NewSplitter(100, 20, nil)

	text := strings.Repeat("This sentence is about forty characters. ", 10)
	chunks := s.Split(enrichedFixture(text), nil)
	require.Greater(t, len(chunks), 1)

	for i, c := range chunks {
		assert.LessOrEqual(t, c.EndOffset-c.StartOffset, 100, "chunk %d too long", i)
		assert.Equal(t, text[c.StartOffset:c.EndOffset], c.ChunkText)
		// Sentence-boundary cuts end chunks on a period.
		if i < len(chunks)-1 {
			assert.True(t, strings.HasSuffix(strings.TrimSpace(c.ChunkText), "."),
				"chunk %d: %q", i, c.ChunkText)
		}
	}
}

func TestSplitOffsetsDisjointAndIncreasing(t *testing.T) {
	s := NewSplitter(80, 20, nil)

	text := strings.Repeat("Word soup without any terminators whatsoever just words ", 8)
	chunks := s.Split(enrichedFixture(text), nil)
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		assert.GreaterOrEqual(t, chunks[i].StartOffset, chunks[i-1].EndOffset,
			"chunk %d overlaps its predecessor", i)
	}
}

func TestSplitLaterChunksCarryOverlapContext(t *testing.T) {
	s := NewSplitter(100, 30, nil)

	text := strings.Repeat("This sentence is about forty characters. ", 10)
	chunks := s.Split(enrichedFixture(text), nil)
	require.Greater(t, len(chunks), 1)

	second := chunks[1]
	assert.True(t, strings.HasSuffix(second.EnrichedText, second.ChunkText))
	assert.Greater(t, len(second.EnrichedText), len(second.ChunkText),
		"overlap context should precede the chunk text")

	// Only the first chunk carries a real enriched rendering; the rest are
	// marked as overlap-context chunks.
	assert.Equal(t, 0, chunks[0].ContextExpansionLevel)
	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, 1, chunks[i].ContextExpansionLevel, "chunk %d", i)
	}
}

func TestSplitEmptyText(t *testing.T) {
	s := NewSplitter(1000, 150, nil)
	assert.Nil(t, s.Split(enrichedFixture("   "), nil))
}

func TestSplitDeterministicChunkIDs(t *testing.T) {
	s := NewSplitter(100, 20, nil)
	text := strings.Repeat("This sentence is about forty characters. ", 6)

	first := s.Split(enrichedFixture(text), nil)
	second := s.Split(enrichedFixture(text), nil)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ChunkID, second[i].ChunkID)
	}
}

func TestSplitHardCutWithoutSpaces(t *testing.T) {
	s := NewSplitter(50, 10, nil)

	text := strings.Repeat("x", 120)
	chunks := s.Split(enrichedFixture(text), nil)
	require.Len(t, chunks, 3)
	assert.Equal(t, 50, chunks[0].EndOffset)
	assert.Equal(t, 100, chunks[1].EndOffset)
	assert.Equal(t, 120, chunks[2].EndOffset)
}
