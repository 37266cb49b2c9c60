// Package chunkstore splits enriched artifacts into retrievable chunks and
// stores them behind a common contract with in-memory, PostgreSQL, and
// SQLite implementations.
package chunkstore

import (
	"strings"
	"time"

	"clinrag/internal/entity"
	"clinrag/pkg/types"
)

const (
	DefaultMaxChars     = 1000
	DefaultOverlapChars = 150
)

// Splitter cuts artifact text into chunks of at most MaxChars, preferring
// sentence boundaries. Offsets of one artifact's chunks never overlap; the
// overlap setting instead carries the tail of the previous chunk into the
// next chunk's search text so retrieval does not lose cross-boundary
// context.
type Splitter struct {
	MaxChars     int
	OverlapChars int

	extractor *entity.Extractor
	now       func() time.Time
}

func NewSplitter(maxChars, overlapChars int, extractor *entity.Extractor) *Splitter {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if overlapChars < 0 || overlapChars >= maxChars {
		overlapChars = DefaultOverlapChars
	}
	return &Splitter{
		MaxChars:     maxChars,
		OverlapChars: overlapChars,
		extractor:    extractor,
		now:          time.Now,
	}
}

// Split produces the chunks for one enriched artifact. Entity offsets are
// relative to each chunk's text. relationshipIDs are attached to every
// chunk of the artifact.
func (s *Splitter) Split(ea *types.EnrichedArtifact, relationshipIDs []string) []types.Chunk {
	text := ea.OriginalText
	if strings.TrimSpace(text) == "" {
		return nil
	}

	bounds := splitBounds(text, s.MaxChars)
	chunks := make([]types.Chunk, 0, len(bounds))
	createdAt := s.now().UTC()

	for i, b := range bounds {
		chunkText := text[b.start:b.end]

		// Search text: the enriched rendering for the first chunk, the raw
		// slice with overlap context for the rest. expansionLevel marks the
		// overlap-only chunks so ranking can tell them from enriched ones.
		searchText := ""
		expansionLevel := 0
		if i == 0 {
			searchText = ea.EnrichedText
		} else if s.OverlapChars > 0 {
			ctxStart := b.start - s.OverlapChars
			if ctxStart < 0 {
				ctxStart = 0
			}
			searchText = text[ctxStart:b.start] + chunkText
			expansionLevel = 1
		}

		var entities []types.Entity
		if s.extractor != nil {
			entities = s.extractor.Extract(chunkText)
		}

		chunks = append(chunks, types.Chunk{
			ChunkID:               types.ChunkIDFor(ea.ArtifactID, b.start, b.end),
			ArtifactID:            ea.ArtifactID,
			PatientID:             ea.PatientID,
			ArtifactType:          ea.ArtifactType,
			ChunkText:             chunkText,
			EnrichedText:          searchText,
			StartOffset:           b.start,
			EndOffset:             b.end,
			Entities:              entities,
			RelationshipIDs:       relationshipIDs,
			ContextExpansionLevel: expansionLevel,
			ExtractedEntities:     entity.GroupByType(entities),
			OccurredAt:            ea.OccurredAt,
			CreatedAt:             createdAt,
		})
	}
	return chunks
}

type bound struct{ start, end int }

// splitBounds cuts [0,len(text)) into disjoint ranges of at most maxChars,
// breaking at the last sentence end inside the window, then the last space,
// then hard at maxChars.
func splitBounds(text string, maxChars int) []bound {
	var bounds []bound
	start := 0
	for start < len(text) {
		end := start + maxChars
		if end >= len(text) {
			bounds = append(bounds, bound{start, len(text)})
			break
		}
		cut := lastSentenceEnd(text[start:end])
		if cut <= 0 {
			cut = strings.LastIndexByte(text[start:end], ' ')
		}
		if cut <= 0 {
			cut = maxChars
		}
		bounds = append(bounds, bound{start, start + cut})
		start += cut
		// Skip leading whitespace so no chunk starts mid-gap.
		for start < len(text) && (text[start] == ' ' || text[start] == '\n' || text[start] == '\t') {
			start++
		}
	}
	return bounds
}

// lastSentenceEnd returns the index just past the last sentence terminator
// followed by whitespace or end of window, or -1.
func lastSentenceEnd(window string) int {
	for i := len(window) - 2; i > 0; i-- {
		c := window[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		next := window[i+1]
		if next == ' ' || next == '\n' || next == '\t' {
			return i + 1
		}
	}
	return -1
}
