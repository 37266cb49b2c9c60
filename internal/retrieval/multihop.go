package retrieval

import (
	"context"
	"sort"

	"clinrag/internal/apperrors"
	"clinrag/internal/enrichment"
	"clinrag/pkg/types"
)

const (
	// hopDecay shrinks a candidate's inherited score on each relationship hop.
	hopDecay = 0.8

	maxHops = 2

	// DefaultRelationshipBoost is added to chunks reached through a
	// relationship hop during re-ranking.
	DefaultRelationshipBoost = 0.3
)

// MultiHopRetriever expands single-hop results along detected clinical
// relationships, then re-ranks the combined pool.
type MultiHopRetriever struct {
	retriever   *Retriever
	enrichments enrichment.Store
	relBoost    float64
}

// NewMultiHopRetriever layers relationship expansion on a base retriever.
// relationshipBoost <= 0 falls back to the default.
func NewMultiHopRetriever(retriever *Retriever, enrichments enrichment.Store, relationshipBoost float64) *MultiHopRetriever {
	if relationshipBoost <= 0 {
		relationshipBoost = DefaultRelationshipBoost
	}
	return &MultiHopRetriever{retriever: retriever, enrichments: enrichments, relBoost: relationshipBoost}
}

// Retrieve runs the base retrieval, optionally follows relationship edges up
// to hops levels, and re-ranks the pool down to topK.
func (m *MultiHopRetriever) Retrieve(ctx context.Context, query *types.StructuredQuery, topK, hops int) (*types.RetrievalResult, error) {
	if hops < 0 || hops > maxHops {
		return nil, apperrors.Newf(apperrors.KindValidation, "hop count must be between 0 and %d", maxHops)
	}
	if topK <= 0 {
		topK = 5
	}

	// Over-fetch the seed set so re-ranking has room to promote hop chunks.
	seedK := topK
	if hops > 0 {
		seedK = topK * 2
	}
	base, err := m.retriever.Retrieve(ctx, query, seedK)
	if err != nil {
		return nil, err
	}
	if hops == 0 || len(base.Candidates) == 0 {
		return m.finalize(base, topK)
	}

	filter, err := m.retriever.buildFilter(ctx, query.PatientID)
	if err != nil {
		return nil, err
	}
	rels, err := m.patientRelationships(ctx, query.PatientID)
	if err != nil {
		return nil, err
	}
	highlighter := NewHighlighter()

	pool := make(map[string]types.Candidate, len(base.Candidates))
	for _, c := range base.Candidates {
		pool[c.Chunk.ChunkID] = c
	}

	frontier := base.Candidates
	for hop := 1; hop <= hops; hop++ {
		var next []types.Candidate
		for _, from := range frontier {
			next = append(next, expand(&from, hop, query, rels, filter, highlighter, pool)...)
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	base.Candidates = base.Candidates[:0]
	for _, c := range pool {
		base.Candidates = append(base.Candidates, c)
	}
	return m.finalize(base, topK)
}

// expand follows the relationship ids of a candidate's chunk to sibling
// artifacts' chunks one hop away. Chunks already in the pool keep their
// shorter path.
func expand(from *types.Candidate, hop int, query *types.StructuredQuery, rels map[string]*types.ClinicalRelationship, filter *MetadataFilter, h *Highlighter, pool map[string]types.Candidate) []types.Candidate {
	var added []types.Candidate
	for _, relID := range from.Chunk.RelationshipIDs {
		rel := rels[relID]
		if rel == nil {
			continue
		}
		targetArtifact := rel.TargetArtifactID
		if targetArtifact == from.Chunk.ArtifactID {
			targetArtifact = rel.SourceArtifactID
		}
		for _, chunk := range filter.chunksOfArtifact(targetArtifact) {
			if _, seen := pool[chunk.ChunkID]; seen {
				continue
			}
			cand := buildCandidate(chunk, from.Score*hopDecay, query, h)
			cand.HopDistance = hop
			cand.RelationshipPath = append(append([]string{}, from.RelationshipPath...), rel.RelationshipID)
			pool[chunk.ChunkID] = cand
			added = append(added, cand)
		}
	}
	return added
}

// patientRelationships loads the patient's relationship set keyed by id.
func (m *MultiHopRetriever) patientRelationships(ctx context.Context, patientID string) (map[string]*types.ClinicalRelationship, error) {
	rels, err := m.enrichments.GetRelationshipsForPatient(ctx, patientID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "relationship lookup failed", err)
	}
	byID := make(map[string]*types.ClinicalRelationship, len(rels))
	for _, rel := range rels {
		byID[rel.RelationshipID] = rel
	}
	return byID, nil
}

// finalize re-ranks the pool and trims to topK. The final score folds in
// hop distance, the chunk's enrichment quality, and a bonus for chunks that
// were only reachable through a relationship.
func (m *MultiHopRetriever) finalize(result *types.RetrievalResult, topK int) (*types.RetrievalResult, error) {
	for i := range result.Candidates {
		c := &result.Candidates[i]
		score := c.Score - 0.1*float64(c.HopDistance) + 0.2*enrichmentScore(&c.Chunk)
		if c.HopDistance > 0 {
			score += m.relBoost
		}
		c.Score = clamp01(score)
	}
	sort.SliceStable(result.Candidates, func(i, j int) bool {
		a, b := result.Candidates[i], result.Candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.HopDistance != b.HopDistance {
			return a.HopDistance < b.HopDistance
		}
		return a.Chunk.ChunkID < b.Chunk.ChunkID
	})
	if len(result.Candidates) > topK {
		result.Candidates = result.Candidates[:topK]
	}
	for i := range result.Candidates {
		result.Candidates[i].Rank = i + 1
	}
	return result, nil
}

// enrichmentScore rewards chunks that carry enrichment context: the
// presence of an enriched rendering, extracted entities, and up to six
// linked relationships. Chunks whose search text is only overlap context
// (ContextExpansionLevel > 0) were never enriched and get no text bonus.
func enrichmentScore(c *types.Chunk) float64 {
	var score float64
	if c.EnrichedText != "" && c.ContextExpansionLevel == 0 {
		score += 0.4
	}
	if len(c.ExtractedEntities) > 0 {
		score += 0.3
	}
	relPart := 0.05 * float64(len(c.RelationshipIDs))
	if relPart > 0.3 {
		relPart = 0.3
	}
	return score + relPart
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// chunksOfArtifact lists the indexed chunks belonging to one artifact.
func (f *MetadataFilter) chunksOfArtifact(artifactID string) []*types.Chunk {
	var out []*types.Chunk
	for _, c := range f.chunks {
		if c.ArtifactID == artifactID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChunkID < out[j].ChunkID })
	return out
}
