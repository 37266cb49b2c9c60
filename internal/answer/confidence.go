// Package answer turns retrieval output and generated text into the final
// response envelope: structured extractions, provenance references,
// confidence scoring, and validation.
package answer

import (
	"clinrag/pkg/types"
)

// Confidence labels.
const (
	LabelHigh   = "high"
	LabelMedium = "medium"
	LabelLow    = "low"
)

// ConfidenceScorer computes the fixed-weight confidence score:
// 0.6·avg_retrieval_score + 0.3·extraction_quality + 0.1·support_density.
type ConfidenceScorer struct{}

// NewConfidenceScorer returns a scorer.
func NewConfidenceScorer() *ConfidenceScorer { return &ConfidenceScorer{} }

// Score grades an answer from its retrieval candidates and extractions.
func (s *ConfidenceScorer) Score(candidates []types.Candidate, extractions []types.Extraction) types.Confidence {
	components := types.ConfidenceComponents{
		AvgRetrievalScore: avgRetrievalScore(candidates),
		ExtractionQuality: extractionQuality(extractions),
		SupportDensity:    supportDensity(candidates),
	}
	score := 0.6*components.AvgRetrievalScore +
		0.3*components.ExtractionQuality +
		0.1*components.SupportDensity

	conf := types.Confidence{
		Score:      score,
		Components: components,
	}
	switch {
	case score >= 0.7:
		conf.Label = LabelHigh
	case score >= 0.4:
		conf.Label = LabelMedium
	default:
		conf.Label = LabelLow
	}
	if conf.Label != LabelHigh {
		conf.Reason = weakestComponent(components)
	}
	return conf
}

func avgRetrievalScore(candidates []types.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	var sum float64
	for _, c := range candidates {
		sum += c.Score
	}
	return sum / float64(len(candidates))
}

// extractionQuality rewards extractions that carry provenance and usable
// character offsets.
func extractionQuality(extractions []types.Extraction) float64 {
	if len(extractions) == 0 {
		return 0
	}
	var sum float64
	for _, e := range extractions {
		q := 0.5
		if e.Provenance != nil {
			q += 0.3
			if e.Provenance.EndOffset > e.Provenance.StartOffset {
				q += 0.2
			}
		}
		sum += q
	}
	return sum / float64(len(extractions))
}

// supportDensity is the share of candidates backed by distinct source
// artifacts.
func supportDensity(candidates []types.Candidate) float64 {
	if len(candidates) == 0 {
		return 0
	}
	sources := make(map[string]bool)
	for _, c := range candidates {
		if c.Chunk.ArtifactID != "" {
			sources[c.Chunk.ArtifactID] = true
		}
	}
	return float64(len(sources)) / float64(len(candidates))
}

func weakestComponent(c types.ConfidenceComponents) string {
	weakest, value := "retrieval relevance was low", c.AvgRetrievalScore
	if c.ExtractionQuality < value {
		weakest, value = "extractions lacked provenance", c.ExtractionQuality
	}
	if c.SupportDensity < value {
		weakest = "answer is supported by few distinct sources"
	}
	return weakest
}
