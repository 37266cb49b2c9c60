package answer

import (
	"sort"
	"strings"

	"clinrag/pkg/types"
)

// BuildExtractions derives structured facts from the entities of the
// retrieval candidates, deduplicated on normalized form. Each extraction
// cites the chunk and the entity's character span inside it.
func BuildExtractions(candidates []types.Candidate) []types.Extraction {
	seen := make(map[string]bool)
	var out []types.Extraction
	for _, cand := range candidates {
		chunk := cand.Chunk
		for _, ent := range chunk.Entities {
			content := ent.Normalized
			if content == "" {
				content = ent.Text
			}
			key := string(ent.Type) + "|" + strings.ToLower(content)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, types.Extraction{
				Type:    string(ent.Type),
				Content: content,
				Provenance: &types.ExtractionProvenance{
					ArtifactID:     chunk.ArtifactID,
					ChunkID:        chunk.ChunkID,
					StartOffset:    ent.Start,
					EndOffset:      ent.End,
					SupportingText: supportingText(chunk.ChunkText, ent.Start, ent.End),
				},
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Content < out[j].Content
	})
	return out
}

func supportingText(text string, start, end int) string {
	if start < 0 || end > len(text) || start >= end {
		return ""
	}
	return text[start:end]
}
