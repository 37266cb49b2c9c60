package answer

import (
	"fmt"
	"strings"
	"time"

	"clinrag/pkg/types"
)

const (
	// contextRadius is the minimum context carried on each side of a cited span.
	contextRadius = 50

	// snippetCap bounds a formatted provenance snippet.
	snippetCap = 200

	recentWindow = 7 * 24 * time.Hour
)

// ProvenanceFormatter renders source references for display: a
// sentence-bounded snippet around the cited span, a human date, and a
// canonical link back to the source record.
type ProvenanceFormatter struct {
	now func() time.Time
}

// NewProvenanceFormatter returns a formatter using wall-clock time for
// relative dates.
func NewProvenanceFormatter() *ProvenanceFormatter {
	return &ProvenanceFormatter{now: time.Now}
}

// Format produces one provenance reference per extraction that cites a
// chunk, resolving each citation against the retrieval candidates.
func (f *ProvenanceFormatter) Format(extractions []types.Extraction, candidates []types.Candidate) []types.Provenance {
	byChunk := make(map[string]*types.Candidate, len(candidates))
	for i := range candidates {
		byChunk[candidates[i].Chunk.ChunkID] = &candidates[i]
	}

	var refs []types.Provenance
	for _, ex := range extractions {
		if ex.Provenance == nil {
			continue
		}
		cand, ok := byChunk[ex.Provenance.ChunkID]
		if !ok {
			continue
		}
		chunk := &cand.Chunk
		refs = append(refs, types.Provenance{
			ArtifactID:     chunk.ArtifactID,
			ArtifactType:   chunk.ArtifactType,
			ChunkID:        chunk.ChunkID,
			Snippet:        contextSnippet(chunk.ChunkText, ex.Provenance.StartOffset, ex.Provenance.EndOffset),
			NoteDate:       f.FormatDate(chunk.OccurredAt),
			Author:         chunk.Author,
			SourceURL:      sourceURL(chunk),
			StartOffset:    ex.Provenance.StartOffset,
			EndOffset:      ex.Provenance.EndOffset,
			RelevanceScore: cand.Score,
		})
	}
	return refs
}

// contextSnippet carries at least contextRadius characters on each side of
// the cited span, grown outwards to sentence boundaries, capped at
// snippetCap with word-boundary truncation and ellipses where cut.
func contextSnippet(text string, spanStart, spanEnd int) string {
	if spanStart < 0 {
		spanStart = 0
	}
	if spanEnd > len(text) {
		spanEnd = len(text)
	}
	if spanStart > spanEnd {
		spanStart = spanEnd
	}

	start := spanStart - contextRadius
	if start < 0 {
		start = 0
	}
	end := spanEnd + contextRadius
	if end > len(text) {
		end = len(text)
	}
	start = growToSentenceStart(text, start)
	end = growToSentenceEnd(text, end)

	cutLeft, cutRight := start > 0, end < len(text)
	snippet := text[start:end]

	if len(snippet) > snippetCap {
		// Keep the span centered while shrinking to the cap.
		over := len(snippet) - snippetCap
		trimLeft := over / 2
		if start+trimLeft > spanStart {
			trimLeft = spanStart - start
		}
		snippet = snippet[trimLeft:]
		if len(snippet) > snippetCap {
			snippet = snippet[:snippetCap]
			cutRight = true
		}
		if trimLeft > 0 {
			cutLeft = true
		}
		snippet = trimToWords(snippet, cutLeft, cutRight)
	}
	snippet = strings.TrimSpace(snippet)
	if cutLeft {
		snippet = "…" + snippet
	}
	if cutRight {
		snippet += "…"
	}
	return snippet
}

func growToSentenceStart(text string, pos int) int {
	for i := pos; i > 0; i-- {
		switch text[i-1] {
		case '.', '!', '?', '\n':
			return i
		}
		if pos-i >= snippetCap/2 {
			return pos
		}
	}
	return 0
}

func growToSentenceEnd(text string, pos int) int {
	for i := pos; i < len(text); i++ {
		switch text[i] {
		case '.', '!', '?':
			return i + 1
		case '\n':
			return i
		}
		if i-pos >= snippetCap/2 {
			return pos
		}
	}
	return len(text)
}

// trimToWords drops partial words at cut edges.
func trimToWords(snippet string, cutLeft, cutRight bool) string {
	if cutLeft {
		if i := strings.IndexByte(snippet, ' '); i >= 0 {
			snippet = snippet[i+1:]
		}
	}
	if cutRight {
		if i := strings.LastIndexByte(snippet, ' '); i >= 0 {
			snippet = snippet[:i]
		}
	}
	return snippet
}

// FormatDate renders occurred_at relative when recent, absolute otherwise.
func (f *ProvenanceFormatter) FormatDate(occurred time.Time) string {
	if occurred.IsZero() {
		return ""
	}
	age := f.now().Sub(occurred)
	if age >= 0 && age < recentWindow {
		days := int(age.Hours() / 24)
		switch days {
		case 0:
			return "today"
		case 1:
			return "yesterday"
		default:
			return fmt.Sprintf("%d days ago", days)
		}
	}
	return occurred.Format("Jan 2, 2006")
}

// sourceURL prefers the chunk's recorded source link, falling back to the
// canonical per-type path.
func sourceURL(chunk *types.Chunk) string {
	if chunk.SourceURL != "" {
		return chunk.SourceURL
	}
	return CanonicalSourceURL(chunk.PatientID, chunk.ArtifactType, chunk.ArtifactID)
}

// CanonicalSourceURL derives the in-app record path for an artifact.
func CanonicalSourceURL(patientID string, artifactType types.ArtifactType, artifactID string) string {
	var segment string
	switch artifactType {
	case types.ArtifactTypeMedication:
		segment = "medications"
	case types.ArtifactTypeCondition:
		segment = "conditions"
	case types.ArtifactTypeAllergy:
		segment = "allergies"
	case types.ArtifactTypeCarePlan:
		segment = "care-plans"
	case types.ArtifactTypeLabObservation:
		segment = "labs"
	case types.ArtifactTypeNote:
		segment = "notes"
	case types.ArtifactTypeDocument:
		segment = "documents"
	case types.ArtifactTypeAppointment:
		segment = "appointments"
	case types.ArtifactTypeMessage:
		segment = "messages"
	default:
		segment = "records"
	}
	return fmt.Sprintf("/patients/%s/%s/%s", patientID, segment, artifactID)
}
