package answer

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/internal/apperrors"
	"clinrag/pkg/types"
)

func candWithScore(artifactID string, score float64) types.Candidate {
	text := "Patient takes Lisinopril 10mg daily for hypertension."
	return types.Candidate{
		Chunk: types.Chunk{
			ChunkID:      types.ChunkIDFor(artifactID, 0, len(text)),
			ArtifactID:   artifactID,
			PatientID:    "p-1",
			ArtifactType: types.ArtifactTypeMedication,
			ChunkText:    text,
			EndOffset:    len(text),
			OccurredAt:   time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		},
		Score: score,
	}
}

func extractionFor(c types.Candidate, start, end int) types.Extraction {
	return types.Extraction{
		Type:    "medication",
		Content: c.Chunk.ChunkText[start:end],
		Provenance: &types.ExtractionProvenance{
			ArtifactID:     c.Chunk.ArtifactID,
			ChunkID:        c.Chunk.ChunkID,
			StartOffset:    start,
			EndOffset:      end,
			SupportingText: c.Chunk.ChunkText[start:end],
		},
	}
}

func TestConfidenceFormula(t *testing.T) {
	s := NewConfidenceScorer()
	c1 := candWithScore("med-1", 0.9)
	c2 := candWithScore("med-2", 0.7)
	ex := extractionFor(c1, 14, 24)

	conf := s.Score([]types.Candidate{c1, c2}, []types.Extraction{ex})

	assert.InDelta(t, 0.8, conf.Components.AvgRetrievalScore, 1e-9)
	// provenance with offsets: 0.5 + 0.3 + 0.2
	assert.InDelta(t, 1.0, conf.Components.ExtractionQuality, 1e-9)
	// two candidates, two distinct artifacts
	assert.InDelta(t, 1.0, conf.Components.SupportDensity, 1e-9)
	assert.InDelta(t, 0.6*0.8+0.3+0.1, conf.Score, 1e-9)
	assert.Equal(t, LabelHigh, conf.Label)
	assert.Empty(t, conf.Reason)
}

func TestConfidenceEmptyInputsAreLow(t *testing.T) {
	conf := NewConfidenceScorer().Score(nil, nil)
	assert.Zero(t, conf.Score)
	assert.Equal(t, LabelLow, conf.Label)
	assert.NotEmpty(t, conf.Reason)
}

func TestConfidenceReasonNamesWeakestComponent(t *testing.T) {
	c := candWithScore("med-1", 0.5)
	// No extractions: extraction_quality = 0 is the weakest component.
	conf := NewConfidenceScorer().Score([]types.Candidate{c}, nil)
	assert.Equal(t, LabelMedium, conf.Label)
	assert.Contains(t, conf.Reason, "provenance")
}

func TestBuildExtractionsDedupes(t *testing.T) {
	c := candWithScore("med-1", 0.9)
	c.Chunk.Entities = []types.Entity{
		{Text: "Lisinopril", Type: types.EntityMedication, Start: 14, End: 24, Normalized: "Lisinopril"},
		{Text: "lisinopril", Type: types.EntityMedication, Start: 14, End: 24, Normalized: "Lisinopril"},
		{Text: "hypertension", Type: types.EntityCondition, Start: 41, End: 53, Normalized: "Hypertension"},
	}
	out := BuildExtractions([]types.Candidate{c})

	require.Len(t, out, 2)
	assert.Equal(t, "condition", out[0].Type)
	assert.Equal(t, "medication", out[1].Type)
	require.NotNil(t, out[1].Provenance)
	assert.Equal(t, c.Chunk.ChunkID, out[1].Provenance.ChunkID)
	assert.Equal(t, "Lisinopril", out[1].Provenance.SupportingText)
}

func TestProvenanceFormatterSnippetAndDates(t *testing.T) {
	c := candWithScore("med-1", 0.9)
	ex := extractionFor(c, 14, 24)

	f := NewProvenanceFormatter()
	f.now = func() time.Time { return time.Date(2025, 1, 17, 12, 0, 0, 0, time.UTC) }

	refs := f.Format([]types.Extraction{ex}, []types.Candidate{c})
	require.Len(t, refs, 1)

	ref := refs[0]
	assert.Equal(t, "med-1", ref.ArtifactID)
	assert.Contains(t, ref.Snippet, "Lisinopril")
	assert.Equal(t, "2 days ago", ref.NoteDate)
	assert.Equal(t, "/patients/p-1/medications/med-1", ref.SourceURL)
	assert.InDelta(t, 0.9, ref.RelevanceScore, 1e-9)
}

func TestProvenanceAbsoluteDateAfterAWeek(t *testing.T) {
	f := NewProvenanceFormatter()
	f.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	assert.Equal(t, "Jan 15, 2025", f.FormatDate(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "today", f.FormatDate(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC).Add(-2*time.Hour)))
}

func TestContextSnippetEllipsesAndCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 60; i++ {
		b.WriteString("word word word word word word word word word word ")
	}
	text := b.String()
	snippet := contextSnippet(text, 1500, 1510)

	assert.LessOrEqual(t, len(snippet), snippetCap+len("…")*2)
	assert.True(t, strings.HasPrefix(snippet, "…"))
	assert.True(t, strings.HasSuffix(snippet, "…"))
}

func buildInput(c types.Candidate, exs []types.Extraction) BuildInput {
	return BuildInput{
		Query: &types.StructuredQuery{
			QueryID:       "q-1",
			OriginalQuery: "what medications",
			PatientID:     "p-1",
			Intent:        types.IntentRetrieveMedications,
			DetailLevel:   3,
			ProcessedAt:   time.Now(),
		},
		ShortAnswer: "The patient takes Lisinopril 10mg daily.",
		Summary:     "Lisinopril 10mg daily, prescribed for hypertension.",
		Extractions: exs,
		Candidates:  []types.Candidate{c},
		Confidence:  types.Confidence{Score: 0.8, Label: LabelHigh},
		ModelUsed:   "test-model",
		Components:  []string{"retriever", "generator"},
		StartedAt:   time.Now().Add(-50 * time.Millisecond),
	}
}

func TestResponseBuilderSuccess(t *testing.T) {
	c := candWithScore("med-1", 0.9)
	ex := extractionFor(c, 14, 24)

	resp, err := NewResponseBuilder().BuildSuccess(buildInput(c, []types.Extraction{ex}))
	require.NoError(t, err)

	assert.Equal(t, "q-1", resp.QueryID)
	assert.NotEmpty(t, resp.ShortAnswer)
	require.Len(t, resp.Provenance, 1)
	assert.Equal(t, 1, resp.Metadata.SourcesCount)
	assert.Equal(t, PipelineVersion, resp.Audit.PipelineVersion)
	assert.GreaterOrEqual(t, resp.Metadata.TotalTimeMs, int64(0))
}

func TestResponseBuilderRejectsEmptyAnswer(t *testing.T) {
	c := candWithScore("med-1", 0.9)
	in := buildInput(c, nil)
	in.ShortAnswer = ""
	_, err := NewResponseBuilder().BuildSuccess(in)
	assert.Error(t, err)
}

func TestResponseBuilderRejectsUnknownCitation(t *testing.T) {
	c := candWithScore("med-1", 0.9)
	ex := extractionFor(c, 14, 24)
	ex.Provenance.ChunkID = "ghost:0:10"

	_, err := NewResponseBuilder().BuildSuccess(buildInput(c, []types.Extraction{ex}))
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindInternal))
}

func TestBuildErrorEnvelope(t *testing.T) {
	cause := apperrors.New(apperrors.KindUnavailable, "vector index down")
	resp := NewResponseBuilder().BuildError("q-1", time.Now(), cause)

	assert.Equal(t, "q-1", resp.QueryID)
	assert.Equal(t, "SERVICE_UNAVAILABLE", resp.Error.Code)
	assert.NotEmpty(t, resp.Error.UserMessage)
	assert.NotEmpty(t, resp.Metadata.ErrorTimestamp)
	assert.Equal(t, 503, HTTPStatusFor(cause))
	assert.Equal(t, 500, HTTPStatusFor(assert.AnError))
}
