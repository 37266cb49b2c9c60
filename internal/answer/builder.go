package answer

import (
	"encoding/json"
	"errors"
	"time"

	"clinrag/internal/apperrors"
	"clinrag/pkg/types"
)

const (
	// maxResponseBytes bounds the serialized success envelope.
	maxResponseBytes = 1 << 20

	// maxSummaryChars caps detailed_summary once the envelope overflows.
	maxSummaryChars = 2000

	// PipelineVersion identifies the answer pipeline in audit blocks.
	PipelineVersion = "clinrag/2"
)

// BuildInput carries everything the response builder needs for a success
// envelope.
type BuildInput struct {
	Query       *types.StructuredQuery
	ShortAnswer string
	Summary     string
	Extractions []types.Extraction
	Candidates  []types.Candidate
	Confidence  types.Confidence
	ModelUsed   string
	Components  []string
	Timestamps  map[string]string
	StartedAt   time.Time
}

// ResponseBuilder assembles and validates the output envelopes.
type ResponseBuilder struct {
	formatter *ProvenanceFormatter
	now       func() time.Time
}

// NewResponseBuilder returns a builder using wall-clock timestamps.
func NewResponseBuilder() *ResponseBuilder {
	return &ResponseBuilder{formatter: NewProvenanceFormatter(), now: time.Now}
}

// BuildSuccess validates and assembles the success envelope, shrinking it
// under the size bound if needed.
func (b *ResponseBuilder) BuildSuccess(in BuildInput) (*types.UIResponse, error) {
	if in.ShortAnswer == "" {
		return nil, apperrors.New(apperrors.KindInternal, "answer text is empty")
	}
	if err := ValidateCitations(in.Extractions, in.Candidates); err != nil {
		return nil, err
	}

	finished := b.now()
	resp := &types.UIResponse{
		QueryID:              in.Query.QueryID,
		ShortAnswer:          in.ShortAnswer,
		DetailedSummary:      in.Summary,
		StructuredExtraction: in.Extractions,
		Provenance:           b.formatter.Format(in.Extractions, in.Candidates),
		Confidence:           in.Confidence,
		Metadata: types.ResponseMetadata{
			PatientID:         in.Query.PatientID,
			QueryTimestamp:    in.StartedAt.UTC().Format(time.RFC3339),
			ResponseTimestamp: finished.UTC().Format(time.RFC3339),
			TotalTimeMs:       finished.Sub(in.StartedAt).Milliseconds(),
			SourcesCount:      distinctSources(in.Candidates),
			ModelUsed:         in.ModelUsed,
		},
		Audit: types.ResponseAudit{
			QueryID:            in.Query.QueryID,
			ComponentsExecuted: in.Components,
			PipelineVersion:    PipelineVersion,
			Timestamps:         in.Timestamps,
		},
	}
	return b.shrinkToFit(resp)
}

// BuildError assembles the failure envelope from a taxonomy error.
func (b *ResponseBuilder) BuildError(queryID string, startedAt time.Time, err error) *types.ErrorResponse {
	kind := apperrors.KindOf(err)
	detail := types.ErrorDetail{
		Code:        string(kind),
		Message:     err.Error(),
		UserMessage: userMessageFor(err),
	}
	var ae *apperrors.Error
	if errors.As(err, &ae) && len(ae.Details) > 0 {
		detail.Details = ae.Details
	}
	return &types.ErrorResponse{
		QueryID: queryID,
		Error:   detail,
		Metadata: types.ResponseMetadata{
			QueryTimestamp: startedAt.UTC().Format(time.RFC3339),
			ErrorTimestamp: b.now().UTC().Format(time.RFC3339),
		},
	}
}

// HTTPStatusFor maps an error to the response status per the taxonomy.
func HTTPStatusFor(err error) int {
	return apperrors.KindOf(err).HTTPStatus()
}

// ValidateCitations checks that every provenance-bearing extraction
// references a chunk present in the candidate set.
func ValidateCitations(extractions []types.Extraction, candidates []types.Candidate) error {
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.Chunk.ChunkID] = true
	}
	for _, ex := range extractions {
		if ex.Provenance == nil {
			continue
		}
		if !known[ex.Provenance.ChunkID] {
			return apperrors.Newf(apperrors.KindInternal,
				"extraction cites unknown chunk %s", ex.Provenance.ChunkID).
				WithDetails(map[string]interface{}{"chunk_id": ex.Provenance.ChunkID})
		}
	}
	return nil
}

// shrinkToFit enforces the envelope size bound: first cap the summary, then
// drop provenance from the lowest-relevance end until it fits.
func (b *ResponseBuilder) shrinkToFit(resp *types.UIResponse) (*types.UIResponse, error) {
	if fits(resp) {
		return resp, nil
	}
	if len(resp.DetailedSummary) > maxSummaryChars {
		resp.DetailedSummary = resp.DetailedSummary[:maxSummaryChars]
	}
	for !fits(resp) && len(resp.Provenance) > 0 {
		drop := lowestRelevance(resp.Provenance)
		resp.Provenance = append(resp.Provenance[:drop], resp.Provenance[drop+1:]...)
	}
	if !fits(resp) {
		return nil, apperrors.New(apperrors.KindInternal, "response exceeds size limit after truncation")
	}
	return resp, nil
}

func fits(resp *types.UIResponse) bool {
	raw, err := json.Marshal(resp)
	return err == nil && len(raw) <= maxResponseBytes
}

func lowestRelevance(refs []types.Provenance) int {
	drop := 0
	for i, p := range refs {
		if p.RelevanceScore < refs[drop].RelevanceScore {
			drop = i
		}
	}
	return drop
}

func distinctSources(candidates []types.Candidate) int {
	sources := make(map[string]bool)
	for _, c := range candidates {
		sources[c.Chunk.ArtifactID] = true
	}
	return len(sources)
}

func userMessageFor(err error) string {
	var ae *apperrors.Error
	if errors.As(err, &ae) {
		return ae.User().Message
	}
	return apperrors.New(apperrors.KindInternal, "").User().Message
}
