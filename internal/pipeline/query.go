package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"clinrag/internal/answer"
	"clinrag/internal/audit"
	"clinrag/internal/conversation"
	"clinrag/internal/emr"
	"clinrag/internal/logging"
	"clinrag/internal/retrieval"
	"clinrag/pkg/types"
)

// QueryOptions tunes one answer flow invocation.
type QueryOptions struct {
	SessionID   string
	Question    string
	DetailLevel int
	TopK        int
	Hops        int
}

// QueryDeps carries the answer flow's collaborators. History is optional.
type QueryDeps struct {
	Sessions  *conversation.Manager
	Retriever *retrieval.MultiHopRetriever
	Generator emr.Generator
	Audit     *audit.Logger
	History   *conversation.HistoryStore
	ModelID   string
	TopK      int
	Hops      int
	Logger    logging.Logger
}

// QueryPipeline answers questions end to end: follow-up resolution,
// multi-hop retrieval, grounded generation, confidence scoring, envelope
// assembly, and the audit/history writes.
type QueryPipeline struct {
	sessions  *conversation.Manager
	retriever *retrieval.MultiHopRetriever
	generator emr.Generator
	scorer    *answer.ConfidenceScorer
	builder   *answer.ResponseBuilder
	audit     *audit.Logger
	history   *conversation.HistoryStore
	modelID   string
	topK      int
	hops      int
	logger    logging.Logger
	now       func() time.Time
}

// NewQueryPipeline wires the answer flow.
func NewQueryPipeline(deps QueryDeps) *QueryPipeline {
	topK := deps.TopK
	if topK <= 0 {
		topK = 10
	}
	return &QueryPipeline{
		sessions:  deps.Sessions,
		retriever: deps.Retriever,
		generator: deps.Generator,
		scorer:    answer.NewConfidenceScorer(),
		builder:   answer.NewResponseBuilder(),
		audit:     deps.Audit,
		history:   deps.History,
		modelID:   deps.ModelID,
		topK:      topK,
		hops:      deps.Hops,
		logger:    logging.OrNoop(deps.Logger),
		now:       time.Now,
	}
}

// Answer runs the flow. Exactly one audit entry is written whether the flow
// succeeds or fails; on failure the error envelope is returned alongside
// the error.
func (q *QueryPipeline) Answer(ctx context.Context, opts QueryOptions) (*types.UIResponse, *types.ErrorResponse, error) {
	start := q.now()
	timestamps := map[string]string{"started": start.UTC().Format(time.RFC3339Nano)}
	var components []string
	stage := func(name string) {
		components = append(components, name)
		timestamps[name] = q.now().UTC().Format(time.RFC3339Nano)
	}

	query, err := q.sessions.ResolveFollowUp(opts.SessionID, opts.Question, opts.DetailLevel)
	if err != nil {
		return nil, q.fail(opts, "", start, err), err
	}
	stage("parse")

	result, err := q.retriever.Retrieve(ctx, query, q.topK, q.hops)
	if err != nil {
		return nil, q.fail(opts, query.QueryID, start, err), err
	}
	stage("retrieve")

	gen, err := q.generator.Generate(ctx, buildPrompt(query, result.Candidates), emr.GenerateOptions{
		MaxTokens:   512 + 256*query.DetailLevel,
		Temperature: 0.1,
	})
	if err != nil {
		return nil, q.fail(opts, query.QueryID, start, err), err
	}
	stage("generate")

	extractions := answer.BuildExtractions(result.Candidates)
	confidence := q.scorer.Score(result.Candidates, extractions)
	stage("score")

	resp, err := q.builder.BuildSuccess(answer.BuildInput{
		Query:       query,
		ShortAnswer: shortAnswer(gen.Text),
		Summary:     gen.Text,
		Extractions: extractions,
		Candidates:  result.Candidates,
		Confidence:  confidence,
		ModelUsed:   q.modelID,
		Components:  append(components, "respond"),
		Timestamps:  timestamps,
		StartedAt:   start,
	})
	if err != nil {
		return nil, q.fail(opts, query.QueryID, start, err), err
	}

	if err := q.sessions.UpdateContext(opts.SessionID, query, resp.ShortAnswer); err != nil {
		q.logger.Warn("session update failed", map[string]interface{}{
			"session_id": opts.SessionID,
			"error":      err.Error(),
		})
	}
	q.writeAudit(query, resp, result, start, true, "")
	q.writeHistory(ctx, query, resp, result)
	return resp, nil, nil
}

// fail assembles the error envelope and writes the failure audit entry.
func (q *QueryPipeline) fail(opts QueryOptions, queryID string, start time.Time, cause error) *types.ErrorResponse {
	resp := q.builder.BuildError(queryID, start, cause)
	entry := types.AuditEntry{
		QueryID:     queryID,
		Timestamp:   q.now(),
		QueryText:   opts.Question,
		TotalTimeMs: q.now().Sub(start).Milliseconds(),
		Success:     false,
		Error:       cause.Error(),
		SessionID:   opts.SessionID,
	}
	if q.audit != nil {
		q.audit.LogQuery(entry)
	}
	return resp
}

func (q *QueryPipeline) writeAudit(query *types.StructuredQuery, resp *types.UIResponse,
	result *types.RetrievalResult, start time.Time, success bool, errText string) {
	if q.audit == nil {
		return
	}
	sources := make([]string, 0, len(result.Candidates))
	seen := make(map[string]bool)
	for _, c := range result.Candidates {
		if !seen[c.Chunk.ArtifactID] {
			seen[c.Chunk.ArtifactID] = true
			sources = append(sources, c.Chunk.ArtifactID)
		}
	}
	q.audit.LogQuery(types.AuditEntry{
		QueryID:         query.QueryID,
		Timestamp:       q.now(),
		PatientID:       query.PatientID,
		QueryText:       query.OriginalQuery,
		ResponseSummary: resp.ShortAnswer,
		SourcesUsed:     sources,
		ConfidenceScore: resp.Confidence.Score,
		TotalTimeMs:     q.now().Sub(start).Milliseconds(),
		Success:         success,
		Error:           errText,
	})
}

// writeHistory records the Q/A durably; quality metrics arrive later via
// UpdateMetrics. Best effort: a history failure never fails the answer.
func (q *QueryPipeline) writeHistory(ctx context.Context, query *types.StructuredQuery,
	resp *types.UIResponse, result *types.RetrievalResult) {
	if q.history == nil {
		return
	}
	rec := &types.ConversationRecord{
		ID:                  query.QueryID,
		PatientID:           query.PatientID,
		Query:               query.OriginalQuery,
		QueryIntent:         query.Intent,
		QueryTimestamp:      query.ProcessedAt,
		ShortAnswer:         resp.ShortAnswer,
		DetailedSummary:     resp.DetailedSummary,
		ModelUsed:           q.modelID,
		Extractions:         resp.StructuredExtraction,
		Sources:             resp.Provenance,
		RetrievalCandidates: result.Candidates,
		ConfidenceScore:     resp.Confidence.Score,
		EnrichmentEnabled:   true,
		MultiHopEnabled:     q.hops > 0,
		ExecutionTimeMs:     resp.Metadata.TotalTimeMs,
		RetrievalTimeMs:     result.RetrievalTimeMs,
	}
	if err := q.history.Insert(ctx, rec); err != nil {
		q.logger.Warn("history insert failed", map[string]interface{}{
			"query_id": query.QueryID,
			"error":    err.Error(),
		})
	}
}

// buildPrompt frames the question over the retrieved context. Passages the
// model must quote verbatim are wrapped in [CITE] markers, which the
// generator contract guarantees to preserve.
func buildPrompt(query *types.StructuredQuery, candidates []types.Candidate) string {
	var b strings.Builder
	b.WriteString("Answer the clinical question using only the passages below. ")
	b.WriteString("Quote supporting passages verbatim.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", query.OriginalQuery)
	for i, c := range candidates {
		fmt.Fprintf(&b, "Passage %d (%s, %s):\n[CITE]%s[/CITE]\n\n",
			i+1, c.Chunk.ArtifactType, c.Chunk.OccurredAt.Format("2006-01-02"), c.Snippet)
	}
	fmt.Fprintf(&b, "Detail level: %d of 5.\n", query.DetailLevel)
	return b.String()
}

// shortAnswer takes the first sentence of the generated text.
func shortAnswer(text string) string {
	text = strings.TrimSpace(text)
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			return text[:i+1]
		}
		if r == '\n' {
			return text[:i]
		}
	}
	return text
}
