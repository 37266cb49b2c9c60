package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clinrag/internal/audit"
	"clinrag/internal/cache"
	"clinrag/internal/chunkstore"
	"clinrag/internal/conversation"
	"clinrag/internal/emr"
	"clinrag/internal/enrichment"
	"clinrag/internal/entity"
	"clinrag/internal/normalizer"
	"clinrag/internal/relationships"
	"clinrag/internal/retrieval"
	"clinrag/internal/vectorstore"
)

type fixture struct {
	fetcher     *emr.MockFetcher
	ingestor    *Ingestor
	queries     *QueryPipeline
	sessions    *conversation.Manager
	audit       *audit.Logger
	enrichments *enrichment.MemoryStore
	chunks      *chunkstore.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	extractor, err := entity.NewExtractor()
	require.NoError(t, err)

	fetcher := emr.NewMockFetcher()
	embedder := emr.NewHashEmbedder(64)
	index := vectorstore.NewMemoryIndex()
	chunks := chunkstore.NewMemoryStore()
	enrichments := enrichment.NewMemoryStore()
	caches := cache.NewManager(cache.DefaultConfig())
	t.Cleanup(caches.Stop)

	ingestor := NewIngestor(IngestorDeps{
		Fetcher:     fetcher,
		Normalizer:  normalizer.New(),
		Detector:    relationships.NewDetector(nil),
		Enricher:    enrichment.NewEnricher(extractor, nil),
		Enrichments: enrichments,
		Splitter:    chunkstore.NewSplitter(1000, 150, extractor),
		Chunks:      chunks,
		Embedder:    embedder,
		Index:       index,
		Caches:      caches,
		Workers:     2,
	})

	sessions := conversation.NewManager(conversation.NewParser(extractor), 0, 0, nil)
	auditLog, err := audit.NewLogger(audit.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(auditLog.Close)

	retriever := retrieval.NewRetriever(embedder, index, chunks, caches, nil)
	queries := NewQueryPipeline(QueryDeps{
		Sessions:  sessions,
		Retriever: retrieval.NewMultiHopRetriever(retriever, enrichments, 0),
		Generator: emr.NewTemplateGenerator(),
		Audit:     auditLog,
		ModelID:   "template-v1",
		TopK:      5,
		Hops:      1,
	})

	return &fixture{
		fetcher:     fetcher,
		ingestor:    ingestor,
		queries:     queries,
		sessions:    sessions,
		audit:       auditLog,
		enrichments: enrichments,
		chunks:      chunks,
	}
}

func seedPatient(f *fixture) {
	f.fetcher.Seed("p-1", "medications", []emr.RawRecord{{
		"id":         "med-1",
		"name":       "Lisinopril",
		"dosage":     "10 mg",
		"frequency":  "once daily",
		"indication": "Hypertension",
		"occurred_at": "2025-01-10T00:00:00Z",
		"text":       "Lisinopril prescribed for blood pressure control.",
	}})
	f.fetcher.Seed("p-1", "conditions", []emr.RawRecord{{
		"id":          "cond-1",
		"name":        "Hypertension",
		"status":      "active",
		"occurred_at": "2024-11-02T00:00:00Z",
		"text":        "Essential hypertension, managed with medication.",
	}})
	f.fetcher.Seed("p-1", "notes", []emr.RawRecord{{
		"id":          "note-1",
		"occurred_at": "2025-02-01T00:00:00Z",
		"content":     map[string]interface{}{"text": "Patient reports good adherence. Blood pressure improving on Lisinopril."},
	}})
}

func TestIngestPatientEndToEnd(t *testing.T) {
	f := newFixture(t)
	seedPatient(f)

	report, err := f.ingestor.IngestPatient(context.Background(), "p-1")
	require.NoError(t, err)

	assert.Equal(t, 3, report.FetchedCount)
	assert.Equal(t, 3, report.ArtifactCount)
	assert.Empty(t, report.NormalizeErrors)
	assert.Empty(t, report.EnrichErrors)
	assert.GreaterOrEqual(t, report.RelationshipCount, 1)
	require.NotNil(t, report.ChunkResult)
	assert.GreaterOrEqual(t, report.ChunkResult.StoredCount, 3)
	assert.Equal(t, report.ChunkResult.StoredCount, report.IndexedCount)
	assert.Empty(t, report.IndexErrors)

	ea, err := f.enrichments.GetEnrichedArtifact(context.Background(), "med-1")
	require.NoError(t, err)
	assert.Contains(t, ea.EnrichedText, "Lisinopril")

	rels, err := f.enrichments.GetRelationshipsForPatient(context.Background(), "p-1")
	require.NoError(t, err)
	assert.NotEmpty(t, rels)
}

func TestIngestReportsBadRecordsWithoutFailing(t *testing.T) {
	f := newFixture(t)
	f.fetcher.Seed("p-1", "medications", []emr.RawRecord{
		{"id": "med-bad", "occurred_at": "not a date", "text": "Metformin"},
		{"id": "med-2", "occurred_at": "2025-01-10T00:00:00Z", "text": "Metformin 500mg twice daily."},
	})

	report, err := f.ingestor.IngestPatient(context.Background(), "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ArtifactCount)
	assert.Len(t, report.NormalizeErrors, 1)
}

func TestIngestRejectsEmptyPatient(t *testing.T) {
	f := newFixture(t)
	_, err := f.ingestor.IngestPatient(context.Background(), "")
	assert.Error(t, err)
}

func TestAnswerEndToEnd(t *testing.T) {
	f := newFixture(t)
	seedPatient(f)
	_, err := f.ingestor.IngestPatient(context.Background(), "p-1")
	require.NoError(t, err)

	session, err := f.sessions.CreateSession("p-1")
	require.NoError(t, err)

	resp, errResp, err := f.queries.Answer(context.Background(), QueryOptions{
		SessionID:   session.SessionID,
		Question:    "What medications is the patient taking for hypertension?",
		DetailLevel: 3,
	})
	require.NoError(t, err)
	require.Nil(t, errResp)

	assert.NotEmpty(t, resp.QueryID)
	assert.NotEmpty(t, resp.ShortAnswer)
	assert.NotEmpty(t, resp.StructuredExtraction)
	assert.NotEmpty(t, resp.Provenance)
	assert.Contains(t, []string{"high", "medium", "low"}, resp.Confidence.Label)
	assert.Equal(t, "template-v1", resp.Metadata.ModelUsed)
	assert.Contains(t, resp.Audit.ComponentsExecuted, "retrieve")

	// Exactly one audit entry was written for the query.
	hist := f.audit.GetQueryHistory("p-1", 10)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].Success)
	assert.Equal(t, resp.QueryID, hist[0].QueryID)

	// The answer turns into session context for follow-ups.
	ctx, err := f.sessions.GetContext(session.SessionID)
	require.NoError(t, err)
	require.Len(t, ctx.Turns, 1)
}

func TestAnswerFollowUpUsesContext(t *testing.T) {
	f := newFixture(t)
	seedPatient(f)
	_, err := f.ingestor.IngestPatient(context.Background(), "p-1")
	require.NoError(t, err)

	session, err := f.sessions.CreateSession("p-1")
	require.NoError(t, err)

	_, errResp, err := f.queries.Answer(context.Background(), QueryOptions{
		SessionID: session.SessionID,
		Question:  "What medications is the patient taking for hypertension?",
	})
	require.NoError(t, err)
	require.Nil(t, errResp)

	resp, errResp, err := f.queries.Answer(context.Background(), QueryOptions{
		SessionID: session.SessionID,
		Question:  "tell me more",
	})
	require.NoError(t, err)
	require.Nil(t, errResp)
	assert.NotEmpty(t, resp.ShortAnswer)
}

func TestAnswerUnknownSessionFailsWithAudit(t *testing.T) {
	f := newFixture(t)

	resp, errResp, err := f.queries.Answer(context.Background(), QueryOptions{
		SessionID: "missing",
		Question:  "anything",
	})
	require.Error(t, err)
	assert.Nil(t, resp)
	require.NotNil(t, errResp)
	assert.Equal(t, "NOT_FOUND", errResp.Error.Code)

	entries := f.audit.SearchQueries(audit.SearchFilter{FailedOnly: true})
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Success)
}

func TestIngestStopsOnFetchFailure(t *testing.T) {
	f := newFixture(t)
	f.fetcher.FailWith(assert.AnError)
	_, err := f.ingestor.IngestPatient(context.Background(), "p-1")
	assert.Error(t, err)
}

func TestIngestHonorsCancellation(t *testing.T) {
	f := newFixture(t)
	seedPatient(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.ingestor.IngestPatient(ctx, "p-1")
	assert.Error(t, err)
}
