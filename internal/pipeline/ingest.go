// Package pipeline wires the components into the two end-to-end flows:
// patient ingest (fetch through vector indexing) and question answering
// (parse through audit).
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"clinrag/internal/apperrors"
	"clinrag/internal/cache"
	"clinrag/internal/chunkstore"
	"clinrag/internal/emr"
	"clinrag/internal/enrichment"
	"clinrag/internal/logging"
	"clinrag/internal/normalizer"
	"clinrag/internal/relationships"
	"clinrag/internal/vectorstore"
	"clinrag/pkg/types"
)

// fetchCategory pairs a fetch call with the artifact type assumed when a
// raw record does not name its own.
type fetchCategory struct {
	name        string
	defaultType types.ArtifactType
	fetch       func(emr.Fetcher, context.Context, string) ([]emr.RawRecord, error)
}

var fetchCategories = []fetchCategory{
	{"medications", types.ArtifactTypeMedication, func(f emr.Fetcher, ctx context.Context, p string) ([]emr.RawRecord, error) {
		return f.FetchMedications(ctx, p)
	}},
	{"conditions", types.ArtifactTypeCondition, func(f emr.Fetcher, ctx context.Context, p string) ([]emr.RawRecord, error) {
		return f.FetchConditions(ctx, p)
	}},
	{"care_plans", types.ArtifactTypeCarePlan, func(f emr.Fetcher, ctx context.Context, p string) ([]emr.RawRecord, error) {
		return f.FetchCarePlans(ctx, p)
	}},
	{"notes", types.ArtifactTypeNote, func(f emr.Fetcher, ctx context.Context, p string) ([]emr.RawRecord, error) {
		return f.FetchNotes(ctx, p)
	}},
	{"labs", types.ArtifactTypeLabObservation, func(f emr.Fetcher, ctx context.Context, p string) ([]emr.RawRecord, error) {
		return f.FetchLabs(ctx, p)
	}},
}

// IngestReport summarizes one ingest run. Per-record failures are reported
// here instead of failing the run.
type IngestReport struct {
	PatientID         string              `json:"patient_id"`
	FetchedCount      int                 `json:"fetched_count"`
	ArtifactCount     int                 `json:"artifact_count"`
	NormalizeErrors   map[string]string   `json:"normalize_errors,omitempty"`
	RelationshipCount int                 `json:"relationship_count"`
	EnrichedCount     int                 `json:"enriched_count"`
	EnrichErrors      map[string]string   `json:"enrich_errors,omitempty"`
	ChunkResult       *types.StoreResult  `json:"chunk_result,omitempty"`
	IndexedCount      int                 `json:"indexed_count"`
	IndexErrors       map[string]string   `json:"index_errors,omitempty"`
	DurationMs        int64               `json:"duration_ms"`
}

// Ingestor runs the ingest flow for one patient at a time. Enrichment and
// embedding fan out over a bounded worker pool.
type Ingestor struct {
	fetcher     emr.Fetcher
	normalizer  *normalizer.Normalizer
	detector    *relationships.Detector
	enricher    *enrichment.Enricher
	enrichments enrichment.Store
	splitter    *chunkstore.Splitter
	chunks      chunkstore.Store
	embedder    emr.Embedder
	index       vectorstore.Index
	caches      *cache.Manager
	workers     int
	logger      logging.Logger
	now         func() time.Time
}

// IngestorDeps carries the ingest flow's collaborators.
type IngestorDeps struct {
	Fetcher     emr.Fetcher
	Normalizer  *normalizer.Normalizer
	Detector    *relationships.Detector
	Enricher    *enrichment.Enricher
	Enrichments enrichment.Store
	Splitter    *chunkstore.Splitter
	Chunks      chunkstore.Store
	Embedder    emr.Embedder
	Index       vectorstore.Index
	Caches      *cache.Manager
	Workers     int
	Logger      logging.Logger
}

// NewIngestor builds the ingest pipeline. Workers defaults to 1 when
// non-positive.
func NewIngestor(deps IngestorDeps) *Ingestor {
	workers := deps.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Ingestor{
		fetcher:     deps.Fetcher,
		normalizer:  deps.Normalizer,
		detector:    deps.Detector,
		enricher:    deps.Enricher,
		enrichments: deps.Enrichments,
		splitter:    deps.Splitter,
		chunks:      deps.Chunks,
		embedder:    deps.Embedder,
		index:       deps.Index,
		caches:      deps.Caches,
		workers:     workers,
		logger:      logging.OrNoop(deps.Logger),
		now:         time.Now,
	}
}

// IngestPatient runs fetch → normalize → relationships → enrich → chunk →
// embed → index for one patient.
func (ing *Ingestor) IngestPatient(ctx context.Context, patientID string) (*IngestReport, error) {
	if patientID == "" {
		return nil, apperrors.New(apperrors.KindValidation, "patient_id is required")
	}
	start := ing.now()
	report := &IngestReport{
		PatientID:       patientID,
		NormalizeErrors: make(map[string]string),
		EnrichErrors:    make(map[string]string),
		IndexErrors:     make(map[string]string),
	}

	artifacts, err := ing.fetchAndNormalize(ctx, patientID, report)
	if err != nil {
		return nil, err
	}
	report.ArtifactCount = len(artifacts)
	if len(artifacts) == 0 {
		report.DurationMs = ing.now().Sub(start).Milliseconds()
		return report, nil
	}

	rels := ing.detector.Detect(artifacts)
	report.RelationshipCount = len(rels)

	enriched, err := ing.enrichAll(ctx, artifacts, rels, report)
	if err != nil {
		return nil, err
	}
	report.EnrichedCount = len(enriched)

	if err := ing.enrichments.StoreEnrichments(ctx, enriched, rels); err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "store enrichments", err)
	}

	chunks := ing.splitAll(enriched, rels)
	storeResult, err := ing.chunks.Store(ctx, chunks)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "store chunks", err)
	}
	report.ChunkResult = storeResult

	if err := ing.embedAndIndex(ctx, chunks, report); err != nil {
		return nil, err
	}

	if ing.caches != nil {
		ing.caches.InvalidatePatient(patientID)
	}
	report.DurationMs = ing.now().Sub(start).Milliseconds()
	ing.logger.Info("patient ingest complete", map[string]interface{}{
		"patient_id":    patientID,
		"artifacts":     report.ArtifactCount,
		"relationships": report.RelationshipCount,
		"chunks_stored": storedCount(storeResult),
		"indexed":       report.IndexedCount,
		"duration_ms":   report.DurationMs,
	})
	return report, nil
}

func storedCount(r *types.StoreResult) int {
	if r == nil {
		return 0
	}
	return r.StoredCount
}

func (ing *Ingestor) fetchAndNormalize(ctx context.Context, patientID string, report *IngestReport) ([]*types.Artifact, error) {
	var artifacts []*types.Artifact
	for _, cat := range fetchCategories {
		records, err := cat.fetch(ing.fetcher, ctx, patientID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindUnavailable,
				fmt.Sprintf("fetch %s", cat.name), err)
		}
		report.FetchedCount += len(records)
		for i, rec := range records {
			rec = withDefaults(rec, cat.defaultType, patientID)
			artifact, err := ing.normalizer.Normalize(rec)
			if err != nil {
				report.NormalizeErrors[fmt.Sprintf("%s[%d]", cat.name, i)] = err.Error()
				continue
			}
			artifact.PatientID = patientID
			artifacts = append(artifacts, artifact)
		}
	}
	return artifacts, nil
}

// withDefaults fills in the artifact type and patient scope when the raw
// record omits them.
func withDefaults(rec emr.RawRecord, t types.ArtifactType, patientID string) emr.RawRecord {
	out := make(emr.RawRecord, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = string(t)
	}
	if _, ok := out["patient_id"]; !ok {
		out["patient_id"] = patientID
	}
	return out
}

// enrichAll runs the enricher over the worker pool.
func (ing *Ingestor) enrichAll(ctx context.Context, artifacts []*types.Artifact,
	rels []*types.ClinicalRelationship, report *IngestReport) ([]*types.EnrichedArtifact, error) {
	byID := make(map[string]*types.Artifact, len(artifacts))
	for _, a := range artifacts {
		byID[a.ID] = a
	}

	type result struct {
		artifactID string
		enriched   *types.EnrichedArtifact
		err        error
	}
	jobs := make(chan *types.Artifact)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < ing.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for artifact := range jobs {
				ea, err := ing.enricher.Enrich(artifact, rels, byID)
				results <- result{artifactID: artifact.ID, enriched: ea, err: err}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, a := range artifacts {
			select {
			case jobs <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var enriched []*types.EnrichedArtifact
	for r := range results {
		if r.err != nil {
			report.EnrichErrors[r.artifactID] = r.err.Error()
			continue
		}
		enriched = append(enriched, r.enriched)
	}
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindTimeout, "enrichment cancelled", err)
	}
	return enriched, nil
}

// splitAll chunks every enriched artifact, tagging chunks with the
// relationships touching their artifact.
func (ing *Ingestor) splitAll(enriched []*types.EnrichedArtifact, rels []*types.ClinicalRelationship) []types.Chunk {
	relsByArtifact := make(map[string][]string)
	for _, rel := range rels {
		relsByArtifact[rel.SourceArtifactID] = append(relsByArtifact[rel.SourceArtifactID], rel.RelationshipID)
		relsByArtifact[rel.TargetArtifactID] = append(relsByArtifact[rel.TargetArtifactID], rel.RelationshipID)
	}
	var chunks []types.Chunk
	for _, ea := range enriched {
		chunks = append(chunks, ing.splitter.Split(ea, relsByArtifact[ea.ArtifactID])...)
	}
	return chunks
}

// embedAndIndex embeds chunk search texts over the worker pool and adds the
// vectors to the index. Per-chunk embedding failures are reported; index
// failures abort.
func (ing *Ingestor) embedAndIndex(ctx context.Context, chunks []types.Chunk, report *IngestReport) error {
	type result struct {
		point vectorstore.Point
		id    string
		err   error
	}
	jobs := make(chan types.Chunk)
	results := make(chan result)

	var wg sync.WaitGroup
	for w := 0; w < ing.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range jobs {
				vec, err := ing.embedder.Embed(ctx, chunk.SearchText())
				results <- result{
					point: vectorstore.Point{ChunkID: chunk.ChunkID, PatientID: chunk.PatientID, Vector: vec},
					id:    chunk.ChunkID,
					err:   err,
				}
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, c := range chunks {
			select {
			case jobs <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var points []vectorstore.Point
	for r := range results {
		if r.err != nil {
			report.IndexErrors[r.id] = r.err.Error()
			continue
		}
		points = append(points, r.point)
	}
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.KindTimeout, "embedding cancelled", err)
	}
	if len(points) == 0 {
		return nil
	}
	if err := ing.index.Add(ctx, points); err != nil {
		return apperrors.Wrap(apperrors.KindUnavailable, "vector index add", err)
	}
	report.IndexedCount = len(points)
	return nil
}
