package retrieval

import (
	"context"
	"strings"
	"time"

	"clinrag/internal/apperrors"
	"clinrag/internal/cache"
	"clinrag/internal/chunkstore"
	"clinrag/internal/emr"
	"clinrag/internal/logging"
	"clinrag/internal/vectorstore"
	"clinrag/pkg/types"
)

const (
	// snippetWindow is the character width of a snippet, centered on the
	// first highlight when one exists.
	snippetWindow = 200

	// minCandidatePool floors the over-fetch from the vector index before
	// re-ranking trims to topK.
	minCandidatePool = 30
)

// Retriever runs single-hop hybrid retrieval: metadata pre-filter, vector
// search over the surviving chunks, then snippet and highlight assembly.
type Retriever struct {
	embedder emr.Embedder
	index    vectorstore.Index
	chunks   chunkstore.Store
	caches   *cache.Manager
	logger   logging.Logger
	now      func() time.Time
}

// NewRetriever wires the retrieval dependencies. caches may be nil to
// disable result caching.
func NewRetriever(embedder emr.Embedder, index vectorstore.Index, chunks chunkstore.Store, caches *cache.Manager, logger logging.Logger) *Retriever {
	return &Retriever{
		embedder: embedder,
		index:    index,
		chunks:   chunks,
		caches:   caches,
		logger:   logging.OrNoop(logger),
		now:      time.Now,
	}
}

// Retrieve answers a structured query with the topK best-matching chunks.
func (r *Retriever) Retrieve(ctx context.Context, query *types.StructuredQuery, topK int) (*types.RetrievalResult, error) {
	if query == nil {
		return nil, apperrors.New(apperrors.KindValidation, "query is required")
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	cacheKey := cache.QueryKey(strings.ToLower(strings.TrimSpace(query.OriginalQuery)), query.PatientID, query.Filters)
	if r.caches != nil {
		if cached, ok := r.caches.GetQueryResult(cacheKey); ok {
			r.logger.Debug("retrieval cache hit", map[string]interface{}{
				"query_id":   query.QueryID,
				"patient_id": query.PatientID,
			})
			return cached, nil
		}
	}

	start := r.now()

	filter, err := r.buildFilter(ctx, query.PatientID)
	if err != nil {
		return nil, err
	}
	preds := PredicatesFor(query)
	allowed := filter.Apply(preds)

	result := &types.RetrievalResult{
		QueryID:       query.QueryID,
		TotalSearched: filter.Size(),
		FilteredCount: len(allowed),
	}
	if len(allowed) == 0 {
		result.RetrievalTimeMs = elapsedMs(start, r.now())
		return result, nil
	}

	vector, err := r.embedQuery(ctx, query.OriginalQuery)
	if err != nil {
		return nil, err
	}

	pool := topK * 3
	if pool < minCandidatePool {
		pool = minCandidatePool
	}
	hits, err := r.index.Search(ctx, vectorstore.SearchParams{
		Vector:          vector,
		PatientID:       query.PatientID,
		AllowedChunkIDs: allowed,
		Limit:           pool,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "vector search failed", err)
	}

	highlighter := NewHighlighter()
	for _, hit := range hits {
		chunk := filter.Chunk(hit.ChunkID)
		if chunk == nil {
			continue
		}
		result.Candidates = append(result.Candidates, buildCandidate(chunk, hit.Score, query, highlighter))
		if len(result.Candidates) == topK {
			break
		}
	}
	for i := range result.Candidates {
		result.Candidates[i].Rank = i + 1
	}
	result.RetrievalTimeMs = elapsedMs(start, r.now())

	if r.caches != nil {
		r.caches.SetQueryResult(cacheKey, result)
	}
	r.logger.Debug("retrieval complete", map[string]interface{}{
		"query_id":          query.QueryID,
		"patient_id":        query.PatientID,
		"total_searched":    result.TotalSearched,
		"filtered_count":    result.FilteredCount,
		"candidates":        len(result.Candidates),
		"retrieval_time_ms": result.RetrievalTimeMs,
	})
	return result, nil
}

// buildFilter loads the patient's working set and indexes it.
func (r *Retriever) buildFilter(ctx context.Context, patientID string) (*MetadataFilter, error) {
	chunks, err := r.chunks.Query(ctx, types.ChunkFilter{PatientID: patientID})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "chunk store query failed", err)
	}
	return NewMetadataFilter(chunks), nil
}

// embedQuery embeds the question text, going through the embedding cache
// when configured.
func (r *Retriever) embedQuery(ctx context.Context, text string) ([]float32, error) {
	if r.caches != nil {
		if vec, ok := r.caches.GetEmbedding(text); ok {
			return vec, nil
		}
	}
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindUnavailable, "query embedding failed", err)
	}
	if r.caches != nil {
		r.caches.SetEmbedding(text, vec)
	}
	return vec, nil
}

func buildCandidate(chunk *types.Chunk, score float64, query *types.StructuredQuery, h *Highlighter) types.Candidate {
	highlights := h.Highlight(chunk.ChunkText, query)
	return types.Candidate{
		Chunk:      *chunk,
		Score:      score,
		Snippet:    snippetFor(chunk.ChunkText, highlights),
		Highlights: highlights,
		Metadata: map[string]interface{}{
			"artifact_id":   chunk.ArtifactID,
			"artifact_type": string(chunk.ArtifactType),
			"occurred_at":   chunk.OccurredAt,
		},
	}
}

// snippetFor extracts a window of snippetWindow characters centered on the
// first highlight, or the leading window when the text has no highlights.
func snippetFor(text string, highlights []types.HighlightSpan) string {
	if len(text) <= snippetWindow {
		return text
	}
	center := snippetWindow / 2
	if len(highlights) > 0 {
		first := highlights[0]
		center = (first.Start + first.End) / 2
	}
	start := center - snippetWindow/2
	if start < 0 {
		start = 0
	}
	end := start + snippetWindow
	if end > len(text) {
		end = len(text)
		start = end - snippetWindow
	}
	return text[start:end]
}

func elapsedMs(start, end time.Time) int64 {
	return end.Sub(start).Milliseconds()
}
