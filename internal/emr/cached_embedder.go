package emr

import (
	"context"

	"clinrag/internal/cache"
)

// CachedEmbedder consults the embedding cache before calling the wrapped
// embedder. Safe because embeddings are deterministic for identical input.
type CachedEmbedder struct {
	inner  Embedder
	caches *cache.Manager
}

func NewCachedEmbedder(inner Embedder, caches *cache.Manager) *CachedEmbedder {
	return &CachedEmbedder{inner: inner, caches: caches}
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vector, ok := e.caches.GetEmbedding(text); ok {
		return vector, nil
	}
	vector, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.caches.SetEmbedding(text, vector)
	return vector, nil
}
