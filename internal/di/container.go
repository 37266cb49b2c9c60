// Package di builds the application object graph in dependency order and
// owns the background task lifecycle.
package di

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"clinrag/internal/audit"
	"clinrag/internal/cache"
	"clinrag/internal/chunkstore"
	"clinrag/internal/circuitbreaker"
	"clinrag/internal/config"
	"clinrag/internal/conversation"
	"clinrag/internal/emr"
	"clinrag/internal/enrichment"
	"clinrag/internal/entity"
	"clinrag/internal/logging"
	"clinrag/internal/normalizer"
	"clinrag/internal/pipeline"
	"clinrag/internal/relationships"
	"clinrag/internal/retrieval"
	"clinrag/internal/vectorstore"
)

// ExternalClients are the network collaborators supplied by the caller.
// Local mode and tests pass the emr mock implementations.
type ExternalClients struct {
	Fetcher   emr.Fetcher
	Embedder  emr.Embedder
	Generator emr.Generator
	ModelID   string
}

// Container holds the constructed application graph.
type Container struct {
	Config   *config.Config
	Logger   logging.Logger
	DB       *sql.DB
	Caches   *cache.Manager
	Breakers *circuitbreaker.Manager

	Enrichments enrichment.Store
	Chunks      chunkstore.Store
	Index       vectorstore.Index

	Sessions *conversation.Manager
	History  *conversation.HistoryStore
	Audit    *audit.Logger

	Ingestor *pipeline.Ingestor
	Queries  *pipeline.QueryPipeline

	stopOnce sync.Once
	stopBG   chan struct{}
	bgWG     sync.WaitGroup
}

// New constructs the container. External clients are wrapped with circuit
// breakers and, for the embedder, the embedding cache.
func New(ctx context.Context, cfg *config.Config, logger logging.Logger, clients ExternalClients) (*Container, error) {
	logger = logging.OrNoop(logger)
	c := &Container{
		Config: cfg,
		Logger: logger,
		stopBG: make(chan struct{}),
	}

	c.Caches = cache.NewManager(&cache.Config{
		EmbedSize:   cfg.Cache.EmbedSize,
		EmbedTTL:    time.Duration(cfg.Cache.EmbedTTLMs) * time.Millisecond,
		QuerySize:   cfg.Cache.QuerySize,
		QueryTTL:    time.Duration(cfg.Cache.QueryTTLMs) * time.Millisecond,
		PatientSize: cfg.Cache.PatientSize,
		PatientTTL:  time.Duration(cfg.Cache.PatientTTLMs) * time.Millisecond,
	})
	c.Breakers = circuitbreaker.NewManager(&circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.Breaker.ResetTimeoutMs) * time.Millisecond,
	})

	db, err := sql.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("open database: %w", err)
	}
	c.DB = db

	enrichStore := enrichment.NewSQLStore(db, logger)
	if err := enrichStore.Migrate(ctx); err != nil {
		c.Stop()
		return nil, fmt.Errorf("enrichment store migration: %w", err)
	}
	c.Enrichments = enrichStore

	c.Chunks, err = newChunkStore(ctx, cfg, db, logger)
	if err != nil {
		c.Stop()
		return nil, err
	}

	index, err := vectorstore.NewQdrantIndex(&vectorstore.QdrantConfig{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		APIKey:     cfg.Qdrant.APIKey,
		UseTLS:     cfg.Qdrant.UseTLS,
		Collection: cfg.Qdrant.Collection,
	}, logger)
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("qdrant index: %w", err)
	}
	c.Index = index

	// Retry wraps the breaker so each backoff attempt is gated individually.
	fetcher := emr.NewBreakerFetcher(clients.Fetcher, c.Breakers)
	embedder := emr.NewCachedEmbedder(
		emr.NewRetryEmbedder(emr.NewBreakerEmbedder(clients.Embedder, c.Breakers), nil), c.Caches)
	generator := emr.NewRetryGenerator(emr.NewBreakerGenerator(clients.Generator, c.Breakers), nil)

	extractor, err := entity.NewExtractor()
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("entity extractor: %w", err)
	}

	c.Ingestor = pipeline.NewIngestor(pipeline.IngestorDeps{
		Fetcher:     fetcher,
		Normalizer:  normalizer.New(),
		Detector:    relationships.NewDetector(logger),
		Enricher:    enrichment.NewEnricher(extractor, logger),
		Enrichments: c.Enrichments,
		Splitter:    chunkstore.NewSplitter(cfg.Chunking.MaxChars, cfg.Chunking.OverlapChars, extractor),
		Chunks:      c.Chunks,
		Embedder:    embedder,
		Index:       c.Index,
		Caches:      c.Caches,
		Workers:     cfg.Ingest.Workers,
		Logger:      logger,
	})

	c.Sessions = conversation.NewManager(
		conversation.NewParser(extractor),
		time.Duration(cfg.Session.TTLMinutes)*time.Minute,
		cfg.Session.ContextWindowSize,
		logger,
	)
	if cfg.Database.Driver == "postgres" {
		c.History = conversation.NewHistoryStore(db, logger)
		if err := c.History.Migrate(ctx); err != nil {
			c.Stop()
			return nil, fmt.Errorf("history migration: %w", err)
		}
	}

	c.Audit, err = audit.NewLogger(audit.Config{
		Dir:           cfg.Audit.LogDir,
		InMemoryMax:   cfg.Audit.InMemoryMax,
		RetentionDays: cfg.Audit.RetentionDays,
		AnonymizeDays: cfg.Audit.AnonymizeDays,
	}, logger)
	if err != nil {
		c.Stop()
		return nil, fmt.Errorf("audit logger: %w", err)
	}

	retriever := retrieval.NewRetriever(embedder, c.Index, c.Chunks, c.Caches, logger)
	c.Queries = pipeline.NewQueryPipeline(pipeline.QueryDeps{
		Sessions:  c.Sessions,
		Retriever: retrieval.NewMultiHopRetriever(retriever, c.Enrichments, cfg.Retriever.RelationshipBoost),
		Generator: generator,
		Audit:     c.Audit,
		History:   c.History,
		ModelID:   clients.ModelID,
		TopK:      cfg.Retriever.TopKDefault,
		Hops:      cfg.Retriever.MultiHopMax,
		Logger:    logger,
	})

	return c, nil
}

// newChunkStore selects the SQL dialect from the configured driver. The
// history store stays Postgres-only; chunks work on both.
func newChunkStore(ctx context.Context, cfg *config.Config, db *sql.DB, logger logging.Logger) (chunkstore.Store, error) {
	var store *chunkstore.SQLStore
	if cfg.Database.Driver == "postgres" {
		store = chunkstore.NewPostgresStore(db, logger)
	} else {
		store = chunkstore.NewSQLiteStore(db, logger)
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("chunk store migration: %w", err)
	}
	return store, nil
}

// StartBackground launches the recurring maintenance tasks: session cleanup
// each minute and audit retention daily. Cache sweeping runs inside the
// cache manager itself.
func (c *Container) StartBackground() {
	c.runEvery(time.Minute, func() {
		c.Sessions.CleanupExpiredSessions()
	})
	c.runEvery(24*time.Hour, func() {
		deleted, anonymized := c.Audit.ApplyRetention()
		if deleted > 0 || anonymized > 0 {
			c.Logger.Info("audit retention applied", map[string]interface{}{
				"deleted":    deleted,
				"anonymized": anonymized,
			})
		}
	})
}

func (c *Container) runEvery(interval time.Duration, fn func()) {
	c.bgWG.Add(1)
	go func() {
		defer c.bgWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fn()
			case <-c.stopBG:
				return
			}
		}
	}()
}

// Stop tears the container down in reverse dependency order. Idempotent.
func (c *Container) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopBG)
		c.bgWG.Wait()
		if c.Audit != nil {
			c.Audit.Close()
		}
		if c.Caches != nil {
			c.Caches.Stop()
		}
		if closer, ok := c.Index.(interface{ Close() error }); ok {
			_ = closer.Close()
		}
		if c.DB != nil {
			_ = c.DB.Close()
		}
	})
}
