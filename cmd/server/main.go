// server runs the clinical record QA service: it builds the component
// graph, optionally ingests a patient at startup, and keeps the background
// maintenance tasks running until a shutdown signal.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"clinrag/internal/config"
	"clinrag/internal/di"
	"clinrag/internal/emr"
	"clinrag/internal/logging"
)

func main() {
	var (
		ingestPatient = flag.String("ingest", "", "patient id to ingest at startup")
		ingestTimeout = flag.Duration("ingest-timeout", 5*time.Minute, "deadline for the startup ingest")
		localMode     = flag.Bool("local", false, "use mock EMR/embedding/generation clients")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level))

	clients, err := buildClients(*localMode)
	if err != nil {
		log.Fatalf("external clients: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	container, err := di.New(ctx, cfg, logger, clients)
	if err != nil {
		log.Fatalf("building container: %v", err)
	}
	defer container.Stop()

	container.StartBackground()
	logger.Info("service started", map[string]interface{}{
		"database": cfg.Database.Driver,
		"qdrant":   cfg.Qdrant.Host,
		"workers":  cfg.Ingest.Workers,
	})

	if *ingestPatient != "" {
		ingestCtx, done := context.WithTimeout(ctx, *ingestTimeout)
		report, err := container.Ingestor.IngestPatient(ingestCtx, *ingestPatient)
		done()
		if err != nil {
			logger.Error("startup ingest failed", map[string]interface{}{
				"patient_id": *ingestPatient,
				"error":      err.Error(),
			})
		} else {
			logger.Info("startup ingest finished", map[string]interface{}{
				"patient_id": report.PatientID,
				"artifacts":  report.ArtifactCount,
				"indexed":    report.IndexedCount,
			})
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)
}

// buildClients returns the external collaborators. Only local mode is wired
// here; production deployments inject real clients through their own main.
func buildClients(local bool) (di.ExternalClients, error) {
	if !local {
		log.Println("no real EMR clients configured, falling back to local mode")
	}
	return di.ExternalClients{
		Fetcher:   emr.NewMockFetcher(),
		Embedder:  emr.NewHashEmbedder(1536),
		Generator: emr.NewTemplateGenerator(),
		ModelID:   "template-v1",
	}, nil
}
