/**
 * IDExtract Worker - Main Entry Point
 *
 * Go worker that extracts identity-document fields from scanned images and PDFs.
 *
 * Architecture:
 * - Redis list consumer (API compatible) or asynq consumer for the job queue
 * - Rasterizer: image decode, pdftoppm rendering or embedded page scans
 * - Per-page pipeline: adaptive threshold → Tesseract (PSM 4, OEM 3) → field extraction
 * - Name detection via in-process NER (prose) or a remote entity service
 * - Optional PostgreSQL job tracking and debug artifacts (file or artifact API)
 * - Queue depth logged periodically and on shutdown
 */

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/idextract-worker/internal/clients"
	"github.com/adverant/nexus/idextract-worker/internal/config"
	"github.com/adverant/nexus/idextract-worker/internal/extract"
	"github.com/adverant/nexus/idextract-worker/internal/logging"
	"github.com/adverant/nexus/idextract-worker/internal/ner"
	"github.com/adverant/nexus/idextract-worker/internal/normalize"
	"github.com/adverant/nexus/idextract-worker/internal/ocr/tesseract"
	"github.com/adverant/nexus/idextract-worker/internal/pipeline"
	"github.com/adverant/nexus/idextract-worker/internal/processor"
	"github.com/adverant/nexus/idextract-worker/internal/queue"
	"github.com/adverant/nexus/idextract-worker/internal/raster"
	"github.com/adverant/nexus/idextract-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(".env.idextract"); err != nil {
		log.Printf("Warning: .env.idextract not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)

	log.Printf("IDExtract Worker starting (env=%s)...", cfg.AppEnv)
	log.Printf("Configuration loaded: Queue=%s (%s), Workers=%d, PageConcurrency=%d, Rasterizer=%s, NER=%s",
		cfg.QueueName, cfg.QueueBackend, cfg.WorkerConcurrency, cfg.PageConcurrency, cfg.Rasterizer, cfg.NERBackend)

	if err := os.MkdirAll(cfg.TempDir, 0o755); err != nil {
		log.Fatalf("Failed to create temp dir %s: %v", cfg.TempDir, err)
	}

	// Job store (optional)
	var jobStore storage.JobStore
	var db *storage.PostgresClient
	if cfg.DatabaseURL != "" {
		log.Printf("Connecting to PostgreSQL...")
		db, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer db.Close()
		if err := healthCheck(db); err != nil {
			log.Fatalf("PostgreSQL not healthy: %v", err)
		}
		jobStore = db
		log.Printf("PostgreSQL job tracking enabled")
	}

	finder := buildEntityFinder(cfg)
	artifactSink := buildArtifactSink(cfg)

	aggregator := pipeline.NewAggregator(
		normalize.NewNormalizer(),
		tesseract.NewRecognizer(&tesseract.Config{
			Language:       cfg.OCRLanguage,
			TessdataPrefix: cfg.TessdataPrefix,
			ConfigDir:      cfg.TempDir,
		}),
		extract.NewExtractor(finder),
		cfg.PageConcurrency,
	)

	proc, err := processor.NewDocumentProcessor(&processor.ProcessorConfig{
		MaxFileSize: cfg.MaxFileSize,
		Rasterizer: raster.NewPageRasterizer(raster.Config{
			Mode:         cfg.Rasterizer,
			PdftoppmPath: cfg.PdftoppmPath,
			DPI:          cfg.RasterDPI,
			TempDir:      cfg.TempDir,
		}),
		Aggregator:   aggregator,
		JobStore:     jobStore,
		ArtifactSink: artifactSink,
	})
	if err != nil {
		log.Fatalf("Failed to initialize document processor: %v", err)
	}
	log.Printf("Document processor initialized")

	wq, err := startConsumer(cfg, proc)
	if err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	statsCtx, stopStats := context.WithCancel(context.Background())
	go logQueueStatsEvery(statsCtx, wq, statsInterval)

	log.Printf("===========================================")
	log.Printf("IDExtract Worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: %s (%s)", cfg.QueueName, cfg.QueueBackend)
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("OCR: Tesseract lang=%s, PSM 4, OEM 3", cfg.OCRLanguage)
	log.Printf("Debug artifacts: %s", cfg.DebugArtifacts)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)
	stopStats()
	logQueueStats(context.Background(), wq)

	if err := wq.stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	} else {
		log.Printf("Queue consumer stopped successfully")
	}

	log.Printf("Shutdown complete")
}

func buildEntityFinder(cfg *config.Config) ner.EntityFinder {
	switch cfg.NERBackend {
	case config.NERBackendRemote:
		client := clients.NewEntityClient(cfg.NERServiceURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.HealthCheck(ctx); err != nil {
			log.Printf("WARNING: Entity service health check failed: %v. Names will fall back to capitalized words when it is unreachable.", err)
		} else {
			log.Printf("Entity service connection verified: %s", cfg.NERServiceURL)
		}
		return client
	case config.NERBackendNone:
		log.Printf("NER disabled; names use the capitalized-word fallback")
		return nil
	default:
		finder, err := ner.NewProseFinder()
		if err != nil {
			log.Printf("WARNING: Failed to load prose model: %v. Names will use the capitalized-word fallback.", err)
			return nil
		}
		return finder
	}
}

func buildArtifactSink(cfg *config.Config) storage.ArtifactSink {
	switch cfg.DebugArtifacts {
	case config.DebugArtifactsFile:
		store, err := storage.NewFileArtifactStore(cfg.DebugArtifactDir)
		if err != nil {
			log.Fatalf("Failed to initialize debug artifact directory: %v", err)
		}
		log.Printf("Debug artifacts written to %s", cfg.DebugArtifactDir)
		return store
	case config.DebugArtifactsRemote:
		client := clients.NewArtifactClient(cfg.ArtifactAPIURL)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.HealthCheck(ctx); err != nil {
			log.Printf("WARNING: Artifact API health check failed: %v. Debug artifacts may not be stored.", err)
		} else {
			log.Printf("Artifact API connection verified: %s", cfg.ArtifactAPIURL)
		}
		return client
	default:
		return nil
	}
}

const statsInterval = 5 * time.Minute

// workerQueue is the running consumer as seen from main.
type workerQueue struct {
	stop  func() error
	stats func(ctx context.Context) (map[string]int64, error)
}

// startConsumer starts the configured queue backend.
func startConsumer(cfg *config.Config, proc processor.DocumentProcessorInterface) (*workerQueue, error) {
	if cfg.QueueBackend == config.QueueBackendAsynq {
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: int64(cfg.ProcessingTimeout),
		})
		if err != nil {
			return nil, err
		}
		if err := consumer.Start(context.Background()); err != nil {
			return nil, err
		}
		return &workerQueue{
			stop:  func() error { return consumer.Stop(context.Background()) },
			stats: consumer.GetStats,
		}, nil
	}

	consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
		RedisURL:          cfg.RedisURL,
		QueueName:         cfg.QueueName,
		Concurrency:       cfg.WorkerConcurrency,
		Processor:         proc,
		ProcessingTimeout: int64(cfg.ProcessingTimeout),
	})
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(); err != nil {
		return nil, err
	}
	return &workerQueue{stop: consumer.Stop, stats: consumer.GetStats}, nil
}

func logQueueStatsEvery(ctx context.Context, wq *workerQueue, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logQueueStats(ctx, wq)
		}
	}
}

func logQueueStats(ctx context.Context, wq *workerQueue) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stats, err := wq.stats(ctx)
	if err != nil {
		log.Printf("Warning: Failed to read queue stats: %v", err)
		return
	}
	log.Printf("Queue stats: waiting=%d processing=%d completed=%d failed=%d",
		stats["waiting"], stats["processing"], stats["completed"], stats["failed"])
}

func healthCheck(db *storage.PostgresClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	return nil
}
