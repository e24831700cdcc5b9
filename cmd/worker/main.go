/**
 * Label Scan Worker - Main Entry Point
 *
 * Go worker that turns photographed nutrition labels into structured data.
 *
 * Architecture:
 * - Redis list or asynq consumer for the job queue
 * - Recognition cascade: Tesseract (local) → fast → structured → advanced vision tiers
 * - Deterministic RU/EN nutrition extraction with optional unit normalization
 * - Optional PostgreSQL job bookkeeping (status, provider, confidence)
 *
 * Tiers:
 * 1. fast      - Tesseract, escalating to the fast vision model below 80
 * 2. balanced  - fast then structured vision models, local kept as fallback
 * 3. advanced  - best vision model directly
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/adverant/nexus/labelscan-worker/internal/config"
	"github.com/adverant/nexus/labelscan-worker/internal/logging"
	"github.com/adverant/nexus/labelscan-worker/internal/processor"
	"github.com/adverant/nexus/labelscan-worker/internal/queue"
	"github.com/adverant/nexus/labelscan-worker/internal/storage"
)

// stopper shuts down whichever queue consumer is running
type stopper func() error

func main() {
	logger := logging.NewLogger("labelscan-worker")

	if err := godotenv.Load(".env.nexus"); err != nil {
		logger.Warn(".env.nexus not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))

	logger.Info("Label scan worker starting",
		"redis", cfg.RedisURL,
		"backend", cfg.QueueBackend,
		"queue", cfg.QueueName,
		"workers", cfg.WorkerConcurrency,
		"defaultTier", cfg.DefaultTier)

	// Job bookkeeping is optional
	var jobStore processor.JobStatusStore
	var db *storage.PostgresClient
	if cfg.DatabaseURL != "" {
		db, err = storage.NewPostgresClient(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := db.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to prepare job schema: %v", err)
		}
		cancel()
		jobStore = db
		logger.Info("PostgreSQL job bookkeeping enabled")
	} else {
		logger.Info("DATABASE_URL not set, job bookkeeping disabled")
	}

	proc, err := processor.NewLabelProcessorFromConfig(cfg, jobStore)
	if err != nil {
		log.Fatalf("Failed to initialize label processor: %v", err)
	}

	var stop stopper
	switch cfg.QueueBackend {
	case "asynq":
		consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
		})
		if err != nil {
			log.Fatalf("Failed to initialize asynq consumer: %v", err)
		}
		if err := consumer.Start(context.Background()); err != nil {
			log.Fatalf("Failed to start asynq consumer: %v", err)
		}
		stop = func() error { return consumer.Stop(context.Background()) }

	default:
		consumer, err := queue.NewRedisConsumer(&queue.RedisConsumerConfig{
			RedisURL:          cfg.RedisURL,
			QueueName:         cfg.QueueName,
			Concurrency:       cfg.WorkerConcurrency,
			Processor:         proc,
			ProcessingTimeout: cfg.ProcessingTimeoutDuration(),
			ResultTTL:         cfg.ResultTTLDuration(),
		})
		if err != nil {
			log.Fatalf("Failed to initialize Redis consumer: %v", err)
		}
		if err := consumer.Start(); err != nil {
			log.Fatalf("Failed to start Redis consumer: %v", err)
		}
		stop = consumer.Stop
	}

	logger.Info("Label scan worker is READY, waiting for jobs", "queue", cfg.QueueName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received signal, initiating graceful shutdown", "signal", sig)

	if err := stop(); err != nil {
		logger.Error("Error stopping queue consumer", "error", err)
	}

	if err := proc.Close(); err != nil {
		logger.Error("Error releasing tesseract session", "error", err)
	}

	if db != nil {
		if err := db.Close(); err != nil {
			logger.Error("Error closing PostgreSQL", "error", err)
		}
	}

	logger.Info("Shutdown complete")
}
