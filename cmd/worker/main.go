/**
 * Lab-report extraction worker - Main Entry Point
 *
 * Go worker that turns phone photos of printed lab reports into
 * normalized, machine-readable test results.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed job queue
 * - Quality gate that rejects unusable photos before any paid call
 * - Deterministic preprocessing (deskew, denoise, CLAHE, sharpen)
 * - Vision capability extraction with adaptive rate limiting
 * - Two-tier result cache (Redis + compressed PostgreSQL)
 * - Dictionary-driven normalization with fuzzy and assisted matching
 * - PostgreSQL persistence for jobs, outcomes and image fingerprints
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
	"github.com/redis/go-redis/v9"

	"github.com/vitalscan/labextract-worker/internal/cache"
	"github.com/vitalscan/labextract-worker/internal/config"
	"github.com/vitalscan/labextract-worker/internal/extract"
	"github.com/vitalscan/labextract-worker/internal/normalize"
	"github.com/vitalscan/labextract-worker/internal/pipeline"
	"github.com/vitalscan/labextract-worker/internal/preprocess"
	"github.com/vitalscan/labextract-worker/internal/quality"
	"github.com/vitalscan/labextract-worker/internal/queue"
	"github.com/vitalscan/labextract-worker/internal/ratelimit"
	"github.com/vitalscan/labextract-worker/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Lab extraction worker starting...")
	log.Printf("Configuration loaded: Redis=%s, Workers=%d, RateBudget=%drpm",
		cfg.RedisURL, cfg.WorkerConcurrency, cfg.RateBaseRPM)

	// PostgreSQL: jobs, outcomes, fingerprints and the durable cache tier.
	log.Printf("Connecting to PostgreSQL...")
	db, err := storage.NewPostgresClient(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer db.Close()

	// Redis: fast cache tier and progress tracking. The queue consumer
	// opens its own connection from the same URL.
	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to parse Redis URL: %v", err)
	}
	redisClient := redis.NewClient(redisOpt)
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Printf("Warning: Redis unreachable, fast cache tier degraded: %v", err)
	}
	cancelPing()

	cacheManager := cache.NewManager(
		cache.NewRedisTier(redisClient),
		db.StageCache(cfg.CacheDurableMaxMB),
		time.Duration(cfg.CacheRedisTTLHours)*time.Hour,
	)

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		BaseRPM:           cfg.RateBaseRPM,
		Window:            time.Duration(cfg.RateWindowSeconds) * time.Second,
		BackoffFactor:     cfg.RateBackoffFactor,
		RecoveryThreshold: cfg.RateRecoveryThreshold,
		MinRPM:            cfg.RateMinRPM,
	})

	dict, err := normalize.LoadDictionary(cfg.MappingsPath)
	if err != nil {
		log.Fatalf("Failed to load test name mappings: %v", err)
	}
	log.Printf("Loaded %d test name mappings", dict.Size())

	vision := extract.NewVisionClient(cfg.VisionAPIURL, cfg.VisionAPIKey,
		time.Duration(cfg.VisionTimeoutMS)*time.Millisecond)

	normalizer := normalize.NewNormalizer(dict, normalize.Config{
		FuzzyThreshold: cfg.NormalizeFuzzyThreshold,
		AssistBudget:   cfg.NormalizeAssistBudget,
		PanelRestrict:  cfg.NormalizePanelRestrict,
	}, vision)

	orchestrator := pipeline.NewOrchestrator(pipeline.Config{
		MaxRetries:            cfg.ExtractMaxRetries,
		RetryBackoff:          time.Second,
		Timeout:               time.Duration(cfg.ProcessingTimeoutMS) * time.Millisecond,
		SimilarityMaxDistance: cfg.CacheSimilarityMaxDistance,
		FingerprintScan:       500,
	}, pipeline.Dependencies{
		Gate: quality.NewGate(quality.Thresholds{
			MinResolution:  cfg.QualityMinResolution,
			BlurWarn:       cfg.QualityBlurWarn,
			BlurCritical:   cfg.QualityBlurCritical,
			ContrastMin:    cfg.QualityContrastMin,
			ContrastMax:    cfg.QualityContrastMax,
			BrightnessMin:  cfg.QualityBrightnessMin,
			BrightnessMax:  cfg.QualityBrightnessMax,
			SkewMax:        cfg.QualitySkewMax,
			NoiseMax:       cfg.QualityNoiseMax,
			TextDensityMin: cfg.QualityTextDensityMin,
		}),
		Preprocessor: preprocess.NewPreprocessor(preprocess.Config{
			Deskew:   cfg.PreprocessDeskew,
			Denoise:  cfg.PreprocessDenoise,
			Contrast: cfg.PreprocessContrast,
			Binarize: cfg.PreprocessBinarize,
			MaxDim:   cfg.PreprocessMaxDim,
		}),
		Limiter:    limiter,
		Cache:      cacheManager,
		Normalizer: normalizer,
		Extractor:  vision,
		Probe:      extract.NewOCRProbe(cfg.TesseractEnabled),
		Store:      db,
		Tracker:    queue.NewProgressTracker(redisClient),
	})

	consumer, err := queue.NewConsumer(&queue.ConsumerConfig{
		RedisURL:     cfg.RedisURL,
		QueueName:    "labextract:jobs",
		Concurrency:  cfg.WorkerConcurrency,
		Orchestrator: orchestrator,
	})
	if err != nil {
		log.Fatalf("Failed to initialize queue consumer: %v", err)
	}

	if err := consumer.Start(); err != nil {
		log.Fatalf("Failed to start queue consumer: %v", err)
	}

	log.Printf("===========================================")
	log.Printf("Lab extraction worker is READY")
	log.Printf("===========================================")
	log.Printf("Queue: labextract:jobs")
	log.Printf("Workers: %d", cfg.WorkerConcurrency)
	log.Printf("Capability budget: %d rpm (floor %d)", cfg.RateBaseRPM, cfg.RateMinRPM)
	log.Printf("OCR evidence probe: %v", cfg.TesseractEnabled)
	log.Printf("===========================================")
	log.Printf("Waiting for jobs...")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	log.Printf("Received signal %v, initiating graceful shutdown...", sig)

	if err := consumer.Stop(); err != nil {
		log.Printf("Error stopping queue consumer: %v", err)
	}

	if err := db.Close(); err != nil {
		log.Printf("Error closing PostgreSQL connection: %v", err)
	}

	log.Printf("Shutdown complete")
}
