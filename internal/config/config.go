/**
 * Configuration for the lab-report extraction worker
 *
 * Loads configuration from environment variables. Every tunable of the
 * pipeline (quality thresholds, preprocessing toggles, rate limiting,
 * caching, normalization) is surfaced here with a sane default.
 */

package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds worker configuration
type Config struct {
	// Redis configuration (queue, fast cache tier, progress tracking)
	RedisURL string

	// PostgreSQL configuration (jobs, outcomes, durable cache tier)
	DatabaseURL string

	// Vision capability endpoint
	VisionAPIURL    string
	VisionAPIKey    string
	VisionTimeoutMS int

	// Worker configuration
	WorkerConcurrency   int
	ProcessingTimeoutMS int
	ExtractMaxRetries   int

	// Quality gate thresholds
	QualityMinResolution  int
	QualityBlurWarn       float64
	QualityBlurCritical   float64
	QualityContrastMin    float64
	QualityContrastMax    float64
	QualityBrightnessMin  float64
	QualityBrightnessMax  float64
	QualitySkewMax        float64
	QualityNoiseMax       float64
	QualityTextDensityMin float64

	// Preprocessing toggles
	PreprocessDeskew   bool
	PreprocessDenoise  bool
	PreprocessContrast bool
	PreprocessBinarize bool
	PreprocessMaxDim   int

	// Rate limiter
	RateBaseRPM           int
	RateWindowSeconds     int
	RateBackoffFactor     float64
	RateRecoveryThreshold int
	RateMinRPM            int

	// Cache
	CacheRedisTTLHours         int
	CacheDurableMaxMB          int
	CacheSimilarityMaxDistance int

	// Normalization
	NormalizeFuzzyThreshold float64
	NormalizeAssistBudget   int
	NormalizePanelRestrict  bool
	MappingsPath            string

	// Local OCR probe (hallucination guard)
	TesseractEnabled bool

	// Node environment
	Environment string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:    getEnvOrDefault("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL: getEnvOrThrow("DATABASE_URL"),

		VisionAPIURL:    getEnvOrThrow("VISION_API_URL"),
		VisionAPIKey:    getEnvOrDefault("VISION_API_KEY", ""),
		VisionTimeoutMS: getEnvAsIntOrDefault("VISION_TIMEOUT_MS", 60000),

		WorkerConcurrency:   getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		ProcessingTimeoutMS: getEnvAsIntOrDefault("PROCESSING_TIMEOUT_MS", 300000), // 5 minutes
		ExtractMaxRetries:   getEnvAsIntOrDefault("EXTRACT_MAX_RETRIES", 3),

		QualityMinResolution:  getEnvAsIntOrDefault("QUALITY_MIN_RESOLUTION", 400),
		QualityBlurWarn:       getEnvAsFloatOrDefault("QUALITY_BLUR_WARN", 50),
		QualityBlurCritical:   getEnvAsFloatOrDefault("QUALITY_BLUR_CRITICAL", 25),
		QualityContrastMin:    getEnvAsFloatOrDefault("QUALITY_CONTRAST_MIN", 35),
		QualityContrastMax:    getEnvAsFloatOrDefault("QUALITY_CONTRAST_MAX", 90),
		QualityBrightnessMin:  getEnvAsFloatOrDefault("QUALITY_BRIGHTNESS_MIN", 50),
		QualityBrightnessMax:  getEnvAsFloatOrDefault("QUALITY_BRIGHTNESS_MAX", 220),
		QualitySkewMax:        getEnvAsFloatOrDefault("QUALITY_SKEW_MAX", 5.0),
		QualityNoiseMax:       getEnvAsFloatOrDefault("QUALITY_NOISE_MAX", 0.15),
		QualityTextDensityMin: getEnvAsFloatOrDefault("QUALITY_TEXT_DENSITY_MIN", 0.03),

		PreprocessDeskew:   getEnvAsBoolOrDefault("PREPROCESS_DESKEW", true),
		PreprocessDenoise:  getEnvAsBoolOrDefault("PREPROCESS_DENOISE", true),
		PreprocessContrast: getEnvAsBoolOrDefault("PREPROCESS_CONTRAST", true),
		PreprocessBinarize: getEnvAsBoolOrDefault("PREPROCESS_BINARIZE", false),
		PreprocessMaxDim:   getEnvAsIntOrDefault("PREPROCESS_MAX_DIM", 3200),

		RateBaseRPM:           getEnvAsIntOrDefault("RATE_BASE_RPM", 15),
		RateWindowSeconds:     getEnvAsIntOrDefault("RATE_WINDOW_SECONDS", 60),
		RateBackoffFactor:     getEnvAsFloatOrDefault("RATE_BACKOFF_FACTOR", 0.8),
		RateRecoveryThreshold: getEnvAsIntOrDefault("RATE_RECOVERY_THRESHOLD", 10),
		RateMinRPM:            getEnvAsIntOrDefault("RATE_MIN_RPM", 5),

		CacheRedisTTLHours:         getEnvAsIntOrDefault("CACHE_REDIS_TTL_HOURS", 24),
		CacheDurableMaxMB:          getEnvAsIntOrDefault("CACHE_DURABLE_MAX_MB", 512),
		CacheSimilarityMaxDistance: getEnvAsIntOrDefault("CACHE_SIMILARITY_MAX_DISTANCE", 8),

		NormalizeFuzzyThreshold: getEnvAsFloatOrDefault("NORMALIZE_FUZZY_THRESHOLD", 0.85),
		NormalizeAssistBudget:   getEnvAsIntOrDefault("NORMALIZE_ASSIST_BUDGET", 10),
		NormalizePanelRestrict:  getEnvAsBoolOrDefault("NORMALIZE_PANEL_RESTRICT", true),
		MappingsPath:            getEnvOrDefault("MAPPINGS_PATH", ""),

		TesseractEnabled: getEnvAsBoolOrDefault("TESSERACT_ENABLED", true),

		Environment: getEnvOrDefault("NODE_ENV", "development"),
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.VisionAPIURL == "" {
		return fmt.Errorf("VISION_API_URL is required")
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.ProcessingTimeoutMS < 1000 {
		return fmt.Errorf("PROCESSING_TIMEOUT_MS must be at least 1000, got %d", c.ProcessingTimeoutMS)
	}

	if c.ExtractMaxRetries < 0 || c.ExtractMaxRetries > 10 {
		return fmt.Errorf("EXTRACT_MAX_RETRIES must be between 0 and 10, got %d", c.ExtractMaxRetries)
	}

	if c.RateMinRPM < 1 || c.RateMinRPM > c.RateBaseRPM {
		return fmt.Errorf("RATE_MIN_RPM must be between 1 and RATE_BASE_RPM (%d), got %d", c.RateBaseRPM, c.RateMinRPM)
	}

	if c.RateBackoffFactor <= 0 || c.RateBackoffFactor >= 1 {
		return fmt.Errorf("RATE_BACKOFF_FACTOR must be in (0,1), got %f", c.RateBackoffFactor)
	}

	if c.NormalizeFuzzyThreshold < 0.5 || c.NormalizeFuzzyThreshold > 1.0 {
		return fmt.Errorf("NORMALIZE_FUZZY_THRESHOLD must be between 0.5 and 1.0, got %f", c.NormalizeFuzzyThreshold)
	}

	if c.CacheSimilarityMaxDistance < 0 || c.CacheSimilarityMaxDistance > 64 {
		return fmt.Errorf("CACHE_SIMILARITY_MAX_DISTANCE must be between 0 and 64, got %d", c.CacheSimilarityMaxDistance)
	}

	return nil
}

// getEnvOrDefault gets environment variable or returns default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrThrow gets environment variable or returns error
func getEnvOrThrow(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("Required environment variable %s is not set", key))
	}
	return value
}

// getEnvAsIntOrDefault gets environment variable as int or returns default
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsFloatOrDefault gets environment variable as float64 or returns default
func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}

	return value
}

// getEnvAsBoolOrDefault gets environment variable as bool or returns default
func getEnvAsBoolOrDefault(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}

	return value
}
