/**
 * Configuration for the IDExtract Worker
 *
 * Loads configuration from environment variables (optionally seeded from .env)
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Queue backends
const (
	QueueBackendRedis = "redis"
	QueueBackendAsynq = "asynq"
)

// Rasterizer modes for PDF input
const (
	RasterizerPdftoppm = "pdftoppm"
	RasterizerEmbedded = "embedded"
)

// NER backends
const (
	NERBackendProse  = "prose"
	NERBackendRemote = "remote"
	NERBackendNone   = "none"
)

// Debug artifact sinks
const (
	DebugArtifactsOff    = "off"
	DebugArtifactsFile   = "file"
	DebugArtifactsRemote = "remote"
)

// Config holds worker configuration
type Config struct {
	// Redis / queue configuration
	RedisURL     string
	QueueName    string
	QueueBackend string

	// PostgreSQL job tracking (optional)
	DatabaseURL string

	// Worker configuration
	WorkerConcurrency int
	PageConcurrency   int
	MaxFileSize       int64
	ProcessingTimeout int

	// Temporary directory for rasterization
	TempDir string

	// Tesseract configuration
	OCRLanguage    string
	TessdataPrefix string

	// Rasterizer configuration
	Rasterizer   string
	PdftoppmPath string
	RasterDPI    int

	// Named-entity recognition
	NERBackend    string
	NERServiceURL string

	// Debug artifacts
	DebugArtifacts   string
	DebugArtifactDir string
	ArtifactAPIURL   string

	LogLevel string
	AppEnv   string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		RedisURL:          getEnvOrDefault("REDIS_URL", "redis://nexus-redis:6379"),
		QueueName:         getEnvOrDefault("QUEUE_NAME", "idextract:jobs"),
		QueueBackend:      strings.ToLower(getEnvOrDefault("QUEUE_BACKEND", QueueBackendRedis)),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", ""),
		WorkerConcurrency: getEnvAsIntOrDefault("WORKER_CONCURRENCY", 4),
		PageConcurrency:   getEnvAsIntOrDefault("PAGE_CONCURRENCY", 1),
		MaxFileSize:       getEnvAsInt64OrDefault("MAX_FILE_SIZE", 52428800),
		ProcessingTimeout: getEnvAsIntOrDefault("PROCESSING_TIMEOUT", 300000),
		TempDir:           getEnvOrDefault("TEMP_DIR", "/tmp/idextract"),
		OCRLanguage:       getEnvOrDefault("OCR_LANGUAGE", "eng"),
		TessdataPrefix:    getEnvOrDefault("TESSDATA_PREFIX", ""),
		Rasterizer:        strings.ToLower(getEnvOrDefault("RASTERIZER", RasterizerPdftoppm)),
		PdftoppmPath:      getEnvOrDefault("PDFTOPPM_PATH", "/usr/bin/pdftoppm"),
		RasterDPI:         getEnvAsIntOrDefault("RASTER_DPI", 300),
		NERBackend:        strings.ToLower(getEnvOrDefault("NER_BACKEND", NERBackendProse)),
		NERServiceURL:     getEnvOrDefault("NER_SERVICE_URL", ""),
		DebugArtifacts:    strings.ToLower(getEnvOrDefault("DEBUG_ARTIFACTS", DebugArtifactsOff)),
		DebugArtifactDir:  getEnvOrDefault("DEBUG_ARTIFACT_DIR", "uploads"),
		ArtifactAPIURL:    getEnvOrDefault("ARTIFACT_API_URL", ""),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "info"),
		AppEnv:            getEnvOrDefault("APP_ENV", "development"),
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

	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME is required")
	}

	switch c.QueueBackend {
	case QueueBackendRedis, QueueBackendAsynq:
	default:
		return fmt.Errorf("QUEUE_BACKEND must be %q or %q, got %q", QueueBackendRedis, QueueBackendAsynq, c.QueueBackend)
	}

	if c.WorkerConcurrency < 1 || c.WorkerConcurrency > 100 {
		return fmt.Errorf("WORKER_CONCURRENCY must be between 1 and 100, got %d", c.WorkerConcurrency)
	}

	if c.PageConcurrency < 1 || c.PageConcurrency > 32 {
		return fmt.Errorf("PAGE_CONCURRENCY must be between 1 and 32, got %d", c.PageConcurrency)
	}

	if c.MaxFileSize < 1024 || c.MaxFileSize > 1073741824 { // 1KB to 1GB
		return fmt.Errorf("MAX_FILE_SIZE must be between 1KB and 1GB, got %d", c.MaxFileSize)
	}

	if c.ProcessingTimeout < 0 {
		return fmt.Errorf("PROCESSING_TIMEOUT must not be negative, got %d", c.ProcessingTimeout)
	}

	switch c.Rasterizer {
	case RasterizerPdftoppm:
		if c.PdftoppmPath == "" {
			return fmt.Errorf("PDFTOPPM_PATH is required when RASTERIZER=%s", RasterizerPdftoppm)
		}
	case RasterizerEmbedded:
	default:
		return fmt.Errorf("RASTERIZER must be %q or %q, got %q", RasterizerPdftoppm, RasterizerEmbedded, c.Rasterizer)
	}

	if c.RasterDPI < 72 || c.RasterDPI > 1200 {
		return fmt.Errorf("RASTER_DPI must be between 72 and 1200, got %d", c.RasterDPI)
	}

	switch c.NERBackend {
	case NERBackendProse, NERBackendNone:
	case NERBackendRemote:
		if c.NERServiceURL == "" {
			return fmt.Errorf("NER_SERVICE_URL is required when NER_BACKEND=%s", NERBackendRemote)
		}
	default:
		return fmt.Errorf("NER_BACKEND must be one of prose, remote, none; got %q", c.NERBackend)
	}

	switch c.DebugArtifacts {
	case DebugArtifactsOff:
	case DebugArtifactsFile:
		if c.DebugArtifactDir == "" {
			return fmt.Errorf("DEBUG_ARTIFACT_DIR is required when DEBUG_ARTIFACTS=%s", DebugArtifactsFile)
		}
	case DebugArtifactsRemote:
		if c.ArtifactAPIURL == "" {
			return fmt.Errorf("ARTIFACT_API_URL is required when DEBUG_ARTIFACTS=%s", DebugArtifactsRemote)
		}
	default:
		return fmt.Errorf("DEBUG_ARTIFACTS must be one of off, file, remote; got %q", c.DebugArtifacts)
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

// getEnvAsInt64OrDefault gets environment variable as int64 or returns default
func getEnvAsInt64OrDefault(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}

	return value
}
