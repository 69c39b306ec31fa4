package config

import (
	"strings"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("PAGE_CONCURRENCY", "")
	t.Setenv("RASTER_DPI", "")
	t.Setenv("NER_BACKEND", "")
	t.Setenv("DEBUG_ARTIFACTS", "")
	t.Setenv("QUEUE_BACKEND", "")
	t.Setenv("RASTERIZER", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.PageConcurrency != 1 {
		t.Errorf("PageConcurrency = %d, want 1", cfg.PageConcurrency)
	}
	if cfg.RasterDPI != 300 {
		t.Errorf("RasterDPI = %d, want 300", cfg.RasterDPI)
	}
	if cfg.QueueBackend != QueueBackendRedis {
		t.Errorf("QueueBackend = %q, want %q", cfg.QueueBackend, QueueBackendRedis)
	}
	if cfg.NERBackend != NERBackendProse {
		t.Errorf("NERBackend = %q, want %q", cfg.NERBackend, NERBackendProse)
	}
	if cfg.DebugArtifacts != DebugArtifactsOff {
		t.Errorf("DebugArtifacts = %q, want %q", cfg.DebugArtifacts, DebugArtifactsOff)
	}
}

func TestLoadConfigOverridesAndBadInts(t *testing.T) {
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("PAGE_CONCURRENCY", "not-a-number")
	t.Setenv("QUEUE_BACKEND", "ASYNQ")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Errorf("WorkerConcurrency = %d, want 8", cfg.WorkerConcurrency)
	}
	if cfg.PageConcurrency != 1 {
		t.Errorf("unparseable PAGE_CONCURRENCY should fall back to default, got %d", cfg.PageConcurrency)
	}
	if cfg.QueueBackend != QueueBackendAsynq {
		t.Errorf("QueueBackend = %q, want lower-cased %q", cfg.QueueBackend, QueueBackendAsynq)
	}
}

func validConfig() Config {
	return Config{
		RedisURL:          "redis://localhost:6379",
		QueueName:         "idextract:jobs",
		QueueBackend:      QueueBackendRedis,
		WorkerConcurrency: 2,
		PageConcurrency:   1,
		MaxFileSize:       1 << 20,
		Rasterizer:        RasterizerPdftoppm,
		PdftoppmPath:      "/usr/bin/pdftoppm",
		RasterDPI:         300,
		NERBackend:        NERBackendNone,
		DebugArtifacts:    DebugArtifactsOff,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing redis", mutate: func(c *Config) { c.RedisURL = "" }, wantErr: "REDIS_URL"},
		{name: "unknown queue backend", mutate: func(c *Config) { c.QueueBackend = "kafka" }, wantErr: "QUEUE_BACKEND"},
		{name: "too many workers", mutate: func(c *Config) { c.WorkerConcurrency = 101 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "zero page concurrency", mutate: func(c *Config) { c.PageConcurrency = 0 }, wantErr: "PAGE_CONCURRENCY"},
		{name: "tiny max file size", mutate: func(c *Config) { c.MaxFileSize = 10 }, wantErr: "MAX_FILE_SIZE"},
		{name: "unknown rasterizer", mutate: func(c *Config) { c.Rasterizer = "ghostscript" }, wantErr: "RASTERIZER"},
		{name: "embedded rasterizer needs no binary", mutate: func(c *Config) { c.Rasterizer = RasterizerEmbedded; c.PdftoppmPath = "" }},
		{name: "dpi out of range", mutate: func(c *Config) { c.RasterDPI = 20 }, wantErr: "RASTER_DPI"},
		{name: "remote ner without url", mutate: func(c *Config) { c.NERBackend = NERBackendRemote }, wantErr: "NER_SERVICE_URL"},
		{name: "remote artifacts without url", mutate: func(c *Config) { c.DebugArtifacts = DebugArtifactsRemote }, wantErr: "ARTIFACT_API_URL"},
		{name: "file artifacts without dir", mutate: func(c *Config) { c.DebugArtifacts = DebugArtifactsFile }, wantErr: "DEBUG_ARTIFACT_DIR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}
