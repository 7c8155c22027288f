package config

import (
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"inference-bridge/internal/logger"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"EVENTS_ADDR", "QUEUE_CAPACITY", "JOB_TYPES", "PUBLIC_BASE_URL", "BACKEND_TIMEOUT"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	if cfg.QueueCapacity != 5 {
		t.Fatalf("expected default capacity 5, got %d", cfg.QueueCapacity)
	}
	if cfg.BackendTimeout != 5*time.Minute {
		t.Fatalf("expected default backend timeout 5m, got %s", cfg.BackendTimeout)
	}
	if cfg.DrainDelay != 50*time.Millisecond {
		t.Fatalf("expected default drain delay 50ms, got %s", cfg.DrainDelay)
	}
	if cfg.ResultCacheLimit != 0 {
		t.Fatalf("expected unbounded result cache by default, got %d", cfg.ResultCacheLimit)
	}
	if len(cfg.JobTypes) != 3 || !cfg.JobTypeAllowed("generate") || !cfg.JobTypeAllowed("upscale") {
		t.Fatalf("unexpected default job types %v", cfg.JobTypes)
	}
	if cfg.JobTypeAllowed("shutdown") {
		t.Fatalf("unknown job type must not be allowed")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "9")
	t.Setenv("BACKEND_TIMEOUT", "90s")
	t.Setenv("JOB_TYPES", " generate , , img2img ")
	t.Setenv("PUBLIC_BASE_URL", "http://10.0.0.5:8080/")
	t.Setenv("RATE_LIMIT_ENABLED", "true")
	t.Setenv("RATE_LIMIT_REFILL_PER_SEC", "0.5")
	t.Setenv("ARTIFACT_S3_PATH_STYLE", "1")

	cfg := Load()

	if cfg.QueueCapacity != 9 {
		t.Fatalf("expected capacity 9, got %d", cfg.QueueCapacity)
	}
	if cfg.BackendTimeout != 90*time.Second {
		t.Fatalf("expected 90s, got %s", cfg.BackendTimeout)
	}
	if len(cfg.JobTypes) != 2 || cfg.JobTypes[1] != "img2img" {
		t.Fatalf("unexpected job types %v", cfg.JobTypes)
	}
	if cfg.PublicBaseURL != "http://10.0.0.5:8080" {
		t.Fatalf("trailing slash not trimmed: %q", cfg.PublicBaseURL)
	}
	if !cfg.RateLimitEnabled || cfg.RateLimitRefill != 0.5 {
		t.Fatalf("rate limit overrides not applied: %+v", cfg)
	}
	if !cfg.ArtifactS3PathStyle {
		t.Fatalf("expected path style enabled")
	}
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("QUEUE_CAPACITY", "five")
	t.Setenv("QUEUE_DRAIN_DELAY", "soon")

	cfg := Load()

	if cfg.QueueCapacity != 5 || cfg.DrainDelay != 50*time.Millisecond {
		t.Fatalf("invalid values should fall back to defaults: %d %s", cfg.QueueCapacity, cfg.DrainDelay)
	}
}

func TestEventsAddrCanBeDisabled(t *testing.T) {
	t.Setenv("EVENTS_ADDR", "")
	if got := Load().EventsAddr; got != "" {
		t.Fatalf("explicitly empty EVENTS_ADDR should disable the listener, got %q", got)
	}
}

func TestUnsetLogLevelKeepsEnvironmentDefault(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("APP_ENV", "")
	cfg := Load()

	if cfg.LogLevel != "" {
		t.Fatalf("expected empty default log level, got %q", cfg.LogLevel)
	}
	if lvl := logger.NewWithWriter(io.Discard, cfg.Env, cfg.LogLevel).GetLevel(); lvl != zerolog.DebugLevel {
		t.Fatalf("expected development to log at debug, got %s", lvl)
	}

	t.Setenv("APP_ENV", "production")
	cfg = Load()
	if lvl := logger.NewWithWriter(io.Discard, cfg.Env, cfg.LogLevel).GetLevel(); lvl != zerolog.InfoLevel {
		t.Fatalf("expected production to log at info, got %s", lvl)
	}
}
