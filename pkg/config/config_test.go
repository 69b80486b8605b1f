package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gloomyglyph/FAAS/pkg/types"
)

func TestDefaultsValidate(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("ANALYSIS_BACKEND", "agender")
	t.Setenv("DISPATCH_QUEUE_CAPACITY", "7")
	t.Setenv("PERSIST_INITIAL_BACKOFF", "50ms")
	t.Setenv("MINIO_USE_SSL", "true")
	t.Setenv("REDIS_HOST", "cache.internal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Kind() != types.KindAgender {
		t.Fatalf("expected agender, got %s", cfg.Kind())
	}
	if cfg.Dispatch.Capacity != 7 {
		t.Fatalf("expected capacity 7, got %d", cfg.Dispatch.Capacity)
	}
	if cfg.Persist.InitialBackoff != 50*time.Millisecond {
		t.Fatalf("expected 50ms, got %v", cfg.Persist.InitialBackoff)
	}
	if !cfg.MinIO.UseSSL || cfg.Redis.Host != "cache.internal" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "faas.yaml")
	doc := `
http_addr: ":9090"
storage_transport: amqp
dispatch:
  in_flight: 4
  backend_timeout: 3s
persist:
  workers: 3
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PERSIST_WORKERS", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9090" || cfg.StorageTransport != "amqp" {
		t.Fatalf("yaml not applied: %+v", cfg)
	}
	if cfg.Dispatch.InFlight != 4 || cfg.Dispatch.BackendTimeout != 3*time.Second {
		t.Fatalf("yaml dispatch not applied: %+v", cfg.Dispatch)
	}
	if cfg.Persist.Workers != 5 {
		t.Fatalf("env should override yaml, got %d", cfg.Persist.Workers)
	}
	if cfg.Persist.Capacity != 1024 {
		t.Fatalf("unset yaml keys should keep defaults, got %d", cfg.Persist.Capacity)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"backend", func(c *Config) { c.AnalysisBackend = "pose" }, "ANALYSIS_BACKEND"},
		{"transport", func(c *Config) { c.StorageTransport = "grpc" }, "STORAGE_TRANSPORT"},
		{"capacity", func(c *Config) { c.Dispatch.Capacity = 0 }, "DISPATCH_QUEUE_CAPACITY"},
		{"backoff", func(c *Config) { c.Persist.MaxBackoff = time.Millisecond }, "PERSIST_MAX_BACKOFF"},
		{"cache", func(c *Config) { c.CacheBackend = "memcached" }, "CACHE_BACKEND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestBadDurationEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("BACKEND_TIMEOUT", "soon")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "BACKEND_TIMEOUT") {
		t.Fatalf("expected BACKEND_TIMEOUT error, got %v", err)
	}
}
