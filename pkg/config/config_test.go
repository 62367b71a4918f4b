package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.Type != "local" {
		t.Errorf("Expected local backend default, got %s", cfg.Backend.Type)
	}
	if cfg.Lock.TTL != 20*time.Minute {
		t.Errorf("Expected default lock TTL, got %s", cfg.Lock.TTL)
	}
	if cfg.Executor.MaxParallel != 10 {
		t.Errorf("Expected default max parallel, got %d", cfg.Executor.MaxParallel)
	}
	if !cfg.Audit.Enabled {
		t.Error("Expected audit enabled by default")
	}
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", `
project: demo
backend:
  type: s3
  bucket: demo-state
  region: us-east-1
lock:
  ttl: 5m
logging:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Project != "demo" {
		t.Errorf("Expected project demo, got %s", cfg.Project)
	}
	if cfg.Backend.Type != "s3" || cfg.Backend.Bucket != "demo-state" {
		t.Errorf("Expected s3 backend, got %+v", cfg.Backend)
	}
	if cfg.Lock.TTL != 5*time.Minute {
		t.Errorf("Expected 5m TTL, got %s", cfg.Lock.TTL)
	}
	// Untouched sections keep their defaults.
	if cfg.Lock.MaxAttempts != 5 {
		t.Errorf("Expected default max attempts, got %d", cfg.Lock.MaxAttempts)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Expected overridden logging, got %+v", cfg.Logging)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "project: [unclosed")
	if _, err := Load(path); err == nil {
		t.Fatal("Expected a parse error")
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Project = "demo"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with project", func(c *Config) {}, false},
		{"missing project", func(c *Config) { c.Project = "" }, true},
		{"unknown backend", func(c *Config) { c.Backend.Type = "etcd" }, true},
		{"local without path", func(c *Config) { c.Backend.Path = "" }, true},
		{"s3 without bucket", func(c *Config) {
			c.Backend.Type = "s3"
			c.Backend.Bucket = ""
		}, true},
		{"s3 with bucket", func(c *Config) {
			c.Backend.Type = "s3"
			c.Backend.Bucket = "demo-state"
		}, false},
		{"remote without url", func(c *Config) { c.Backend.Type = "remote" }, true},
		{"remote with url", func(c *Config) {
			c.Backend.Type = "remote"
			c.Backend.URL = "https://state.example.com"
		}, false},
		{"zero lock ttl", func(c *Config) { c.Lock.TTL = 0 }, true},
		{"zero max parallel", func(c *Config) { c.Executor.MaxParallel = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
		{"bad tracing exporter", func(c *Config) { c.Tracing.Exporter = "jaeger" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("Expected a validation error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("Expected valid config, got: %v", err)
			}
		})
	}
}
