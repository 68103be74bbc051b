package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithNoFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.TickInterval != 5*time.Second {
		t.Fatalf("expected default tick interval 5s, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.DB.PoolSize != 10 {
		t.Fatalf("expected default pool size 10, got %d", cfg.DB.PoolSize)
	}
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "db:\n  url: postgres://db/hetuflow_test\n  pool_size: 25\nscheduler:\n  tick_interval: 2s\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.URL != "postgres://db/hetuflow_test" {
		t.Fatalf("expected overridden db url, got %q", cfg.DB.URL)
	}
	if cfg.DB.PoolSize != 25 {
		t.Fatalf("expected overridden pool size 25, got %d", cfg.DB.PoolSize)
	}
	if cfg.Scheduler.TickInterval != 2*time.Second {
		t.Fatalf("expected overridden tick interval 2s, got %v", cfg.Scheduler.TickInterval)
	}
	if cfg.Log.Level != "info" {
		t.Fatalf("expected default log level to survive partial file, got %q", cfg.Log.Level)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("db:\n  url: postgres://file/hetuflow\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("HETUFLOW_DB_URL", "postgres://env/hetuflow")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DB.URL != "postgres://env/hetuflow" {
		t.Fatalf("expected env override, got %q", cfg.DB.URL)
	}
}
