package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != "memory" {
		t.Fatalf("store = %q, want memory", cfg.Store)
	}
	if cfg.QueueCeiling != 1000 || cfg.DefaultTrials != 5 {
		t.Fatalf("defaults not applied: ceiling=%d trials=%d", cfg.QueueCeiling, cfg.DefaultTrials)
	}
}

func TestLoadFileThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "testbed.yaml")
	body := "listen_addr: \":9090\"\nqueue_ceiling: 50\nmax_retries: 7\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TESTBED_QUEUE_CEILING", "25")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Fatalf("listen addr = %q, want :9090", cfg.ListenAddr)
	}
	if cfg.MaxRetries != 7 {
		t.Fatalf("max retries = %d, want 7", cfg.MaxRetries)
	}
	if cfg.QueueCeiling != 25 {
		t.Fatalf("queue ceiling = %d, env must win over file", cfg.QueueCeiling)
	}
}

func TestLoadRejectsPostgresWithoutDSN(t *testing.T) {
	t.Setenv("TESTBED_STORE", "postgres")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for postgres store without dsn")
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	if _, err := Load("/nonexistent/testbed.yaml"); err == nil {
		t.Fatalf("expected error for missing explicit config file")
	}
}
