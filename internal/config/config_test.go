package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "aigateway.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}

// clearProviderEnv shields a test from provider keys set in the real
// environment, which applyEnvOverrides would otherwise pick up.
func clearProviderEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
}

func TestDefaults(t *testing.T) {
	clearProviderEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with empty path: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Queue.Concurrency != 1 {
		t.Errorf("default queue concurrency = %d, want 1", cfg.Queue.Concurrency)
	}
	if cfg.Providers.Anthropic.Timeout != 60*time.Second {
		t.Errorf("default anthropic timeout = %v, want 60s", cfg.Providers.Anthropic.Timeout)
	}
	if cfg.Providers.Anthropic.BaseURL == "" || cfg.Providers.OpenAI.BaseURL == "" {
		t.Error("provider base URLs should have defaults")
	}
}

func TestLoadFile(t *testing.T) {
	clearProviderEnv(t)
	path := writeTempConfig(t, `
server:
  port: 9090
queue:
  concurrency: 2
  max_depth: 64
providers:
  anthropic:
    api_key: test-key
    timeout: 30s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Queue.Concurrency != 2 || cfg.Queue.MaxDepth != 64 {
		t.Errorf("queue = %+v, want concurrency 2 depth 64", cfg.Queue)
	}
	if cfg.Providers.Anthropic.APIKey != "test-key" {
		t.Errorf("anthropic key = %q, want test-key", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Providers.Anthropic.Timeout != 30*time.Second {
		t.Errorf("anthropic timeout = %v, want 30s", cfg.Providers.Anthropic.Timeout)
	}
	// Unset sections keep defaults.
	if cfg.Usage.BatchSize != 100 {
		t.Errorf("usage batch size = %d, want default 100", cfg.Usage.BatchSize)
	}
}

func TestEnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_AIGW_DB", "postgres://expanded:5432/gw")
	path := writeTempConfig(t, `
database:
  url: ${TEST_AIGW_DB}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://expanded:5432/gw" {
		t.Errorf("database url = %q, want expanded value", cfg.Database.URL)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AIGATEWAY_PORT", "7070")
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic")
	t.Setenv("OPENAI_API_KEY", "env-openai")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("port = %d, want 7070 from env", cfg.Server.Port)
	}
	if cfg.Providers.Anthropic.APIKey != "env-anthropic" {
		t.Errorf("anthropic key not taken from env")
	}
	if cfg.Providers.OpenAI.APIKey != "env-openai" {
		t.Errorf("openai key not taken from env")
	}
}

func TestValidateNoProviderKeys(t *testing.T) {
	cfg := defaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should fail when both provider keys are missing")
	}

	cfg.Providers.OpenAI.APIKey = "sk-test"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with one key: %v", err)
	}
}

func TestValidateQueueConcurrency(t *testing.T) {
	cfg := defaults()
	cfg.Providers.Anthropic.APIKey = "key"
	cfg.Queue.Concurrency = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate should reject zero queue concurrency")
	}
}

func TestDatabaseURLForMigrate(t *testing.T) {
	cfg := defaults()
	cfg.Database.URL = "postgres://localhost/gw"
	if got := cfg.DatabaseURLForMigrate(); got != "postgres://localhost/gw?sslmode=disable" {
		t.Errorf("DatabaseURLForMigrate = %q", got)
	}

	cfg.Database.URL = "postgres://localhost/gw?sslmode=require"
	if got := cfg.DatabaseURLForMigrate(); got != "postgres://localhost/gw?sslmode=require" {
		t.Errorf("DatabaseURLForMigrate should not duplicate sslmode, got %q", got)
	}
}
