package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level: info\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Backend != "file" {
		t.Errorf("expected file backend, got %q", cfg.Cache.Backend)
	}
	if cfg.Pipeline.MaxAttempts != 4 || cfg.Pipeline.BaseBackoff != time.Second {
		t.Errorf("unexpected pipeline defaults %+v", cfg.Pipeline)
	}
	if cfg.Limiter.GlobalConcurrency != 32 {
		t.Errorf("expected global concurrency 32, got %d", cfg.Limiter.GlobalConcurrency)
	}
	if cfg.OpenRouter.BaseURL != "https://openrouter.ai/api/v1" {
		t.Errorf("unexpected openrouter base url %q", cfg.OpenRouter.BaseURL)
	}
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeConfig(t, `
cache:
  backend: sqlite
  path: /tmp/x.db
  legacy_namespaces:
    responses: llm_responses
pipeline:
  max_attempts: 6
  max_backoff: 1m
judge:
  models: [openai:gpt-4o, anthropic:claude-3-5-sonnet-latest]
  disagreement_threshold: 0.1
profiles:
  openai:
    base_concurrency: 3
    cool_down: 10s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Cache.Backend != "sqlite" || cfg.Cache.LegacyNamespaces["responses"] != "llm_responses" {
		t.Errorf("unexpected cache config %+v", cfg.Cache)
	}
	if cfg.Pipeline.MaxAttempts != 6 || cfg.Pipeline.MaxBackoff != time.Minute {
		t.Errorf("unexpected pipeline config %+v", cfg.Pipeline)
	}
	if len(cfg.Judge.Models) != 2 || cfg.Judge.DisagreementThreshold != 0.1 {
		t.Errorf("unexpected judge config %+v", cfg.Judge)
	}
	p := cfg.Profiles["openai"]
	if p.BaseConcurrency != 3 || p.CoolDown != 10*time.Second {
		t.Errorf("unexpected profile override %+v", p)
	}
}

func TestLoad_APIKeyFromEnv(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("ANTHROPIC_API_KEY", "ak-test")

	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OpenAI.APIKey != "sk-test" || cfg.Providers()["anthropic"].APIKey != "ak-test" {
		t.Error("expected API keys from environment")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected debug, got %q", cfg.LogLevel)
	}
}

func TestLoad_InvalidBackend(t *testing.T) {
	_, err := Load(writeConfig(t, "cache:\n  backend: tape\n"))
	if err == nil || !strings.Contains(err.Error(), "unsupported cache backend") {
		t.Fatalf("expected backend error, got %v", err)
	}
}

func TestLoad_RedisNeedsURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("EVALCORE_REDIS_URL", "")
	_, err := Load(writeConfig(t, "cache:\n  backend: redis\n"))
	if err == nil {
		t.Fatal("expected error for redis without url")
	}
}
