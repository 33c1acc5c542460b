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
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "general:\n  log_level: debug\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.General.LogLevel != "debug" {
		t.Errorf("log level got %q, want debug", cfg.General.LogLevel)
	}
	if cfg.Server.Address != ":10001" {
		t.Errorf("server address got %q, want :10001", cfg.Server.Address)
	}
	if cfg.Server.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat got %v, want 30s", cfg.Server.HeartbeatInterval)
	}
	if cfg.Server.SubscriberBuffer != 100 {
		t.Errorf("subscriber buffer got %d, want 100", cfg.Server.SubscriberBuffer)
	}
	if cfg.Research.DefaultMaxTopics != 10 || cfg.Research.MaxIterations != 50 {
		t.Errorf("research defaults got max_topics=%d max_iterations=%d", cfg.Research.DefaultMaxTopics, cfg.Research.MaxIterations)
	}
	if cfg.Tools.MaxResultSize != 50000 || cfg.Tools.MaxRetries != 2 {
		t.Errorf("tool defaults got max_result_size=%d max_retries=%d", cfg.Tools.MaxResultSize, cfg.Tools.MaxRetries)
	}
	if cfg.Research.ManagerEnabled {
		t.Errorf("manager should be disabled by default")
	}
	if cfg.Storage.Redis.Enabled() {
		t.Errorf("redis should be disabled without an address")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, "research:\n  max_iterations: 7\n")
	t.Setenv("STOCKRESEARCH_RESEARCH_MAX_ITERATIONS", "12")
	t.Setenv("STOCKRESEARCH_STORAGE_REDIS_ADDR", "localhost:6379")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Research.MaxIterations != 12 {
		t.Fatalf("max_iterations got %d, want 12", cfg.Research.MaxIterations)
	}
	if !cfg.Storage.Redis.Enabled() {
		t.Fatalf("redis should be enabled from env")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	_, err := Load(writeConfig(t, "tools:\n  web_search:\n    provider: bing\n"))
	if err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if !strings.Contains(err.Error(), "tools.web_search.provider") {
		t.Fatalf("error %q does not name the field", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestResearchNormalize(t *testing.T) {
	r := ResearchConfig{DefaultLanguage: " KO "}.Normalize()
	if r.DefaultLanguage != "ko" {
		t.Errorf("language got %q, want ko", r.DefaultLanguage)
	}
	if r.MinTopics != 3 || r.MaxTopicsLimit != 20 {
		t.Errorf("topic bounds got min=%d limit=%d", r.MinTopics, r.MaxTopicsLimit)
	}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	r.DefaultMaxTopics = 25
	if err := r.Validate(); err == nil {
		t.Fatalf("expected error for max topics above limit")
	}
}
