package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

func TestLoadIncludesTrafficControlDefaults(t *testing.T) {
	t.Setenv("API_RATE_LIMIT_RPS", "")
	t.Setenv("API_RATE_LIMIT_BURST", "")
	t.Setenv("API_MAX_IN_FLIGHT", "")
	t.Setenv("USER_SUBMITS_PER_MINUTE", "")

	cfg := Load()
	if cfg.APIRateLimitRPS != 50 {
		t.Fatalf("expected default rate limit rps 50, got %v", cfg.APIRateLimitRPS)
	}
	if cfg.APIRateLimitBurst != 100 {
		t.Fatalf("expected default burst 100, got %d", cfg.APIRateLimitBurst)
	}
	if cfg.APIMaxInFlight != 256 {
		t.Fatalf("expected default max in-flight 256, got %d", cfg.APIMaxInFlight)
	}
	if cfg.UserSubmitsPerMin != 30 {
		t.Fatalf("expected default user quota 30, got %d", cfg.UserSubmitsPerMin)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("API_RATE_LIMIT_RPS", "2.5")
	t.Setenv("DEFAULT_DISPATCH_MODE", "both")
	t.Setenv("VISION_PROVIDERS", "lens, metadata-extractor")

	cfg := Load()
	if cfg.APIRateLimitRPS != 2.5 {
		t.Fatalf("expected rps 2.5, got %v", cfg.APIRateLimitRPS)
	}
	if cfg.DefaultDispatchMode != "both" {
		t.Fatalf("expected dispatch mode both, got %q", cfg.DefaultDispatchMode)
	}
	names := cfg.VisionProviderNames()
	if len(names) != 2 || names[1] != "metadata-extractor" {
		t.Fatalf("unexpected vision provider names: %v", names)
	}
}

func TestLoadModelCatalogParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	payload := `stages:
  ai:
    - name: gpt-4o
      provider: openai
      strengths: [dashboard]
      roles: [designer]
    - name: claude-sonnet-4-0
      provider: anthropic
  synthesis:
    - name: gpt-4o
      provider: openai
`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	catalog, err := LoadModelCatalog(path)
	if err != nil {
		t.Fatalf("LoadModelCatalog() error = %v", err)
	}
	if len(catalog[domain.StageAI]) != 2 {
		t.Fatalf("expected 2 ai models, got %d", len(catalog[domain.StageAI]))
	}
	if catalog[domain.StageAI][0].Strengths[0] != "dashboard" {
		t.Fatalf("unexpected strengths: %+v", catalog[domain.StageAI][0])
	}
	if len(catalog[domain.StageSynthesis]) != 1 {
		t.Fatalf("expected 1 synthesis model, got %d", len(catalog[domain.StageSynthesis]))
	}
}

func TestLoadModelCatalogRejectsEntryWithoutProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	payload := `stages:
  ai:
    - name: gpt-4o
`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	if _, err := LoadModelCatalog(path); err == nil {
		t.Fatalf("expected error for entry without provider")
	}
}

func TestLoadModelCatalogEmptyPathFallsBackToDefault(t *testing.T) {
	catalog, err := LoadModelCatalog("")
	if err != nil {
		t.Fatalf("LoadModelCatalog() error = %v", err)
	}
	if len(catalog[domain.StageAI]) == 0 || len(catalog[domain.StageSynthesis]) == 0 {
		t.Fatalf("default catalog missing stages: %v", catalog)
	}
}
