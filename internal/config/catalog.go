package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/optimizer"
)

type catalogFile struct {
	Stages map[string][]optimizer.ModelSpec `yaml:"stages"`
}

// LoadModelCatalog reads the YAML model catalog. An empty path returns
// the built-in default so a bare deployment still has models to rank.
func LoadModelCatalog(path string) (map[domain.Stage][]optimizer.ModelSpec, error) {
	if path == "" {
		return DefaultModelCatalog(), nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read model catalog: %w", err)
	}

	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(file.Stages) == 0 {
		return nil, fmt.Errorf("model catalog %s declares no stages", path)
	}

	catalog := make(map[domain.Stage][]optimizer.ModelSpec, len(file.Stages))
	for stage, specs := range file.Stages {
		for _, spec := range specs {
			if spec.Name == "" || spec.Provider == "" {
				return nil, fmt.Errorf("model catalog %s: stage %s has an entry without name or provider", path, stage)
			}
		}
		catalog[domain.Stage(stage)] = specs
	}
	return catalog, nil
}

// DefaultModelCatalog mirrors the models the deployment ships with.
func DefaultModelCatalog() map[domain.Stage][]optimizer.ModelSpec {
	return map[domain.Stage][]optimizer.ModelSpec{
		domain.StageAI: {
			{Name: "gpt-4o", Provider: "openai", Strengths: []string{"dashboard", "forms"}, Roles: []string{"designer", "developer"}},
			{Name: "gpt-4o-mini", Provider: "openai"},
			{Name: "claude-sonnet-4-0", Provider: "anthropic", Strengths: []string{"landing", "content"}, Roles: []string{"marketer"}},
		},
		domain.StageSynthesis: {
			{Name: "gpt-4o", Provider: "openai", Strengths: []string{"dashboard"}},
			{Name: "claude-sonnet-4-0", Provider: "anthropic", Strengths: []string{"content"}},
		},
	}
}
