// Package optimizer ranks analysis models per stage from exponentially
// weighted performance history. Metrics are approximate by design: the
// service is injected per process and tolerates lost updates.
package optimizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
)

const (
	// Learning rate for every EMA update.
	alpha = 0.3

	// Conservative defaults for models with no recorded history.
	defaultResponseTime = 30 * time.Second
	defaultSuccessRate  = 0.85
	defaultQuality      = 0.7

	// Metrics untouched for this long are pruned lazily.
	retention = 24 * time.Hour

	maxPrimary         = 2
	maxSecondary       = 1
	responseBudget     = 0.8 // primaries must respond within this fraction of target
	expectedFactor     = 1.5
	expectedTimeoutCap = 120 * time.Second
	slowPenalty        = 20.0
	strengthBonus      = 5.0
	roleBonus          = 3.0
)

// ModelSpec declares one catalog model for a stage, with the strengths and
// audience roles the context-fit bonus matches against.
type ModelSpec struct {
	Name      string   `yaml:"name"`
	Provider  string   `yaml:"provider"`
	Strengths []string `yaml:"strengths"`
	Roles     []string `yaml:"roles"`
}

type metric struct {
	responseTime time.Duration
	successRate  float64
	quality      float64
	lastUsed     time.Time
	usageCount   int
}

type Optimizer struct {
	catalog map[domain.Stage][]ModelSpec
	now     func() time.Time

	mu      sync.Mutex
	metrics map[string]*metric
}

func New(catalog map[domain.Stage][]ModelSpec) *Optimizer {
	return &Optimizer{
		catalog: catalog,
		now:     time.Now,
		metrics: make(map[string]*metric),
	}
}

// NewWithClock injects a clock for deterministic tests.
func NewWithClock(catalog map[domain.Stage][]ModelSpec, now func() time.Time) *Optimizer {
	o := New(catalog)
	o.now = now
	return o
}

func metricKey(stage domain.Stage, model string) string {
	return string(stage) + "/" + model
}

func (o *Optimizer) getOrInit(stage domain.Stage, model string) *metric {
	key := metricKey(stage, model)
	m, ok := o.metrics[key]
	if !ok {
		m = &metric{
			responseTime: defaultResponseTime,
			successRate:  defaultSuccessRate,
			quality:      defaultQuality,
			lastUsed:     o.now(),
		}
		o.metrics[key] = m
	}
	return m
}

func (o *Optimizer) pruneLocked() {
	cutoff := o.now().Add(-retention)
	for key, m := range o.metrics {
		if m.lastUsed.Before(cutoff) {
			delete(o.metrics, key)
		}
	}
}

// RecordOutcome folds one attempt into the model's metrics. A qualityScore
// of zero or below means "not assessed" and leaves the quality EMA alone.
func (o *Optimizer) RecordOutcome(stage domain.Stage, model string, responseTime time.Duration, success bool, qualityScore float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()

	m := o.getOrInit(stage, model)
	m.responseTime = time.Duration(float64(m.responseTime)*(1-alpha) + float64(responseTime)*alpha)
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	m.successRate = m.successRate*(1-alpha) + outcome*alpha
	if qualityScore > 0 {
		m.quality = m.quality*(1-alpha) + qualityScore*alpha
	}
	m.lastUsed = o.now()
	m.usageCount++
}

type scoredModel struct {
	spec         ModelSpec
	score        float64
	responseTime time.Duration
}

func (o *Optimizer) score(stage domain.Stage, spec ModelSpec, analysisCtx *domain.AnalysisContext, target time.Duration) scoredModel {
	m := o.getOrInit(stage, spec.Name)

	respSeconds := m.responseTime.Seconds()
	if respSeconds <= 0 {
		respSeconds = 0.001
	}
	score := m.successRate*40 + (1/respSeconds)*30 + m.quality*30

	if analysisCtx != nil {
		if containsFold(spec.Strengths, analysisCtx.InterfaceDomain) {
			score += strengthBonus
		}
		if containsFold(spec.Roles, analysisCtx.UserRole) {
			score += roleBonus
		}
	}
	if target > 0 && m.responseTime > target {
		score -= slowPenalty
	}

	return scoredModel{spec: spec, score: score, responseTime: m.responseTime}
}

// SelectModels ranks the stage's catalog and splits it into primary
// models (invoked) and a secondary fallback. Ordering is deterministic:
// ties break on model name, never on map iteration order.
func (o *Optimizer) SelectModels(stage domain.Stage, analysisCtx *domain.AnalysisContext, targetTimeout time.Duration) ports.ModelSelection {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pruneLocked()

	candidates := append([]ModelSpec(nil), o.catalog[stage]...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })

	scored := make([]scoredModel, 0, len(candidates))
	for _, spec := range candidates {
		scored = append(scored, o.score(stage, spec, analysisCtx, targetTimeout))
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].spec.Name < scored[j].spec.Name
	})

	sel := ports.ModelSelection{}
	var selectedResponse time.Duration
	for _, sm := range scored {
		withinBudget := targetTimeout <= 0 ||
			sm.responseTime <= time.Duration(float64(targetTimeout)*responseBudget)
		if len(sel.Primary) < maxPrimary && withinBudget {
			sel.Primary = append(sel.Primary, sm.spec.Name)
			selectedResponse += sm.responseTime
			continue
		}
		if len(sel.Secondary) < maxSecondary {
			sel.Secondary = append(sel.Secondary, sm.spec.Name)
			selectedResponse += sm.responseTime
		}
	}

	total := len(sel.Primary) + len(sel.Secondary)
	if total > 0 {
		expected := time.Duration(float64(selectedResponse/time.Duration(total)) * expectedFactor)
		if expected > expectedTimeoutCap {
			expected = expectedTimeoutCap
		}
		sel.ExpectedTimeout = expected
	}
	sel.Reasoning = o.reasoning(stage, scored, sel)
	return sel
}

func (o *Optimizer) reasoning(stage domain.Stage, scored []scoredModel, sel ports.ModelSelection) string {
	parts := make([]string, 0, len(scored))
	for _, sm := range scored {
		parts = append(parts, fmt.Sprintf("%s=%.1f", sm.spec.Name, sm.score))
	}
	return fmt.Sprintf("stage=%s scores[%s] primary=%d secondary=%d",
		stage, strings.Join(parts, " "), len(sel.Primary), len(sel.Secondary))
}

// ProviderFor resolves a model name back to its catalog provider.
func (o *Optimizer) ProviderFor(stage domain.Stage, model string) (string, bool) {
	for _, spec := range o.catalog[stage] {
		if spec.Name == model {
			return spec.Provider, true
		}
	}
	return "", false
}

func containsFold(haystack []string, needle string) bool {
	if needle == "" {
		return false
	}
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
