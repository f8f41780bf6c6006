package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/normalize"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/timeout"
)

// runSynthesis aggregates a group job's per-image results into one
// analysis record. Single-image jobs never reach this stage.
func (p *Pipeline) runSynthesis(ctx context.Context, job *domain.AnalysisJob, inputs map[string]any) error {
	if !job.IsGroup {
		return p.failStage(ctx, job, domain.StageSynthesis,
			domain.WrapError(domain.ErrValidation, "synthesis stage",
				errors.New("synthesis requested for a single-image job")))
	}

	perImage, err := p.results.ListByJob(ctx, job.ID)
	if err != nil {
		return p.failStage(ctx, job, domain.StageSynthesis, fmt.Errorf("load per-image results: %w", err))
	}
	sources := make([]domain.NormalizedResult, 0, len(perImage))
	for _, r := range perImage {
		if !r.Aggregate {
			sources = append(sources, r)
		}
	}
	if len(sources) == 0 {
		return p.failStage(ctx, job, domain.StageSynthesis,
			domain.WrapError(domain.ErrValidation, "synthesis stage",
				errors.New("no per-image results to aggregate")))
	}

	complexity, ok := complexityFromInputs(inputs)
	if !ok {
		complexity = p.knownComplexity(ctx, job)
	}
	target := timeout.Compute(domain.StageSynthesis, complexity, 1)
	selection := p.selector.SelectModels(domain.StageSynthesis, analysisContextOf(job), target)
	candidates := append(append([]string(nil), selection.Primary...), selection.Secondary...)
	if len(candidates) == 0 {
		return p.failStage(ctx, job, domain.StageSynthesis,
			domain.WrapError(domain.ErrProvider, "synthesis stage",
				errors.New("no synthesis models available")))
	}

	p.emit(ctx, job.ID, domain.StageSynthesis, domain.PhaseStarted, domain.StatusProcessing,
		domain.StageProgress(domain.StageSynthesis), "",
		fmt.Sprintf("synthesizing %d per-image analyses", len(sources)),
		map[string]any{"primary": selection.Primary})

	deadline := timeout.Compute(domain.StageSynthesis, complexity, len(candidates))
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	stopWatch := p.watchDeadline(stageCtx, job, domain.StageSynthesis, deadline)
	defer stopWatch()

	aggregate, err := p.synthesize(stageCtx, job, candidates, sources)
	if err != nil {
		if stageCtx.Err() != nil && ctx.Err() == nil {
			return p.failStage(ctx, job, domain.StageSynthesis,
				domain.WrapError(domain.ErrTimeout, "synthesis stage",
					fmt.Errorf("stage exceeded adaptive deadline %s", deadline)))
		}
		return p.failStage(ctx, job, domain.StageSynthesis, err)
	}

	if !p.jobLive(ctx, job.ID) {
		return nil
	}
	if err := p.results.Save(ctx, aggregate); err != nil {
		return p.failStage(ctx, job, domain.StageSynthesis, fmt.Errorf("persist aggregate result: %w", err))
	}
	return p.advanceAndDispatch(ctx, job, domain.StageSynthesis, domain.StageCompleted, nil)
}

func (p *Pipeline) synthesize(ctx context.Context, job *domain.AnalysisJob,
	rankedModels []string, inputs []domain.NormalizedResult) (*domain.NormalizedResult, error) {

	prompt := buildSynthesisPrompt(job, inputs)

	var lastErr error
	for _, model := range rankedModels {
		providerName, ok := p.resolver.ProviderFor(domain.StageSynthesis, model)
		if !ok {
			lastErr = fmt.Errorf("model %q has no catalog provider", model)
			continue
		}
		provider, ok := p.analysisProviders[providerName]
		if !ok {
			lastErr = fmt.Errorf("provider %q is not configured", providerName)
			continue
		}

		started := p.now()
		raw, err := provider.Analyze(ctx, domain.AnalysisRequest{
			Model:         model,
			PromptContext: prompt,
		})
		duration := p.now().Sub(started)

		if err != nil {
			p.recordModelOutcome(domain.StageSynthesis, model, duration, false, 0)
			p.emit(ctx, job.ID, domain.StageSynthesis, domain.PhaseFailed, domain.StatusProcessing,
				job.Progress, model, fmt.Sprintf("model %s failed: %v", model, err), nil)
			lastErr = domain.WrapError(domain.ErrProvider, "invoke synthesis model", err)
			continue
		}

		result, err := normalize.Normalize(raw)
		if err != nil {
			p.recordModelOutcome(domain.StageSynthesis, model, duration, false, 0)
			p.emit(ctx, job.ID, domain.StageSynthesis, domain.PhaseFailed, domain.StatusProcessing,
				job.Progress, model, fmt.Sprintf("model %s output unparsable", model), nil)
			lastErr = err
			continue
		}

		p.recordModelOutcome(domain.StageSynthesis, model, duration, true, qualityOf(result))
		p.emit(ctx, job.ID, domain.StageSynthesis, domain.PhaseCompleted, domain.StatusProcessing,
			job.Progress, model, fmt.Sprintf("model %s completed", model), map[string]any{"model": model})

		result.ID = newEventID()
		result.JobID = job.ID
		result.Aggregate = true
		result.Model = model
		result.CreatedAt = p.now().UTC()
		return result, nil
	}
	return nil, lastErr
}

// buildSynthesisPrompt condenses per-image findings into a deterministic
// prompt: images sorted by id so retries produce identical context.
func buildSynthesisPrompt(job *domain.AnalysisJob, inputs []domain.NormalizedResult) string {
	sorted := append([]domain.NormalizedResult(nil), inputs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ImageID < sorted[j].ImageID })

	var b strings.Builder
	fmt.Fprintf(&b, "Synthesize a group-level design analysis for group %s across %d images.\n",
		job.GroupID, len(sorted))
	for _, r := range sorted {
		fmt.Fprintf(&b, "Image %s:\n", r.ImageID)
		keys := make([]string, 0, len(r.Summary))
		for k := range r.Summary {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(&b, "  %s: %.1f\n", key, r.Summary[key])
		}
		for _, insight := range r.Insights {
			fmt.Fprintf(&b, "  insight: %s\n", insight)
		}
	}
	b.WriteString("Respond with JSON: summary scores, insights, suggestions, patterns.")
	return b.String()
}
