package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/normalize"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/timeout"
)

// runAnalysis drives the AI stage: the optimizer picks primary models and
// a fallback, the stage fans out, and output goes through the normalizer
// before anything is persisted. No recoverable structure means a failed
// stage, never fabricated scores.
func (p *Pipeline) runAnalysis(ctx context.Context, job *domain.AnalysisJob, inputs map[string]any) error {
	complexity, ok := complexityFromInputs(inputs)
	if !ok {
		complexity = p.knownComplexity(ctx, job)
	}
	target := timeout.Compute(domain.StageAI, complexity, 2)
	selection := p.selector.SelectModels(domain.StageAI, analysisContextOf(job), target)

	candidates := append(append([]string(nil), selection.Primary...), selection.Secondary...)
	if len(candidates) == 0 {
		return p.failStage(ctx, job, domain.StageAI,
			domain.WrapError(domain.ErrProvider, "ai stage", errors.New("no analysis models available")))
	}

	p.emit(ctx, job.ID, domain.StageAI, domain.PhaseStarted, domain.StatusProcessing,
		domain.StageProgress(domain.StageAI), "", "AI analysis started",
		map[string]any{
			"primary":   selection.Primary,
			"secondary": selection.Secondary,
			"reasoning": selection.Reasoning,
		})

	deadline := timeout.Compute(domain.StageAI, complexity, len(candidates))
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	stopWatch := p.watchDeadline(stageCtx, job, domain.StageAI, deadline)
	defer stopWatch()

	var (
		results []*domain.NormalizedResult
		runErr  error
	)
	if job.IsGroup {
		results, runErr = p.analyzeGroup(stageCtx, job, candidates)
	} else {
		results, runErr = p.analyzeSingle(stageCtx, job, selection.Primary, selection.Secondary)
	}

	if stageCtx.Err() != nil && ctx.Err() == nil && len(results) == 0 {
		return p.failStage(ctx, job, domain.StageAI,
			domain.WrapError(domain.ErrTimeout, "ai stage",
				fmt.Errorf("stage exceeded adaptive deadline %s", deadline)))
	}
	if len(results) == 0 {
		if runErr == nil {
			runErr = errors.New("no model produced a usable result")
		}
		if !domain.IsKind(runErr, domain.ErrNormalization) {
			runErr = domain.WrapError(domain.ErrProvider, "ai stage", runErr)
		}
		return p.failStage(ctx, job, domain.StageAI, runErr)
	}

	if !p.jobLive(ctx, job.ID) {
		return nil
	}
	for _, result := range results {
		if err := p.results.Save(ctx, result); err != nil {
			return p.failStage(ctx, job, domain.StageAI, fmt.Errorf("persist analysis result: %w", err))
		}
	}

	next := domain.StageCompleted
	if job.IsGroup {
		next = domain.StageSynthesis
	}
	return p.advanceAndDispatch(ctx, job, domain.StageAI, next, stageInputsFor(complexity))
}

// analyzeSingle fans the primary models out in parallel and keeps the
// first usable result in primary-rank order; the secondary model runs
// only when every primary failed.
func (p *Pipeline) analyzeSingle(ctx context.Context, job *domain.AnalysisJob,
	primary, secondary []string) ([]*domain.NormalizedResult, error) {

	outcomes := make([]*domain.NormalizedResult, len(primary))
	errs := make([]error, len(primary))

	var g errgroup.Group
	for i, model := range primary {
		g.Go(func() error {
			outcomes[i], errs[i] = p.invokeModel(ctx, job, model, "")
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range outcomes {
		if result != nil {
			return []*domain.NormalizedResult{result}, nil
		}
	}

	var lastErr error
	for _, err := range errs {
		if err != nil {
			lastErr = err
		}
	}
	for _, model := range secondary {
		result, err := p.invokeModel(ctx, job, model, "")
		if err == nil {
			return []*domain.NormalizedResult{result}, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// analyzeGroup produces one result per image, trying models in rank order
// per image. Images run in parallel; at least one must succeed.
func (p *Pipeline) analyzeGroup(ctx context.Context, job *domain.AnalysisJob,
	rankedModels []string) ([]*domain.NormalizedResult, error) {

	imageIDs, imageURLs := p.imageRefs(job)

	var (
		mu       sync.Mutex
		results  []*domain.NormalizedResult
		lastErr  error
		failures int
	)

	var g errgroup.Group
	for i := range imageURLs {
		imageID := imageURLs[i]
		if i < len(imageIDs) && imageIDs[i] != "" {
			imageID = imageIDs[i]
		}
		g.Go(func() error {
			var imgErr error
			for _, model := range rankedModels {
				result, err := p.invokeModel(ctx, job, model, imageID)
				if err == nil {
					mu.Lock()
					results = append(results, result)
					mu.Unlock()
					return nil
				}
				imgErr = err
			}
			mu.Lock()
			failures++
			lastErr = imgErr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if failures > 0 && len(results) > 0 {
		p.emit(ctx, job.ID, domain.StageAI, domain.PhaseWarning, domain.StatusProcessing,
			job.Progress, "", fmt.Sprintf("proceeding degraded: %d of %d images failed analysis",
				failures, len(imageURLs)), nil)
	}
	if len(results) == 0 {
		return nil, lastErr
	}
	return results, nil
}

// invokeModel runs one model once, normalizes its output, and records the
// attempt in the optimizer and the event log.
func (p *Pipeline) invokeModel(ctx context.Context, job *domain.AnalysisJob, model, imageID string) (*domain.NormalizedResult, error) {
	providerName, ok := p.resolver.ProviderFor(domain.StageAI, model)
	if !ok {
		return nil, fmt.Errorf("model %q has no catalog provider", model)
	}
	provider, ok := p.analysisProviders[providerName]
	if !ok {
		return nil, fmt.Errorf("provider %q for model %q is not configured", providerName, model)
	}

	_, imageURLs := p.imageRefs(job)
	if imageID != "" {
		imageURLs = p.urlsForImage(job, imageID)
	}

	req := domain.AnalysisRequest{
		Model:         model,
		ImageURLs:     imageURLs,
		PromptContext: promptContextOf(job),
		Vision:        p.cachedVision(ctx, job, imageID),
	}

	started := p.now()
	raw, err := provider.Analyze(ctx, req)
	duration := p.now().Sub(started)

	eventMeta := map[string]any{"model": model}
	if imageID != "" {
		eventMeta["image_id"] = imageID
	}

	if err != nil {
		p.recordModelOutcome(domain.StageAI, model, duration, false, 0)
		p.emit(ctx, job.ID, domain.StageAI, domain.PhaseFailed, domain.StatusProcessing,
			job.Progress, model, fmt.Sprintf("model %s failed: %v", model, err), eventMeta)
		return nil, domain.WrapError(domain.ErrProvider, "invoke analysis model", err)
	}

	result, err := normalize.Normalize(raw)
	if err != nil {
		p.recordModelOutcome(domain.StageAI, model, duration, false, 0)
		p.emit(ctx, job.ID, domain.StageAI, domain.PhaseFailed, domain.StatusProcessing,
			job.Progress, model, fmt.Sprintf("model %s output unparsable", model), eventMeta)
		return nil, err
	}

	p.recordModelOutcome(domain.StageAI, model, duration, true, qualityOf(result))
	p.emit(ctx, job.ID, domain.StageAI, domain.PhaseCompleted, domain.StatusProcessing,
		job.Progress, model, fmt.Sprintf("model %s completed", model), eventMeta)

	result.ID = newEventID()
	result.JobID = job.ID
	result.ImageID = imageID
	result.Model = model
	result.CreatedAt = p.now().UTC()
	return result, nil
}

// cachedVision returns the image's freshest still-valid annotation so
// the prompt can describe the detected features. Providers are tried in
// configured order; a cold cache simply yields no vision context.
func (p *Pipeline) cachedVision(ctx context.Context, job *domain.AnalysisJob, imageID string) *domain.VisionMetadata {
	if p.cache == nil {
		return nil
	}
	if imageID == "" {
		imageID = job.ImageID
		if imageID == "" {
			imageID = job.ImageURL
		}
	}
	for _, provider := range p.visionProviders {
		cached, ok, err := p.cache.GetVisionMetadata(ctx, provider.Name(), imageID)
		if err != nil || !ok || !cached.Fresh(p.now()) {
			continue
		}
		return cached
	}
	return nil
}

func (p *Pipeline) urlsForImage(job *domain.AnalysisJob, imageID string) []string {
	imageIDs, imageURLs := p.imageRefs(job)
	for i, id := range imageIDs {
		if id == imageID && i < len(imageURLs) {
			return []string{imageURLs[i]}
		}
	}
	// Group submissions may carry URLs without ids; the id is then the URL.
	for _, url := range imageURLs {
		if url == imageID {
			return []string{url}
		}
	}
	return imageURLs
}

func promptContextOf(job *domain.AnalysisJob) string {
	if job.Metadata == nil {
		return ""
	}
	parts := ""
	if v, ok := job.Metadata["interface_domain"].(string); ok && v != "" {
		parts += "interface domain: " + v + ". "
	}
	if v, ok := job.Metadata["user_role"].(string); ok && v != "" {
		parts += "audience role: " + v + "."
	}
	return parts
}

// qualityOf scores a normalized result in [0,1] from its summary scores,
// discounted by how much coercion the normalizer had to apply.
func qualityOf(result *domain.NormalizedResult) float64 {
	if len(result.Summary) == 0 {
		return 0.3
	}
	var sum float64
	for _, v := range result.Summary {
		if v > 100 {
			v = 100
		}
		if v < 0 {
			v = 0
		}
		sum += v / 100
	}
	quality := sum / float64(len(result.Summary))
	if len(result.Warnings) > 0 {
		quality *= 0.9
	}
	return quality
}
