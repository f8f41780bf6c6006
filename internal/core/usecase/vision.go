package usecase

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/timeout"
)

var defaultVisionFeatures = []string{"labels", "text", "objects", "safe-search", "colors"}

// runVision fans the job's image(s) out to every configured vision
// provider, records per-provider terminal events, and advances the job
// once the event log shows all required providers settled.
func (p *Pipeline) runVision(ctx context.Context, job *domain.AnalysisJob) error {
	if len(p.visionProviders) == 0 {
		return p.failStage(ctx, job, domain.StageVision,
			domain.WrapError(domain.ErrProvider, "vision stage", errors.New("no vision providers configured")))
	}

	p.emit(ctx, job.ID, domain.StageVision, domain.PhaseStarted, domain.StatusProcessing,
		domain.StageProgress(domain.StageVision), "", "visual feature extraction started",
		map[string]any{"providers": len(p.visionProviders)})

	complexity := p.knownComplexity(ctx, job)
	deadline := timeout.Compute(domain.StageVision, complexity, len(p.visionProviders))
	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	stopWatch := p.watchDeadline(stageCtx, job, domain.StageVision, deadline)
	defer stopWatch()

	imageIDs, imageURLs := p.imageRefs(job)

	g, groupCtx := errgroup.WithContext(stageCtx)
	for _, provider := range p.visionProviders {
		g.Go(func() error {
			p.annotateWithProvider(groupCtx, job, provider, imageIDs, imageURLs)
			return nil
		})
	}
	_ = g.Wait()

	if stageCtx.Err() != nil && ctx.Err() == nil {
		return p.failStage(ctx, job, domain.StageVision,
			domain.WrapError(domain.ErrTimeout, "vision stage",
				fmt.Errorf("stage exceeded adaptive deadline %s", deadline)))
	}

	return p.settleVision(ctx, job)
}

// annotateWithProvider runs one provider over the whole image set and
// emits exactly one terminal per-provider event. Fresh cached metadata
// short-circuits the provider call.
func (p *Pipeline) annotateWithProvider(ctx context.Context, job *domain.AnalysisJob,
	provider ports.VisionProvider, imageIDs, imageURLs []string) {

	started := p.now()
	var firstErr error
	annotated := 0
	elements := 0

	for i, imageURL := range imageURLs {
		imageID := imageURL
		if i < len(imageIDs) && imageIDs[i] != "" {
			imageID = imageIDs[i]
		}

		meta, err := p.annotateImage(ctx, provider, imageID, imageURL)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		annotated++
		elements += meta.ElementCount()
	}

	duration := p.now().Sub(started)
	success := annotated > 0 && firstErr == nil
	p.selector.RecordOutcome(domain.StageVision, provider.Name(), duration, success, 0)

	if !p.jobLive(ctx, job.ID) {
		return
	}
	if success {
		p.emit(ctx, job.ID, domain.StageVision, domain.PhaseCompleted, domain.StatusProcessing,
			domain.StageProgress(domain.StageVision), provider.Name(),
			fmt.Sprintf("provider %s annotated %d image(s)", provider.Name(), annotated),
			map[string]any{"images": annotated, "elements": elements})
		return
	}
	p.emit(ctx, job.ID, domain.StageVision, domain.PhaseFailed, domain.StatusProcessing,
		domain.StageProgress(domain.StageVision), provider.Name(),
		fmt.Sprintf("provider %s failed: %v", provider.Name(), firstErr),
		map[string]any{"images": annotated})
}

func (p *Pipeline) annotateImage(ctx context.Context, provider ports.VisionProvider, imageID, imageURL string) (*domain.VisionMetadata, error) {
	if p.cache != nil {
		cached, ok, err := p.cache.GetVisionMetadata(ctx, provider.Name(), imageID)
		if err != nil {
			p.log.Warn("vision cache read failed", "image_id", imageID, "error", err)
		} else if ok && cached.Fresh(p.now()) {
			return cached, nil
		}
	}

	meta, err := provider.Annotate(ctx, imageURL, defaultVisionFeatures)
	if err != nil {
		return nil, err
	}
	meta.Provider = provider.Name()
	meta.FetchedAt = p.now().UTC()

	if p.cache != nil {
		if err := p.cache.SetVisionMetadata(ctx, provider.Name(), imageID, meta, domain.VisionMetadataTTL); err != nil {
			p.log.Warn("vision cache write failed", "image_id", imageID, "error", err)
		}
	}
	return meta, nil
}

// settleVision is the fan-in barrier: it re-queries the event log rather
// than counting in memory, so a crashed or restarted handler instance can
// still resolve the stage.
func (p *Pipeline) settleVision(ctx context.Context, job *domain.AnalysisJob) error {
	outcomes, err := p.events.StageOutcomes(ctx, job.ID, domain.StageVision)
	if err != nil {
		return fmt.Errorf("query vision outcomes: %w", err)
	}

	succeeded, failed := 0, 0
	for _, provider := range p.visionProviders {
		phase, ok := outcomes[provider.Name()]
		if !ok {
			// A provider has no terminal event yet; another handler
			// instance owns the rest of the fan-in.
			return nil
		}
		if phase == domain.PhaseCompleted {
			succeeded++
		} else {
			failed++
		}
	}

	// The annotations just landed in the cache, so the complexity verdict
	// here is the informed one; it rides along as stage input.
	inputs := stageInputsFor(p.knownComplexity(ctx, job))

	switch {
	case failed == 0:
		return p.advanceAndDispatch(ctx, job, domain.StageVision, domain.StageAI, inputs)
	case job.IsGroup && succeeded > 0:
		// Group aggregation tolerates degraded vision input; single-image
		// analysis never advances on partial data.
		p.emit(ctx, job.ID, domain.StageVision, domain.PhaseWarning, domain.StatusProcessing,
			job.Progress, "", fmt.Sprintf("proceeding degraded: %d of %d vision providers failed",
				failed, len(p.visionProviders)), nil)
		return p.advanceAndDispatch(ctx, job, domain.StageVision, domain.StageAI, inputs)
	default:
		return p.failStage(ctx, job, domain.StageVision,
			domain.WrapError(domain.ErrProvider, "vision stage",
				fmt.Errorf("%d of %d required providers failed", failed, len(p.visionProviders))))
	}
}

// knownComplexity infers image complexity from any still-fresh cached
// metadata. Unknown images are treated as moderate.
func (p *Pipeline) knownComplexity(ctx context.Context, job *domain.AnalysisJob) domain.ImageComplexity {
	if p.cache == nil {
		return domain.ComplexityModerate
	}
	imageIDs, _ := p.imageRefs(job)
	best := domain.ImageComplexity("")
	for _, imageID := range imageIDs {
		for _, provider := range p.visionProviders {
			cached, ok, err := p.cache.GetVisionMetadata(ctx, provider.Name(), imageID)
			if err != nil || !ok || !cached.Fresh(p.now()) {
				continue
			}
			c := domain.InferComplexity(cached)
			if rankComplexity(c) > rankComplexity(best) {
				best = c
			}
		}
	}
	if best == "" {
		return domain.ComplexityModerate
	}
	return best
}

func rankComplexity(c domain.ImageComplexity) int {
	switch c {
	case domain.ComplexityComplex:
		return 3
	case domain.ComplexityModerate:
		return 2
	case domain.ComplexitySimple:
		return 1
	default:
		return 0
	}
}
