package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/timeout"
)

// ModelCatalogResolver maps a selected model name back to the provider
// that serves it.
type ModelCatalogResolver interface {
	ProviderFor(stage domain.Stage, model string) (string, bool)
}

// Pipeline runs analysis stages. Every invocation is an independent unit
// of work: all coordination between racing handlers goes through the job
// store and the event log, never through in-process state.
type Pipeline struct {
	jobs              ports.JobRepository
	events            ports.EventLog
	results           ports.ResultRepository
	visionProviders   []ports.VisionProvider
	analysisProviders map[string]ports.AnalysisProvider
	cache             ports.MetadataCache
	selector          ports.ModelSelector
	resolver          ModelCatalogResolver
	dispatcher        *Dispatcher
	log               *slog.Logger
	now               func() time.Time

	onModelOutcome func(model string, success bool) // observability hook, optional
}

func NewPipeline(
	jobs ports.JobRepository,
	events ports.EventLog,
	results ports.ResultRepository,
	visionProviders []ports.VisionProvider,
	analysisProviders map[string]ports.AnalysisProvider,
	cache ports.MetadataCache,
	selector ports.ModelSelector,
	resolver ModelCatalogResolver,
	dispatcher *Dispatcher,
	log *slog.Logger,
) *Pipeline {
	return &Pipeline{
		jobs:              jobs,
		events:            events,
		results:           results,
		visionProviders:   visionProviders,
		analysisProviders: analysisProviders,
		cache:             cache,
		selector:          selector,
		resolver:          resolver,
		dispatcher:        dispatcher,
		log:               log,
		now:               time.Now,
	}
}

// RunStage is the entry point for both direct invocation and bus
// consumption. Terminal jobs are never touched; stages the job has
// already moved past are treated as duplicate triggers and skipped.
func (p *Pipeline) RunStage(ctx context.Context, msg domain.StageDispatch) error {
	job, err := p.jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		return fmt.Errorf("load job for stage %s: %w", msg.Stage, err)
	}
	if job.Status.Terminal() {
		p.log.Info("skipping stage for terminal job",
			"job_id", job.ID, "stage", msg.Stage, "status", job.Status)
		return nil
	}
	if job.CurrentStage != msg.Stage {
		p.log.Info("skipping duplicate stage trigger",
			"job_id", job.ID, "dispatched", msg.Stage, "current", job.CurrentStage)
		return nil
	}

	switch msg.Stage {
	case domain.StageVision:
		return p.runVision(ctx, job)
	case domain.StageAI:
		return p.runAnalysis(ctx, job, msg.StageInputs)
	case domain.StageSynthesis:
		return p.runSynthesis(ctx, job, msg.StageInputs)
	default:
		return fmt.Errorf("no handler for stage %q", msg.Stage)
	}
}

// OnModelOutcome registers a hook fired for every analysis and synthesis
// model attempt next to the optimizer update.
func (p *Pipeline) OnModelOutcome(fn func(model string, success bool)) {
	p.onModelOutcome = fn
}

func (p *Pipeline) recordModelOutcome(stage domain.Stage, model string, duration time.Duration, success bool, quality float64) {
	p.selector.RecordOutcome(stage, model, duration, success, quality)
	if p.onModelOutcome != nil {
		p.onModelOutcome(model, success)
	}
}

// stageInputsFor carries the vision stage's complexity verdict to the
// next handler, which may run in another process with a cold cache.
func stageInputsFor(complexity domain.ImageComplexity) map[string]any {
	return map[string]any{"complexity": string(complexity)}
}

func complexityFromInputs(inputs map[string]any) (domain.ImageComplexity, bool) {
	v, ok := inputs["complexity"].(string)
	if !ok {
		return "", false
	}
	switch c := domain.ImageComplexity(v); c {
	case domain.ComplexitySimple, domain.ComplexityModerate, domain.ComplexityComplex:
		return c, true
	default:
		return "", false
	}
}

// emit appends one event, deriving timing on terminal phases from the
// most recent matching .started event. Append is best-effort: a log write
// failure never blocks the handler's own progress.
func (p *Pipeline) emit(ctx context.Context, jobID string, stage domain.Stage, phase domain.EventPhase,
	status domain.JobStatus, progress int, provider, message string, metadata map[string]any) {

	now := p.now().UTC()
	event := &domain.AnalysisEvent{
		ID:        newEventID(),
		JobID:     jobID,
		Name:      domain.EventName(stage, phase),
		Stage:     stage,
		Status:    status,
		Progress:  progress,
		Message:   message,
		Provider:  provider,
		Metadata:  metadata,
		CreatedAt: now,
	}

	if phase == domain.PhaseCompleted || phase == domain.PhaseFailed {
		timing, err := p.events.DeriveTiming(ctx, jobID, stage, provider)
		if err != nil {
			p.log.Warn("derive stage timing failed", "job_id", jobID, "stage", stage, "error", err)
		} else if timing.StartedAt != nil {
			started := *timing.StartedAt
			duration := now.Sub(started).Milliseconds()
			event.StartedAt = &started
			event.EndedAt = &now
			event.DurationMs = &duration
		}
		// No matching .started: timing stays nil rather than fabricated.
	}

	if err := p.events.Append(ctx, event); err != nil {
		p.log.Warn("append event failed",
			"job_id", jobID, "event", event.Name, "error", err)
	}
}

// jobLive re-reads the job and reports whether results may still be
// written. Cancellation is cooperative: in-flight provider calls finish
// naturally, but their output is discarded once the job went terminal.
func (p *Pipeline) jobLive(ctx context.Context, jobID string) bool {
	job, err := p.jobs.GetByID(ctx, jobID)
	if err != nil {
		p.log.Warn("reload job for liveness check failed", "job_id", jobID, "error", err)
		return false
	}
	return !job.Status.Terminal()
}

// failStage records the stage failure event and marks the job failed.
func (p *Pipeline) failStage(ctx context.Context, job *domain.AnalysisJob, stage domain.Stage, cause error) error {
	p.emit(ctx, job.ID, stage, domain.PhaseFailed, domain.StatusFailed, job.Progress,
		"", cause.Error(), nil)
	if err := p.jobs.MarkTerminal(ctx, job.ID, domain.StatusFailed, cause.Error()); err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			// Already terminal; a racing path got there first.
			return cause
		}
		return fmt.Errorf("%w; mark failed status: %w", cause, err)
	}
	return cause
}

// watchDeadline emits a warning event at the 80% threshold of the stage
// deadline. The returned stop func must be called once the stage settles.
func (p *Pipeline) watchDeadline(ctx context.Context, job *domain.AnalysisJob, stage domain.Stage, total time.Duration) func() {
	done := make(chan struct{})
	go func() {
		timer := time.NewTimer(timeout.Warning(total))
		defer timer.Stop()
		select {
		case <-done:
		case <-ctx.Done():
		case <-timer.C:
			p.emit(context.WithoutCancel(ctx), job.ID, stage, domain.PhaseWarning,
				domain.StatusProcessing, job.Progress, "",
				fmt.Sprintf("stage %s exceeded %d%% of its %s deadline", stage,
					int(timeout.WarningFraction*100), total),
				map[string]any{"deadline_ms": total.Milliseconds()})
		}
	}()
	return func() { close(done) }
}

// advanceAndDispatch performs the optimistic stage transition and, when
// this handler wins it, triggers the next stage with the given stage
// inputs. Duplicate observers lose the advance and return quietly.
func (p *Pipeline) advanceAndDispatch(ctx context.Context, job *domain.AnalysisJob, from, to domain.Stage, inputs map[string]any) error {
	advanced, err := p.jobs.AdvanceStage(ctx, job.ID, from, to, domain.StageProgress(to))
	if err != nil {
		return fmt.Errorf("advance %s to %s: %w", from, to, err)
	}
	if !advanced {
		p.log.Info("stage advance lost to concurrent handler",
			"job_id", job.ID, "from", from, "to", to)
		return nil
	}
	job.CurrentStage = to
	job.Progress = domain.StageProgress(to)
	if to == domain.StageCompleted {
		p.emit(ctx, job.ID, from, domain.PhaseCompleted, domain.StatusCompleted, 100,
			"", "analysis pipeline completed", nil)
		if err := p.jobs.MarkTerminal(ctx, job.ID, domain.StatusCompleted, ""); err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		return nil
	}
	return p.dispatcher.Dispatch(ctx, job, to, inputs)
}

// analysisContextOf rebuilds the optimizer context from the metadata the
// submission recorded.
func analysisContextOf(job *domain.AnalysisJob) *domain.AnalysisContext {
	if job.Metadata == nil {
		return nil
	}
	actx := &domain.AnalysisContext{}
	if v, ok := job.Metadata["interface_domain"].(string); ok {
		actx.InterfaceDomain = v
	}
	if v, ok := job.Metadata["user_role"].(string); ok {
		actx.UserRole = v
	}
	if actx.InterfaceDomain == "" && actx.UserRole == "" {
		return nil
	}
	return actx
}

func (p *Pipeline) imageRefs(job *domain.AnalysisJob) ([]string, []string) {
	if job.IsGroup {
		return job.ImageIDs, job.ImageURLs
	}
	return []string{job.ImageID}, []string{job.ImageURL}
}
