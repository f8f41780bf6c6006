package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
)

// Dispatcher decides how the next stage is triggered: synchronous
// invocation, publish to the event bus, or both in parallel as a
// redundancy strategy. Racing paths are safe because stage advancement is
// guarded by the job store's optimistic precondition.
type Dispatcher struct {
	bus    ports.EventBus // nil when no broker is configured
	events ports.EventLog
	runner ports.StageRunner
	log    *slog.Logger
	now    func() time.Time

	onFallback func() // observability hook, optional
}

func NewDispatcher(bus ports.EventBus, events ports.EventLog, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		bus:    bus,
		events: events,
		log:    log,
		now:    time.Now,
	}
}

// BindRunner closes the dispatcher/runner cycle after both are built.
func (d *Dispatcher) BindRunner(runner ports.StageRunner) {
	d.runner = runner
}

// OnFallback registers a hook fired whenever a bus dispatch degrades to
// direct invocation.
func (d *Dispatcher) OnFallback(fn func()) {
	d.onFallback = fn
}

// Label reports the dispatch description surfaced to submitters, after
// accounting for a missing broker.
func (d *Dispatcher) Label(mode domain.DispatchMode) string {
	switch d.effectiveMode(mode) {
	case domain.DispatchBus:
		return "bus"
	case domain.DispatchBoth:
		return "bus+direct"
	default:
		return "direct"
	}
}

func (d *Dispatcher) effectiveMode(mode domain.DispatchMode) domain.DispatchMode {
	if d.bus == nil && mode != domain.DispatchDirect {
		return domain.DispatchDirect
	}
	switch mode {
	case domain.DispatchBus, domain.DispatchBoth, domain.DispatchDirect:
		return mode
	default:
		return domain.DispatchDirect
	}
}

// Dispatch triggers the given stage for the job, carrying the previous
// stage's outputs as stage inputs. A bus path that cannot publish never
// strands the job: it falls back to direct invocation and only fails if
// that fails too.
func (d *Dispatcher) Dispatch(ctx context.Context, job *domain.AnalysisJob, stage domain.Stage, inputs map[string]any) error {
	msg := domain.StageDispatch{
		JobID:       job.ID,
		Stage:       stage,
		StageInputs: inputs,
		Timestamp:   d.now().UnixMilli(),
	}
	mode := d.effectiveMode(job.DispatchMode)

	d.appendDispatched(ctx, job, stage, mode)

	switch mode {
	case domain.DispatchBus:
		if err := d.bus.PublishStageDispatch(ctx, msg); err != nil {
			d.log.Warn("bus dispatch failed, falling back to direct",
				"job_id", job.ID, "stage", stage, "error", err)
			d.fallback()
			if derr := d.runDirect(ctx, msg); derr != nil {
				return domain.WrapError(domain.ErrDispatch, "dispatch stage",
					fmt.Errorf("bus: %w; direct fallback: %w", err, derr))
			}
		}
		return nil
	case domain.DispatchBoth:
		// Fire the bus path first, then run direct in this flow. The
		// first path to advance the stage wins; the loser's advance is
		// a no-op.
		if err := d.bus.PublishStageDispatch(ctx, msg); err != nil {
			d.log.Warn("bus leg of both-mode dispatch failed",
				"job_id", job.ID, "stage", stage, "error", err)
			d.fallback()
		}
		return d.runDirect(ctx, msg)
	default:
		return d.runDirect(ctx, msg)
	}
}

func (d *Dispatcher) runDirect(ctx context.Context, msg domain.StageDispatch) error {
	if d.runner == nil {
		return domain.WrapError(domain.ErrDispatch, "dispatch stage",
			fmt.Errorf("no direct runner bound"))
	}
	return d.runner.RunStage(ctx, msg)
}

func (d *Dispatcher) fallback() {
	if d.onFallback != nil {
		d.onFallback()
	}
}

func (d *Dispatcher) appendDispatched(ctx context.Context, job *domain.AnalysisJob, stage domain.Stage, mode domain.DispatchMode) {
	now := d.now()
	event := &domain.AnalysisEvent{
		ID:        newEventID(),
		JobID:     job.ID,
		Name:      domain.EventName(stage, domain.PhaseDispatched),
		Stage:     stage,
		Status:    domain.StatusProcessing,
		Progress:  job.Progress,
		Message:   fmt.Sprintf("stage %s dispatched via %s", stage, mode),
		Metadata:  map[string]any{"dispatch_mode": string(mode)},
		CreatedAt: now,
	}
	if err := d.events.Append(ctx, event); err != nil {
		d.log.Warn("append dispatched event failed", "job_id", job.ID, "stage", stage, "error", err)
	}
}
