package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
)

// JobReadService serves job state, its event history, and the replayed
// projection. The stored job row is a materialized cache of the event
// log; replay rebuilds it independently so drift is detectable.
type JobReadService struct {
	jobs   ports.JobRepository
	events ports.EventLog
	log    *slog.Logger
	now    func() time.Time
}

func NewJobReadService(jobs ports.JobRepository, events ports.EventLog, log *slog.Logger) *JobReadService {
	return &JobReadService{jobs: jobs, events: events, log: log, now: time.Now}
}

func (s *JobReadService) GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	return s.jobs.GetByID(ctx, id)
}

func (s *JobReadService) Events(ctx context.Context, jobID string) ([]domain.AnalysisEvent, error) {
	if _, err := s.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return s.events.ListByJob(ctx, jobID)
}

// Cancel flips the job to cancelled. Cooperative: in-flight provider
// calls finish naturally; handlers discard their output on the next
// liveness check.
func (s *JobReadService) Cancel(ctx context.Context, jobID string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	// Event first, mutation second: an attempt stays observable even if
	// the process dies in between.
	event := &domain.AnalysisEvent{
		ID:        newEventID(),
		JobID:     jobID,
		Name:      domain.EventName(job.CurrentStage, domain.PhaseWarning),
		Stage:     job.CurrentStage,
		Status:    domain.StatusCancelled,
		Progress:  job.Progress,
		Message:   "cancellation requested by user",
		CreatedAt: s.now().UTC(),
	}
	if err := s.events.Append(ctx, event); err != nil {
		s.log.Warn("append cancel event failed", "job_id", jobID, "error", err)
	}

	if err := s.jobs.MarkTerminal(ctx, jobID, domain.StatusCancelled, "cancelled by user"); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	return nil
}

// Replay folds the job's event history into a fresh projection and
// compares it with the stored row.
func (s *JobReadService) Replay(ctx context.Context, jobID string) (*ports.ReplayedState, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	events, err := s.events.ListByJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load events for replay: %w", err)
	}

	state := ReplayEvents(jobID, events)
	state.Drifted = state.Status != job.Status ||
		state.CurrentStage != job.CurrentStage ||
		state.Progress != job.Progress
	return state, nil
}

// ReplayEvents derives job status purely from the append-only log. Events
// arrive in append order; at-least-once delivery means duplicates are
// expected and must fold idempotently.
func ReplayEvents(jobID string, events []domain.AnalysisEvent) *ports.ReplayedState {
	state := &ports.ReplayedState{
		JobID:        jobID,
		Status:       domain.StatusQueued,
		CurrentStage: domain.StageQueued,
		EventCount:   len(events),
	}

	for _, event := range events {
		stage, phase, ok := domain.ParseEventName(event.Name)
		if !ok {
			continue
		}
		if event.Progress > state.Progress {
			state.Progress = event.Progress
		}

		switch phase {
		case domain.PhaseStarted, domain.PhaseDispatched:
			if stage != domain.StageQueued {
				state.Status = domain.StatusProcessing
				state.CurrentStage = stage
			}
		case domain.PhaseFailed:
			if event.Status == domain.StatusFailed {
				state.Status = domain.StatusFailed
				state.CurrentStage = domain.StageFailed
			}
		}
		// Job-level terminal outcomes ride on the event status whatever
		// the phase: completion, failure, cancellation.
		if event.Status.Terminal() {
			state.Status = event.Status
			if event.Status == domain.StatusCompleted {
				state.CurrentStage = domain.StageCompleted
			}
		}
	}

	// A job whose last working stage completed all the way through shows
	// progress 100 on its final events.
	if state.Status == domain.StatusProcessing && state.Progress >= 100 {
		state.Status = domain.StatusCompleted
		state.CurrentStage = domain.StageCompleted
	}
	return state
}
