package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

func seededReader(job *domain.AnalysisJob, events []domain.AnalysisEvent) (*JobReadService, *jobStoreFake, *eventLogFake) {
	jobs := &jobStoreFake{job: job}
	log := &eventLogFake{events: events}
	return NewJobReadService(jobs, log, testLogger()), jobs, log
}

func namedEvent(jobID string, stage domain.Stage, phase domain.EventPhase,
	status domain.JobStatus, progress int) domain.AnalysisEvent {
	return domain.AnalysisEvent{
		ID:        "e-" + string(stage) + "-" + string(phase),
		JobID:     jobID,
		Name:      domain.EventName(stage, phase),
		Stage:     stage,
		Status:    status,
		Progress:  progress,
		CreatedAt: time.Now().UTC(),
	}
}

func completedHistory(jobID string) []domain.AnalysisEvent {
	return []domain.AnalysisEvent{
		namedEvent(jobID, domain.StageQueued, domain.PhaseStarted, domain.StatusQueued, 0),
		namedEvent(jobID, domain.StageVision, domain.PhaseDispatched, domain.StatusProcessing, 10),
		namedEvent(jobID, domain.StageVision, domain.PhaseStarted, domain.StatusProcessing, 10),
		namedEvent(jobID, domain.StageVision, domain.PhaseCompleted, domain.StatusProcessing, 10),
		namedEvent(jobID, domain.StageAI, domain.PhaseDispatched, domain.StatusProcessing, 50),
		namedEvent(jobID, domain.StageAI, domain.PhaseStarted, domain.StatusProcessing, 50),
		namedEvent(jobID, domain.StageAI, domain.PhaseCompleted, domain.StatusCompleted, 100),
	}
}

func TestReplayRebuildsCompletedJob(t *testing.T) {
	job := &domain.AnalysisJob{
		ID:           "job-1",
		Status:       domain.StatusCompleted,
		CurrentStage: domain.StageCompleted,
		Progress:     100,
	}
	svc, _, _ := seededReader(job, completedHistory("job-1"))

	state, err := svc.Replay(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if state.Status != domain.StatusCompleted || state.CurrentStage != domain.StageCompleted {
		t.Fatalf("unexpected projection: %+v", state)
	}
	if state.Progress != 100 || state.EventCount != 7 {
		t.Fatalf("unexpected projection detail: %+v", state)
	}
	if state.Drifted {
		t.Fatalf("expected stored row and projection to agree")
	}
}

func TestReplayDetectsDrift(t *testing.T) {
	job := &domain.AnalysisJob{
		ID:           "job-1",
		Status:       domain.StatusProcessing,
		CurrentStage: domain.StageVision,
		Progress:     10,
	}
	svc, _, _ := seededReader(job, completedHistory("job-1"))

	state, err := svc.Replay(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if !state.Drifted {
		t.Fatalf("expected drift between stale row and event log")
	}
}

func TestReplayFoldsDuplicatesIdempotently(t *testing.T) {
	history := completedHistory("job-1")
	// At-least-once delivery: replay the same history twice over.
	history = append(history, completedHistory("job-1")...)

	state := ReplayEvents("job-1", history)
	if state.Status != domain.StatusCompleted || state.Progress != 100 {
		t.Fatalf("duplicates changed the projection: %+v", state)
	}
	if state.EventCount != 14 {
		t.Fatalf("expected raw event count 14, got %d", state.EventCount)
	}
}

func TestReplayFailedJob(t *testing.T) {
	events := []domain.AnalysisEvent{
		namedEvent("job-1", domain.StageQueued, domain.PhaseStarted, domain.StatusQueued, 0),
		namedEvent("job-1", domain.StageVision, domain.PhaseStarted, domain.StatusProcessing, 10),
		namedEvent("job-1", domain.StageVision, domain.PhaseFailed, domain.StatusFailed, 10),
	}

	state := ReplayEvents("job-1", events)
	if state.Status != domain.StatusFailed || state.CurrentStage != domain.StageFailed {
		t.Fatalf("unexpected failed projection: %+v", state)
	}
}

func TestReplayIgnoresMalformedEventNames(t *testing.T) {
	events := []domain.AnalysisEvent{
		namedEvent("job-1", domain.StageVision, domain.PhaseStarted, domain.StatusProcessing, 10),
		{ID: "bad", JobID: "job-1", Name: "not-a-namespaced-event", Progress: 99},
	}

	state := ReplayEvents("job-1", events)
	if state.Status != domain.StatusProcessing || state.CurrentStage != domain.StageVision {
		t.Fatalf("malformed event leaked into projection: %+v", state)
	}
	if state.Progress != 10 {
		t.Fatalf("expected malformed event progress ignored, got %d", state.Progress)
	}
}

func TestCancelAppendsEventAndMarksTerminal(t *testing.T) {
	job := &domain.AnalysisJob{
		ID:           "job-1",
		Status:       domain.StatusProcessing,
		CurrentStage: domain.StageAI,
		Progress:     50,
	}
	svc, jobs, log := seededReader(job, nil)

	if err := svc.Cancel(context.Background(), "job-1"); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	stored, _ := jobs.GetByID(context.Background(), "job-1")
	if stored.Status != domain.StatusCancelled {
		t.Fatalf("expected cancelled job, got %s", stored.Status)
	}
	if !log.hasName("job-1", "analysis/ai.warning") {
		t.Fatalf("expected cancellation event on current stage, got %v", log.names("job-1"))
	}
}

func TestCancelAlreadyTerminalJob(t *testing.T) {
	job := &domain.AnalysisJob{
		ID:     "job-1",
		Status: domain.StatusCompleted,
	}
	svc, _, _ := seededReader(job, nil)

	err := svc.Cancel(context.Background(), "job-1")
	if !domain.IsKind(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestEventsRequiresExistingJob(t *testing.T) {
	svc, _, _ := seededReader(&domain.AnalysisJob{ID: "other"}, nil)

	_, err := svc.Events(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrJobNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
}
