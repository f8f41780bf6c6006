package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/ports"
)

func newEventID() string { return uuid.NewString() }

// SubmitAnalysisUseCase validates submissions, records the job, and hands
// the first stage to the dispatcher.
type SubmitAnalysisUseCase struct {
	jobs       ports.JobRepository
	events     ports.EventLog
	dispatcher *Dispatcher
	log        *slog.Logger
	now        func() time.Time
}

func NewSubmitAnalysisUseCase(
	jobs ports.JobRepository,
	events ports.EventLog,
	dispatcher *Dispatcher,
	log *slog.Logger,
) *SubmitAnalysisUseCase {
	return &SubmitAnalysisUseCase{
		jobs:       jobs,
		events:     events,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
	}
}

func (uc *SubmitAnalysisUseCase) Submit(ctx context.Context, req ports.SubmitRequest) (*ports.SubmitResponse, error) {
	if req.ImageID == "" && req.ImageURL == "" {
		return nil, domain.WrapError(domain.ErrValidation, "submit analysis",
			errors.New("image reference is required"))
	}
	if req.UserID == "" {
		return nil, domain.WrapError(domain.ErrValidation, "submit analysis",
			errors.New("owning user is required"))
	}

	now := uc.now().UTC()
	job := &domain.AnalysisJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ImageID:      req.ImageID,
		ImageURL:     req.ImageURL,
		ProjectID:    req.ProjectID,
		Status:       domain.StatusQueued,
		CurrentStage: domain.StageQueued,
		Progress:     0,
		DispatchMode: req.DispatchMode,
		Metadata:     submissionMetadata(req.DispatchMode, req.UserContext),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return uc.start(ctx, job)
}

func (uc *SubmitAnalysisUseCase) SubmitGroup(ctx context.Context, req ports.SubmitGroupRequest) (*ports.SubmitResponse, error) {
	if len(req.ImageIDs) == 0 && len(req.ImageURLs) == 0 {
		return nil, domain.WrapError(domain.ErrValidation, "submit group analysis",
			errors.New("image set is required"))
	}
	if req.GroupID == "" {
		return nil, domain.WrapError(domain.ErrValidation, "submit group analysis",
			errors.New("group identity is required"))
	}
	if req.UserID == "" {
		return nil, domain.WrapError(domain.ErrValidation, "submit group analysis",
			errors.New("owning user is required"))
	}

	now := uc.now().UTC()
	job := &domain.AnalysisJob{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProjectID:    req.ProjectID,
		IsGroup:      true,
		GroupID:      req.GroupID,
		ImageIDs:     req.ImageIDs,
		ImageURLs:    req.ImageURLs,
		Status:       domain.StatusQueued,
		CurrentStage: domain.StageQueued,
		Progress:     0,
		DispatchMode: req.DispatchMode,
		Metadata:     submissionMetadata(req.DispatchMode, req.UserContext),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	return uc.start(ctx, job)
}

func (uc *SubmitAnalysisUseCase) start(ctx context.Context, job *domain.AnalysisJob) (*ports.SubmitResponse, error) {
	if err := uc.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create analysis job: %w", err)
	}

	// The queued event lands before the row leaves the queued stage, so
	// an attempt is observable even if the process dies mid-submission.
	uc.appendQueued(ctx, job)

	advanced, err := uc.jobs.AdvanceStage(ctx, job.ID, domain.StageQueued, domain.StageVision,
		domain.StageProgress(domain.StageVision))
	if err != nil {
		return nil, fmt.Errorf("enter vision stage: %w", err)
	}
	if advanced {
		job.Status = domain.StatusProcessing
		job.CurrentStage = domain.StageVision
		job.Progress = domain.StageProgress(domain.StageVision)
	}

	if err := uc.dispatcher.Dispatch(ctx, job, domain.StageVision, nil); err != nil {
		uc.log.Error("initial dispatch failed", "job_id", job.ID, "error", err)
		if termErr := uc.jobs.MarkTerminal(ctx, job.ID, domain.StatusFailed, err.Error()); termErr != nil {
			uc.log.Error("mark dispatch-failed job", "job_id", job.ID, "error", termErr)
		}
		return nil, domain.WrapError(domain.ErrDispatch, "dispatch analysis job", err)
	}

	return &ports.SubmitResponse{
		JobID:    job.ID,
		Dispatch: uc.dispatcher.Label(job.DispatchMode),
	}, nil
}

func (uc *SubmitAnalysisUseCase) appendQueued(ctx context.Context, job *domain.AnalysisJob) {
	event := &domain.AnalysisEvent{
		ID:        newEventID(),
		JobID:     job.ID,
		Name:      domain.EventName(domain.StageQueued, domain.PhaseStarted),
		Stage:     domain.StageQueued,
		Status:    domain.StatusQueued,
		Progress:  0,
		Message:   "analysis job accepted",
		Metadata:  map[string]any{"is_group": job.IsGroup},
		CreatedAt: uc.now().UTC(),
	}
	if err := uc.events.Append(ctx, event); err != nil {
		uc.log.Warn("append queued event failed", "job_id", job.ID, "error", err)
	}
}

func submissionMetadata(mode domain.DispatchMode, analysisCtx *domain.AnalysisContext) map[string]any {
	meta := map[string]any{"dispatch_mode": string(mode)}
	if analysisCtx != nil {
		if analysisCtx.InterfaceDomain != "" {
			meta["interface_domain"] = analysisCtx.InterfaceDomain
		}
		if analysisCtx.UserRole != "" {
			meta["user_role"] = analysisCtx.UserRole
		}
	}
	return meta
}
