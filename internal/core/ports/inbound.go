package ports

import (
	"context"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

// JobSubmitter is the inbound contract for analysis submission.
type JobSubmitter interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error)
	SubmitGroup(ctx context.Context, req SubmitGroupRequest) (*SubmitResponse, error)
}

// StageRunner is the inbound contract for asynchronous stage execution.
type StageRunner interface {
	RunStage(ctx context.Context, msg domain.StageDispatch) error
}

// JobReader is the inbound read model for job state, events, and replay.
type JobReader interface {
	GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error)
	Events(ctx context.Context, jobID string) ([]domain.AnalysisEvent, error)
	Replay(ctx context.Context, jobID string) (*ReplayedState, error)
	Cancel(ctx context.Context, jobID string) error
}

type SubmitRequest struct {
	UserID       string                  `json:"userId"`
	ImageID      string                  `json:"imageId"`
	ImageURL     string                  `json:"imageUrl"`
	ProjectID    string                  `json:"projectId,omitempty"`
	UserContext  *domain.AnalysisContext `json:"userContext,omitempty"`
	DispatchMode domain.DispatchMode     `json:"dispatchMode,omitempty"`
}

type SubmitGroupRequest struct {
	UserID       string                  `json:"userId"`
	GroupID      string                  `json:"groupId"`
	ImageIDs     []string                `json:"imageIds"`
	ImageURLs    []string                `json:"imageUrls"`
	ProjectID    string                  `json:"projectId,omitempty"`
	UserContext  *domain.AnalysisContext `json:"userContext,omitempty"`
	DispatchMode domain.DispatchMode     `json:"dispatchMode,omitempty"`
}

type SubmitResponse struct {
	JobID    string `json:"jobId"`
	Dispatch string `json:"dispatch"`
}

// ReplayedState is a job projection rebuilt purely from the event log,
// returned next to the stored row so drift is visible to callers.
type ReplayedState struct {
	JobID        string           `json:"job_id"`
	Status       domain.JobStatus `json:"status"`
	CurrentStage domain.Stage     `json:"current_stage"`
	Progress     int              `json:"progress"`
	EventCount   int              `json:"event_count"`
	Drifted      bool             `json:"drifted"`
}
