package domain

import "time"

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

type Stage string

const (
	StageQueued    Stage = "queued"
	StageVision    Stage = "vision"
	StageAI        Stage = "ai"
	StageSynthesis Stage = "synthesis"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

type DispatchMode string

const (
	DispatchDirect DispatchMode = "direct"
	DispatchBus    DispatchMode = "bus"
	DispatchBoth   DispatchMode = "both"
)

// AnalysisJob is the unit of work for a single uploaded image. Group jobs
// reuse the same row shape with IsGroup set and an image set instead of a
// single image; their pipeline gains a synthesis stage before completion.
type AnalysisJob struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	ImageID      string         `json:"image_id,omitempty"`
	ImageURL     string         `json:"image_url,omitempty"`
	ProjectID    string         `json:"project_id,omitempty"`
	IsGroup      bool           `json:"is_group"`
	GroupID      string         `json:"group_id,omitempty"`
	ImageIDs     []string       `json:"image_ids,omitempty"`
	ImageURLs    []string       `json:"image_urls,omitempty"`
	Status       JobStatus      `json:"status"`
	CurrentStage Stage          `json:"current_stage"`
	Progress     int            `json:"progress"`
	DispatchMode DispatchMode   `json:"dispatch_mode"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// NextStage returns the stage that follows from in the pipeline for this
// job, or StageCompleted when from is the last working stage. Group jobs
// pass through synthesis; single-image jobs skip it.
func (j *AnalysisJob) NextStage(from Stage) Stage {
	switch from {
	case StageQueued:
		return StageVision
	case StageVision:
		return StageAI
	case StageAI:
		if j.IsGroup {
			return StageSynthesis
		}
		return StageCompleted
	case StageSynthesis:
		return StageCompleted
	default:
		return StageCompleted
	}
}

// StageProgress maps a stage entry to the job progress snapshot recorded
// with its .started event. Completion of a stage reports the next stage's
// entry value, so progress never decreases while the job is live.
func StageProgress(stage Stage) int {
	switch stage {
	case StageQueued:
		return 0
	case StageVision:
		return 10
	case StageAI:
		return 50
	case StageSynthesis:
		return 85
	case StageCompleted:
		return 100
	default:
		return 0
	}
}
