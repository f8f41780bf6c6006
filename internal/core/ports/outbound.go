package ports

import (
	"context"
	"time"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

// JobRepository persists and reads analysis job state.
type JobRepository interface {
	Create(ctx context.Context, job *domain.AnalysisJob) error
	GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error)
	// AdvanceStage applies the optimistic stage transition and reports
	// whether this caller won it. A false return with nil error means a
	// concurrent path already advanced the job; callers treat it as a
	// no-op, never as a failure.
	AdvanceStage(ctx context.Context, id string, from, to domain.Stage, progress int) (bool, error)
	MarkTerminal(ctx context.Context, id string, status domain.JobStatus, errMessage string) error
}

// EventLog is the append-only record of stage transitions.
type EventLog interface {
	Append(ctx context.Context, event *domain.AnalysisEvent) error
	ListByJob(ctx context.Context, jobID string) ([]domain.AnalysisEvent, error)
	DeriveTiming(ctx context.Context, jobID string, stage domain.Stage, provider string) (domain.StageTiming, error)
	// StageOutcomes returns provider -> terminal phase (completed/failed)
	// for the given job and stage. Providers still in flight are absent.
	StageOutcomes(ctx context.Context, jobID string, stage domain.Stage) (map[string]domain.EventPhase, error)
}

// ResultRepository persists normalized analysis results.
type ResultRepository interface {
	Save(ctx context.Context, result *domain.NormalizedResult) error
	ListByJob(ctx context.Context, jobID string) ([]domain.NormalizedResult, error)
}

// EventBus publishes/consumes stage dispatch messages.
type EventBus interface {
	PublishStageDispatch(ctx context.Context, msg domain.StageDispatch) error
	SubscribeStageDispatch(ctx context.Context, handler func(context.Context, domain.StageDispatch) error) error
}

// VisionProvider annotates an image with visual features.
type VisionProvider interface {
	Name() string
	Annotate(ctx context.Context, imageURL string, features []string) (*domain.VisionMetadata, error)
}

// AnalysisProvider runs an AI analysis model and returns its raw, possibly
// messy, text output. Normalization happens upstream.
type AnalysisProvider interface {
	Name() string
	Models() []string
	Analyze(ctx context.Context, req domain.AnalysisRequest) (string, error)
}

// MetadataCache caches vision metadata within its freshness window and
// backs per-user rate-limit counters.
type MetadataCache interface {
	GetVisionMetadata(ctx context.Context, provider, imageID string) (*domain.VisionMetadata, bool, error)
	SetVisionMetadata(ctx context.Context, provider, imageID string, meta *domain.VisionMetadata, ttl time.Duration) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// ModelSelector ranks candidate models for a stage from observed history.
type ModelSelector interface {
	RecordOutcome(stage domain.Stage, model string, responseTime time.Duration, success bool, qualityScore float64)
	SelectModels(stage domain.Stage, analysisCtx *domain.AnalysisContext, targetTimeout time.Duration) ModelSelection
}

// ModelSelection is the ranked outcome of a selection round.
type ModelSelection struct {
	Primary         []string
	Secondary       []string
	Reasoning       string
	ExpectedTimeout time.Duration
}
