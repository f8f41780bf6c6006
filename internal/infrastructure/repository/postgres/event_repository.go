package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

// EventRepository is the append-only event log. Rows are inserted, never
// updated or deleted; every read derives, nothing reconciles in place.
type EventRepository struct {
	db *sql.DB
}

func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

func (r *EventRepository) Append(ctx context.Context, event *domain.AnalysisEvent) error {
	metadata, err := json.Marshal(mapOrEmpty(event.Metadata))
	if err != nil {
		return fmt.Errorf("marshal event metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO analysis_events (
	id, job_id, name, stage, status, progress, message, provider,
	metadata, started_at, ended_at, duration_ms, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
`,
		event.ID, event.JobID, event.Name, string(event.Stage), string(event.Status),
		event.Progress, event.Message, event.Provider, metadata,
		event.StartedAt, event.EndedAt, event.DurationMs, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append analysis event: %w", err)
	}
	return nil
}

func (r *EventRepository) ListByJob(ctx context.Context, jobID string) ([]domain.AnalysisEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, job_id, name, stage, status, progress, message, provider,
	metadata, started_at, ended_at, duration_ms, created_at
FROM analysis_events
WHERE job_id = $1
ORDER BY created_at, id
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []domain.AnalysisEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// DeriveTiming locates the most recent .started event for the job+stage
// (+provider when given) and, when a later terminal event recorded its
// derived columns, the matching end. Absent a .started event every field
// stays nil; timing is never fabricated.
func (r *EventRepository) DeriveTiming(ctx context.Context, jobID string, stage domain.Stage, provider string) (domain.StageTiming, error) {
	var timing domain.StageTiming

	row := r.db.QueryRowContext(ctx, `
SELECT created_at
FROM analysis_events
WHERE job_id = $1 AND stage = $2 AND name = $3
  AND ($4 = '' OR provider = $4 OR provider = '')
ORDER BY created_at DESC, id DESC
LIMIT 1
`, jobID, string(stage), domain.EventName(stage, domain.PhaseStarted), provider)

	var startedAt sql.NullTime
	if err := row.Scan(&startedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timing, nil
		}
		return timing, fmt.Errorf("scan started event: %w", err)
	}
	if startedAt.Valid {
		t := startedAt.Time
		timing.StartedAt = &t
	}

	row = r.db.QueryRowContext(ctx, `
SELECT ended_at, duration_ms
FROM analysis_events
WHERE job_id = $1 AND stage = $2
  AND name IN ($3, $4)
  AND ($5 = '' OR provider = $5)
  AND created_at >= $6
ORDER BY created_at DESC, id DESC
LIMIT 1
`, jobID, string(stage),
		domain.EventName(stage, domain.PhaseCompleted),
		domain.EventName(stage, domain.PhaseFailed),
		provider, startedAt.Time)

	var endedAt sql.NullTime
	var durationMs sql.NullInt64
	if err := row.Scan(&endedAt, &durationMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return timing, nil
		}
		return timing, fmt.Errorf("scan terminal event: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		timing.EndedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		timing.DurationMs = &d
	}
	return timing, nil
}

// StageOutcomes maps each provider that reached a terminal per-provider
// state for the stage to its latest phase. The fan-in barrier re-queries
// this instead of counting in memory.
func (r *EventRepository) StageOutcomes(ctx context.Context, jobID string, stage domain.Stage) (map[string]domain.EventPhase, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT DISTINCT ON (provider) provider, name
FROM analysis_events
WHERE job_id = $1 AND stage = $2 AND provider <> ''
  AND name IN ($3, $4)
ORDER BY provider, created_at DESC, id DESC
`, jobID, string(stage),
		domain.EventName(stage, domain.PhaseCompleted),
		domain.EventName(stage, domain.PhaseFailed))
	if err != nil {
		return nil, fmt.Errorf("query stage outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := make(map[string]domain.EventPhase)
	for rows.Next() {
		var provider, name string
		if err := rows.Scan(&provider, &name); err != nil {
			return nil, fmt.Errorf("scan stage outcome: %w", err)
		}
		if _, phase, ok := domain.ParseEventName(name); ok {
			outcomes[provider] = phase
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage outcomes: %w", err)
	}
	return outcomes, nil
}

func scanEvent(rows *sql.Rows) (*domain.AnalysisEvent, error) {
	var event domain.AnalysisEvent
	var stage, status string
	var metadata []byte
	var startedAt, endedAt sql.NullTime
	var durationMs sql.NullInt64

	err := rows.Scan(
		&event.ID, &event.JobID, &event.Name, &stage, &status, &event.Progress,
		&event.Message, &event.Provider, &metadata,
		&startedAt, &endedAt, &durationMs, &event.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}

	if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal event metadata: %w", err)
	}
	event.Stage = domain.Stage(stage)
	event.Status = domain.JobStatus(status)
	if startedAt.Valid {
		t := startedAt.Time
		event.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time
		event.EndedAt = &t
	}
	if durationMs.Valid {
		d := durationMs.Int64
		event.DurationMs = &d
	}
	return &event, nil
}
