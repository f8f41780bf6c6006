package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *JobRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across api/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026082801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS analysis_jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	image_id TEXT,
	image_url TEXT,
	project_id TEXT,
	is_group BOOLEAN NOT NULL DEFAULT FALSE,
	group_id TEXT,
	image_ids JSONB NOT NULL DEFAULT '[]'::jsonb,
	image_urls JSONB NOT NULL DEFAULT '[]'::jsonb,
	status TEXT NOT NULL,
	current_stage TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	dispatch_mode TEXT NOT NULL DEFAULT 'direct',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_jobs_user ON analysis_jobs(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS analysis_events (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	name TEXT NOT NULL,
	stage TEXT NOT NULL,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	message TEXT,
	provider TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	duration_ms BIGINT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_events_job ON analysis_events(job_id, created_at);
CREATE INDEX IF NOT EXISTS idx_analysis_events_job_stage ON analysis_events(job_id, stage, created_at DESC);

CREATE TABLE IF NOT EXISTS analysis_results (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	image_id TEXT NOT NULL DEFAULT '',
	is_aggregate BOOLEAN NOT NULL DEFAULT FALSE,
	model TEXT NOT NULL DEFAULT '',
	summary JSONB NOT NULL DEFAULT '{}'::jsonb,
	insights JSONB NOT NULL DEFAULT '[]'::jsonb,
	suggestions JSONB NOT NULL DEFAULT '[]'::jsonb,
	patterns JSONB NOT NULL DEFAULT '{}'::jsonb,
	warnings JSONB NOT NULL DEFAULT '[]'::jsonb,
	raw_response TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_analysis_results_job ON analysis_results(job_id, created_at);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (r *JobRepository) Create(ctx context.Context, job *domain.AnalysisJob) error {
	if job.UserID == "" {
		return domain.WrapError(domain.ErrValidation, "insert analysis job",
			errors.New("owning user is required"))
	}
	if !job.IsGroup && job.ImageID == "" && job.ImageURL == "" {
		return domain.WrapError(domain.ErrValidation, "insert analysis job",
			errors.New("image reference is required"))
	}

	imageIDs, err := json.Marshal(emptyIfNil(job.ImageIDs))
	if err != nil {
		return fmt.Errorf("marshal image ids: %w", err)
	}
	imageURLs, err := json.Marshal(emptyIfNil(job.ImageURLs))
	if err != nil {
		return fmt.Errorf("marshal image urls: %w", err)
	}
	metadata, err := json.Marshal(mapOrEmpty(job.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO analysis_jobs (
	id, user_id, image_id, image_url, project_id, is_group, group_id,
	image_ids, image_urls, status, current_stage, progress, dispatch_mode,
	metadata, error_message, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
`,
		job.ID, job.UserID, job.ImageID, job.ImageURL, job.ProjectID, job.IsGroup, job.GroupID,
		imageIDs, imageURLs, string(job.Status), string(job.CurrentStage), job.Progress,
		string(job.DispatchMode), metadata, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert analysis job: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*domain.AnalysisJob, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, user_id, image_id, image_url, project_id, is_group, group_id,
	image_ids, image_urls, status, current_stage, progress, dispatch_mode,
	metadata, error_message, created_at, updated_at
FROM analysis_jobs
WHERE id = $1
`, id)

	var job domain.AnalysisJob
	var imageIDs, imageURLs, metadata []byte
	var status, stage, mode string

	err := row.Scan(
		&job.ID, &job.UserID, &job.ImageID, &job.ImageURL, &job.ProjectID, &job.IsGroup, &job.GroupID,
		&imageIDs, &imageURLs, &status, &stage, &job.Progress, &mode,
		&metadata, &job.Error, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrJobNotFound, "fetch analysis job", fmt.Errorf("id %s", id))
		}
		return nil, fmt.Errorf("scan analysis job: %w", err)
	}

	if err := json.Unmarshal(imageIDs, &job.ImageIDs); err != nil {
		return nil, fmt.Errorf("unmarshal image ids: %w", err)
	}
	if err := json.Unmarshal(imageURLs, &job.ImageURLs); err != nil {
		return nil, fmt.Errorf("unmarshal image urls: %w", err)
	}
	if err := json.Unmarshal(metadata, &job.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	job.Status = domain.JobStatus(status)
	job.CurrentStage = domain.Stage(stage)
	job.DispatchMode = domain.DispatchMode(mode)
	return &job, nil
}

// AdvanceStage applies the optimistic transition: the update only lands
// when the row still sits at the expected stage and is not terminal.
// Progress never decreases; racing duplicate triggers become no-ops.
func (r *JobRepository) AdvanceStage(ctx context.Context, id string, from, to domain.Stage, progress int) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE analysis_jobs
SET current_stage = $3,
	status = 'processing',
	progress = GREATEST(progress, $4),
	updated_at = $5
WHERE id = $1
  AND current_stage = $2
  AND status NOT IN ('completed', 'failed', 'cancelled')
`, id, string(from), string(to), progress, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("advance stage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance stage rows affected: %w", err)
	}
	return affected == 1, nil
}

// MarkTerminal finalizes the job. A row already terminal rejects further
// mutation with ErrInvalidTransition; a missing row reports ErrJobNotFound.
func (r *JobRepository) MarkTerminal(ctx context.Context, id string, status domain.JobStatus, errMessage string) error {
	if !status.Terminal() {
		return domain.WrapError(domain.ErrInvalidTransition, "mark terminal",
			fmt.Errorf("%q is not a terminal status", status))
	}

	stageExpr, progressExpr := "current_stage", "progress"
	switch status {
	case domain.StatusCompleted:
		stageExpr, progressExpr = "'completed'", "100"
	case domain.StatusFailed:
		stageExpr = "'failed'"
	}
	// Cancelled jobs keep the stage they were cancelled in.

	res, err := r.db.ExecContext(ctx, `
UPDATE analysis_jobs
SET status = $2, current_stage = `+stageExpr+`, progress = `+progressExpr+`, error_message = $3, updated_at = $4
WHERE id = $1
  AND status NOT IN ('completed', 'failed', 'cancelled')
`, id, string(status), errMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark terminal: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark terminal rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return domain.WrapError(domain.ErrInvalidTransition, "mark terminal",
		fmt.Errorf("job %s is already terminal", id))
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mapOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
