package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

type ResultRepository struct {
	db *sql.DB
}

func NewResultRepository(db *sql.DB) *ResultRepository {
	return &ResultRepository{db: db}
}

func (r *ResultRepository) Save(ctx context.Context, result *domain.NormalizedResult) error {
	summary, err := json.Marshal(mapOrEmptyFloat(result.Summary))
	if err != nil {
		return fmt.Errorf("marshal result summary: %w", err)
	}
	patterns, err := json.Marshal(mapOrEmptyString(result.Patterns))
	if err != nil {
		return fmt.Errorf("marshal result patterns: %w", err)
	}
	insights, err := json.Marshal(emptyIfNil(result.Insights))
	if err != nil {
		return fmt.Errorf("marshal result insights: %w", err)
	}
	suggestions, err := json.Marshal(emptyIfNil(result.Suggestions))
	if err != nil {
		return fmt.Errorf("marshal result suggestions: %w", err)
	}
	warnings, err := json.Marshal(emptyIfNil(result.Warnings))
	if err != nil {
		return fmt.Errorf("marshal result warnings: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO analysis_results (
	id, job_id, image_id, is_aggregate, model, summary, insights,
	suggestions, patterns, warnings, raw_response, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
`,
		result.ID, result.JobID, result.ImageID, result.Aggregate, result.Model,
		summary, insights, suggestions, patterns, warnings,
		result.RawResponse, result.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save analysis result: %w", err)
	}
	return nil
}

func (r *ResultRepository) ListByJob(ctx context.Context, jobID string) ([]domain.NormalizedResult, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, job_id, image_id, is_aggregate, model, summary, insights,
	suggestions, patterns, warnings, raw_response, created_at
FROM analysis_results
WHERE job_id = $1
ORDER BY created_at, id
`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var results []domain.NormalizedResult
	for rows.Next() {
		var result domain.NormalizedResult
		var summary, insights, suggestions, patterns, warnings []byte
		err := rows.Scan(
			&result.ID, &result.JobID, &result.ImageID, &result.Aggregate,
			&result.Model, &summary, &insights, &suggestions, &patterns,
			&warnings, &result.RawResponse, &result.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal(summary, &result.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal result summary: %w", err)
		}
		if err := json.Unmarshal(insights, &result.Insights); err != nil {
			return nil, fmt.Errorf("unmarshal result insights: %w", err)
		}
		if err := json.Unmarshal(suggestions, &result.Suggestions); err != nil {
			return nil, fmt.Errorf("unmarshal result suggestions: %w", err)
		}
		if err := json.Unmarshal(patterns, &result.Patterns); err != nil {
			return nil, fmt.Errorf("unmarshal result patterns: %w", err)
		}
		if err := json.Unmarshal(warnings, &result.Warnings); err != nil {
			return nil, fmt.Errorf("unmarshal result warnings: %w", err)
		}
		results = append(results, result)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

func mapOrEmptyFloat(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func mapOrEmptyString(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
