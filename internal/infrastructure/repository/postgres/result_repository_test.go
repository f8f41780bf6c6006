package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

func TestResultRepositorySaveMarshalsCollections(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewResultRepository(db)
	mock.ExpectExec("INSERT INTO analysis_results").
		WithArgs("r-1", "j-1", "img-1", false, "gpt-4o",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), `{"analysis":{}}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = repo.Save(context.Background(), &domain.NormalizedResult{
		ID:          "r-1",
		JobID:       "j-1",
		ImageID:     "img-1",
		Model:       "gpt-4o",
		Summary:     map[string]float64{"overallScore": 82},
		RawResponse: `{"analysis":{}}`,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestResultRepositoryListByJobScansJSONColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewResultRepository(db)
	rows := sqlmock.NewRows([]string{
		"id", "job_id", "image_id", "is_aggregate", "model", "summary", "insights",
		"suggestions", "patterns", "warnings", "raw_response", "created_at",
	}).AddRow(
		"r-1", "j-1", "img-1", true, "claude-sonnet",
		[]byte(`{"overallScore":76.5}`), []byte(`["contrast is low"]`),
		[]byte(`[]`), []byte(`{"navigation":"tabs"}`), []byte(`["coerced overallScore"]`),
		"raw", time.Now(),
	)
	mock.ExpectQuery("FROM analysis_results").
		WithArgs("j-1").
		WillReturnRows(rows)

	results, err := repo.ListByJob(context.Background(), "j-1")
	if err != nil {
		t.Fatalf("ListByJob() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	got := results[0]
	if !got.Aggregate || got.Summary["overallScore"] != 76.5 {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Patterns["navigation"] != "tabs" || len(got.Warnings) != 1 {
		t.Fatalf("unexpected collections: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
