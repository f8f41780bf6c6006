package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mattedesign/canvas-insight-ai-sub008/internal/core/domain"
)

// Every column a repository writes must be declared by EnsureSchema, so a
// rename on one side cannot silently break the other at runtime.
func TestRepositoryColumnsMatchSchema(t *testing.T) {
	var statements []string
	capture := sqlmock.QueryMatcherFunc(func(_, actual string) error {
		statements = append(statements, actual)
		return nil
	})
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(capture))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("").WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	now := time.Now().UTC()

	jobs := NewJobRepository(db)
	if err := jobs.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema() error = %v", err)
	}
	if err := jobs.Create(ctx, &domain.AnalysisJob{
		ID:           "j-1",
		UserID:       "u-1",
		ImageID:      "img-1",
		Status:       domain.StatusQueued,
		CurrentStage: domain.StageQueued,
		DispatchMode: domain.DispatchDirect,
		CreatedAt:    now,
		UpdatedAt:    now,
	}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := NewEventRepository(db).Append(ctx, &domain.AnalysisEvent{
		ID:        "e-1",
		JobID:     "j-1",
		Name:      "analysis/vision.started",
		Stage:     domain.StageVision,
		Status:    domain.StatusProcessing,
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := NewResultRepository(db).Save(ctx, &domain.NormalizedResult{
		ID:        "r-1",
		JobID:     "j-1",
		ImageID:   "img-1",
		Aggregate: true,
		Model:     "gpt-4o",
		CreatedAt: now,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	declared := declaredColumns(statements)
	inserted := insertedColumns(statements)
	if len(declared) != 3 {
		t.Fatalf("expected 3 tables declared, got %d: %v", len(declared), declared)
	}
	if len(inserted) != 3 {
		t.Fatalf("expected inserts into 3 tables, got %d: %v", len(inserted), inserted)
	}
	for table, cols := range inserted {
		schema, ok := declared[table]
		if !ok {
			t.Errorf("table %s: written by a repository but never declared", table)
			continue
		}
		for col := range cols {
			if !schema[col] {
				t.Errorf("table %s: column %q written by a repository but not declared", table, col)
			}
		}
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// declaredColumns pulls the column names out of each CREATE TABLE block,
// relying on the one-column-per-line layout of the schema DDL.
func declaredColumns(statements []string) map[string]map[string]bool {
	tables := make(map[string]map[string]bool)
	for _, stmt := range statements {
		var current map[string]bool
		for _, line := range strings.Split(stmt, "\n") {
			trimmed := strings.TrimSpace(line)
			if rest, ok := strings.CutPrefix(trimmed, "CREATE TABLE IF NOT EXISTS "); ok {
				name := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rest), "("))
				current = make(map[string]bool)
				tables[name] = current
				continue
			}
			if current == nil {
				continue
			}
			if strings.HasPrefix(trimmed, ")") {
				current = nil
				continue
			}
			if fields := strings.Fields(trimmed); len(fields) > 0 {
				current[strings.TrimSuffix(fields[0], ",")] = true
			}
		}
	}
	return tables
}

func insertedColumns(statements []string) map[string]map[string]bool {
	inserts := make(map[string]map[string]bool)
	for _, stmt := range statements {
		rest, ok := strings.CutPrefix(strings.TrimSpace(stmt), "INSERT INTO ")
		if !ok {
			continue
		}
		open := strings.Index(rest, "(")
		closing := strings.Index(rest, ")")
		if open < 0 || closing < open {
			continue
		}
		table := strings.TrimSpace(rest[:open])
		cols := inserts[table]
		if cols == nil {
			cols = make(map[string]bool)
			inserts[table] = cols
		}
		for _, col := range strings.Split(rest[open+1:closing], ",") {
			if fields := strings.Fields(col); len(fields) > 0 {
				cols[fields[0]] = true
			}
		}
	}
	return inserts
}
