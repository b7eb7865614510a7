package sqlite

import (
	"database/sql"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// SummaryRepo persists directory summaries.
type SummaryRepo struct{ DB *sql.DB }

// NewSummaryRepo constructs a SummaryRepo.
func NewSummaryRepo(db *sql.DB) *SummaryRepo { return &SummaryRepo{DB: db} }

// Upsert writes one summary per (run, dir).
func (r *SummaryRepo) Upsert(ctx domain.Context, s domain.DirectorySummary) error {
	tracer := otel.Tracer("repo.summaries")
	ctx, span := tracer.Start(ctx, "summaries.Upsert")
	defer span.End()
	const q = `INSERT INTO directory_summaries (run_id, dir_path, summary_text, poi_count)
		VALUES (?,?,?,?)
		ON CONFLICT(run_id, dir_path) DO UPDATE SET
			summary_text = excluded.summary_text,
			poi_count = excluded.poi_count`
	if _, err := r.DB.ExecContext(ctx, q, s.RunID, s.DirPath, s.Summary, s.POICount); err != nil {
		return fmt.Errorf("op=summary.upsert: %w", err)
	}
	return nil
}

// ListByRun returns a run's summaries ordered by directory.
func (r *SummaryRepo) ListByRun(ctx domain.Context, runID string) ([]domain.DirectorySummary, error) {
	tracer := otel.Tracer("repo.summaries")
	ctx, span := tracer.Start(ctx, "summaries.ListByRun")
	defer span.End()
	const q = `SELECT run_id, dir_path, summary_text, poi_count FROM directory_summaries WHERE run_id=? ORDER BY dir_path`
	rows, err := r.DB.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("op=summary.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.DirectorySummary
	for rows.Next() {
		var s domain.DirectorySummary
		if err := rows.Scan(&s.RunID, &s.DirPath, &s.Summary, &s.POICount); err != nil {
			return nil, fmt.Errorf("op=summary.list: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
