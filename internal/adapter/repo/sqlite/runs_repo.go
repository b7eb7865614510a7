package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// RunRepo persists and loads runs.
type RunRepo struct{ DB *sql.DB }

// NewRunRepo constructs a RunRepo.
func NewRunRepo(db *sql.DB) *RunRepo { return &RunRepo{DB: db} }

// Create inserts a new run. A duplicate run id is a conflict: the producer
// must mint a fresh id per run.
func (r *RunRepo) Create(ctx domain.Context, run domain.Run) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Create")
	defer span.End()
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	const q = `INSERT INTO runs (id, target_root, status, created_at) VALUES (?,?,?,?)`
	if _, err := r.DB.ExecContext(ctx, q, run.ID, run.TargetRoot, run.Status, created); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=run.create: id %s: %w", run.ID, domain.ErrConflict)
		}
		return fmt.Errorf("op=run.create: %w", err)
	}
	return nil
}

// Get loads a run by id.
func (r *RunRepo) Get(ctx domain.Context, id string) (domain.Run, error) {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.Get")
	defer span.End()
	const q = `SELECT id, target_root, status, created_at FROM runs WHERE id=?`
	var run domain.Run
	if err := r.DB.QueryRowContext(ctx, q, id).Scan(&run.ID, &run.TargetRoot, &run.Status, &run.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, fmt.Errorf("op=run.get: %w", domain.ErrNotFound)
		}
		return domain.Run{}, fmt.Errorf("op=run.get: %w", err)
	}
	return run, nil
}

// UpdateStatus transitions a run's lifecycle state.
func (r *RunRepo) UpdateStatus(ctx domain.Context, id string, status domain.RunStatus) error {
	tracer := otel.Tracer("repo.runs")
	ctx, span := tracer.Start(ctx, "runs.UpdateStatus")
	defer span.End()
	if _, err := r.DB.ExecContext(ctx, `UPDATE runs SET status=? WHERE id=?`, status, id); err != nil {
		return fmt.Errorf("op=run.update_status: %w", err)
	}
	return nil
}
