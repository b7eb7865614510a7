package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// FileRepo persists and loads file records.
type FileRepo struct{ DB *sql.DB }

// NewFileRepo constructs a FileRepo.
func NewFileRepo(db *sql.DB) *FileRepo { return &FileRepo{DB: db} }

// Create inserts a file record and returns its id. Re-registering the
// same path within a run keeps the original row.
func (r *FileRepo) Create(ctx domain.Context, f domain.FileRecord) (string, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Create")
	defer span.End()
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	const q = `INSERT INTO files (id, run_id, path, content_hash, status, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(run_id, path) DO NOTHING`
	if _, err := r.DB.ExecContext(ctx, q, id, f.RunID, f.Path, f.ContentHash, f.Status, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("op=file.create: %w", err)
	}
	// The original id wins on conflict; read it back.
	var existing string
	if err := r.DB.QueryRowContext(ctx, `SELECT id FROM files WHERE run_id=? AND path=?`, f.RunID, f.Path).Scan(&existing); err != nil {
		return "", fmt.Errorf("op=file.create: %w", err)
	}
	return existing, nil
}

// Get loads a file record by id.
func (r *FileRepo) Get(ctx domain.Context, id string) (domain.FileRecord, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.Get")
	defer span.End()
	const q = `SELECT id, run_id, path, content_hash, status, updated_at FROM files WHERE id=?`
	var f domain.FileRecord
	if err := r.DB.QueryRowContext(ctx, q, id).Scan(&f.ID, &f.RunID, &f.Path, &f.ContentHash, &f.Status, &f.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FileRecord{}, fmt.Errorf("op=file.get: %w", domain.ErrNotFound)
		}
		return domain.FileRecord{}, fmt.Errorf("op=file.get: %w", err)
	}
	return f, nil
}

// UpdateStatus updates a file's analysis status.
func (r *FileRepo) UpdateStatus(ctx domain.Context, id string, status domain.FileStatus) error {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.UpdateStatus")
	defer span.End()
	if _, err := r.DB.ExecContext(ctx, `UPDATE files SET status=?, updated_at=? WHERE id=?`, status, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("op=file.update_status: %w", err)
	}
	return nil
}

// ListByRun returns all file records for a run.
func (r *FileRepo) ListByRun(ctx domain.Context, runID string) ([]domain.FileRecord, error) {
	tracer := otel.Tracer("repo.files")
	ctx, span := tracer.Start(ctx, "files.ListByRun")
	defer span.End()
	const q = `SELECT id, run_id, path, content_hash, status, updated_at FROM files WHERE run_id=? ORDER BY path`
	rows, err := r.DB.QueryContext(ctx, q, runID)
	if err != nil {
		return nil, fmt.Errorf("op=file.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.FileRecord
	for rows.Next() {
		var f domain.FileRecord
		if err := rows.Scan(&f.ID, &f.RunID, &f.Path, &f.ContentHash, &f.Status, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=file.list: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountByStatus counts a run's files in a given status.
func (r *FileRepo) CountByStatus(ctx domain.Context, runID string, status domain.FileStatus) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM files WHERE run_id=? AND status=?`, runID, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=file.count: %w", err)
	}
	return n, nil
}
