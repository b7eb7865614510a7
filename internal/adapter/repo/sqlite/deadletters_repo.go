package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// DeadLetterRepo records jobs that exhausted their retries.
type DeadLetterRepo struct{ DB *sql.DB }

// NewDeadLetterRepo constructs a DeadLetterRepo.
func NewDeadLetterRepo(db *sql.DB) *DeadLetterRepo { return &DeadLetterRepo{DB: db} }

// Create inserts a dead-letter record and returns its id.
func (r *DeadLetterRepo) Create(ctx domain.Context, d domain.DeadLetter) (string, error) {
	tracer := otel.Tracer("repo.dead_letters")
	ctx, span := tracer.Start(ctx, "dead_letters.Create")
	defer span.End()
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	failedAt := d.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	status := d.Status
	if status == "" {
		status = "dead"
	}
	payload := string(d.Payload)
	if payload == "" {
		payload = "{}"
	}
	const q = `INSERT INTO dead_letters (id, orig_job_id, queue, failed_at, error_msg, error_ctx, payload_json, status) VALUES (?,?,?,?,?,?,?,?)`
	if _, err := r.DB.ExecContext(ctx, q, id, d.JobID, d.Queue, failedAt, d.ErrorMsg, d.ErrorCtx, payload, status); err != nil {
		return "", fmt.Errorf("op=dead_letter.create: %w", err)
	}
	return id, nil
}

// ListByStatus returns dead letters in a status, newest first.
func (r *DeadLetterRepo) ListByStatus(ctx domain.Context, status string, limit int) ([]domain.DeadLetter, error) {
	tracer := otel.Tracer("repo.dead_letters")
	ctx, span := tracer.Start(ctx, "dead_letters.ListByStatus")
	defer span.End()
	const q = `SELECT id, orig_job_id, queue, failed_at, error_msg, error_ctx, payload_json, status FROM dead_letters WHERE status=? ORDER BY failed_at DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, status, limit)
	if err != nil {
		return nil, fmt.Errorf("op=dead_letter.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.DeadLetter
	for rows.Next() {
		var d domain.DeadLetter
		var payload string
		if err := rows.Scan(&d.ID, &d.JobID, &d.Queue, &d.FailedAt, &d.ErrorMsg, &d.ErrorCtx, &payload, &d.Status); err != nil {
			return nil, fmt.Errorf("op=dead_letter.list: %w", err)
		}
		d.Payload = []byte(payload)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Count reports total dead letters.
func (r *DeadLetterRepo) Count(ctx domain.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=dead_letter.count: %w", err)
	}
	return n, nil
}

// FailedPOIRepo records per-POI failures inside batched resolution jobs.
type FailedPOIRepo struct{ DB *sql.DB }

// NewFailedPOIRepo constructs a FailedPOIRepo.
func NewFailedPOIRepo(db *sql.DB) *FailedPOIRepo { return &FailedPOIRepo{DB: db} }

// Create inserts a failed-POI record and returns its id.
func (r *FailedPOIRepo) Create(ctx domain.Context, f domain.FailedPOI) (string, error) {
	tracer := otel.Tracer("repo.failed_pois")
	ctx, span := tracer.Start(ctx, "failed_pois.Create")
	defer span.End()
	id := f.ID
	if id == "" {
		id = uuid.New().String()
	}
	failedAt := f.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	status := f.Status
	if status == "" {
		status = "dead"
	}
	poi := string(f.POI)
	if poi == "" {
		poi = "{}"
	}
	const q = `INSERT INTO failed_pois (id, orig_job_id, failed_at, error_msg, error_ctx, poi_json, status) VALUES (?,?,?,?,?,?,?)`
	if _, err := r.DB.ExecContext(ctx, q, id, f.JobID, failedAt, f.ErrorMsg, f.ErrorCtx, poi, status); err != nil {
		return "", fmt.Errorf("op=failed_poi.create: %w", err)
	}
	return id, nil
}
