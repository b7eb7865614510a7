package sqlite

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// OutboxRepo reads pending outbox events and settles published ones.
// Event rows are written inside worker transactions through Store.InTx.
type OutboxRepo struct{ DB *sql.DB }

// NewOutboxRepo constructs an OutboxRepo.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{DB: db} }

// ListUnpublished returns pending events in insertion order. The seq
// column is the order: created_at has second resolution and the event ids
// are random, so neither can break ties.
func (r *OutboxRepo) ListUnpublished(ctx domain.Context, limit int) ([]domain.OutboxEvent, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ListUnpublished")
	defer span.End()
	const q = `SELECT id, topic, payload_json, created_at FROM outbox WHERE published_at IS NULL ORDER BY seq LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.list: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload string
		if err := rows.Scan(&e.ID, &e.Topic, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=outbox.list: %w", err)
		}
		e.Payload = []byte(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished settles events after the queue accepted them. A separate
// transaction from publication: failure here only means a later duplicate
// publish, which downstream idempotency absorbs.
func (r *OutboxRepo) MarkPublished(ctx domain.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkPublished")
	defer span.End()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, time.Now().UTC())
	for _, id := range ids {
		args = append(args, id)
	}
	q := `UPDATE outbox SET published_at=? WHERE id IN (` + placeholders + `)`
	if _, err := r.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("op=outbox.mark_published: %w", err)
	}
	return nil
}

// CountUnpublished reports outbox backlog depth.
func (r *OutboxRepo) CountUnpublished(ctx domain.Context) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NULL`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.count: %w", err)
	}
	return n, nil
}
