package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Store opens short-lived transactions whose writes are visible
// all-or-nothing together with their outbox events.
type Store struct{ DB *sql.DB }

// NewStore constructs a Store over the given database handle.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// InTx runs fn inside one SQL transaction, committing on nil and rolling
// back on error or panic.
func (s *Store) InTx(ctx domain.Context, fn func(tx domain.Tx) error) error {
	tracer := otel.Tracer("repo.store")
	ctx, span := tracer.Start(ctx, "store.InTx")
	defer span.End()

	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("op=store.begin: %w", err)
	}
	t := &tx{tx: sqlTx}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()
	if err := fn(t); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("op=store.commit: %w", err)
	}
	return nil
}

type tx struct{ tx *sql.Tx }

// UpsertPOIs inserts POIs idempotently, keyed on (run_id, qualified_name).
// Replaying a completed job leaves the table unchanged apart from
// refreshed mutable columns.
func (t *tx) UpsertPOIs(ctx domain.Context, pois []domain.POI) (int, error) {
	const q = `INSERT INTO pois (id, file_id, run_id, type, name, qualified_name, signature, start_line, end_line)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT(run_id, qualified_name) DO UPDATE SET
			signature = excluded.signature,
			start_line = excluded.start_line,
			end_line = excluded.end_line`
	n := 0
	for _, p := range pois {
		if !domain.AllowedPOITypes[p.Type] {
			return n, fmt.Errorf("op=poi.upsert: type %q: %w", p.Type, domain.ErrSecurityViolation)
		}
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := t.tx.ExecContext(ctx, q, id, p.FileID, p.RunID, p.Type, p.Name, p.QualifiedName, p.Signature, p.StartLine, p.EndLine); err != nil {
			return n, fmt.Errorf("op=poi.upsert: %w", err)
		}
		n++
	}
	return n, nil
}

// AppendOutbox writes one pending event in the caller's transaction.
func (t *tx) AppendOutbox(ctx domain.Context, topic string, payload any) error {
	if !domain.AllowedQueues[topic] {
		return fmt.Errorf("op=outbox.append: topic %q: %w", topic, domain.ErrUnknownQueue)
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("op=outbox.append: %w", err)
	}
	const q = `INSERT INTO outbox (id, topic, payload_json, created_at) VALUES (?,?,?,?)`
	if _, err := t.tx.ExecContext(ctx, q, uuid.New().String(), topic, string(b), time.Now().UTC()); err != nil {
		return fmt.Errorf("op=outbox.append: %w", err)
	}
	return nil
}

func (t *tx) UpdateFileStatus(ctx domain.Context, fileID string, status domain.FileStatus) error {
	const q = `UPDATE files SET status=?, updated_at=? WHERE id=?`
	if _, err := t.tx.ExecContext(ctx, q, status, time.Now().UTC(), fileID); err != nil {
		return fmt.Errorf("op=file.update_status: %w", err)
	}
	return nil
}

func (t *tx) UpsertSummary(ctx domain.Context, s domain.DirectorySummary) error {
	const q = `INSERT INTO directory_summaries (run_id, dir_path, summary_text, poi_count)
		VALUES (?,?,?,?)
		ON CONFLICT(run_id, dir_path) DO UPDATE SET
			summary_text = excluded.summary_text,
			poi_count = excluded.poi_count`
	if _, err := t.tx.ExecContext(ctx, q, s.RunID, s.DirPath, s.Summary, s.POICount); err != nil {
		return fmt.Errorf("op=summary.upsert: %w", err)
	}
	return nil
}

func (t *tx) UpsertFinalRelationship(ctx domain.Context, r domain.FinalRelationship) error {
	const q = `INSERT INTO final_relationships (rel_hash, run_id, src_qn, tgt_qn, type, final_confidence, state, committed)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(rel_hash) DO UPDATE SET
			final_confidence = excluded.final_confidence,
			state = excluded.state`
	committed := 0
	if r.Committed {
		committed = 1
	}
	if _, err := t.tx.ExecContext(ctx, q, r.RelHash, r.RunID, r.SourceQN, r.TargetQN, r.Type, r.Confidence, r.State, committed); err != nil {
		return fmt.Errorf("op=relationship.upsert: %w", err)
	}
	return nil
}

func (t *tx) DeleteEvidence(ctx domain.Context, relHash string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM evidence WHERE rel_hash=?`, relHash); err != nil {
		return fmt.Errorf("op=evidence.delete: %w", err)
	}
	return nil
}
