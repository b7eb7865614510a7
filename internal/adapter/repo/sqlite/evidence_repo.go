package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// EvidenceRepo accumulates triangulation evidence per rel-hash.
type EvidenceRepo struct{ DB *sql.DB }

// NewEvidenceRepo constructs an EvidenceRepo.
func NewEvidenceRepo(db *sql.DB) *EvidenceRepo { return &EvidenceRepo{DB: db} }

// Append upserts the bundle for the candidate's rel-hash and records its
// evidence. Evidence is de-duplicated by pass: redelivering the same
// pass's candidate replaces the earlier entry instead of inflating the
// collected count, which keeps at-least-once queue delivery harmless.
func (r *EvidenceRepo) Append(ctx domain.Context, c domain.RelationshipCandidate, expected int) (domain.EvidenceBundle, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.Append")
	defer span.End()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	const ins = `INSERT INTO evidence (rel_hash, run_id, source_qn, target_qn, type, expected_count, collected_count, sealed, evidence_json, created_at, updated_at)
		VALUES (?,?,?,?,?,?,0,0,'[]',?,?)
		ON CONFLICT(rel_hash) DO NOTHING`
	if _, err := tx.ExecContext(ctx, ins, c.RelHash, c.RunID, c.SourceQN, c.TargetQN, c.Type, expected, now, now); err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: %w", err)
	}

	var b domain.EvidenceBundle
	var evidenceJSON string
	var sealed int
	const sel = `SELECT rel_hash, run_id, source_qn, target_qn, type, expected_count, collected_count, sealed, evidence_json, created_at, updated_at
		FROM evidence WHERE rel_hash=?`
	if err := tx.QueryRowContext(ctx, sel, c.RelHash).Scan(&b.RelHash, &b.RunID, &b.SourceQN, &b.TargetQN, &b.Type, &b.Expected, &b.Collected, &sealed, &evidenceJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: %w", err)
	}
	b.Sealed = sealed != 0
	if err := json.Unmarshal([]byte(evidenceJSON), &b.Evidence); err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: decode: %w", err)
	}

	item := domain.Evidence{Pass: c.Pass, Confidence: c.Confidence, Agrees: c.Agrees}
	replaced := false
	for i := range b.Evidence {
		if b.Evidence[i].Pass == c.Pass {
			b.Evidence[i] = item
			replaced = true
			break
		}
	}
	if !replaced {
		b.Evidence = append(b.Evidence, item)
	}
	b.Collected = len(b.Evidence)
	b.UpdatedAt = now

	encoded, err := json.Marshal(b.Evidence)
	if err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: encode: %w", err)
	}
	const upd = `UPDATE evidence SET collected_count=?, evidence_json=?, updated_at=? WHERE rel_hash=?`
	if _, err := tx.ExecContext(ctx, upd, b.Collected, string(encoded), now, c.RelHash); err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.append: %w", err)
	}
	return b, nil
}

// Get loads one bundle.
func (r *EvidenceRepo) Get(ctx domain.Context, relHash string) (domain.EvidenceBundle, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.Get")
	defer span.End()
	const q = `SELECT rel_hash, run_id, source_qn, target_qn, type, expected_count, collected_count, sealed, evidence_json, created_at, updated_at
		FROM evidence WHERE rel_hash=?`
	var b domain.EvidenceBundle
	var evidenceJSON string
	var sealed int
	if err := r.DB.QueryRowContext(ctx, q, relHash).Scan(&b.RelHash, &b.RunID, &b.SourceQN, &b.TargetQN, &b.Type, &b.Expected, &b.Collected, &sealed, &evidenceJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.get: %w", domain.ErrNotFound)
		}
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.get: %w", err)
	}
	b.Sealed = sealed != 0
	if err := json.Unmarshal([]byte(evidenceJSON), &b.Evidence); err != nil {
		return domain.EvidenceBundle{}, fmt.Errorf("op=evidence.get: decode: %w", err)
	}
	return b, nil
}

// Delete removes a reconciled bundle.
func (r *EvidenceRepo) Delete(ctx domain.Context, relHash string) error {
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM evidence WHERE rel_hash=?`, relHash); err != nil {
		return fmt.Errorf("op=evidence.delete: %w", err)
	}
	return nil
}

// ListUnsealedOlderThan returns bundles whose first evidence predates the
// cutoff and which never reached their expected count. The seal sweeper
// uses it to enforce the grace timeout.
func (r *EvidenceRepo) ListUnsealedOlderThan(ctx domain.Context, cutoff time.Time, limit int) ([]domain.EvidenceBundle, error) {
	tracer := otel.Tracer("repo.evidence")
	ctx, span := tracer.Start(ctx, "evidence.ListUnsealedOlderThan")
	defer span.End()
	const q = `SELECT rel_hash, run_id, source_qn, target_qn, type, expected_count, collected_count, sealed, evidence_json, created_at, updated_at
		FROM evidence WHERE sealed=0 AND created_at < ? ORDER BY created_at LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, q, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=evidence.list_unsealed: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.EvidenceBundle
	for rows.Next() {
		var b domain.EvidenceBundle
		var evidenceJSON string
		var sealed int
		if err := rows.Scan(&b.RelHash, &b.RunID, &b.SourceQN, &b.TargetQN, &b.Type, &b.Expected, &b.Collected, &sealed, &evidenceJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=evidence.list_unsealed: %w", err)
		}
		b.Sealed = sealed != 0
		if err := json.Unmarshal([]byte(evidenceJSON), &b.Evidence); err != nil {
			return nil, fmt.Errorf("op=evidence.list_unsealed: decode: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkSealed flips the sealed flag after the cache-side CAS succeeded, so
// restarts do not re-sweep already-sealed bundles.
func (r *EvidenceRepo) MarkSealed(ctx domain.Context, relHash string) error {
	if _, err := r.DB.ExecContext(ctx, `UPDATE evidence SET sealed=1, updated_at=? WHERE rel_hash=?`, time.Now().UTC(), relHash); err != nil {
		return fmt.Errorf("op=evidence.mark_sealed: %w", err)
	}
	return nil
}
