package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// RelationshipRepo reads reconciled relationships and settles graph
// commits. Writes happen inside reconciliation transactions.
type RelationshipRepo struct{ DB *sql.DB }

// NewRelationshipRepo constructs a RelationshipRepo.
func NewRelationshipRepo(db *sql.DB) *RelationshipRepo { return &RelationshipRepo{DB: db} }

// Get loads one final relationship.
func (r *RelationshipRepo) Get(ctx domain.Context, relHash string) (domain.FinalRelationship, error) {
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.Get")
	defer span.End()
	const q = `SELECT rel_hash, run_id, src_qn, tgt_qn, type, final_confidence, state, committed FROM final_relationships WHERE rel_hash=?`
	var rel domain.FinalRelationship
	var committed int
	if err := r.DB.QueryRowContext(ctx, q, relHash).Scan(&rel.RelHash, &rel.RunID, &rel.SourceQN, &rel.TargetQN, &rel.Type, &rel.Confidence, &rel.State, &committed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.FinalRelationship{}, fmt.Errorf("op=relationship.get: %w", domain.ErrNotFound)
		}
		return domain.FinalRelationship{}, fmt.Errorf("op=relationship.get: %w", err)
	}
	rel.Committed = committed != 0
	return rel, nil
}

// MarkCommitted flags relationships whose graph batch was applied.
func (r *RelationshipRepo) MarkCommitted(ctx domain.Context, relHashes []string) error {
	if len(relHashes) == 0 {
		return nil
	}
	tracer := otel.Tracer("repo.relationships")
	ctx, span := tracer.Start(ctx, "relationships.MarkCommitted")
	defer span.End()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(relHashes)), ",")
	args := make([]any, len(relHashes))
	for i, h := range relHashes {
		args[i] = h
	}
	q := `UPDATE final_relationships SET committed=1 WHERE rel_hash IN (` + placeholders + `)`
	if _, err := r.DB.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("op=relationship.mark_committed: %w", err)
	}
	return nil
}

// CountByState counts a run's relationships in a given state.
func (r *RelationshipRepo) CountByState(ctx domain.Context, runID string, state domain.RelState) (int, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM final_relationships WHERE run_id=? AND state=?`, runID, state).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=relationship.count: %w", err)
	}
	return n, nil
}
