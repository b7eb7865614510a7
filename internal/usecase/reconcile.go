package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// Reconciler folds a sealed evidence bundle into a final relationship.
// The fold itself is pure; this worker wraps it with the transactional
// write of the final row, the graph outbox event for validated edges, and
// the bundle delete, all in one SQL transaction.
type Reconciler struct {
	tcfg     domain.TriangulationConfig
	evidence domain.EvidenceRepository
	store    domain.Store
}

// NewReconciler constructs a Reconciler.
func NewReconciler(tcfg domain.TriangulationConfig, evidence domain.EvidenceRepository, store domain.Store) *Reconciler {
	return &Reconciler{tcfg: tcfg, evidence: evidence, store: store}
}

// Handle reconciles one rel-hash. A missing bundle means an earlier
// delivery already finished the job; redelivery is a no-op.
func (r *Reconciler) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.reconcile")
	ctx, span := tracer.Start(ctx, "reconcile.Handle")
	defer span.End()

	var job domain.ReconciliationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=reconcile.decode: %w", err)
	}

	bundle, err := r.evidence.Get(ctx, job.RelHash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			slog.Debug("bundle already reconciled", slog.String("rel_hash", job.RelHash))
			return nil
		}
		return err
	}

	decision := domain.Reconcile(r.tcfg, bundle.Evidence)
	state := domain.RelRejected
	if decision.Validated {
		state = domain.RelValidated
	}

	final := domain.FinalRelationship{
		RelHash:    bundle.RelHash,
		RunID:      bundle.RunID,
		SourceQN:   bundle.SourceQN,
		TargetQN:   bundle.TargetQN,
		Type:       bundle.Type,
		Confidence: decision.Score,
		State:      state,
	}

	err = r.store.InTx(ctx, func(tx domain.Tx) error {
		if err := tx.UpsertFinalRelationship(ctx, final); err != nil {
			return err
		}
		if decision.Validated {
			// One edge per event; the queue aggregates graph events into
			// batched transactions before the ingestor sees them.
			batch := domain.GraphBatch{Edges: []domain.GraphEdge{{
				SourceQN: final.SourceQN,
				TargetQN: final.TargetQN,
				Type:     final.Type,
				Properties: map[string]any{
					"rel_hash":   final.RelHash,
					"run_id":     final.RunID,
					"confidence": final.Confidence,
				},
			}}}
			if err := tx.AppendOutbox(ctx, domain.QueueGraphIngestion, domain.GraphIngestionPayload{RunID: final.RunID, Batch: batch}); err != nil {
				return err
			}
		}
		return tx.DeleteEvidence(ctx, bundle.RelHash)
	})
	if err != nil {
		return err
	}

	observability.RelationshipsReconciled.WithLabelValues(string(state)).Inc()
	observability.FinalConfidence.Observe(decision.Score)
	slog.Info("relationship reconciled",
		slog.String("rel_hash", final.RelHash),
		slog.String("state", string(state)),
		slog.Float64("confidence", decision.Score),
		slog.Int("agreers", decision.Agreers),
		slog.Int("disagreers", decision.Disagrees))
	return nil
}
