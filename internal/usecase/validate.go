package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// evidenceStore is the evidence repository plus the sealed-flag mirror
// kept in the SQL store so restarts do not re-sweep sealed bundles.
type evidenceStore interface {
	domain.EvidenceRepository
	MarkSealed(ctx domain.Context, relHash string) error
}

// ValidationWorker accumulates evidence per rel-hash and seals the bundle
// once the expected count is reached. Sealing enqueues reconciliation
// exactly once: the cache-side compare-and-swap admits a single winner no
// matter how many workers observe the completed bundle.
type ValidationWorker struct {
	cfg      config.Config
	evidence evidenceStore
	seal     domain.SealRegistry
	queue    domain.Queue
}

// NewValidationWorker constructs a ValidationWorker.
func NewValidationWorker(cfg config.Config, evidence evidenceStore, seal domain.SealRegistry, queue domain.Queue) *ValidationWorker {
	return &ValidationWorker{cfg: cfg, evidence: evidence, seal: seal, queue: queue}
}

// Handle processes one evidence event.
func (v *ValidationWorker) Handle(ctx domain.Context, payload []byte) error {
	tracer := otel.Tracer("usecase.validate")
	ctx, span := tracer.Start(ctx, "validate.Handle")
	defer span.End()

	var job domain.ValidationPayload
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("op=validate.decode: %w", err)
	}

	candidate := domain.RelationshipCandidate{
		RelHash:    job.RelHash,
		RunID:      job.RunID,
		SourceQN:   job.SourceQN,
		TargetQN:   job.TargetQN,
		Type:       job.Type,
		Pass:       job.Evidence.Pass,
		Confidence: job.Evidence.Confidence,
		Agrees:     job.Evidence.Agrees,
	}
	expected := len(domain.ExpectedPasses(job.SourceQN, job.TargetQN, job.Type, v.cfg.DeterministicPass))
	if expected < 1 {
		expected = 1
	}
	bundle, err := v.evidence.Append(ctx, candidate, expected)
	if err != nil {
		return err
	}
	if bundle.Sealed || bundle.Collected < bundle.Expected {
		return nil
	}
	return sealAndEnqueue(ctx, v.evidence, v.seal, v.queue, bundle.RelHash, "complete")
}

// sealAndEnqueue wins the CAS at most once per rel-hash; the SQL mirror
// is flipped after the cache accepted the seal, and the reconciliation
// job after that. Duplicate reconciliation jobs are harmless downstream.
func sealAndEnqueue(ctx domain.Context, evidence evidenceStore, seal domain.SealRegistry, queue domain.Queue, relHash, trigger string) error {
	won, err := seal.TrySeal(ctx, relHash)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if err := evidence.MarkSealed(ctx, relHash); err != nil {
		return err
	}
	payload, _ := json.Marshal(domain.ReconciliationPayload{RelHash: relHash})
	if _, err := queue.Enqueue(ctx, domain.QueueReconciliation, payload); err != nil {
		return err
	}
	observability.EvidenceSealedTotal.WithLabelValues(trigger).Inc()
	slog.Info("evidence bundle sealed", slog.String("rel_hash", relHash), slog.String("trigger", trigger))
	return nil
}

// SealSweeper enforces the grace timeout: bundles whose expected evidence
// never arrived are sealed anyway, with one synthetic disagreement per
// absent pass, so reconciliation can penalise the silence.
type SealSweeper struct {
	cfg      config.Config
	evidence evidenceStore
	seal     domain.SealRegistry
	queue    domain.Queue
}

// NewSealSweeper constructs a SealSweeper.
func NewSealSweeper(cfg config.Config, evidence evidenceStore, seal domain.SealRegistry, queue domain.Queue) *SealSweeper {
	return &SealSweeper{cfg: cfg, evidence: evidence, seal: seal, queue: queue}
}

// Run sweeps until ctx is done.
func (s *SealSweeper) Run(ctx domain.Context) {
	interval := s.cfg.TriangulationSealGrace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("seal sweep failed", slog.Any("error", err))
			}
		}
	}
}

// Sweep performs one pass over expired unsealed bundles.
func (s *SealSweeper) Sweep(ctx domain.Context) error {
	tracer := otel.Tracer("usecase.validate")
	ctx, span := tracer.Start(ctx, "validate.Sweep")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.cfg.TriangulationSealGrace)
	bundles, err := s.evidence.ListUnsealedOlderThan(ctx, cutoff, 500)
	if err != nil {
		return err
	}
	for _, b := range bundles {
		for _, pass := range s.missingPasses(b) {
			absent := domain.RelationshipCandidate{
				RelHash:  b.RelHash,
				RunID:    b.RunID,
				SourceQN: b.SourceQN,
				TargetQN: b.TargetQN,
				Type:     b.Type,
				Pass:     pass,
				Agrees:   false,
			}
			if _, err := s.evidence.Append(ctx, absent, b.Expected); err != nil {
				return err
			}
		}
		if err := sealAndEnqueue(ctx, s.evidence, s.seal, s.queue, b.RelHash, "grace"); err != nil {
			return err
		}
	}
	if len(bundles) > 0 {
		slog.Info("grace-sealed expired bundles", slog.Int("count", len(bundles)))
	}
	return nil
}

// missingPasses lists the passes expected for the bundle's scope with no
// evidence recorded. A pass that could have observed the relationship and
// stayed silent is a disagreer; passes outside the scope are not.
func (s *SealSweeper) missingPasses(b domain.EvidenceBundle) []domain.Pass {
	present := make(map[domain.Pass]bool, len(b.Evidence))
	for _, e := range b.Evidence {
		present[e.Pass] = true
	}
	var out []domain.Pass
	for _, p := range domain.ExpectedPasses(b.SourceQN, b.TargetQN, b.Type, s.cfg.DeterministicPass) {
		if !present[p] {
			out = append(out, p)
		}
	}
	return out
}
