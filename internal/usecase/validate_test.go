package usecase

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

func validationPayload(t *testing.T, sourceQN, targetQN string, relType domain.RelType, pass domain.Pass, confidence float64) []byte {
	t.Helper()
	hash := domain.RelHash(sourceQN, targetQN, relType)
	b, err := json.Marshal(domain.ValidationPayload{
		RelHash:  hash,
		RunID:    "r1",
		SourceQN: sourceQN,
		TargetQN: targetQN,
		Type:     relType,
		Evidence: domain.Evidence{Pass: pass, Confidence: confidence, Agrees: true},
	})
	require.NoError(t, err)
	return b
}

// A call between two functions of the same file is only visible to the
// intra-file pass, so its single sighting completes the bundle and the
// raw confidence survives reconciliation intact.
func TestValidationSameFileCallSealsOnSingleSighting(t *testing.T) {
	cfg := config.Config{DeterministicPass: true}
	evidence := newFakeEvidenceStore()
	queue := &fakeQueue{}
	w := NewValidationWorker(cfg, evidence, newFakeSeal(), queue)
	ctx := context.Background()

	src, tgt := "/src/a.js--foo", "/src/a.js--bar"
	require.NoError(t, w.Handle(ctx, validationPayload(t, src, tgt, domain.RelCalls, domain.PassIntraFile, 0.8)))

	hash := domain.RelHash(src, tgt, domain.RelCalls)
	jobs := queue.byQueue(domain.QueueReconciliation)
	require.Len(t, jobs, 1)
	var job domain.ReconciliationPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &job))
	assert.Equal(t, hash, job.RelHash)

	b := evidence.bundles[hash]
	require.NotNil(t, b)
	assert.True(t, b.Sealed)
	require.Len(t, b.Evidence, 1)

	d := domain.Reconcile(domain.DefaultTriangulationConfig(), b.Evidence)
	assert.InDelta(t, 0.8, d.Score, 1e-9)
	assert.True(t, d.Validated)
}

func TestValidationCrossFileWaitsForBothObservers(t *testing.T) {
	cfg := config.Config{DeterministicPass: true}
	evidence := newFakeEvidenceStore()
	queue := &fakeQueue{}
	w := NewValidationWorker(cfg, evidence, newFakeSeal(), queue)
	ctx := context.Background()

	// Same directory, different files: deterministic and intra-dir can
	// both observe a DEPENDS_ON.
	src, tgt := "/src/a.js--foo", "/src/b.js--foo"
	require.NoError(t, w.Handle(ctx, validationPayload(t, src, tgt, domain.RelDependsOn, domain.PassDeterministic, 0.9)))
	assert.Empty(t, queue.byQueue(domain.QueueReconciliation))

	require.NoError(t, w.Handle(ctx, validationPayload(t, src, tgt, domain.RelDependsOn, domain.PassIntraDir, 0.7)))
	require.Len(t, queue.byQueue(domain.QueueReconciliation), 1)

	hash := domain.RelHash(src, tgt, domain.RelDependsOn)
	b := evidence.bundles[hash]
	assert.True(t, b.Sealed)
	assert.Equal(t, 2, b.Expected)
}

func TestValidationRedeliveryDoesNotDoubleSeal(t *testing.T) {
	cfg := config.Config{DeterministicPass: true}
	evidence := newFakeEvidenceStore()
	queue := &fakeQueue{}
	w := NewValidationWorker(cfg, evidence, newFakeSeal(), queue)
	ctx := context.Background()

	src, tgt := "/src/a.js--foo", "/src/b.js--foo"
	require.NoError(t, w.Handle(ctx, validationPayload(t, src, tgt, domain.RelDependsOn, domain.PassDeterministic, 0.9)))
	require.NoError(t, w.Handle(ctx, validationPayload(t, src, tgt, domain.RelDependsOn, domain.PassIntraDir, 0.7)))
	// Redelivered last event: bundle already complete and sealed.
	require.NoError(t, w.Handle(ctx, validationPayload(t, src, tgt, domain.RelDependsOn, domain.PassIntraDir, 0.7)))

	assert.Len(t, queue.byQueue(domain.QueueReconciliation), 1)
	hash := domain.RelHash(src, tgt, domain.RelDependsOn)
	assert.Equal(t, 2, evidence.bundles[hash].Collected)
}

func TestSweeperGraceSealsWithSyntheticDisagreer(t *testing.T) {
	cfg := config.Config{DeterministicPass: true, TriangulationSealGrace: time.Minute}
	evidence := newFakeEvidenceStore()
	queue := &fakeQueue{}
	ctx := context.Background()

	// A cross-file DEPENDS_ON seen only by the deterministic pass; the
	// intra-dir pass stayed silent past the grace window.
	src, tgt := "/src/a.js--foo", "/src/b.js--foo"
	hash := domain.RelHash(src, tgt, domain.RelDependsOn)
	_, err := evidence.Append(ctx, domain.RelationshipCandidate{
		RelHash: hash, RunID: "r1", SourceQN: src, TargetQN: tgt,
		Type: domain.RelDependsOn, Pass: domain.PassDeterministic, Confidence: 0.9, Agrees: true,
	}, 2)
	require.NoError(t, err)
	evidence.bundles[hash].CreatedAt = time.Now().UTC().Add(-time.Hour)

	s := NewSealSweeper(cfg, evidence, newFakeSeal(), queue)
	require.NoError(t, s.Sweep(ctx))

	require.Len(t, queue.byQueue(domain.QueueReconciliation), 1)
	b := evidence.bundles[hash]
	assert.True(t, b.Sealed)

	// Only the silent in-scope pass is penalised.
	var disagreers []domain.Pass
	for _, e := range b.Evidence {
		if !e.Agrees {
			disagreers = append(disagreers, e.Pass)
		}
	}
	assert.Equal(t, []domain.Pass{domain.PassIntraDir}, disagreers)
}

// A same-file bundle whose seal was lost mid-flight has nothing missing;
// the sweeper seals it without inventing disagreement.
func TestSweeperAddsNoSyntheticsWhenScopeIsCovered(t *testing.T) {
	cfg := config.Config{DeterministicPass: true, TriangulationSealGrace: time.Minute}
	evidence := newFakeEvidenceStore()
	queue := &fakeQueue{}
	ctx := context.Background()

	src, tgt := "/src/a.js--foo", "/src/a.js--bar"
	hash := domain.RelHash(src, tgt, domain.RelCalls)
	_, err := evidence.Append(ctx, domain.RelationshipCandidate{
		RelHash: hash, RunID: "r1", SourceQN: src, TargetQN: tgt,
		Type: domain.RelCalls, Pass: domain.PassIntraFile, Confidence: 0.8, Agrees: true,
	}, 1)
	require.NoError(t, err)
	evidence.bundles[hash].Sealed = false
	evidence.bundles[hash].CreatedAt = time.Now().UTC().Add(-time.Hour)

	s := NewSealSweeper(cfg, evidence, newFakeSeal(), queue)
	require.NoError(t, s.Sweep(ctx))

	b := evidence.bundles[hash]
	assert.True(t, b.Sealed)
	require.Len(t, b.Evidence, 1)
	d := domain.Reconcile(domain.DefaultTriangulationConfig(), b.Evidence)
	assert.InDelta(t, 0.8, d.Score, 1e-9)
	assert.True(t, d.Validated)
}

func TestSweeperIgnoresFreshBundles(t *testing.T) {
	cfg := config.Config{DeterministicPass: true, TriangulationSealGrace: time.Hour}
	evidence := newFakeEvidenceStore()
	queue := &fakeQueue{}
	ctx := context.Background()

	src, tgt := "/src/a.js--foo", "/src/b.js--foo"
	hash := domain.RelHash(src, tgt, domain.RelDependsOn)
	_, err := evidence.Append(ctx, domain.RelationshipCandidate{
		RelHash: hash, RunID: "r1", SourceQN: src, TargetQN: tgt,
		Type: domain.RelDependsOn, Pass: domain.PassDeterministic, Confidence: 0.9, Agrees: true,
	}, 2)
	require.NoError(t, err)

	s := NewSealSweeper(cfg, evidence, newFakeSeal(), queue)
	require.NoError(t, s.Sweep(ctx))
	assert.Empty(t, queue.jobs)
	assert.False(t, evidence.bundles[hash].Sealed)
}
