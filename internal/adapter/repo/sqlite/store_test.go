package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedRunAndFile(t *testing.T, db *sql.DB, runID, path string) string {
	t.Helper()
	ctx := context.Background()
	err := NewRunRepo(db).Create(ctx, domain.Run{ID: runID, TargetRoot: "/src", Status: domain.RunActive})
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		require.NoError(t, err)
	}
	fileID, err := NewFileRepo(db).Create(ctx, domain.FileRecord{RunID: runID, Path: path, Status: domain.FilePending})
	require.NoError(t, err)
	return fileID
}

func TestMigrateIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, Migrate(context.Background(), db))
	require.NoError(t, Migrate(context.Background(), db))
}

func TestRunCreateConflict(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewRunRepo(db)

	require.NoError(t, repo.Create(ctx, domain.Run{ID: "r1", TargetRoot: "/src", Status: domain.RunActive}))
	err := repo.Create(ctx, domain.Run{ID: "r1", TargetRoot: "/src", Status: domain.RunActive})
	assert.ErrorIs(t, err, domain.ErrConflict)

	run, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunActive, run.Status)

	require.NoError(t, repo.UpdateStatus(ctx, "r1", domain.RunCompleted))
	run, err = repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFileCreateKeepsOriginalOnDuplicate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	require.NoError(t, NewRunRepo(db).Create(ctx, domain.Run{ID: "r1", TargetRoot: "/src", Status: domain.RunActive}))
	repo := NewFileRepo(db)

	first, err := repo.Create(ctx, domain.FileRecord{RunID: "r1", Path: "/src/a.js", Status: domain.FilePending})
	require.NoError(t, err)
	second, err := repo.Create(ctx, domain.FileRecord{RunID: "r1", Path: "/src/a.js", Status: domain.FilePending})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	records, err := repo.ListByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestFileCountByStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewFileRepo(db)
	fileID := seedRunAndFile(t, db, "r1", "/src/a.js")
	seedRunAndFile(t, db, "r1", "/src/b.js")

	require.NoError(t, repo.UpdateStatus(ctx, fileID, domain.FileCompleted))
	n, err := repo.CountByStatus(ctx, "r1", domain.FileCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = repo.CountByStatus(ctx, "r1", domain.FilePending)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInTxCommitsPOIsAndOutboxTogether(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fileID := seedRunAndFile(t, db, "r1", "/src/a.js")
	store := NewStore(db)

	pois := []domain.POI{{
		FileID: fileID, RunID: "r1", Type: domain.POIFunction,
		Name: "foo", QualifiedName: "/src/a.js--foo",
	}}
	err := store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.UpsertPOIs(ctx, pois); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, domain.QueueValidation, map[string]string{"rel_hash": "h1"})
	})
	require.NoError(t, err)

	got, err := NewPOIRepo(db).ListByFile(ctx, fileID)
	require.NoError(t, err)
	assert.Len(t, got, 1)
	events, err := NewOutboxRepo(db).ListUnpublished(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fileID := seedRunAndFile(t, db, "r1", "/src/a.js")
	store := NewStore(db)

	boom := errors.New("boom")
	err := store.InTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.UpsertPOIs(ctx, []domain.POI{{
			FileID: fileID, RunID: "r1", Type: domain.POIFunction,
			Name: "foo", QualifiedName: "/src/a.js--foo",
		}}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := NewPOIRepo(db).ListByFile(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertPOIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fileID := seedRunAndFile(t, db, "r1", "/src/a.js")
	store := NewStore(db)

	poi := domain.POI{FileID: fileID, RunID: "r1", Type: domain.POIFunction, Name: "foo", QualifiedName: "/src/a.js--foo", StartLine: 1}
	for i := 0; i < 2; i++ {
		err := store.InTx(ctx, func(tx domain.Tx) error {
			_, err := tx.UpsertPOIs(ctx, []domain.POI{poi})
			return err
		})
		require.NoError(t, err)
	}
	got, err := NewPOIRepo(db).ListByRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestUpsertPOIsRejectsUnknownType(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	fileID := seedRunAndFile(t, db, "r1", "/src/a.js")
	store := NewStore(db)

	err := store.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.UpsertPOIs(ctx, []domain.POI{{FileID: fileID, RunID: "r1", Type: "Gadget", Name: "x", QualifiedName: "/src/a.js--x"}})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrSecurityViolation)
}

func TestAppendOutboxRejectsUnknownTopic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	err := store.InTx(ctx, func(tx domain.Tx) error {
		return tx.AppendOutbox(ctx, "made-up-queue", map[string]string{})
	})
	assert.ErrorIs(t, err, domain.ErrUnknownQueue)
}

func TestOutboxListOrderAndMarkPublished(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	repo := NewOutboxRepo(db)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.InTx(ctx, func(tx domain.Tx) error {
			return tx.AppendOutbox(ctx, domain.QueueValidation, map[string]int{"n": i})
		}))
	}

	events, err := repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.JSONEq(t, `{"n":0}`, string(events[0].Payload))
	assert.JSONEq(t, `{"n":2}`, string(events[2].Payload))

	require.NoError(t, repo.MarkPublished(ctx, []string{events[0].ID, events[1].ID}))
	remaining, err := repo.ListUnpublished(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, events[2].ID, remaining[0].ID)

	n, err := repo.CountUnpublished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Events written inside one transaction share a created_at and carry
// random ids; only the rowid sequence can order them. All of them must
// come back exactly as inserted.
func TestOutboxSameTimestampEventsKeepInsertionOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	repo := NewOutboxRepo(db)

	const n = 20
	require.NoError(t, store.InTx(ctx, func(tx domain.Tx) error {
		for i := 0; i < n; i++ {
			if err := tx.AppendOutbox(ctx, domain.QueueValidation, map[string]int{"n": i}); err != nil {
				return err
			}
		}
		return nil
	}))

	events, err := repo.ListUnpublished(ctx, n)
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		var payload struct {
			N int `json:"n"`
		}
		require.NoError(t, json.Unmarshal(e.Payload, &payload))
		assert.Equal(t, i, payload.N)
	}
}

func TestPOIListByDirDirectChildrenOnly(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	top := seedRunAndFile(t, db, "r1", "/src/a.js")
	nested := seedRunAndFile(t, db, "r1", "/src/sub/b.js")

	require.NoError(t, store.InTx(ctx, func(tx domain.Tx) error {
		_, err := tx.UpsertPOIs(ctx, []domain.POI{
			{FileID: top, RunID: "r1", Type: domain.POIFunction, Name: "foo", QualifiedName: "/src/a.js--foo"},
			{FileID: nested, RunID: "r1", Type: domain.POIFunction, Name: "bar", QualifiedName: "/src/sub/b.js--bar"},
		})
		return err
	}))

	got, err := NewPOIRepo(db).ListByDir(ctx, "r1", "/src")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "foo", got[0].Name)
}

func TestFinalRelationshipRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	store := NewStore(db)
	repo := NewRelationshipRepo(db)

	final := domain.FinalRelationship{
		RelHash: "h1", RunID: "r1", SourceQN: "a", TargetQN: "b",
		Type: domain.RelCalls, Confidence: 0.8, State: domain.RelValidated,
	}
	require.NoError(t, store.InTx(ctx, func(tx domain.Tx) error {
		return tx.UpsertFinalRelationship(ctx, final)
	}))

	got, err := repo.Get(ctx, "h1")
	require.NoError(t, err)
	assert.False(t, got.Committed)
	assert.Equal(t, 0.8, got.Confidence)

	require.NoError(t, repo.MarkCommitted(ctx, []string{"h1"}))
	got, err = repo.Get(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, got.Committed)

	n, err := repo.CountByState(ctx, "r1", domain.RelValidated)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestDeadLetterCreateAndCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewDeadLetterRepo(db)

	id, err := repo.Create(ctx, domain.DeadLetter{JobID: "j1", Queue: domain.QueueFileAnalysis, ErrorMsg: "boom", FailedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, err := repo.ListByStatus(ctx, "dead", 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "j1", list[0].JobID)
}

func TestSummaryUpsertReplaces(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := NewSummaryRepo(db)

	require.NoError(t, repo.Upsert(ctx, domain.DirectorySummary{RunID: "r1", DirPath: "/src", Summary: "first", POICount: 2}))
	require.NoError(t, repo.Upsert(ctx, domain.DirectorySummary{RunID: "r1", DirPath: "/src", Summary: "second", POICount: 3}))

	got, err := repo.ListByRun(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "second", got[0].Summary)
	assert.Equal(t, 3, got[0].POICount)
}
