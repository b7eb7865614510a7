package usecase

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/codegraph/internal/domain"
)

// In-memory fakes for the domain ports. They implement just enough for
// the worker tests; all of them are safe for single-goroutine use.

type fakeRunRepo struct {
	runs map[string]domain.Run
}

func newFakeRunRepo() *fakeRunRepo { return &fakeRunRepo{runs: map[string]domain.Run{}} }

func (f *fakeRunRepo) Create(_ domain.Context, r domain.Run) error {
	if _, ok := f.runs[r.ID]; ok {
		return domain.ErrConflict
	}
	f.runs[r.ID] = r
	return nil
}

func (f *fakeRunRepo) Get(_ domain.Context, id string) (domain.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeRunRepo) UpdateStatus(_ domain.Context, id string, status domain.RunStatus) error {
	r, ok := f.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	f.runs[id] = r
	return nil
}

type fakeFileRepo struct {
	files  map[string]domain.FileRecord
	nextID int
}

func newFakeFileRepo() *fakeFileRepo { return &fakeFileRepo{files: map[string]domain.FileRecord{}} }

func (f *fakeFileRepo) Create(_ domain.Context, r domain.FileRecord) (string, error) {
	for id, existing := range f.files {
		if existing.RunID == r.RunID && existing.Path == r.Path {
			return id, nil
		}
	}
	f.nextID++
	id := fmt.Sprintf("f%d", f.nextID)
	r.ID = id
	f.files[id] = r
	return id, nil
}

func (f *fakeFileRepo) Get(_ domain.Context, id string) (domain.FileRecord, error) {
	r, ok := f.files[id]
	if !ok {
		return domain.FileRecord{}, domain.ErrNotFound
	}
	return r, nil
}

func (f *fakeFileRepo) UpdateStatus(_ domain.Context, id string, status domain.FileStatus) error {
	r, ok := f.files[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = status
	f.files[id] = r
	return nil
}

func (f *fakeFileRepo) ListByRun(_ domain.Context, runID string) ([]domain.FileRecord, error) {
	var out []domain.FileRecord
	for _, r := range f.files {
		if r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeFileRepo) CountByStatus(_ domain.Context, runID string, status domain.FileStatus) (int, error) {
	n := 0
	for _, r := range f.files {
		if r.RunID == runID && r.Status == status {
			n++
		}
	}
	return n, nil
}

type enqueued struct {
	Queue   string
	Payload []byte
}

type fakeQueue struct {
	mu    sync.Mutex
	jobs  []enqueued
	errOn string
}

func (f *fakeQueue) Enqueue(_ domain.Context, queue string, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !domain.AllowedQueues[queue] {
		return "", domain.ErrUnknownQueue
	}
	if f.errOn == queue {
		return "", domain.ErrQueueUnavailable
	}
	f.jobs = append(f.jobs, enqueued{Queue: queue, Payload: payload})
	return fmt.Sprintf("job%d", len(f.jobs)), nil
}

func (f *fakeQueue) byQueue(queue string) []enqueued {
	var out []enqueued
	for _, j := range f.jobs {
		if j.Queue == queue {
			out = append(out, j)
		}
	}
	return out
}

type fakeCounter struct {
	counts map[string]int64
	inits  map[string]int
}

func newFakeCounter() *fakeCounter {
	return &fakeCounter{counts: map[string]int64{}, inits: map[string]int{}}
}

func (f *fakeCounter) key(runID, dirPath string) string { return runID + "|" + dirPath }

func (f *fakeCounter) Init(_ domain.Context, runID, dirPath string, count int) error {
	if count <= 0 {
		return domain.ErrInvalidArgument
	}
	k := f.key(runID, dirPath)
	if _, ok := f.counts[k]; !ok {
		f.counts[k] = int64(count)
	}
	f.inits[k] = count
	return nil
}

func (f *fakeCounter) Decrement(_ domain.Context, runID, dirPath string) (int64, error) {
	k := f.key(runID, dirPath)
	n, ok := f.counts[k]
	if !ok {
		return -1, nil
	}
	n--
	if n <= 0 {
		delete(f.counts, k)
		return 0, nil
	}
	f.counts[k] = n
	return n, nil
}

type fakeSeal struct {
	sealed map[string]bool
}

func newFakeSeal() *fakeSeal { return &fakeSeal{sealed: map[string]bool{}} }

func (f *fakeSeal) TrySeal(_ domain.Context, relHash string) (bool, error) {
	if f.sealed[relHash] {
		return false, nil
	}
	f.sealed[relHash] = true
	return true, nil
}

type fakeEvidenceStore struct {
	bundles map[string]*domain.EvidenceBundle
}

func newFakeEvidenceStore() *fakeEvidenceStore {
	return &fakeEvidenceStore{bundles: map[string]*domain.EvidenceBundle{}}
}

func (f *fakeEvidenceStore) Append(_ domain.Context, c domain.RelationshipCandidate, expected int) (domain.EvidenceBundle, error) {
	b, ok := f.bundles[c.RelHash]
	if !ok {
		b = &domain.EvidenceBundle{
			RelHash: c.RelHash, RunID: c.RunID,
			SourceQN: c.SourceQN, TargetQN: c.TargetQN, Type: c.Type,
			Expected: expected, CreatedAt: time.Now().UTC(),
		}
		f.bundles[c.RelHash] = b
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
	return *b, nil
}

func (f *fakeEvidenceStore) Get(_ domain.Context, relHash string) (domain.EvidenceBundle, error) {
	b, ok := f.bundles[relHash]
	if !ok {
		return domain.EvidenceBundle{}, domain.ErrNotFound
	}
	return *b, nil
}

func (f *fakeEvidenceStore) Delete(_ domain.Context, relHash string) error {
	delete(f.bundles, relHash)
	return nil
}

func (f *fakeEvidenceStore) ListUnsealedOlderThan(_ domain.Context, cutoff time.Time, limit int) ([]domain.EvidenceBundle, error) {
	var out []domain.EvidenceBundle
	for _, b := range f.bundles {
		if !b.Sealed && b.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, *b)
		}
	}
	return out, nil
}

func (f *fakeEvidenceStore) MarkSealed(_ domain.Context, relHash string) error {
	if b, ok := f.bundles[relHash]; ok {
		b.Sealed = true
	}
	return nil
}

// fakeStore implements domain.Store by applying writes to in-memory
// slices; a returned error discards the batch like a rollback would.
type fakeStore struct {
	pois       []domain.POI
	outbox     []outboxWrite
	statuses   map[string]domain.FileStatus
	summaries  []domain.DirectorySummary
	finals     []domain.FinalRelationship
	deletedEvs []string
}

type outboxWrite struct {
	Topic   string
	Payload any
}

func newFakeStore() *fakeStore { return &fakeStore{statuses: map[string]domain.FileStatus{}} }

func (f *fakeStore) InTx(_ domain.Context, fn func(tx domain.Tx) error) error {
	staged := &fakeTx{store: newFakeStore()}
	staged.store.statuses = map[string]domain.FileStatus{}
	if err := fn(staged); err != nil {
		return err
	}
	f.pois = append(f.pois, staged.store.pois...)
	f.outbox = append(f.outbox, staged.store.outbox...)
	for k, v := range staged.store.statuses {
		f.statuses[k] = v
	}
	f.summaries = append(f.summaries, staged.store.summaries...)
	f.finals = append(f.finals, staged.store.finals...)
	f.deletedEvs = append(f.deletedEvs, staged.store.deletedEvs...)
	return nil
}

func (f *fakeStore) outboxByTopic(topic string) []outboxWrite {
	var out []outboxWrite
	for _, w := range f.outbox {
		if w.Topic == topic {
			out = append(out, w)
		}
	}
	return out
}

type fakeTx struct{ store *fakeStore }

func (t *fakeTx) UpsertPOIs(_ domain.Context, pois []domain.POI) (int, error) {
	t.store.pois = append(t.store.pois, pois...)
	return len(pois), nil
}

func (t *fakeTx) AppendOutbox(_ domain.Context, topic string, payload any) error {
	if !domain.AllowedQueues[topic] {
		return domain.ErrUnknownQueue
	}
	t.store.outbox = append(t.store.outbox, outboxWrite{Topic: topic, Payload: payload})
	return nil
}

func (t *fakeTx) UpdateFileStatus(_ domain.Context, fileID string, status domain.FileStatus) error {
	t.store.statuses[fileID] = status
	return nil
}

func (t *fakeTx) UpsertSummary(_ domain.Context, s domain.DirectorySummary) error {
	t.store.summaries = append(t.store.summaries, s)
	return nil
}

func (t *fakeTx) UpsertFinalRelationship(_ domain.Context, r domain.FinalRelationship) error {
	t.store.finals = append(t.store.finals, r)
	return nil
}

func (t *fakeTx) DeleteEvidence(_ domain.Context, relHash string) error {
	t.store.deletedEvs = append(t.store.deletedEvs, relHash)
	return nil
}

type fakeGraph struct {
	batches []domain.GraphBatch
	err     error
}

func (f *fakeGraph) ApplyBatch(_ domain.Context, b domain.GraphBatch) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, b)
	return nil
}

type fakeDeadLetters struct {
	records []domain.DeadLetter
	nextID  int
}

func (f *fakeDeadLetters) Create(_ domain.Context, d domain.DeadLetter) (string, error) {
	f.nextID++
	d.ID = fmt.Sprintf("dl%d", f.nextID)
	f.records = append(f.records, d)
	return d.ID, nil
}

func (f *fakeDeadLetters) ListByStatus(_ domain.Context, status string, limit int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	for _, d := range f.records {
		if d.Status == status && len(out) < limit {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeDeadLetters) Count(_ domain.Context) (int, error) { return len(f.records), nil }

type fakeOutboxRepo struct{ pending int }

func (f *fakeOutboxRepo) ListUnpublished(_ domain.Context, _ int) ([]domain.OutboxEvent, error) {
	return nil, nil
}

func (f *fakeOutboxRepo) MarkPublished(_ domain.Context, _ []string) error { return nil }

func (f *fakeOutboxRepo) CountUnpublished(_ domain.Context) (int, error) { return f.pending, nil }

type fakeRelRepo struct {
	committed []string
	byState   map[domain.RelState]int
}

func (f *fakeRelRepo) Get(_ domain.Context, _ string) (domain.FinalRelationship, error) {
	return domain.FinalRelationship{}, domain.ErrNotFound
}

func (f *fakeRelRepo) MarkCommitted(_ domain.Context, relHashes []string) error {
	f.committed = append(f.committed, relHashes...)
	return nil
}

func (f *fakeRelRepo) CountByState(_ domain.Context, _ string, state domain.RelState) (int, error) {
	return f.byState[state], nil
}
