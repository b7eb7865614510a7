package usecase

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/codegraph/internal/adapter/ai"
	"github.com/fairyhunter13/codegraph/internal/config"
	"github.com/fairyhunter13/codegraph/internal/domain"
)

// scriptedLLM returns canned responses in order, repeating the last one.
type scriptedLLM struct {
	responses []string
	calls     int
	prompts   []string
}

func (s *scriptedLLM) ChatJSON(_ domain.Context, _ string, userPrompt string, _ int) (string, error) {
	s.prompts = append(s.prompts, userPrompt)
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i], nil
}

func newTestExtractor(t *testing.T, responses ...string) *ai.Extractor {
	t.Helper()
	e, err := ai.NewExtractor(&scriptedLLM{responses: responses}, 3)
	require.NoError(t, err)
	return e
}

type fakePOIRepo struct {
	byDir map[string][]domain.POI
	byRun map[string][]domain.POI
}

func (f *fakePOIRepo) ListByFile(_ domain.Context, _ string) ([]domain.POI, error) { return nil, nil }

func (f *fakePOIRepo) ListByDir(_ domain.Context, _, dirPath string) ([]domain.POI, error) {
	return f.byDir[dirPath], nil
}

func (f *fakePOIRepo) ListByRun(_ domain.Context, runID string) ([]domain.POI, error) {
	return f.byRun[runID], nil
}

type fakeSummaryRepo struct{ summaries []domain.DirectorySummary }

func (f *fakeSummaryRepo) Upsert(_ domain.Context, s domain.DirectorySummary) error {
	f.summaries = append(f.summaries, s)
	return nil
}

func (f *fakeSummaryRepo) ListByRun(_ domain.Context, _ string) ([]domain.DirectorySummary, error) {
	return f.summaries, nil
}

type fakeFailedPOIRepo struct{ records []domain.FailedPOI }

func (f *fakeFailedPOIRepo) Create(_ domain.Context, r domain.FailedPOI) (string, error) {
	f.records = append(f.records, r)
	return "fp1", nil
}

func aggregationSignal(t *testing.T, dir string) []byte {
	t.Helper()
	b, err := json.Marshal(domain.DirectoryAggregationPayload{RunID: "r1", DirPath: dir, CompletedFileID: "f1"})
	require.NoError(t, err)
	return b
}

func TestAggregatorReleasesDirectoryOnLastFile(t *testing.T) {
	counter := newFakeCounter()
	queue := &fakeQueue{}
	ctx := context.Background()
	require.NoError(t, counter.Init(ctx, "r1", "/src", 2))
	g := NewDirectoryAggregator(counter, queue)

	require.NoError(t, g.Handle(ctx, aggregationSignal(t, "/src")))
	assert.Empty(t, queue.byQueue(domain.QueueDirectoryResolution))

	require.NoError(t, g.Handle(ctx, aggregationSignal(t, "/src")))
	jobs := queue.byQueue(domain.QueueDirectoryResolution)
	require.Len(t, jobs, 1)
	var job domain.DirectoryResolutionPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &job))
	assert.Equal(t, "/src", job.DirPath)

	// A duplicate signal after release enqueues nothing more.
	require.NoError(t, g.Handle(ctx, aggregationSignal(t, "/src")))
	assert.Len(t, queue.byQueue(domain.QueueDirectoryResolution), 1)
}

func TestDirectoryResolverEmitsEvidenceAndSummary(t *testing.T) {
	pois := &fakePOIRepo{byDir: map[string][]domain.POI{"/src": {
		{FileID: "f1", Name: "foo", Type: domain.POIFunction, QualifiedName: "/src/a.js--foo"},
		{FileID: "f2", Name: "bar", Type: domain.POIFunction, QualifiedName: "/src/b.js--bar"},
	}}}
	store := newFakeStore()
	counter := newFakeCounter()
	queue := &fakeQueue{}
	ctx := context.Background()
	require.NoError(t, counter.Init(ctx, "r1", dirsCounterKey, 2))

	extractor := newTestExtractor(t,
		`{"pois": [], "relationships": [{"source": "/src/b.js--bar", "target": "/src/a.js--foo", "type": "CALLS", "confidence": 0.85}], "summary": "helpers"}`)
	d := NewDirectoryResolver(config.Config{}, pois, store, extractor, counter, queue)

	job, _ := json.Marshal(domain.DirectoryResolutionPayload{RunID: "r1", DirPath: "/src"})
	require.NoError(t, d.Handle(ctx, job))

	require.Len(t, store.summaries, 1)
	assert.Equal(t, "helpers", store.summaries[0].Summary)
	assert.Equal(t, 2, store.summaries[0].POICount)

	events := store.outboxByTopic(domain.QueueValidation)
	require.Len(t, events, 1)
	payload, ok := events[0].Payload.(domain.ValidationPayload)
	require.True(t, ok)
	assert.Equal(t, domain.PassIntraDir, payload.Evidence.Pass)
	assert.Equal(t, "/src/b.js--bar", payload.SourceQN)

	// One directory down, one to go: no global resolution yet.
	assert.Empty(t, queue.byQueue(domain.QueueGlobalResolution))
}

func TestDirectoryResolverDropsUnknownEndpoints(t *testing.T) {
	pois := &fakePOIRepo{byDir: map[string][]domain.POI{"/src": {
		{FileID: "f1", Name: "foo", Type: domain.POIFunction, QualifiedName: "/src/a.js--foo"},
	}}}
	store := newFakeStore()
	counter := newFakeCounter()
	ctx := context.Background()
	require.NoError(t, counter.Init(ctx, "r1", dirsCounterKey, 1))

	extractor := newTestExtractor(t,
		`{"pois": [], "relationships": [{"source": "/src/a.js--foo", "target": "/invented--thing", "type": "CALLS", "confidence": 0.9}], "summary": "s"}`)
	d := NewDirectoryResolver(config.Config{}, pois, store, extractor, counter, &fakeQueue{})

	job, _ := json.Marshal(domain.DirectoryResolutionPayload{RunID: "r1", DirPath: "/src"})
	require.NoError(t, d.Handle(ctx, job))
	assert.Empty(t, store.outboxByTopic(domain.QueueValidation))
}

func TestLastDirectoryReleasesGlobalResolution(t *testing.T) {
	pois := &fakePOIRepo{byDir: map[string][]domain.POI{}}
	counter := newFakeCounter()
	queue := &fakeQueue{}
	ctx := context.Background()
	require.NoError(t, counter.Init(ctx, "r1", dirsCounterKey, 1))

	extractor := newTestExtractor(t, `{"pois": [], "relationships": []}`)
	d := NewDirectoryResolver(config.Config{}, pois, newFakeStore(), extractor, counter, queue)

	job, _ := json.Marshal(domain.DirectoryResolutionPayload{RunID: "r1", DirPath: "/src"})
	require.NoError(t, d.Handle(ctx, job))

	jobs := queue.byQueue(domain.QueueGlobalResolution)
	require.Len(t, jobs, 1)
	var g domain.GlobalResolutionPayload
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &g))
	assert.Equal(t, "r1", g.RunID)
}

func TestGlobalResolverUsesSummariesOnly(t *testing.T) {
	summaries := &fakeSummaryRepo{summaries: []domain.DirectorySummary{
		{RunID: "r1", DirPath: "/src/api", Summary: "http handlers", POICount: 4},
		{RunID: "r1", DirPath: "/src/db", Summary: "storage layer", POICount: 6},
	}}
	pois := &fakePOIRepo{byRun: map[string][]domain.POI{"r1": {
		{Name: "Store", Type: domain.POIClass, QualifiedName: "/src/db/store.js--Store"},
		{Name: "handler", Type: domain.POIFunction, QualifiedName: "/src/api/h.js--handler"},
	}}}
	store := newFakeStore()
	llm := &scriptedLLM{responses: []string{
		`{"pois": [], "relationships": [{"source": "/src/api/h.js--handler", "target": "/src/db/store.js--Store", "type": "DEPENDS_ON", "confidence": 0.75}]}`,
	}}
	extractor, err := ai.NewExtractor(llm, 3)
	require.NoError(t, err)
	g := NewGlobalResolver(config.Config{}, summaries, pois, store, extractor)

	job, _ := json.Marshal(domain.GlobalResolutionPayload{RunID: "r1"})
	require.NoError(t, g.Handle(context.Background(), job))

	events := store.outboxByTopic(domain.QueueValidation)
	require.Len(t, events, 1)
	payload := events[0].Payload.(domain.ValidationPayload)
	assert.Equal(t, domain.PassGlobal, payload.Evidence.Pass)

	// The prompt carries summaries and coarse POIs, not functions.
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "http handlers")
	assert.Contains(t, llm.prompts[0], "/src/db/store.js--Store")
	assert.False(t, strings.Contains(llm.prompts[0], "/src/api/h.js--handler [Function]"))
}

func TestRelationshipResolverEmitsDeterministicEvidence(t *testing.T) {
	all := []domain.POI{
		{FileID: "f1", Name: "foo", Type: domain.POIFunction, QualifiedName: "/src/a.js--foo"},
		{FileID: "f2", Name: "foo", Type: domain.POIFunction, QualifiedName: "/src/b.js--foo"},
	}
	pois := &fakePOIRepo{byRun: map[string][]domain.POI{"r1": all}}
	store := newFakeStore()
	r := NewRelationshipResolver(config.Config{DeterministicPass: true}, pois, store, &fakeFailedPOIRepo{})

	job, _ := json.Marshal(domain.RelationshipResolutionPayload{RunID: "r1", FileID: "f2", POIs: all[1:]})
	require.NoError(t, r.Handle(context.Background(), job))

	events := store.outboxByTopic(domain.QueueValidation)
	require.Len(t, events, 1)
	payload := events[0].Payload.(domain.ValidationPayload)
	assert.Equal(t, domain.RelDependsOn, payload.Type)
}

func TestRelationshipResolverDisabledPass(t *testing.T) {
	store := newFakeStore()
	r := NewRelationshipResolver(config.Config{DeterministicPass: false}, &fakePOIRepo{}, store, &fakeFailedPOIRepo{})
	job, _ := json.Marshal(domain.RelationshipResolutionPayload{RunID: "r1", FileID: "f1"})
	require.NoError(t, r.Handle(context.Background(), job))
	assert.Empty(t, store.outbox)
}
