package rag

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/WessleyAI/estate-rag/engine/domain"
	"github.com/WessleyAI/estate-rag/engine/executor"
	"github.com/WessleyAI/estate-rag/engine/planner"
	"github.com/WessleyAI/estate-rag/engine/responder"
	"github.com/WessleyAI/estate-rag/engine/vindex"
	"github.com/WessleyAI/estate-rag/pkg/blob"
	"github.com/WessleyAI/estate-rag/pkg/metrics"
)

// --- fakes ---

// fakeEmbedder returns fixed vectors for listing texts (keyed by the id that
// starts every embedding text) and query for everything else.
type fakeEmbedder struct {
	name  string
	dim   int
	vecs  map[string][]float32
	query []float32
	block atomic.Bool
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		name: "fake",
		dim:  2,
		vecs: map[string][]float32{
			"L1": {0, 0}, "L2": {1, 0}, "L3": {0, 1}, "L4": {2, 0}, "L5": {3, 0},
		},
		query: []float32{0, 0},
	}
}

func (f *fakeEmbedder) Name() string   { return f.name }
func (f *fakeEmbedder) Dimension() int { return f.dim }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if id, _, ok := strings.Cut(text, " | "); ok {
		if v, ok := f.vecs[id]; ok {
			return v, nil
		}
	}
	if f.block.Load() {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.query, nil
}

type fakeMirror struct {
	calls int
	err   error
}

func (m *fakeMirror) Mirror(_ context.Context, _ *vindex.Index) error {
	m.calls++
	return m.err
}

func listing(id, borough string, beds int, pounds int64) domain.Listing {
	return domain.Listing{ID: id, Address: id + " Road", Borough: borough, Bedrooms: beds, Price: domain.Pounds(pounds), PropertyType: "Flat"}
}

func catalog() []domain.Listing {
	return []domain.Listing{
		listing("L1", "Camden", 2, 450000),
		listing("L2", "Camden", 2, 650000),
		listing("L3", "Hackney", 2, 400000),
		listing("L4", "Camden", 3, 480000),
		listing("L5", "Camden", 2, 380000),
	}
}

func newService(t *testing.T, emb *fakeEmbedder, opts Options) *Service {
	t.Helper()
	svc := New(emb, opts)
	if _, err := svc.BuildIndex(context.Background(), catalog()); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	return svc
}

func names(tr domain.Trace) []domain.StepName { return tr.Names() }

func stepOutput[T any](t *testing.T, tr domain.Trace, name domain.StepName) T {
	t.Helper()
	for _, s := range tr {
		if s.Name == name {
			out, ok := s.Output.(T)
			if !ok {
				t.Fatalf("%s output is %T", name, s.Output)
			}
			return out
		}
	}
	t.Fatalf("no %s step in %v", name, tr.Names())
	var zero T
	return zero
}

// --- tests ---

func TestRunQueryStructured(t *testing.T) {
	reg := metrics.New()
	svc := newService(t, newFakeEmbedder(), Options{Metrics: metrics.NewEngine(reg)})

	res := svc.RunQuery(context.Background(), "Show me 2 bedroom flats in Camden under £500k", 0)

	want := []domain.StepName{domain.StepClarify, domain.StepPlan, domain.StepExecute, domain.StepRespond}
	if !reflect.DeepEqual(names(res.Trace), want) {
		t.Fatalf("trace = %v", names(res.Trace))
	}
	plan := stepOutput[PlanOutput](t, res.Trace, domain.StepPlan)
	wantFilters := map[string]any{"borough": "Camden", "bedrooms": 2, "max_price": int64(500000)}
	if !reflect.DeepEqual(plan.Filters, wantFilters) || plan.Strategy != domain.StrategyStructured {
		t.Fatalf("plan = %+v", plan)
	}
	if got := res.Final.Citations; !reflect.DeepEqual(got, []string{"L5", "L1"}) {
		t.Fatalf("citations = %v", got)
	}
	if !strings.HasPrefix(res.Final.Text, "Found 2 matching properties:") || res.Final.Failure != nil {
		t.Fatalf("final = %+v", res.Final)
	}
	ok := reg.Counter(metrics.WithLabels("estate_queries_total", "strategy", "structured", "outcome", "ok"), "")
	if ok.Value() != 1 {
		t.Errorf("query counter = %d", ok.Value())
	}
}

func TestRunQueryCitationsResolve(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	for _, q := range []string{"nice flat near a park", "quiet 2 bed near a park in camden", "houses in hackney"} {
		res := svc.RunQuery(context.Background(), q, 3)
		if res.Final.Failure != nil {
			t.Fatalf("%q failed: %+v", q, res.Final.Failure)
		}
		for _, id := range res.Final.Citations {
			if _, err := svc.Store().Get(id); err != nil {
				t.Errorf("%q cites unknown id %s", q, id)
			}
		}
	}
}

func TestRunQueryVectorOrder(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	res := svc.RunQuery(context.Background(), "nice flat near a park", 3)
	exec := stepOutput[domain.ExecuteOutput](t, res.Trace, domain.StepExecute)
	if exec.Strategy != domain.StrategyVector {
		t.Fatalf("strategy = %s", exec.Strategy)
	}
	// L2 and L3 tie at distance 1; insertion order breaks the tie.
	if !reflect.DeepEqual(exec.IDs, []string{"L1", "L2", "L3"}) {
		t.Fatalf("ids = %v", exec.IDs)
	}
}

func TestBuildIndexIdempotent(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	first := svc.RunQuery(context.Background(), "nice flat near a park", 5)

	sum, err := svc.BuildIndex(context.Background(), catalog())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Indexed != 5 || sum.Skipped != 0 || sum.Stored != 5 || sum.Dim != 2 || sum.Model != "fake" {
		t.Fatalf("summary = %+v", sum)
	}
	second := svc.RunQuery(context.Background(), "nice flat near a park", 5)
	if !reflect.DeepEqual(first.Final, second.Final) {
		t.Fatalf("answers differ:\n%+v\n%+v", first.Final, second.Final)
	}
}

func TestBuildIndexDropsDuplicateIDs(t *testing.T) {
	svc := New(newFakeEmbedder(), Options{})
	dup := append(catalog(), listing("L1", "Hackney", 1, 100000))
	sum, err := svc.BuildIndex(context.Background(), dup)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Indexed != 5 || svc.Store().Len() != 5 {
		t.Fatalf("summary = %+v, store = %d", sum, svc.Store().Len())
	}
	l, _ := svc.Store().Get("L1")
	if l.Borough != "Camden" {
		t.Fatalf("kept %+v", l)
	}
}

func TestRunQueryStaleReference(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	if err := svc.Store().Delete("L1"); err != nil {
		t.Fatal(err)
	}
	res := svc.RunQuery(context.Background(), "nice flat near a park", 3)
	exec := stepOutput[domain.ExecuteOutput](t, res.Trace, domain.StepExecute)
	if exec.Stale != 1 || exec.Rows != 2 {
		t.Fatalf("execute = %+v", exec)
	}
	for _, id := range res.Final.Citations {
		if id == "L1" {
			t.Fatal("stale id cited")
		}
	}
}

func TestRunQueryEmbeddingTimeoutFallsBack(t *testing.T) {
	emb := newFakeEmbedder()
	ex := executor.DefaultOptions()
	ex.EmbedTimeout = 20 * time.Millisecond
	svc := newService(t, emb, Options{Executor: ex})
	emb.block.Store(true)

	res := svc.RunQuery(context.Background(), "quiet 2 bed near a park in Camden", 5)
	if res.Final.Failure != nil {
		t.Fatalf("failure = %+v", res.Final.Failure)
	}
	exec := stepOutput[domain.ExecuteOutput](t, res.Trace, domain.StepExecute)
	if !exec.Degraded || exec.FallbackFrom != domain.StrategyHybrid || exec.Strategy != domain.StrategyStructured {
		t.Fatalf("execute = %+v", exec)
	}
	if !reflect.DeepEqual(res.Final.Citations, []string{"L5", "L1", "L2"}) {
		t.Fatalf("citations = %v", res.Final.Citations)
	}
}

func TestRunQueryEmbeddingTimeoutWithoutFilters(t *testing.T) {
	emb := newFakeEmbedder()
	ex := executor.DefaultOptions()
	ex.EmbedTimeout = 20 * time.Millisecond
	svc := newService(t, emb, Options{Executor: ex})
	emb.block.Store(true)

	res := svc.RunQuery(context.Background(), "nice flat near a park", 5)
	want := []domain.StepName{domain.StepClarify, domain.StepPlan, domain.StepError}
	if !reflect.DeepEqual(names(res.Trace), want) {
		t.Fatalf("trace = %v", names(res.Trace))
	}
	if res.Final.Failure == nil || res.Final.Failure.Kind != domain.KindRetrievalUnavailable {
		t.Fatalf("final = %+v", res.Final)
	}
	errOut := stepOutput[ErrorOutput](t, res.Trace, domain.StepError)
	if errOut.Stage != domain.StepExecute {
		t.Fatalf("error step = %+v", errOut)
	}
}

func TestRunQueryCallerDeadlineFallsBack(t *testing.T) {
	emb := newFakeEmbedder()
	svc := newService(t, emb, Options{})
	emb.block.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := svc.RunQuery(ctx, "quiet 2 bed near a park in Camden", 5)
	if res.Final.Failure != nil {
		t.Fatalf("failure = %+v", res.Final.Failure)
	}
	want := []domain.StepName{domain.StepClarify, domain.StepPlan, domain.StepExecute, domain.StepRespond}
	if !reflect.DeepEqual(names(res.Trace), want) {
		t.Fatalf("trace = %v", names(res.Trace))
	}
	exec := stepOutput[domain.ExecuteOutput](t, res.Trace, domain.StepExecute)
	if !exec.Degraded || exec.Strategy != domain.StrategyStructured {
		t.Fatalf("execute = %+v", exec)
	}
	if !reflect.DeepEqual(res.Final.Citations, []string{"L5", "L1", "L2"}) {
		t.Fatalf("citations = %v", res.Final.Citations)
	}
}

func TestRunQueryCallerDeadlineWithoutFilters(t *testing.T) {
	emb := newFakeEmbedder()
	svc := newService(t, emb, Options{})
	emb.block.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := svc.RunQuery(ctx, "nice flat near a park", 5)
	if res.Final.Failure == nil || res.Final.Failure.Kind != domain.KindRetrievalUnavailable {
		t.Fatalf("final = %+v", res.Final)
	}
	if errOut := stepOutput[ErrorOutput](t, res.Trace, domain.StepError); errOut.Stage != domain.StepExecute {
		t.Fatalf("error step = %+v", errOut)
	}
}

func TestRunQueryEmptyCatalog(t *testing.T) {
	svc := New(newFakeEmbedder(), Options{})
	sum, err := svc.BuildIndex(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Indexed != 0 || sum.Dim != 2 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, q := range []string{"nice flat near a park", "quiet 2 bed near a park in camden", "2 bed in camden"} {
		res := svc.RunQuery(context.Background(), q, 3)
		if res.Final.Failure != nil || res.Final.Text != responder.NoResults || len(res.Final.Citations) != 0 {
			t.Errorf("%q: final = %+v", q, res.Final)
		}
	}
}

func TestBuildIndexRejectsBatchWithoutIDs(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	_, err := svc.BuildIndex(context.Background(), []domain.Listing{{Address: "1 Nowhere"}, {Borough: "Camden"}})
	if !errors.Is(err, domain.ErrSchema) {
		t.Fatalf("err = %v", err)
	}
	if svc.Store().Len() != 5 || svc.Index().Len() != 5 {
		t.Fatalf("catalog replaced: store %d, index %d", svc.Store().Len(), svc.Index().Len())
	}

	sum, err := svc.BuildIndex(context.Background(), append(catalog()[:2], domain.Listing{Address: "no id"}))
	if err != nil {
		t.Fatal(err)
	}
	if sum.Indexed != 2 || sum.Skipped != 1 {
		t.Fatalf("summary = %+v", sum)
	}
}

func TestRunQueryIncompatibleIndex(t *testing.T) {
	emb := newFakeEmbedder()
	svc := newService(t, emb, Options{})
	emb.query = []float32{0, 0, 0}

	res := svc.RunQuery(context.Background(), "nice flat near a park", 5)
	if res.Final.Failure == nil || res.Final.Failure.Kind != domain.KindIncompatibleIndex {
		t.Fatalf("final = %+v", res.Final)
	}
	if got := names(res.Trace); got[len(got)-1] != domain.StepError {
		t.Fatalf("trace = %v", got)
	}
	if res.Final.Text != responder.Failure(domain.KindIncompatibleIndex, errors.New("x")).Text {
		t.Fatalf("text = %q", res.Final.Text)
	}
}

func TestRunQueryCanceled(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := svc.RunQuery(ctx, "2 bed in camden", 5)
	if !reflect.DeepEqual(names(res.Trace), []domain.StepName{domain.StepError}) {
		t.Fatalf("trace = %v", names(res.Trace))
	}
	if res.Final.Failure.Kind != domain.KindCanceled {
		t.Fatalf("kind = %s", res.Final.Failure.Kind)
	}
	if svc.Store().Len() != 5 || svc.Index().Len() != 5 {
		t.Fatal("shared state changed")
	}
}

func TestRunQueryRecoversPanic(t *testing.T) {
	boom := planner.Rule{Kind: "boom", Find: func(string, *domain.Filters) []planner.Span { panic("bad rule") }}
	svc := newService(t, newFakeEmbedder(), Options{Planner: planner.New(boom)})

	res := svc.RunQuery(context.Background(), "2 bed in camden", 5)
	want := []domain.StepName{domain.StepClarify, domain.StepError}
	if !reflect.DeepEqual(names(res.Trace), want) {
		t.Fatalf("trace = %v", names(res.Trace))
	}
	if res.Final.Failure.Kind != domain.KindInternal || !strings.Contains(res.Final.Failure.Message, "bad rule") {
		t.Fatalf("failure = %+v", res.Final.Failure)
	}
}

func TestPersistAndLazyRestore(t *testing.T) {
	blobs := blob.NewMemory()
	emb := newFakeEmbedder()
	mirror := &fakeMirror{}
	var built BuildSummary
	svc := New(emb, Options{Blobs: blobs, Mirror: mirror, OnBuilt: func(_ context.Context, s BuildSummary) { built = s }})
	sum, err := svc.BuildIndex(context.Background(), catalog())
	if err != nil {
		t.Fatal(err)
	}
	if !sum.Persisted || !sum.Mirrored || mirror.calls != 1 || built != sum {
		t.Fatalf("summary = %+v, built = %+v, mirror calls = %d", sum, built, mirror.calls)
	}
	keys, _ := blobs.List(context.Background(), "index/")
	if !reflect.DeepEqual(keys, []string{"index/listings.json", "index/listings.vidx"}) {
		t.Fatalf("keys = %v", keys)
	}

	restored := New(emb, Options{Blobs: blobs})
	want := svc.RunQuery(context.Background(), "nice flat near a park", 3)
	got := restored.RunQuery(context.Background(), "nice flat near a park", 3)
	if !reflect.DeepEqual(want.Final, got.Final) {
		t.Fatalf("restored answer differs:\n%+v\n%+v", want.Final, got.Final)
	}
	if restored.Store().Len() != 5 {
		t.Fatalf("store = %d", restored.Store().Len())
	}
}

func TestLazyRestoreSurvivesCanceledQuery(t *testing.T) {
	blobs := blob.NewMemory()
	emb := newFakeEmbedder()
	newService(t, emb, Options{Blobs: blobs})

	restored := New(emb, Options{Blobs: blobs})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := restored.RunQuery(ctx, "2 bed in camden", 3); res.Final.Failure == nil || res.Final.Failure.Kind != domain.KindCanceled {
		t.Fatalf("final = %+v", res.Final)
	}
	if restored.Index() == nil || restored.Store().Len() != 5 {
		t.Fatal("restore abandoned with the canceled query")
	}
	res := restored.RunQuery(context.Background(), "2 bed in camden", 3)
	if res.Final.Failure != nil || len(res.Final.Citations) != 3 {
		t.Fatalf("final = %+v", res.Final)
	}
}

// failingPut fails every Put to key.
type failingPut struct {
	blob.Store
	key string
}

func (f failingPut) Put(ctx context.Context, key string, data []byte) error {
	if key == f.key {
		return errors.New("bucket unavailable")
	}
	return f.Store.Put(ctx, key, data)
}

func TestPersistSnapshotFailureIsDetected(t *testing.T) {
	blobs := blob.NewMemory()
	emb := newFakeEmbedder()
	newService(t, emb, Options{Blobs: blobs})

	svc := New(emb, Options{Blobs: failingPut{Store: blobs, key: "index/listings.json"}})
	sum, err := svc.BuildIndex(context.Background(), catalog()[:3])
	if err != nil {
		t.Fatal(err)
	}
	if sum.Persisted {
		t.Fatal("persisted without a snapshot")
	}

	_, err = New(emb, Options{Blobs: blobs}).LoadIndex(context.Background())
	var incompatible *domain.IncompatibleIndexError
	if !errors.As(err, &incompatible) || incompatible.Field != "snapshot" {
		t.Fatalf("err = %v", err)
	}
}

func TestLoadIndexErrors(t *testing.T) {
	if _, err := New(newFakeEmbedder(), Options{}).LoadIndex(context.Background()); !errors.Is(err, ErrNoBlobStore) {
		t.Fatalf("err = %v", err)
	}

	blobs := blob.NewMemory()
	if _, err := New(newFakeEmbedder(), Options{Blobs: blobs}).LoadIndex(context.Background()); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("err = %v", err)
	}

	newService(t, newFakeEmbedder(), Options{Blobs: blobs})
	other := newFakeEmbedder()
	other.name = "other-model"
	_, err := New(other, Options{Blobs: blobs}).LoadIndex(context.Background())
	if !errors.Is(err, domain.ErrIncompatibleIndex) {
		t.Fatalf("err = %v", err)
	}
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	svc := New(newFakeEmbedder(), Options{Mirror: &fakeMirror{err: errors.New("qdrant down")}})
	sum, err := svc.BuildIndex(context.Background(), catalog())
	if err != nil || sum.Mirrored || sum.Indexed != 5 {
		t.Fatalf("sum = %+v err = %v", sum, err)
	}
}

func TestBuildIndexWithoutEmbedder(t *testing.T) {
	_, err := New(nil, Options{}).BuildIndex(context.Background(), catalog())
	if !errors.Is(err, domain.ErrRetrievalUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestSearch(t *testing.T) {
	svc := newService(t, newFakeEmbedder(), Options{})
	got, err := svc.Search(context.Background(), "anything", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ListingID != "L1" || got[0].Distance != 0 || got[1].Distance != 1 {
		t.Fatalf("snippets = %+v", got)
	}
	if !strings.HasPrefix(got[0].Snippet, "L1 | L1 Road | Camden") {
		t.Fatalf("snippet = %q", got[0].Snippet)
	}
	if _, err := svc.Search(context.Background(), "   ", 2); !errors.Is(err, domain.ErrEmptyQuery) {
		t.Fatalf("err = %v", err)
	}
}

func TestSnippetTruncates(t *testing.T) {
	if got := snippet("héllo world", 5); got != "héllo…" {
		t.Fatalf("got %q", got)
	}
	if got := snippet("short", 10); got != "short" {
		t.Fatalf("got %q", got)
	}
}
