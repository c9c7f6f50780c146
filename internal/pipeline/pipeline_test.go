package pipeline

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/efebarandurmaz/docvault/internal/chunker"
	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/identity"
	"github.com/efebarandurmaz/docvault/internal/observability"
	"github.com/efebarandurmaz/docvault/internal/vector"
)

// fakeEmbedder maps a text to letter-class counts, so equal texts get equal
// vectors and distinct texts usually differ.
type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) Name() string { return "fake" }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = embed(t)
	}
	return out, nil
}

func embed(t string) []float32 {
	v := []float32{1, 0, 0, 0}
	for _, r := range t {
		switch {
		case strings.ContainsRune("aeiou", r):
			v[1]++
		case r == ' ':
			v[2]++
		default:
			v[3]++
		}
	}
	return v
}

type env struct {
	svc   *Service
	coll  *vector.Memory
	emb   *fakeEmbedder
	audit *bytes.Buffer
}

func newEnv(t *testing.T, splitter *chunker.Splitter) *env {
	t.Helper()
	e := &env{coll: vector.NewMemory("documents"), emb: &fakeEmbedder{}, audit: &bytes.Buffer{}}
	svc, err := New(Options{
		Collection:     e.coll,
		Embedder:       e.emb,
		Splitter:       splitter,
		CollectionName: "documents",
		Metrics:        observability.NewDocvaultMetrics(),
		Audit:          observability.NewAuditWriter(e.audit, "test"),
	})
	if err != nil {
		t.Fatal(err)
	}
	e.svc = svc
	return e
}

func (e *env) count(t *testing.T) int {
	t.Helper()
	st, err := e.svc.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return st.Count
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Options{Embedder: &fakeEmbedder{}}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("missing collection: %v", err)
	}
	if _, err := New(Options{Collection: vector.NewMemory("x")}); !errors.Is(err, errdefs.ErrConfiguration) {
		t.Errorf("missing embedder: %v", err)
	}
}

func TestIngest_HelloWorld(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	n, err := e.svc.Ingest(ctx, []string{"hello world"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}

	res, err := e.svc.Retrieve(ctx, embed("hello world"), 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 || res.Documents[0] != "hello world" {
		t.Fatalf("documents = %v", res.Documents)
	}
	if res.Distances[0] > 1e-6 {
		t.Errorf("distance = %v, want 0", res.Distances[0])
	}
	wantID := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if res.IDs[0] != wantID || res.Metadatas[0]["id"] != wantID {
		t.Errorf("identity = %q, metadata = %v", res.IDs[0], res.Metadatas[0])
	}
}

func TestIngest_IdempotentByContent(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := e.svc.Ingest(ctx, []string{"same text"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.count(t); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}
}

func TestIngest_MetadataLengthMismatch(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.Ingest(context.Background(), []string{"a", "b"}, []map[string]any{{"k": "v"}})
	if !errors.Is(err, errdefs.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if errdefs.HTTPStatus(err) != 400 {
		t.Errorf("status = %d", errdefs.HTTPStatus(err))
	}
	if e.emb.calls != 0 {
		t.Error("validation failure must not reach the provider")
	}
	if e.count(t) != 0 {
		t.Error("validation failure must not write")
	}
}

func TestIngest_EmptyMetadatasMeansNone(t *testing.T) {
	e := newEnv(t, nil)
	n, err := e.svc.Ingest(context.Background(), []string{"hello world"}, []map[string]any{})
	if err != nil || n != 1 {
		t.Fatalf("Ingest = %d, %v", n, err)
	}
	if e.count(t) != 1 {
		t.Fatalf("expected one record, got %d", e.count(t))
	}
}

func TestIngest_Empty(t *testing.T) {
	e := newEnv(t, nil)
	n, err := e.svc.Ingest(context.Background(), nil, nil)
	if err != nil || n != 0 {
		t.Fatalf("Ingest(nil) = %d, %v", n, err)
	}
	if e.emb.calls != 0 {
		t.Error("empty ingest must not call the provider")
	}
}

func TestIngest_CallerIdentity(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	meta := map[string]any{"id": "doc-1", "category": "A"}

	if _, err := e.svc.Ingest(ctx, []string{"first version"}, []map[string]any{meta}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Ingest(ctx, []string{"second version"}, []map[string]any{meta}); err != nil {
		t.Fatal(err)
	}
	if got := e.count(t); got != 1 {
		t.Fatalf("caller identity should upsert, count = %d", got)
	}
	res, err := e.svc.Retrieve(ctx, embed("second version"), 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Documents[0] != "second version" || res.IDs[0] != "doc-1" {
		t.Errorf("got %v / %v", res.Documents, res.IDs)
	}
	if len(meta) != 2 {
		t.Error("caller metadata must not be modified")
	}
}

func TestIngest_MultiChunkAndRemove(t *testing.T) {
	splitter, err := chunker.New(20, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	e := newEnv(t, splitter)
	ctx := context.Background()

	long := "alpha beta gamma delta epsilon zeta eta theta iota kappa"
	n, err := e.svc.Ingest(ctx, []string{long, "short"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n < 3 {
		t.Fatalf("expected the long text to split, got %d chunks", n)
	}
	if e.emb.calls != 1 {
		t.Errorf("expected one embedding call per batch, got %d", e.emb.calls)
	}

	res, err := e.svc.Retrieve(ctx, embed("alpha"), 20, mustFilter(t, map[string]any{"chunk_index": 0}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 1 || !strings.HasPrefix(long, res.Documents[0]) {
		t.Fatalf("first chunk = %v", res.Documents)
	}
	if res.Metadatas[0]["chunk_count"] != n-1 {
		t.Errorf("chunk_count = %v, want %d", res.Metadatas[0]["chunk_count"], n-1)
	}

	longID := identity.Hash(long)
	ids, err := e.svc.Remove(ctx, []string{longID, "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 || ids[1] != "missing" {
		t.Errorf("Remove echoed %v", ids)
	}
	if got := e.count(t); got != 1 {
		t.Errorf("count after remove = %d, want 1", got)
	}
}

func mustFilter(t *testing.T, where map[string]any) *vector.Filter {
	t.Helper()
	f, err := vector.ParseFilter(where)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestRetrieve_Validation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.svc.Retrieve(ctx, []float32{1}, 0, nil); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("k=0: %v", err)
	}
	if _, err := e.svc.Retrieve(ctx, nil, 3, nil); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("empty vector: %v", err)
	}
}

func TestRetrieve_EmptyCollection(t *testing.T) {
	e := newEnv(t, nil)
	res, err := e.svc.Retrieve(context.Background(), []float32{1, 2, 3, 4}, DefaultK, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 0 || res.Documents == nil {
		t.Errorf("expected empty non-nil documents, got %#v", res.Documents)
	}
}

func TestRetrieve_DimensionMismatch(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.svc.Ingest(ctx, []string{"x"}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := e.svc.Retrieve(ctx, []float32{1, 2}, 1, nil)
	if !errors.Is(err, errdefs.ErrDimensionMismatch) {
		t.Fatalf("err = %v", err)
	}
	if errdefs.HTTPStatus(err) != 500 {
		t.Errorf("status = %d, want 500", errdefs.HTTPStatus(err))
	}
}

func TestRetrieve_Filter(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	_, err := e.svc.Ingest(ctx, []string{"apple", "apricot", "banana"}, []map[string]any{
		{"category": "A"}, {"category": "A"}, {"category": "B"},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := e.svc.Retrieve(ctx, embed("banana"), 10, mustFilter(t, map[string]any{"category": "A"}))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("documents = %v", res.Documents)
	}
	for _, m := range res.Metadatas {
		if m["category"] != "A" {
			t.Errorf("filter leaked %v", m)
		}
	}
}

func TestIngest_ProviderFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.emb.err = errdefs.Upstream("fake embed", errors.New("connection refused"))
	_, err := e.svc.Ingest(context.Background(), []string{"x"}, nil)
	if !errdefs.Retryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if e.count(t) != 0 {
		t.Error("nothing should be written when embedding fails")
	}
}

// slowCollection delays every Add.
type slowCollection struct {
	*vector.Memory
	delay time.Duration
}

func (s *slowCollection) Add(ctx context.Context, recs []vector.Record) (int, error) {
	time.Sleep(s.delay)
	return s.Memory.Add(ctx, recs)
}

func TestIngest_StoreTimeout(t *testing.T) {
	coll := &slowCollection{Memory: vector.NewMemory("slow"), delay: 200 * time.Millisecond}
	svc, err := New(Options{
		Collection:   coll,
		Embedder:     &fakeEmbedder{},
		StoreTimeout: 20 * time.Millisecond,
		Metrics:      observability.NewDocvaultMetrics(),
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = svc.Ingest(context.Background(), []string{"x"}, nil)
	if !errors.Is(err, errdefs.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream unavailable", err)
	}

	// The write was not torn: it lands once the slow call completes.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := coll.Memory.Stats(context.Background()); st.Count == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("detached write never completed")
}

func TestAuditAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.svc.Ingest(ctx, []string{"one", "two"}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := e.svc.Remove(ctx, []string{"gone"}); err != nil {
		t.Fatal(err)
	}

	log := e.audit.String()
	if !strings.Contains(log, `"event_type":"ingest"`) || !strings.Contains(log, `"event_type":"delete"`) {
		t.Errorf("audit log = %s", log)
	}
	m := e.svc.metrics
	if m.TextsIngestedTotal.Value() != 2 || m.ChunksIngestedTotal.Value() != 2 {
		t.Errorf("ingest counters = %v / %v", m.TextsIngestedTotal.Value(), m.ChunksIngestedTotal.Value())
	}
	if m.CollectionRecords.Value() != 2 {
		t.Errorf("collection gauge = %v", m.CollectionRecords.Value())
	}
}

func TestConcurrentIngestAndRetrieve(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			if _, err := e.svc.Ingest(ctx, []string{strings.Repeat("x", i+1)}, nil); err != nil {
				t.Error(err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := e.svc.Retrieve(ctx, []float32{1, 0, 0, 1}, 3, nil); err != nil && !errors.Is(err, errdefs.ErrDimensionMismatch) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if got := e.count(t); got != 8 {
		t.Errorf("count = %d, want 8", got)
	}
}
