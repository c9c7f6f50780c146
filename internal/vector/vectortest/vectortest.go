// Package vectortest holds the behavioral tests every vector.Collection
// backend must pass.
package vectortest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
)

// Opener returns a fresh, empty collection. Reopen, when set, closes c and
// opens the same collection again from durable state.
type Opener struct {
	Open   func(t *testing.T) vector.Collection
	Reopen func(t *testing.T, c vector.Collection) vector.Collection
	// Concurrency disables the concurrent atomicity check when false.
	Concurrency bool
}

// Run executes the suite.
func Run(t *testing.T, o Opener) {
	tests := []struct {
		name string
		fn   func(t *testing.T, o Opener)
	}{
		{"EmptyQuery", testEmptyQuery},
		{"RoundTrip", testRoundTrip},
		{"Upsert", testUpsert},
		{"OrderingAndTies", testOrdering},
		{"FilterScenario", testFilterScenario},
		{"FilterExcludesNearest", testFilterExcludesNearest},
		{"FilterOperators", testFilterOperators},
		{"DimensionMismatch", testDimensionMismatch},
		{"Delete", testDelete},
		{"PersistIdempotent", testPersist},
		{"Reopen", testReopen},
		{"ConcurrentAtomicity", testConcurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) { tt.fn(t, o) })
	}
}

// Rec builds a record whose key equals its identity.
func Rec(id string, vec []float32, meta map[string]any) vector.Record {
	return vector.Record{Key: id, Identity: id, Vector: vec, Content: "content of " + id, Metadata: meta}
}

func open(t *testing.T, o Opener) vector.Collection {
	t.Helper()
	c := o.Open(t)
	t.Cleanup(func() { c.Close() })
	return c
}

func mustAdd(t *testing.T, c vector.Collection, recs ...vector.Record) {
	t.Helper()
	if _, err := c.Add(context.Background(), recs); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func mustQuery(t *testing.T, c vector.Collection, q vector.Query) []vector.Match {
	t.Helper()
	res, err := c.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	return res
}

func mustFilter(t *testing.T, where map[string]any) *vector.Filter {
	t.Helper()
	f, err := vector.ParseFilter(where)
	if err != nil {
		t.Fatalf("ParseFilter: %v", err)
	}
	return f
}

func count(t *testing.T, c vector.Collection) int {
	t.Helper()
	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return st.Count
}

func testEmptyQuery(t *testing.T, o Opener) {
	c := open(t, o)
	res := mustQuery(t, c, vector.Query{Vector: []float32{1, 0, 0}, K: 5})
	if len(res) != 0 {
		t.Fatalf("expected no matches, got %d", len(res))
	}
	if err := c.Delete(context.Background(), []string{"abc"}); err != nil {
		t.Fatalf("delete on empty collection: %v", err)
	}
}

func testRoundTrip(t *testing.T, o Opener) {
	c := open(t, o)
	v := []float32{0.3, -0.2, 0.9, 0.1}
	mustAdd(t, c,
		Rec("a", []float32{1, 0, 0, 0}, nil),
		Rec("b", v, map[string]any{"lang": "en"}),
		Rec("c", []float32{0, 1, 0, 0}, nil),
	)
	res := mustQuery(t, c, vector.Query{Vector: v, K: 3})
	if len(res) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(res))
	}
	if res[0].Identity != "b" || res[0].Content != "content of b" {
		t.Fatalf("expected b first, got %+v", res[0])
	}
	if math.Abs(res[0].Distance) > 1e-5 {
		t.Errorf("expected distance ~0, got %g", res[0].Distance)
	}
	if res[0].Metadata["lang"] != "en" {
		t.Errorf("metadata lost: %v", res[0].Metadata)
	}
	for _, m := range res {
		if m.Metadata == nil {
			t.Errorf("metadata of %s is nil", m.Key)
		}
	}
}

func testUpsert(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c, Rec("a", []float32{1, 0}, map[string]any{"v": 1}))
	mustAdd(t, c, Rec("a", []float32{0, 1}, map[string]any{"v": 2}))
	if n := count(t, c); n != 1 {
		t.Fatalf("expected 1 record after upsert, got %d", n)
	}
	res := mustQuery(t, c, vector.Query{Vector: []float32{0, 1}, K: 1})
	if len(res) != 1 {
		t.Fatalf("expected 1 match, got %d", len(res))
	}
	if v, _ := vector.Number(res[0].Metadata["v"]); v != 2 {
		t.Errorf("expected overwritten metadata, got %v", res[0].Metadata)
	}
	if res[0].Distance > 1e-5 {
		t.Errorf("expected overwritten vector, distance %g", res[0].Distance)
	}
}

func testOrdering(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c,
		Rec("far", []float32{-1, 0}, nil),
		Rec("tie1", []float32{0, 1}, nil),
		Rec("near", []float32{1, 0.1}, nil),
	)
	mustAdd(t, c, Rec("tie2", []float32{0, 2}, nil))
	res := mustQuery(t, c, vector.Query{Vector: []float32{1, 0}, K: 10})
	want := []string{"near", "tie1", "tie2", "far"}
	if len(res) != len(want) {
		t.Fatalf("expected %d matches, got %d", len(want), len(res))
	}
	for i, id := range want {
		if res[i].Identity != id {
			t.Errorf("position %d: got %s, want %s", i, res[i].Identity, id)
		}
	}
	for i := 1; i < len(res); i++ {
		if res[i].Distance < res[i-1].Distance {
			t.Errorf("distances not ascending at %d", i)
		}
	}
	top := mustQuery(t, c, vector.Query{Vector: []float32{1, 0}, K: 2})
	if len(top) != 2 || top[1].Identity != "tie1" {
		t.Errorf("k=2 should keep the earliest of the tied records, got %+v", top)
	}
}

func testFilterScenario(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c,
		Rec("r1", []float32{0.9, 0.1, 0}, map[string]any{"category": "x"}),
		Rec("r2", []float32{1, 0, 0}, map[string]any{"category": "y"}),
		Rec("r3", []float32{0.5, 0.5, 0}, map[string]any{"category": "x"}),
	)
	res := mustQuery(t, c, vector.Query{
		Vector: []float32{1, 0, 0},
		K:      2,
		Filter: mustFilter(t, map[string]any{"category": "x"}),
	})
	if len(res) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(res))
	}
	for _, m := range res {
		if m.Metadata["category"] != "x" {
			t.Errorf("filter violated: %v", m.Metadata)
		}
	}
	if res[0].Distance > res[1].Distance {
		t.Error("distances not ascending")
	}
}

func testFilterExcludesNearest(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c,
		Rec("nearest", []float32{1, 0}, map[string]any{"lang": "de"}),
		Rec("other", []float32{0, 1}, map[string]any{"lang": "en"}),
	)
	res := mustQuery(t, c, vector.Query{
		Vector: []float32{1, 0},
		K:      5,
		Filter: mustFilter(t, map[string]any{"lang": "en"}),
	})
	if len(res) != 1 || res[0].Identity != "other" {
		t.Fatalf("expected only 'other', got %+v", res)
	}
	none := mustQuery(t, c, vector.Query{
		Vector: []float32{1, 0},
		K:      5,
		Filter: mustFilter(t, map[string]any{"lang": "fr"}),
	})
	if len(none) != 0 {
		t.Fatalf("expected no matches, got %d", len(none))
	}
}

func testFilterOperators(t *testing.T, o Opener) {
	c := open(t, o)
	for i := 0; i < 6; i++ {
		mustAdd(t, c, Rec(fmt.Sprintf("d%d", i), []float32{1, float32(i)}, map[string]any{
			"year": 2018 + i,
			"tag":  []string{"a", "b", "c"}[i%3],
		}))
	}
	mustAdd(t, c, Rec("untagged", []float32{1, 1}, map[string]any{"year": 2020}))

	tests := []struct {
		name  string
		where map[string]any
		want  int
	}{
		{"range", map[string]any{"year": map[string]any{"$gte": 2019, "$lt": 2022}}, 4},
		{"gt", map[string]any{"year": map[string]any{"$gt": 2022}}, 1},
		{"lte", map[string]any{"year": map[string]any{"$lte": 2018}}, 1},
		{"in", map[string]any{"tag": map[string]any{"$in": []any{"a", "c"}}}, 4},
		{"nin skips missing field", map[string]any{"tag": map[string]any{"$nin": []any{"a"}}}, 4},
		{"ne skips missing field", map[string]any{"tag": map[string]any{"$ne": "b"}}, 4},
		{"and", map[string]any{"$and": []any{
			map[string]any{"tag": "a"},
			map[string]any{"year": map[string]any{"$gt": 2019}},
		}}, 1},
		{"implicit and", map[string]any{"tag": "b", "year": 2019}, 1},
		{"number equality", map[string]any{"year": 2020.0}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := mustFilter(t, tt.where)
			res := mustQuery(t, c, vector.Query{Vector: []float32{1, 0}, K: 100, Filter: f})
			if len(res) != tt.want {
				t.Fatalf("expected %d matches, got %d", tt.want, len(res))
			}
			for _, m := range res {
				if !f.Match(m.Metadata) {
					t.Errorf("match %s violates filter: %v", m.Key, m.Metadata)
				}
			}
		})
	}
}

func testDimensionMismatch(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c, Rec("a", []float32{1, 0, 0}, nil))

	_, err := c.Query(context.Background(), vector.Query{Vector: []float32{1, 0}, K: 1})
	if !errors.Is(err, errdefs.ErrDimensionMismatch) {
		t.Fatalf("query: expected dimension mismatch, got %v", err)
	}

	_, err = c.Add(context.Background(), []vector.Record{
		Rec("b", []float32{1, 0, 0}, nil),
		Rec("c", []float32{1, 0}, nil),
	})
	if !errors.Is(err, errdefs.ErrDimensionMismatch) {
		t.Fatalf("add: expected dimension mismatch, got %v", err)
	}
	if n := count(t, c); n != 1 {
		t.Fatalf("failed batch must not be applied, count=%d", n)
	}
}

func testDelete(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c,
		vector.Record{Key: "doc#0", Identity: "doc", Vector: []float32{1, 0}, Content: "part 0"},
		vector.Record{Key: "doc#1", Identity: "doc", Vector: []float32{0.9, 0.1}, Content: "part 1"},
		Rec("keep", []float32{0, 1}, nil),
	)
	if err := c.Delete(context.Background(), []string{"doc", "missing"}); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	res := mustQuery(t, c, vector.Query{Vector: []float32{1, 0}, K: 10})
	if len(res) != 1 || res[0].Identity != "keep" {
		t.Fatalf("expected only 'keep' to remain, got %+v", res)
	}
	if err := c.Delete(context.Background(), []string{"doc"}); err != nil {
		t.Fatalf("repeated Delete: %v", err)
	}
}

func testPersist(t *testing.T, o Opener) {
	c := open(t, o)
	mustAdd(t, c, Rec("a", []float32{1, 0}, nil))
	for i := 0; i < 2; i++ {
		if err := c.Persist(context.Background()); err != nil {
			t.Fatalf("Persist #%d: %v", i, err)
		}
	}
}

func testReopen(t *testing.T, o Opener) {
	if o.Reopen == nil {
		t.Skip("backend is not durable")
	}
	c := o.Open(t)
	mustAdd(t, c,
		Rec("first", []float32{0, 1}, map[string]any{"n": 1}),
		Rec("second", []float32{0, 1}, map[string]any{"n": 2}),
		Rec("gone", []float32{1, 0}, nil),
	)
	if err := c.Delete(context.Background(), []string{"gone"}); err != nil {
		t.Fatal(err)
	}
	if err := c.Persist(context.Background()); err != nil {
		t.Fatal(err)
	}
	c = o.Reopen(t, c)
	t.Cleanup(func() { c.Close() })

	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 2 || st.Dimension != 2 {
		t.Fatalf("unexpected stats after reopen: %+v", st)
	}
	mustAdd(t, c, Rec("third", []float32{0, 1}, nil))
	res := mustQuery(t, c, vector.Query{Vector: []float32{0, 1}, K: 3})
	want := []string{"first", "second", "third"}
	for i, id := range want {
		if i >= len(res) || res[i].Identity != id {
			t.Fatalf("insertion order lost across reopen: %+v", res)
		}
	}
}

func testConcurrent(t *testing.T, o Opener) {
	if !o.Concurrency {
		t.Skip("concurrency check disabled")
	}
	c := open(t, o)
	const batches, size = 20, 5
	mustAdd(t, c, Rec("seed", []float32{1, 1}, map[string]any{"batch": -1}))

	var wg sync.WaitGroup
	errs := make(chan error, batches*2)
	for b := 0; b < batches; b++ {
		wg.Add(2)
		go func(b int) {
			defer wg.Done()
			recs := make([]vector.Record, size)
			for i := range recs {
				recs[i] = Rec(fmt.Sprintf("b%d-%d", b, i), []float32{1, float32(i)}, map[string]any{"batch": b})
			}
			if _, err := c.Add(context.Background(), recs); err != nil {
				errs <- err
			}
		}(b)
		go func(b int) {
			defer wg.Done()
			f, _ := vector.ParseFilter(map[string]any{"batch": b})
			res, err := c.Query(context.Background(), vector.Query{Vector: []float32{1, 0}, K: size * 2, Filter: f})
			if err != nil {
				errs <- err
				return
			}
			if len(res) != 0 && len(res) != size {
				errs <- fmt.Errorf("batch %d observed partially: %d records", b, len(res))
			}
		}(b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	if n := count(t, c); n != batches*size+1 {
		t.Errorf("expected %d records, got %d", batches*size+1, n)
	}
}
