package vector

import (
	"context"
	"maps"
	"slices"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

// Record is one stored chunk. Key is the upsert key; Identity is the key
// deletion matches on, shared by every chunk of one ingested text.
type Record struct {
	Key      string
	Identity string
	Vector   []float32
	Content  string
	Metadata map[string]any
}

// Match is a single query result.
type Match struct {
	Key      string
	Identity string
	Content  string
	Distance float64
	Metadata map[string]any
}

// Query selects the K records nearest to Vector that satisfy Filter.
type Query struct {
	Vector []float32
	K      int
	Filter *Filter
}

// Stats describes a collection.
type Stats struct {
	Backend    string `json:"backend"`
	Collection string `json:"collection"`
	Count      int    `json:"count"`
	Dimension  int    `json:"dimension"`
}

// Collection is a named, persistent set of records searched by cosine distance.
//
// Add upserts by Record.Key and is atomic: concurrent queries observe the
// collection either before or after the whole batch. The first Add fixes the
// collection dimension. Query returns at most K matches ordered by ascending
// distance, ties broken by insertion order. Delete removes every record whose
// Identity is listed; unknown identities are ignored. Persist returns once all
// earlier writes are durable.
type Collection interface {
	Add(ctx context.Context, records []Record) (int, error)
	Query(ctx context.Context, q Query) ([]Match, error)
	Delete(ctx context.Context, identities []string) error
	Persist(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Validate checks the shape of q.
func (q Query) Validate() error {
	if q.K <= 0 {
		return errdefs.Validationf("k must be positive, got %d", q.K)
	}
	if len(q.Vector) == 0 {
		return errdefs.Validationf("query vector is empty")
	}
	return nil
}

// PrepareBatch validates records against the collection dimension dim
// (0 when the collection has none yet) and returns an owned copy of the batch
// with duplicate keys collapsed, the last occurrence winning, together with
// the dimension the collection has after the batch.
func PrepareBatch(records []Record, dim int) ([]Record, int, error) {
	if len(records) == 0 {
		return nil, dim, nil
	}
	want := dim
	if want == 0 {
		want = len(records[0].Vector)
	}
	if want == 0 {
		return nil, dim, errdefs.Validationf("record %q has an empty vector", records[0].Key)
	}

	out := make([]Record, 0, len(records))
	pos := make(map[string]int, len(records))
	for _, r := range records {
		if r.Key == "" {
			return nil, dim, errdefs.Validationf("record key is empty")
		}
		if len(r.Vector) != want {
			return nil, dim, errdefs.DimensionMismatch(len(r.Vector), want)
		}
		r = r.clone()
		if i, ok := pos[r.Key]; ok {
			out[i] = r
			continue
		}
		pos[r.Key] = len(out)
		out = append(out, r)
	}
	return out, want, nil
}

func (r Record) clone() Record {
	r.Vector = slices.Clone(r.Vector)
	r.Metadata = maps.Clone(r.Metadata)
	return r
}

// IdentitySet builds a lookup set from ids.
func IdentitySet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
