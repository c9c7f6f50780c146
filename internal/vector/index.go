package vector

import (
	"cmp"
	"maps"
	"slices"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

// Index is the in-process record set behind the local backends: records keyed
// by Key, each stamped with the sequence number of its first insertion.
// Index is not safe for concurrent use; callers hold their own lock.
type Index struct {
	dim   int
	next  uint64
	byKey map[string]*entry
}

type entry struct {
	rec Record
	seq uint64
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{next: 1, byKey: make(map[string]*entry)}
}

func (ix *Index) Dimension() int { return ix.dim }
func (ix *Index) Len() int       { return len(ix.byKey) }

// NextSeq is the sequence number the next new key receives.
func (ix *Index) NextSeq() uint64 { return ix.next }

// ReserveSeq makes new keys receive sequence numbers of at least next.
func (ix *Index) ReserveSeq(next uint64) {
	if next > ix.next {
		ix.next = next
	}
}

// SetDimension fixes the vector dimension.
func (ix *Index) SetDimension(dim int) { ix.dim = dim }

// Plan returns the sequence number each record of a prepared batch will hold:
// the existing one for known keys, fresh ones in batch order for new keys.
func (ix *Index) Plan(batch []Record) []uint64 {
	seqs := make([]uint64, len(batch))
	next := ix.next
	for i, r := range batch {
		if e, ok := ix.byKey[r.Key]; ok {
			seqs[i] = e.seq
			continue
		}
		seqs[i] = next
		next++
	}
	return seqs
}

// Put stores rec under seq, replacing any record with the same key.
func (ix *Index) Put(rec Record, seq uint64) {
	ix.byKey[rec.Key] = &entry{rec: rec, seq: seq}
	if seq >= ix.next {
		ix.next = seq + 1
	}
}

// Apply upserts a prepared batch and returns the sequence numbers used.
func (ix *Index) Apply(batch []Record, dim int) []uint64 {
	seqs := ix.Plan(batch)
	ix.dim = dim
	for i, r := range batch {
		ix.Put(r, seqs[i])
	}
	return seqs
}

// Matching returns the keys of records whose identity is in ids.
func (ix *Index) Matching(ids map[string]struct{}) []string {
	var keys []string
	for k, e := range ix.byKey {
		if _, ok := ids[e.rec.Identity]; ok {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// Remove deletes the given keys.
func (ix *Index) Remove(keys []string) {
	for _, k := range keys {
		delete(ix.byKey, k)
	}
}

// Search scans every record. An index that never received a record has no
// dimension and returns no matches for any vector.
func (ix *Index) Search(q Query) ([]Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if ix.dim == 0 {
		return nil, nil
	}
	if len(q.Vector) != ix.dim {
		return nil, errdefs.DimensionMismatch(len(q.Vector), ix.dim)
	}
	top := NewTopK(q.K)
	for _, e := range ix.byKey {
		if !q.Filter.Match(e.rec.Metadata) {
			continue
		}
		top.Push(e.rec, e.seq, CosineDistance(q.Vector, e.rec.Vector))
	}
	return top.Matches(), nil
}

// TopK collects the k best candidates by (distance, seq).
type TopK struct {
	k     int
	items []candidate
}

type candidate struct {
	rec  Record
	seq  uint64
	dist float64
}

func NewTopK(k int) *TopK { return &TopK{k: k} }

// Push offers a candidate. The collected set is trimmed whenever it grows to
// twice k, so memory stays bounded on large scans.
func (t *TopK) Push(rec Record, seq uint64, dist float64) {
	t.items = append(t.items, candidate{rec: rec, seq: seq, dist: dist})
	if len(t.items) >= 2*t.k+16 {
		t.trim()
	}
}

func (t *TopK) trim() {
	slices.SortFunc(t.items, func(a, b candidate) int {
		if c := cmp.Compare(a.dist, b.dist); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	if len(t.items) > t.k {
		t.items = t.items[:t.k]
	}
}

// Matches returns the ordered result. Metadata is copied and never nil.
func (t *TopK) Matches() []Match {
	t.trim()
	out := make([]Match, len(t.items))
	for i, c := range t.items {
		meta := maps.Clone(c.rec.Metadata)
		if meta == nil {
			meta = map[string]any{}
		}
		out[i] = Match{
			Key:      c.rec.Key,
			Identity: c.rec.Identity,
			Content:  c.rec.Content,
			Distance: c.dist,
			Metadata: meta,
		}
	}
	return out
}
