package vector

import (
	"errors"
	"testing"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

func TestPrepareBatch_DuplicateKeysLastWins(t *testing.T) {
	in := []Record{
		{Key: "a", Vector: []float32{1, 0}, Content: "old"},
		{Key: "b", Vector: []float32{0, 1}},
		{Key: "a", Vector: []float32{1, 1}, Content: "new"},
	}
	out, dim, err := PrepareBatch(in, 0)
	if err != nil {
		t.Fatal(err)
	}
	if dim != 2 {
		t.Fatalf("dimension = %d", dim)
	}
	if len(out) != 2 || out[0].Key != "a" || out[0].Content != "new" {
		t.Fatalf("unexpected batch %+v", out)
	}
	in[2].Vector[0] = 9
	if out[0].Vector[0] != 1 {
		t.Error("batch must not alias caller vectors")
	}
}

func TestPrepareBatch_Errors(t *testing.T) {
	if _, _, err := PrepareBatch([]Record{{Key: "a", Vector: []float32{1}}}, 2); !errors.Is(err, errdefs.ErrDimensionMismatch) {
		t.Errorf("expected dimension mismatch, got %v", err)
	}
	if _, _, err := PrepareBatch([]Record{{Key: "", Vector: []float32{1}}}, 0); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("expected validation error for empty key, got %v", err)
	}
	if _, _, err := PrepareBatch([]Record{{Key: "a"}}, 0); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("expected validation error for empty vector, got %v", err)
	}
}

func TestQueryValidate(t *testing.T) {
	if err := (Query{Vector: []float32{1}, K: 0}).Validate(); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("k=0: expected validation error, got %v", err)
	}
	if err := (Query{K: 3}).Validate(); !errors.Is(err, errdefs.ErrValidation) {
		t.Errorf("empty vector: expected validation error, got %v", err)
	}
}

func TestTopK_BoundedAndOrdered(t *testing.T) {
	top := NewTopK(3)
	for i := 100; i > 0; i-- {
		top.Push(Record{Key: string(rune('a' + i%26))}, uint64(i), float64(i%7))
	}
	got := top.Matches()
	if len(got) != 3 {
		t.Fatalf("expected 3 matches, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Distance < got[i-1].Distance {
			t.Fatal("matches not ordered")
		}
	}
	if got[0].Distance != 0 {
		t.Errorf("best distance = %g", got[0].Distance)
	}
}
