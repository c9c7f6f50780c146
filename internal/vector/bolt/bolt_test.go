package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/efebarandurmaz/docvault/internal/vector/vectortest"
)

func TestCollection(t *testing.T) {
	vectortest.Run(t, vectortest.Opener{
		Open: func(t *testing.T) vector.Collection {
			c, err := Open(t.TempDir(), "documents")
			if err != nil {
				t.Fatal(err)
			}
			return c
		},
		Reopen: func(t *testing.T, c vector.Collection) vector.Collection {
			bc := c.(*Collection)
			path := bc.Path()
			if err := bc.Close(); err != nil {
				t.Fatal(err)
			}
			reopened, err := Open(filepath.Dir(path), "documents")
			if err != nil {
				t.Fatal(err)
			}
			return reopened
		},
		Concurrency: true,
	})
}

func TestOpen_SeparateCollections(t *testing.T) {
	dir := t.TempDir()
	a, err := Open(dir, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := Open(dir, "b")
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	if _, err := a.Add(context.Background(), []vector.Record{vectortest.Rec("x", []float32{1, 0}, nil)}); err != nil {
		t.Fatal(err)
	}
	st, _ := b.Stats(context.Background())
	if st.Count != 0 {
		t.Fatalf("collections share state: %+v", st)
	}
}

func TestReopen_SequenceNotReused(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "documents")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c.Add(ctx, []vector.Record{
		vectortest.Rec("a", []float32{0, 1}, nil),
		vectortest.Rec("b", []float32{0, 1}, nil),
	})
	c.Delete(ctx, []string{"b"})
	c.Close()

	c, err = Open(dir, "documents")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := c.ix.NextSeq(); got != 3 {
		t.Fatalf("next sequence = %d, want 3", got)
	}
}

func TestAdd_DimensionPersisted(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "documents")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	c.Add(ctx, []vector.Record{vectortest.Rec("a", []float32{1, 0, 0}, nil)})
	c.Delete(ctx, []string{"a"})
	c.Close()

	c, err = Open(dir, "documents")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	_, err = c.Add(ctx, []vector.Record{vectortest.Rec("b", []float32{1, 0}, nil)})
	if !errors.Is(err, errdefs.ErrDimensionMismatch) {
		t.Fatalf("dimension should survive deleting every record, got %v", err)
	}
}
