package loader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/efebarandurmaz/docvault/internal/identity"
)

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, body := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func sources(root string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = SourcePath(root, p)
	}
	return out
}

func TestDiscover(t *testing.T) {
	root := writeTree(t, map[string]string{
		"docs/a.md":               "a",
		"docs/guide/b.markdown":   "b",
		"docs/guide/c.txt":        "c",
		"docs/image.png":          "png",
		"docs/.git/HEAD":          "ref",
		"docs/node_modules/x.md":  "x",
		"notes/todo.txt":          "todo",
		"notes/draft.md":          "draft",
		"README.md":               "readme",
		"docs/guide/skip-this.md": "skip",
	})

	tests := []struct {
		name     string
		patterns []string
		exclude  []string
		want     []string
	}{
		{"directory", []string{"docs"}, nil,
			[]string{"docs/a.md", "docs/guide/b.markdown", "docs/guide/c.txt", "docs/guide/skip-this.md"}},
		{"glob", []string{"**/*.md"}, nil,
			[]string{"README.md", "docs/a.md", "docs/guide/skip-this.md", "notes/draft.md"}},
		{"file", []string{"notes/todo.txt"}, nil, []string{"notes/todo.txt"}},
		{"dedupe across patterns", []string{"docs/a.md", "docs/*.md"}, nil, []string{"docs/a.md"}},
		{"exclude by path", []string{"docs"}, []string{"docs/guide/**"}, []string{"docs/a.md"}},
		{"exclude by base name", []string{"docs"}, []string{"skip-*"},
			[]string{"docs/a.md", "docs/guide/b.markdown", "docs/guide/c.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Discover(Discovery{Root: root, Patterns: tt.patterns, Exclude: tt.exclude})
			if err != nil {
				t.Fatalf("Discover: %v", err)
			}
			if s := sources(root, got); !reflect.DeepEqual(s, tt.want) {
				t.Fatalf("got %v, want %v", s, tt.want)
			}
		})
	}
}

func TestDiscover_Errors(t *testing.T) {
	root := writeTree(t, map[string]string{"a.md": "a"})
	if _, err := Discover(Discovery{Root: root, Patterns: []string{"*.rst"}}); err == nil {
		t.Fatal("expected error for pattern matching nothing")
	}
	if _, err := Discover(Discovery{Root: root, Patterns: []string{"[a-"}}); err == nil {
		t.Fatal("expected error for malformed pattern")
	}
}

func TestParseFrontMatter(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		wantMeta map[string]any
		wantBody string
		wantErr  bool
	}{
		{"none", "# Title\nbody\n", map[string]any{}, "# Title\nbody\n", false},
		{"basic", "---\ntitle: Intro\nyear: 2024\ntags: [a, b]\n---\n\n# Intro\n",
			map[string]any{"title": "Intro", "year": 2024, "tags": []any{"a", "b"}}, "# Intro\n", false},
		{"empty block", "---\n---\nbody", map[string]any{}, "body", false},
		{"crlf", "---\r\nlang: en\r\n---\r\nbody", map[string]any{"lang": "en"}, "body", false},
		{"dashes not at start of line", "--- not front matter\nbody", map[string]any{}, "--- not front matter\nbody", false},
		{"unclosed", "---\ntitle: x\nbody", nil, "", true},
		{"bad yaml", "---\ntitle: [x\n---\nbody", nil, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, body, err := ParseFrontMatter([]byte(tt.in))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(meta, tt.wantMeta) {
				t.Fatalf("meta = %#v, want %#v", meta, tt.wantMeta)
			}
			if string(body) != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	root := writeTree(t, map[string]string{
		"guides/setup.md": "---\nid: setup-guide\nlang: en\n---\nInstall it.\n",
		"plain.txt":       "just text",
	})

	doc, err := Load(root, filepath.Join(root, "guides", "setup.md"), identity.DefaultField)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Source != "guides/setup.md" || doc.Metadata[MetaSource] != "guides/setup.md" {
		t.Fatalf("unexpected source: %q %v", doc.Source, doc.Metadata[MetaSource])
	}
	if doc.Text != "Install it.\n" {
		t.Fatalf("unexpected text %q", doc.Text)
	}
	if doc.Identity != "setup-guide" {
		t.Fatalf("front matter id should be the identity, got %q", doc.Identity)
	}

	doc, err = Load(root, filepath.Join(root, "plain.txt"), identity.DefaultField)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Identity != identity.Hash("just text") {
		t.Fatalf("expected content hash identity, got %q", doc.Identity)
	}
	if len(doc.FileHash) != 64 {
		t.Fatalf("expected sha-256 file hash, got %q", doc.FileHash)
	}
}

func TestLoad_RejectsBinary(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bin.txt")
	if err := os.WriteFile(path, []byte{0xff, 0xfe, 0x00}, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(root, path, "id"); err == nil {
		t.Fatal("expected error for non UTF-8 file")
	}
}

func doc(source, text string) Document {
	return Document{
		Source:   source,
		Text:     text,
		FileHash: identity.Hash(source + "|" + text),
		Identity: identity.Hash(text),
		Metadata: map[string]any{MetaSource: source},
	}
}

func TestSyncState_Diff(t *testing.T) {
	state := NewSyncState("documents")
	a, b, c, dup := doc("a.md", "alpha"), doc("b.md", "beta"), doc("c.md", "gamma"), doc("dup.md", "alpha")
	for _, d := range []Document{a, b, c, dup} {
		state.Record(d)
	}

	b2 := doc("b.md", "beta v2")
	a2 := doc("a.md", "alpha v2")
	e := doc("e.md", "epsilon")
	plan := state.Diff([]Document{a2, b2, dup, e})

	if got := sourcesOf(plan.Ingest); !reflect.DeepEqual(got, []string{"a.md", "b.md", "e.md"}) {
		t.Fatalf("ingest = %v", got)
	}
	if !reflect.DeepEqual(plan.Unchanged, []string{"dup.md"}) {
		t.Fatalf("unchanged = %v", plan.Unchanged)
	}
	if !reflect.DeepEqual(plan.Deleted, []string{"c.md"}) {
		t.Fatalf("deleted = %v", plan.Deleted)
	}
	// a.md's old identity is still held by dup.md, so only beta and gamma go.
	want := []string{b.Identity, c.Identity}
	if !reflect.DeepEqual(plan.StaleIdentities, want) {
		t.Fatalf("stale = %v, want %v", plan.StaleIdentities, want)
	}
}

func TestSyncState_DiffNilPlansEverything(t *testing.T) {
	var state *SyncState
	docs := []Document{doc("a.md", "alpha")}
	plan := state.Diff(docs)
	if len(plan.Ingest) != 1 || len(plan.StaleIdentities) != 0 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestSyncState_Commit(t *testing.T) {
	state := NewSyncState("documents")
	state.Record(doc("a.md", "alpha"))
	state.Record(doc("b.md", "beta"))

	plan := state.Diff([]Document{doc("a.md", "alpha v2")})
	state.Commit(plan)

	if _, ok := state.Files["b.md"]; ok {
		t.Fatal("deleted source should be forgotten")
	}
	if got := state.Files["a.md"]; got == nil || got.Identity != identity.Hash("alpha v2") {
		t.Fatalf("changed source not recorded: %+v", got)
	}
	if again := state.Diff([]Document{doc("a.md", "alpha v2")}); len(again.Ingest) != 0 {
		t.Fatalf("committed plan should leave nothing to ingest, got %+v", again)
	}
}

func TestSyncState_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	state := NewSyncState("documents")
	state.Record(doc("a.md", "alpha"))
	if err := state.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadState(dir, "documents")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if got := loaded.Files["a.md"]; got == nil || got.Identity != identity.Hash("alpha") {
		t.Fatalf("unexpected file state %+v", got)
	}

	other, err := LoadState(dir, "other")
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(other.Files) != 0 {
		t.Fatal("state of another collection should not be reused")
	}

	fresh, err := LoadState(t.TempDir(), "documents")
	if err != nil || len(fresh.Files) != 0 {
		t.Fatalf("missing state should be empty, got %+v %v", fresh, err)
	}

	if err := os.WriteFile(filepath.Join(dir, StateFileName), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadState(dir, "documents"); err == nil {
		t.Fatal("expected error for corrupt state")
	}
}

func sourcesOf(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Source
	}
	return out
}

// recorder stands in for the pipeline.
type recorder struct {
	batches [][]string
	removed [][]string
	failAt  int // 1-based batch index that fails, 0 = never
}

func (r *recorder) Ingest(_ context.Context, texts []string, metas []map[string]any) (int, error) {
	if r.failAt > 0 && len(r.batches)+1 == r.failAt {
		return 0, errors.New("provider down")
	}
	r.batches = append(r.batches, texts)
	for _, m := range metas {
		if m[MetaSource] == nil {
			return 0, errors.New("missing source metadata")
		}
	}
	return len(texts), nil
}

func (r *recorder) Remove(_ context.Context, ids []string) ([]string, error) {
	r.removed = append(r.removed, ids)
	return ids, nil
}

func TestRun_Incremental(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.md": "alpha",
		"b.md": "beta",
		"c.md": "---\ntitle: empty\n---\n",
	})
	stateDir := t.TempDir()
	opts := Options{
		Discovery:     Discovery{Root: root, Patterns: []string{"."}},
		IdentityField: "id",
		BatchSize:     1,
		Incremental:   true,
		StateDir:      stateDir,
		Collection:    "documents",
	}

	rec := &recorder{}
	report, err := Run(context.Background(), rec, opts)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if report.Discovered != 3 || report.Ingested != 2 || report.Empty != 1 || len(rec.batches) != 2 {
		t.Fatalf("first run report %+v batches %v", report, rec.batches)
	}

	rec = &recorder{}
	report, err = Run(context.Background(), rec, opts)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Ingested != 0 || report.Unchanged != 2 || len(rec.batches) != 0 {
		t.Fatalf("unchanged tree should ingest nothing: %+v", report)
	}

	if err := os.WriteFile(filepath.Join(root, "a.md"), []byte("alpha v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Remove(filepath.Join(root, "b.md")); err != nil {
		t.Fatal(err)
	}
	rec = &recorder{}
	report, err = Run(context.Background(), rec, opts)
	if err != nil {
		t.Fatalf("third run: %v", err)
	}
	if report.Ingested != 1 || report.Deleted != 1 {
		t.Fatalf("third run report %+v", report)
	}
	wantRemoved := []string{identity.Hash("alpha"), identity.Hash("beta")}
	if len(rec.removed) != 1 || !reflect.DeepEqual(rec.removed[0], wantRemoved) {
		t.Fatalf("removed %v, want %v", rec.removed, wantRemoved)
	}
	if len(rec.batches) != 1 || rec.batches[0][0] != "alpha v2" {
		t.Fatalf("batches %v", rec.batches)
	}
}

func TestRun_FailedBatchKeepsProgress(t *testing.T) {
	root := writeTree(t, map[string]string{"a.md": "alpha", "b.md": "beta"})
	stateDir := t.TempDir()
	opts := Options{
		Discovery:   Discovery{Root: root, Patterns: []string{"*.md"}},
		BatchSize:   1,
		Incremental: true,
		StateDir:    stateDir,
		Collection:  "documents",
	}

	if _, err := Run(context.Background(), &recorder{failAt: 2}, opts); err == nil || !strings.Contains(err.Error(), "provider down") {
		t.Fatalf("expected batch failure, got %v", err)
	}
	state, err := LoadState(stateDir, "documents")
	if err != nil {
		t.Fatal(err)
	}
	if len(state.Files) != 1 || state.Files["a.md"] == nil {
		t.Fatalf("expected the first batch recorded, got %v", state.Files)
	}

	rec := &recorder{}
	if _, err := Run(context.Background(), rec, opts); err != nil {
		t.Fatal(err)
	}
	if len(rec.batches) != 1 || rec.batches[0][0] != "beta" {
		t.Fatalf("retry should only ingest the failed file, got %v", rec.batches)
	}
}

func TestRun_NotIncrementalWritesNoState(t *testing.T) {
	root := writeTree(t, map[string]string{"a.md": "alpha"})
	stateDir := t.TempDir()
	rec := &recorder{}
	report, err := Run(context.Background(), rec, Options{
		Discovery: Discovery{Root: root, Patterns: []string{"a.md"}},
		StateDir:  stateDir,
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Ingested != 1 || report.Chunks != 1 {
		t.Fatalf("report %+v", report)
	}
	if _, err := os.Stat(filepath.Join(stateDir, StateFileName)); !os.IsNotExist(err) {
		t.Fatal("state file should not be written without incremental mode")
	}
}

func TestProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(true, &buf, "ingesting")
	p.Start(2)
	p.Add(1)
	p.Add(1)
	p.Finish()

	NewProgress(false, &buf, "").Start(10) // no-op
}
