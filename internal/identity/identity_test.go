package identity

import "testing"

func TestAssign_Hash(t *testing.T) {
	// sha256("hello world")
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got := Assign("hello world", nil, ""); got != want {
		t.Fatalf("Assign() = %s, want %s", got, want)
	}
}

func TestAssign_Deterministic(t *testing.T) {
	a := Assign("same text", map[string]any{"lang": "en"}, DefaultField)
	b := Assign("same text", nil, DefaultField)
	if a != b {
		t.Fatalf("identities differ for identical content: %s vs %s", a, b)
	}
	if c := Assign("other text", nil, DefaultField); c == a {
		t.Fatal("distinct content produced the same identity")
	}
}

func TestAssign_FromMetadata(t *testing.T) {
	tests := []struct {
		name string
		meta map[string]any
		want string
	}{
		{"string", map[string]any{"id": "doc-1"}, "doc-1"},
		{"number", map[string]any{"id": float64(42)}, "42"},
		{"empty string kept", map[string]any{"id": ""}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Assign("content", tt.meta, "id"); got != tt.want {
				t.Errorf("Assign() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAssign_CustomField(t *testing.T) {
	meta := map[string]any{"doc_id": "x", "id": "ignored"}
	if got := Assign("content", meta, "doc_id"); got != "x" {
		t.Errorf("Assign() = %q, want x", got)
	}
}

func TestAssign_MetadataUnchanged(t *testing.T) {
	meta := map[string]any{"lang": "en"}
	Assign("content", meta, DefaultField)
	if _, ok := meta["id"]; ok {
		t.Error("Assign must not write into metadata")
	}
}

func TestChunkKey(t *testing.T) {
	if got := ChunkKey("abc", 0, 1); got != "abc" {
		t.Errorf("single chunk key = %q", got)
	}
	if got := ChunkKey("abc", 2, 3); got != "abc#2" {
		t.Errorf("multi chunk key = %q", got)
	}
}
