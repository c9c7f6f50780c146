package loader

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/efebarandurmaz/docvault/internal/identity"
)

// MetaSource is the metadata key holding a document's root-relative path.
const MetaSource = "source"

// Document is one file ready to ingest.
type Document struct {
	// Path is the file path as discovered.
	Path string
	// Source is Path relative to the discovery root.
	Source   string
	Text     string
	Metadata map[string]any
	// FileHash is the SHA-256 of the raw file bytes.
	FileHash string
	// Identity is what the ingestion pipeline will assign to Text.
	Identity string
}

var frontMatterDelim = []byte("---")

// Load reads path and splits off YAML front matter. Front matter keys become
// metadata and the source key is set to the root-relative path.
func Load(root, path, idField string) (Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read %s: %w", path, err)
	}
	if !utf8.Valid(raw) {
		return Document{}, fmt.Errorf("read %s: not UTF-8 text", path)
	}

	meta, body, err := ParseFrontMatter(raw)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	source := SourcePath(root, path)
	meta[MetaSource] = source

	sum := sha256.Sum256(raw)
	text := string(body)
	return Document{
		Path:     path,
		Source:   source,
		Text:     text,
		Metadata: meta,
		FileHash: hex.EncodeToString(sum[:]),
		Identity: identity.Assign(text, meta, idField),
	}, nil
}

// ParseFrontMatter splits a leading "---" delimited YAML block from data.
// Data without front matter yields empty metadata and data unchanged.
func ParseFrontMatter(data []byte) (map[string]any, []byte, error) {
	meta := make(map[string]any)
	rest, ok := bytes.CutPrefix(data, frontMatterDelim)
	if !ok {
		return meta, data, nil
	}
	nl := bytes.IndexByte(rest, '\n')
	if nl < 0 || len(bytes.TrimSpace(rest[:nl])) != 0 {
		return meta, data, nil
	}
	rest = rest[nl+1:]

	var block, body []byte
	for off := 0; ; {
		line, tail, found := bytes.Cut(rest[off:], []byte("\n"))
		if bytes.Equal(bytes.TrimRight(line, " \t\r"), frontMatterDelim) {
			block = rest[:off]
			body = tail
			break
		}
		if !found {
			return nil, nil, fmt.Errorf("front matter is not closed")
		}
		off += len(line) + 1
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(block, &parsed); err != nil {
		return nil, nil, fmt.Errorf("front matter: %w", err)
	}
	for k, v := range parsed {
		meta[k] = normalize(v)
	}
	return meta, bytes.TrimLeft(body, "\r\n"), nil
}

// normalize converts YAML-decoded values into JSON-compatible ones.
func normalize(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = normalize(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[fmt.Sprint(k)] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}
