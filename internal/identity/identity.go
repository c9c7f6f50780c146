// Package identity derives the stable key of an ingested text.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DefaultField is the metadata key that carries a caller-supplied identity.
const DefaultField = "id"

// Assign returns the identity for content. A value already present under
// field in metadata is returned as is; otherwise the identity is the
// lowercase hex SHA-256 of the UTF-8 content bytes.
func Assign(content string, metadata map[string]any, field string) string {
	if field == "" {
		field = DefaultField
	}
	if v, ok := metadata[field]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return Hash(content)
}

// Hash is the content hash used when no identity is supplied.
func Hash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ChunkKey is the storage key of chunk index of a text split into count chunks.
// A text that fits in one chunk is keyed by its identity alone.
func ChunkKey(id string, index, count int) string {
	if count <= 1 {
		return id
	}
	return fmt.Sprintf("%s#%d", id, index)
}
