// Package backend opens the configured vector.Collection implementation.
package backend

import (
	"context"
	"os"
	"sort"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/efebarandurmaz/docvault/internal/vector/bolt"
	"github.com/efebarandurmaz/docvault/internal/vector/neo4j"
	"github.com/efebarandurmaz/docvault/internal/vector/pgvector"
	"github.com/efebarandurmaz/docvault/internal/vector/qdrant"
	"github.com/efebarandurmaz/docvault/internal/vector/sqlite"
)

// Backend names accepted by Open.
const (
	Memory   = "memory"
	Bolt     = "bolt"
	SQLite   = "sqlite"
	Qdrant   = "qdrant"
	PGVector = "pgvector"
	Neo4j    = "neo4j"
)

// Config selects and addresses a backend. Secrets are already resolved.
type Config struct {
	Kind             string
	PersistDirectory string
	Collection       string
	Qdrant           qdrant.Config
	PostgresDSN      string
	Neo4j            neo4j.Config
}

type opener func(ctx context.Context, cfg Config) (vector.Collection, error)

var openers = map[string]opener{
	Memory: func(_ context.Context, cfg Config) (vector.Collection, error) {
		return vector.NewMemory(cfg.Collection), nil
	},
	Bolt: func(_ context.Context, cfg Config) (vector.Collection, error) {
		if err := ensureDir(cfg.PersistDirectory); err != nil {
			return nil, err
		}
		c, err := bolt.Open(cfg.PersistDirectory, cfg.Collection)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	SQLite: func(_ context.Context, cfg Config) (vector.Collection, error) {
		if err := ensureDir(cfg.PersistDirectory); err != nil {
			return nil, err
		}
		c, err := sqlite.Open(cfg.PersistDirectory, cfg.Collection)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	Qdrant: func(ctx context.Context, cfg Config) (vector.Collection, error) {
		c, err := qdrant.Open(ctx, cfg.Qdrant, cfg.Collection)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	PGVector: func(ctx context.Context, cfg Config) (vector.Collection, error) {
		c, err := pgvector.Open(ctx, cfg.PostgresDSN, cfg.Collection)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
	Neo4j: func(ctx context.Context, cfg Config) (vector.Collection, error) {
		c, err := neo4j.Open(ctx, cfg.Neo4j, cfg.Collection)
		if err != nil {
			return nil, err
		}
		return c, nil
	},
}

// Open returns the collection named by cfg.Collection on cfg.Kind.
func Open(ctx context.Context, cfg Config) (vector.Collection, error) {
	if cfg.Collection == "" {
		return nil, errdefs.Configurationf("collection name is required")
	}
	open, ok := openers[cfg.Kind]
	if !ok {
		return nil, errdefs.Configurationf("unknown store backend %q (known: %v)", cfg.Kind, Known())
	}
	return open(ctx, cfg)
}

// Known lists the registered backend names.
func Known() []string {
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ensureDir(dir string) error {
	if dir == "" {
		return errdefs.Configurationf("persist directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.Store("create persist directory", err)
	}
	return nil
}
