// Package pgvector stores collections in Postgres with the pgvector
// extension. All collections share one table keyed by collection name.
package pgvector

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsTable = "docvault_schema_migrations"

// Collection implements vector.Collection on Postgres.
type Collection struct {
	db   *sql.DB
	name string
}

// Open connects to dsn, applies pending migrations and registers the
// collection.
func Open(ctx context.Context, dsn, name string) (*Collection, error) {
	if dsn == "" {
		return nil, errdefs.Configurationf("pgvector: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errdefs.Configurationf("pgvector: open: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errdefs.Upstream("pgvector ping", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO docvault_collections (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, name)
	if err != nil {
		db.Close()
		return nil, errdefs.Store("pgvector register collection", err)
	}
	return &Collection{db: db, name: name}, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return errdefs.Store("pgvector migrations source", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return errdefs.Store("pgvector migration driver", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return errdefs.Store("pgvector migrator", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errdefs.Store("pgvector migrate", err)
	}
	return nil
}

func (c *Collection) Add(ctx context.Context, records []vector.Record) (int, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errdefs.Store("pgvector begin", err)
	}
	defer tx.Rollback()

	var dim int
	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT dimension, next_seq FROM docvault_collections WHERE name = $1 FOR UPDATE`, c.name).Scan(&dim, &next)
	if err != nil {
		return 0, errdefs.Store("pgvector lock collection", err)
	}
	batch, newDim, err := vector.PrepareBatch(records, dim)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO docvault_records (collection, key, identity, seq, content, metadata, embedding, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7::vector, now())
ON CONFLICT (collection, key) DO UPDATE SET
  identity = EXCLUDED.identity,
  content = EXCLUDED.content,
  metadata = EXCLUDED.metadata,
  embedding = EXCLUDED.embedding,
  updated_at = now()`)
	if err != nil {
		return 0, errdefs.Store("pgvector prepare", err)
	}
	defer stmt.Close()

	for i, r := range batch {
		meta, err := marshalMetadata(r.Metadata)
		if err != nil {
			return 0, err
		}
		_, err = stmt.ExecContext(ctx, c.name, r.Key, r.Identity, next+int64(i), r.Content, meta, toVectorLiteral(r.Vector))
		if err != nil {
			return 0, errdefs.Store("pgvector upsert", err)
		}
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE docvault_collections SET dimension = $2, next_seq = $3 WHERE name = $1`,
		c.name, newDim, next+int64(len(batch)))
	if err != nil {
		return 0, errdefs.Store("pgvector update collection", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errdefs.Store("pgvector commit", err)
	}
	return len(records), nil
}

func (c *Collection) dimension(ctx context.Context) (int, error) {
	var dim int
	err := c.db.QueryRowContext(ctx,
		`SELECT dimension FROM docvault_collections WHERE name = $1`, c.name).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errdefs.Store("pgvector dimension", err)
	}
	return dim, nil
}

func (c *Collection) Query(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	dim, err := c.dimension(ctx)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(q.Vector) != dim {
		return nil, errdefs.DimensionMismatch(len(q.Vector), dim)
	}

	query, args := buildSearch(c.name, q)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errdefs.Store("pgvector search", err)
	}
	defer rows.Close()

	var out []vector.Match
	for rows.Next() {
		var m vector.Match
		var meta []byte
		if err := rows.Scan(&m.Key, &m.Identity, &m.Content, &meta, &m.Distance); err != nil {
			return nil, errdefs.Store("pgvector scan", err)
		}
		m.Metadata = map[string]any{}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, errdefs.Store("pgvector decode metadata", err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Store("pgvector search", err)
	}
	return out, nil
}

func (c *Collection) Delete(ctx context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM docvault_records WHERE collection = $1 AND identity = ANY($2)`,
		c.name, pq.Array(identities))
	return errdefs.Store("pgvector delete", err)
}

// Persist is a no-op: every write commits its own transaction.
func (c *Collection) Persist(context.Context) error { return nil }

func (c *Collection) Stats(ctx context.Context) (vector.Stats, error) {
	st := vector.Stats{Backend: "pgvector", Collection: c.name}
	err := c.db.QueryRowContext(ctx, `
SELECT c.dimension, (SELECT count(*) FROM docvault_records r WHERE r.collection = c.name)
FROM docvault_collections c WHERE c.name = $1`, c.name).Scan(&st.Dimension, &st.Count)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, errdefs.Store("pgvector stats", err)
	}
	return st, nil
}

func (c *Collection) Close() error {
	return c.db.Close()
}

func marshalMetadata(meta map[string]any) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, errdefs.Validationf("metadata is not JSON-serializable: %v", err)
	}
	return b, nil
}

// toVectorLiteral renders v in pgvector's text form, e.g. [1,0.5,-2].
func toVectorLiteral(v []float32) string {
	var b strings.Builder
	b.Grow(len(v) * 8)
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			f = 0
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var _ vector.Collection = (*Collection)(nil)
