// Package sqlite stores a collection in an embedded SQLite database.
// Queries scan every row and rank in Go.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	_ "modernc.org/sqlite"
)

// Collection implements vector.Collection on SQLite.
type Collection struct {
	name string
	path string
	db   *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates <dir>/<name>.sqlite.
func Open(dir, name string) (*Collection, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errdefs.Store("sqlite mkdir", err)
	}
	path := filepath.Join(dir, name+".sqlite")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errdefs.Store("sqlite open", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &Collection{name: name, path: path, db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, errdefs.Store("sqlite init", err)
	}
	return c, nil
}

func (c *Collection) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS collection_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			dimension INTEGER NOT NULL DEFAULT 0,
			next_seq INTEGER NOT NULL DEFAULT 1
		);`,
		`INSERT OR IGNORE INTO collection_meta (id) VALUES (1);`,
		`CREATE TABLE IF NOT EXISTS records (
			key TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			seq INTEGER NOT NULL,
			content TEXT NOT NULL,
			metadata TEXT,
			vector BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_identity ON records (identity);`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collection) meta(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (dim int, next int64, err error) {
	err = q.QueryRowContext(ctx, `SELECT dimension, next_seq FROM collection_meta WHERE id = 1`).Scan(&dim, &next)
	return dim, next, err
}

func (c *Collection) Add(ctx context.Context, records []vector.Record) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errdefs.Store("sqlite add", err)
	}
	n, err := c.add(ctx, tx, records)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, errdefs.Store("sqlite commit", err)
	}
	return n, nil
}

func (c *Collection) add(ctx context.Context, tx *sql.Tx, records []vector.Record) (int, error) {
	dim, next, err := c.meta(ctx, tx)
	if err != nil {
		return 0, errdefs.Store("sqlite add", err)
	}
	batch, newDim, err := vector.PrepareBatch(records, dim)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (key, identity, seq, content, metadata, vector)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			identity = excluded.identity,
			content = excluded.content,
			metadata = excluded.metadata,
			vector = excluded.vector`)
	if err != nil {
		return 0, errdefs.Store("sqlite add", err)
	}
	defer stmt.Close()

	for i, r := range batch {
		meta, err := encodeMetadata(r.Metadata)
		if err != nil {
			return 0, errdefs.Validationf("record %q: %v", r.Key, err)
		}
		if _, err := stmt.ExecContext(ctx, r.Key, r.Identity, next+int64(i), r.Content, meta, vector.EncodeVector(r.Vector)); err != nil {
			return 0, errdefs.Store("sqlite add", err)
		}
	}
	_, err = tx.ExecContext(ctx, `UPDATE collection_meta SET dimension = ?, next_seq = ? WHERE id = 1`,
		newDim, next+int64(len(batch)))
	if err != nil {
		return 0, errdefs.Store("sqlite add", err)
	}
	return len(records), nil
}

func (c *Collection) Query(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	dim, _, err := c.meta(ctx, c.db)
	if err != nil {
		return nil, errdefs.Store("sqlite query", err)
	}
	if dim == 0 {
		return nil, nil
	}
	if len(q.Vector) != dim {
		return nil, errdefs.DimensionMismatch(len(q.Vector), dim)
	}

	rows, err := c.db.QueryContext(ctx, `SELECT key, identity, seq, content, metadata, vector FROM records`)
	if err != nil {
		return nil, errdefs.Store("sqlite query", err)
	}
	defer rows.Close()

	top := vector.NewTopK(q.K)
	for rows.Next() {
		var (
			r        vector.Record
			seq      uint64
			metaJSON sql.NullString
			blob     []byte
		)
		if err := rows.Scan(&r.Key, &r.Identity, &seq, &r.Content, &metaJSON, &blob); err != nil {
			return nil, errdefs.Store("sqlite scan", err)
		}
		if metaJSON.Valid {
			if err := json.Unmarshal([]byte(metaJSON.String), &r.Metadata); err != nil {
				return nil, errdefs.Store("sqlite scan", fmt.Errorf("record %q metadata: %w", r.Key, err))
			}
		}
		if !q.Filter.Match(r.Metadata) {
			continue
		}
		vec, err := vector.DecodeVector(blob)
		if err != nil {
			return nil, errdefs.Store("sqlite scan", fmt.Errorf("record %q: %w", r.Key, err))
		}
		r.Vector = vec
		top.Push(r, seq, vector.CosineDistance(q.Vector, vec))
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Store("sqlite query", err)
	}
	return top.Matches(), nil
}

func (c *Collection) Delete(ctx context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Store("sqlite delete", err)
	}
	for start := 0; start < len(identities); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(identities))
		query, args := buildInClause("DELETE FROM records WHERE identity IN (%s)", identities[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return errdefs.Store("sqlite delete", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Store("sqlite commit", err)
	}
	return nil
}

// Persist checkpoints the write-ahead log into the database file.
func (c *Collection) Persist(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `PRAGMA wal_checkpoint(FULL);`)
	return errdefs.Store("sqlite checkpoint", err)
}

func (c *Collection) Stats(ctx context.Context) (vector.Stats, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := vector.Stats{Backend: "sqlite", Collection: c.name}
	dim, _, err := c.meta(ctx, c.db)
	if err != nil {
		return st, errdefs.Store("sqlite stats", err)
	}
	st.Dimension = dim
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&st.Count); err != nil {
		return st, errdefs.Store("sqlite stats", err)
	}
	return st, nil
}

// Path is the database file.
func (c *Collection) Path() string { return c.path }

func (c *Collection) Close() error {
	return c.db.Close()
}

func encodeMetadata(meta map[string]any) (any, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// deleteBatchSize keeps each statement well under SQLite's host parameter
// limit.
const deleteBatchSize = 500

func buildInClause(format string, values []string) (string, []any) {
	placeholders := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		placeholders[i] = "?"
		args[i] = v
	}
	return fmt.Sprintf(format, strings.Join(placeholders, ",")), args
}

var _ vector.Collection = (*Collection)(nil)
