// Package neo4j stores collections as nodes in Neo4j 5. Every chunk is a
// :DocvaultChunk node scoped by its collection name; per-collection dimension
// and insertion counter live on a :DocvaultCollection node.
package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Config addresses a Neo4j server.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

var schema = []string{
	"CREATE CONSTRAINT docvault_collection_name IF NOT EXISTS FOR (c:DocvaultCollection) REQUIRE c.name IS UNIQUE",
	"CREATE CONSTRAINT docvault_chunk_key IF NOT EXISTS FOR (n:DocvaultChunk) REQUIRE (n.collection, n.key) IS UNIQUE",
	"CREATE INDEX docvault_chunk_identity IF NOT EXISTS FOR (n:DocvaultChunk) ON (n.collection, n.identity)",
}

// Collection implements vector.Collection on Neo4j.
type Collection struct {
	driver   neo4j.DriverWithContext
	database string
	name     string
}

// Open connects to Neo4j, installs the schema and registers the collection.
func Open(ctx context.Context, cfg Config, name string) (*Collection, error) {
	if cfg.URI == "" {
		return nil, errdefs.Configurationf("neo4j: uri is required")
	}
	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, errdefs.Configurationf("neo4j driver: %v", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, errdefs.Upstream("neo4j connectivity", err)
	}
	c := &Collection{driver: driver, database: cfg.Database, name: name}
	if err := c.install(ctx); err != nil {
		driver.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Collection) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database, AccessMode: mode})
}

// install runs schema statements in auto-commit transactions, which Neo4j
// requires for schema changes, then creates the collection node.
func (c *Collection) install(ctx context.Context) error {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	for _, stmt := range schema {
		res, err := session.Run(ctx, stmt, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			return remoteErr("neo4j schema", err)
		}
	}
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MERGE (c:DocvaultCollection {name: $name}) ON CREATE SET c.dimension = 0, c.next_seq = 0",
			map[string]any{"name": c.name})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return remoteErr("neo4j register collection", err)
}

const upsertCypher = `
UNWIND $rows AS row
MERGE (n:DocvaultChunk {collection: $collection, key: row.key})
WITH n, row, coalesce(n.seq, row.seq) AS seq
SET n = row.props, n.seq = seq`

// Add writes the batch in one write transaction. The collection node is
// locked first, so concurrent adds serialize and readers see all of a batch
// or none of it.
func (c *Collection) Add(ctx context.Context, records []vector.Record) (int, error) {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	var batchErr error
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		batchErr = nil
		res, err := tx.Run(ctx, `
MATCH (c:DocvaultCollection {name: $name})
SET c.locked_at = timestamp()
RETURN c.dimension AS dimension, c.next_seq AS next_seq`, map[string]any{"name": c.name})
		if err != nil {
			return nil, err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return nil, err
		}
		dim := int(asInt(get(rec, "dimension")))
		next := asInt(get(rec, "next_seq"))

		batch, newDim, err := vector.PrepareBatch(records, dim)
		if err != nil {
			batchErr = err
			return nil, err
		}
		if len(batch) == 0 {
			return nil, nil
		}

		rows := make([]any, len(batch))
		for i, r := range batch {
			props, err := nodeProps(c.name, r)
			if err != nil {
				batchErr = err
				return nil, err
			}
			rows[i] = map[string]any{"key": r.Key, "seq": next + int64(i), "props": props}
		}
		if res, err = tx.Run(ctx, upsertCypher, map[string]any{"collection": c.name, "rows": rows}); err != nil {
			return nil, err
		}
		if _, err := res.Consume(ctx); err != nil {
			return nil, err
		}
		res, err = tx.Run(ctx,
			"MATCH (c:DocvaultCollection {name: $name}) SET c.dimension = $dimension, c.next_seq = $next_seq",
			map[string]any{"name": c.name, "dimension": int64(newDim), "next_seq": next + int64(len(batch))})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if batchErr != nil {
		return 0, batchErr
	}
	if err != nil {
		return 0, remoteErr("neo4j add", err)
	}
	return len(records), nil
}

func (c *Collection) dimension(ctx context.Context, session neo4j.SessionWithContext) (int, error) {
	dim, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, "MATCH (c:DocvaultCollection {name: $name}) RETURN c.dimension AS dimension",
			map[string]any{"name": c.name})
		if err != nil {
			return nil, err
		}
		recs, err := res.Collect(ctx)
		if err != nil || len(recs) == 0 {
			return int64(0), err
		}
		return asInt(get(recs[0], "dimension")), nil
	})
	if err != nil {
		return 0, remoteErr("neo4j dimension", err)
	}
	return int(dim.(int64)), nil
}

func (c *Collection) Query(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	dim, err := c.dimension(ctx, session)
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(q.Vector) != dim {
		return nil, errdefs.DimensionMismatch(len(q.Vector), dim)
	}

	cypher, params := buildSearch(c.name, q)
	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return nil, err
		}
		var matches []vector.Match
		for res.Next(ctx) {
			m, err := toMatch(res.Record())
			if err != nil {
				return nil, err
			}
			matches = append(matches, m)
		}
		return matches, res.Err()
	})
	if err != nil {
		var decodeErr *decodeError
		if errors.As(err, &decodeErr) {
			return nil, errdefs.Store("neo4j decode", err)
		}
		return nil, remoteErr("neo4j search", err)
	}
	return out.([]vector.Match), nil
}

func (c *Collection) Delete(ctx context.Context, identities []string) error {
	if len(identities) == 0 {
		return nil
	}
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx,
			"MATCH (n:DocvaultChunk {collection: $collection}) WHERE n.identity IN $ids DETACH DELETE n",
			map[string]any{"collection": c.name, "ids": identities})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	return remoteErr("neo4j delete", err)
}

// Persist is a no-op: every write commits its own transaction.
func (c *Collection) Persist(context.Context) error { return nil }

func (c *Collection) Stats(ctx context.Context) (vector.Stats, error) {
	st := vector.Stats{Backend: "neo4j", Collection: c.name}
	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	out, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (c:DocvaultCollection {name: $name})
OPTIONAL MATCH (n:DocvaultChunk {collection: $name})
RETURN c.dimension AS dimension, count(n) AS count`, map[string]any{"name": c.name})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return st, remoteErr("neo4j stats", err)
	}
	if recs := out.([]*neo4j.Record); len(recs) > 0 {
		st.Dimension = int(asInt(get(recs[0], "dimension")))
		st.Count = int(asInt(get(recs[0], "count")))
	}
	return st, nil
}

func (c *Collection) Close() error {
	return c.driver.Close(context.Background())
}

// nodeProps renders the full property map of a chunk node. Metadata is kept
// whole as JSON for round trips; filterable values are copied into
// metaPrefix properties.
func nodeProps(collection string, r vector.Record) (map[string]any, error) {
	meta := "{}"
	if r.Metadata != nil {
		b, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, errdefs.Validationf("record %q: metadata is not JSON-serializable: %v", r.Key, err)
		}
		meta = string(b)
	}
	embedding := make([]float64, len(r.Vector))
	var sq float64
	for i, f := range r.Vector {
		embedding[i] = float64(f)
		sq += float64(f) * float64(f)
	}
	props := map[string]any{
		"collection": collection,
		"key":        r.Key,
		"identity":   r.Identity,
		"content":    r.Content,
		"metadata":   meta,
		"embedding":  embedding,
		"norm":       math.Sqrt(sq),
	}
	for k, v := range r.Metadata {
		if pv, ok := propertyValue(v); ok {
			props[metaPrefix+k] = pv
		}
	}
	return props, nil
}

type decodeError struct{ err error }

func (e *decodeError) Error() string { return e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

func toMatch(rec *neo4j.Record) (vector.Match, error) {
	m := vector.Match{
		Key:      asString(get(rec, "key")),
		Identity: asString(get(rec, "identity")),
		Content:  asString(get(rec, "content")),
		Distance: asFloat(get(rec, "dist")),
		Metadata: map[string]any{},
	}
	if raw := asString(get(rec, "metadata")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return m, &decodeError{fmt.Errorf("record %q metadata: %w", m.Key, err)}
		}
		if m.Metadata == nil {
			m.Metadata = map[string]any{}
		}
	}
	return m, nil
}

func get(rec *neo4j.Record, key string) any {
	v, _ := rec.Get(key)
	return v
}

func asInt(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	}
	return 0
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// remoteErr classifies driver failures: lost connections are upstream
// outages, everything else a store error.
func remoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) {
		return errdefs.Upstream(op, err)
	}
	return errdefs.Store(op, err)
}

var _ vector.Collection = (*Collection)(nil)
