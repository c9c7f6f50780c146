// Package pipeline implements the ingest, retrieve and remove operations on
// top of a chunker, an embedding provider and a vector collection.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/efebarandurmaz/docvault/internal/chunker"
	"github.com/efebarandurmaz/docvault/internal/embedding"
	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/identity"
	"github.com/efebarandurmaz/docvault/internal/observability"
	"github.com/efebarandurmaz/docvault/internal/vector"
)

// DefaultK is the result count used when a query does not name one.
const DefaultK = 20

// DefaultStoreTimeout bounds every collection call.
const DefaultStoreTimeout = 30 * time.Second

// Options are the dependencies of a Service.
type Options struct {
	Collection vector.Collection
	Embedder   embedding.Provider
	Splitter   *chunker.Splitter

	// CollectionName labels spans and audit events.
	CollectionName string
	// IdentityField is the metadata key holding a caller-supplied identity.
	IdentityField string
	// StoreTimeout bounds each collection call; 0 selects DefaultStoreTimeout.
	StoreTimeout time.Duration

	Metrics *observability.DocvaultMetrics
	Audit   *observability.AuditLogger
}

// Service is safe for concurrent use; the collection serializes writers.
type Service struct {
	coll         vector.Collection
	embedder     embedding.Provider
	splitter     *chunker.Splitter
	name         string
	idField      string
	storeTimeout time.Duration
	metrics      *observability.DocvaultMetrics
	audit        *observability.AuditLogger
}

// New validates opts and returns a Service.
func New(opts Options) (*Service, error) {
	if opts.Collection == nil {
		return nil, errdefs.Configurationf("pipeline: collection is required")
	}
	if opts.Embedder == nil {
		return nil, errdefs.Configurationf("pipeline: embedding provider is required")
	}
	s := &Service{
		coll:         opts.Collection,
		embedder:     opts.Embedder,
		splitter:     opts.Splitter,
		name:         opts.CollectionName,
		idField:      opts.IdentityField,
		storeTimeout: opts.StoreTimeout,
		metrics:      opts.Metrics,
		audit:        opts.Audit,
	}
	if s.splitter == nil {
		s.splitter = chunker.Default()
	}
	if s.idField == "" {
		s.idField = identity.DefaultField
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = DefaultStoreTimeout
	}
	if s.metrics == nil {
		s.metrics = observability.Metrics()
	}
	if s.audit == nil {
		s.audit = observability.Audit()
	}
	return s, nil
}

// Collection returns the underlying collection.
func (s *Service) Collection() vector.Collection { return s.coll }

// Result holds co-indexed query results ordered by ascending distance.
type Result struct {
	IDs       []string         `json:"ids"`
	Documents []string         `json:"documents"`
	Distances []float64        `json:"distances"`
	Metadatas []map[string]any `json:"metadatas"`
}

// Ingest chunks and embeds texts and writes every chunk of the batch in a
// single add followed by persist. It returns the number of chunks written.
// metadatas may be empty; otherwise it must have one entry per text.
func (s *Service) Ingest(ctx context.Context, texts []string, metadatas []map[string]any) (n int, err error) {
	ctx, span := observability.StartPipelineSpan(ctx, observability.SpanIngest, s.name)
	start := time.Now()
	defer func() {
		observability.RecordIngestResult(span, len(texts), n)
		observability.RecordError(span, err)
		span.End()
		s.metrics.RecordOperation(observability.OpIngest, start, err)
		s.audit.LogIngest(ctx, s.name, len(texts), n, time.Since(start), err)
	}()

	if len(metadatas) > 0 && len(metadatas) != len(texts) {
		return 0, errdefs.Validationf("metadatas has %d entries but texts has %d", len(metadatas), len(texts))
	}
	if len(texts) == 0 {
		return 0, nil
	}

	records, contents := s.prepare(texts, metadatas)
	vectors, err := s.embedder.Embed(ctx, contents)
	if err != nil {
		return 0, err
	}
	if err := embedding.CheckCount(s.embedder.Name(), contents, vectors); err != nil {
		return 0, errdefs.Upstream("embed", err)
	}
	for i := range records {
		records[i].Vector = vectors[i]
	}

	var written int
	err = s.withStore(ctx, "add", func(ctx context.Context) error {
		var err error
		written, err = s.coll.Add(ctx, records)
		return err
	})
	if err != nil {
		return 0, err
	}
	if err := s.withStore(ctx, "persist", s.coll.Persist); err != nil {
		return 0, err
	}

	s.metrics.TextsIngestedTotal.Add(float64(len(texts)))
	s.metrics.ChunksIngestedTotal.Add(float64(written))
	s.refreshSize(ctx)
	slog.Debug("Ingested texts", "collection", s.name, "texts", len(texts), "chunks", written)
	return written, nil
}

// prepare assigns identities and chunks every text. Each chunk's metadata is
// a copy of its text's metadata with the identity field filled in.
func (s *Service) prepare(texts []string, metadatas []map[string]any) ([]vector.Record, []string) {
	var records []vector.Record
	var contents []string
	for i, text := range texts {
		var meta map[string]any
		if len(metadatas) > 0 {
			meta = metadatas[i]
		}
		id := identity.Assign(text, meta, s.idField)
		base := maps.Clone(meta)
		if base == nil {
			base = map[string]any{}
		}
		if v, ok := base[s.idField]; !ok || v == nil {
			base[s.idField] = id
		}
		for _, c := range s.splitter.Split(text, base) {
			records = append(records, vector.Record{
				Key:      identity.ChunkKey(id, c.Index, c.Count),
				Identity: id,
				Content:  c.Content,
				Metadata: c.Metadata,
			})
			contents = append(contents, c.Content)
		}
	}
	return records, contents
}

// Retrieve returns the k stored chunks nearest to vec that satisfy filter.
func (s *Service) Retrieve(ctx context.Context, vec []float32, k int, filter *vector.Filter) (res Result, err error) {
	ctx, span := observability.StartPipelineSpan(ctx, observability.SpanRetrieve, s.name)
	start := time.Now()
	defer func() {
		observability.RecordRetrieveResult(span, k, len(res.Documents), !filter.Empty())
		observability.RecordError(span, err)
		span.End()
		s.metrics.RecordOperation(observability.OpRetrieve, start, err)
	}()
	s.metrics.QueriesTotal.Inc()

	q := vector.Query{Vector: vec, K: k, Filter: filter}
	if err := q.Validate(); err != nil {
		return Result{}, err
	}

	var matches []vector.Match
	err = s.withStore(ctx, "query", func(ctx context.Context) error {
		var err error
		matches, err = s.coll.Query(ctx, q)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	res = Result{
		IDs:       make([]string, len(matches)),
		Documents: make([]string, len(matches)),
		Distances: make([]float64, len(matches)),
		Metadatas: make([]map[string]any, len(matches)),
	}
	for i, m := range matches {
		res.IDs[i] = m.Identity
		res.Documents[i] = m.Content
		res.Distances[i] = m.Distance
		res.Metadatas[i] = m.Metadata
		if res.Metadatas[i] == nil {
			res.Metadatas[i] = map[string]any{}
		}
	}
	return res, nil
}

// Remove deletes every chunk of the given identities and persists. It echoes
// ids whether or not they existed.
func (s *Service) Remove(ctx context.Context, ids []string) (out []string, err error) {
	ctx, span := observability.StartPipelineSpan(ctx, observability.SpanRemove, s.name)
	start := time.Now()
	defer func() {
		observability.RecordError(span, err)
		span.End()
		s.metrics.RecordOperation(observability.OpRemove, start, err)
		s.audit.LogDelete(ctx, s.name, ids, time.Since(start), err)
	}()

	if ids == nil {
		ids = []string{}
	}
	if err := s.withStore(ctx, "delete", func(ctx context.Context) error {
		return s.coll.Delete(ctx, ids)
	}); err != nil {
		return nil, err
	}
	if err := s.withStore(ctx, "persist", s.coll.Persist); err != nil {
		return nil, err
	}
	s.metrics.DeletesTotal.Add(float64(len(ids)))
	s.refreshSize(ctx)
	return ids, nil
}

// Stats reports the collection size and dimension.
func (s *Service) Stats(ctx context.Context) (vector.Stats, error) {
	var st vector.Stats
	err := s.withStore(ctx, "stats", func(ctx context.Context) error {
		var err error
		st, err = s.coll.Stats(ctx)
		return err
	})
	return st, err
}

func (s *Service) refreshSize(ctx context.Context) {
	st, err := s.Stats(ctx)
	if err != nil {
		slog.Debug("Collection stats unavailable", "collection", s.name, "error", err)
		return
	}
	s.metrics.CollectionRecords.Set(float64(st.Count))
}

// withStore runs fn under the store timeout. The call itself is detached from
// the caller's cancellation: a caller that gives up only stops waiting, and
// the write either lands or is never applied.
func (s *Service) withStore(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		return errdefs.Store(op, err)
	case <-callCtx.Done():
		// fn may have finished at the deadline; prefer its result.
		select {
		case err := <-done:
			return errdefs.Store(op, err)
		default:
		}
		return errdefs.Upstream(op, fmt.Errorf("store call exceeded %s: %w", s.storeTimeout, context.DeadlineExceeded))
	case <-ctx.Done():
		return errdefs.Upstream(op, ctx.Err())
	}
}
