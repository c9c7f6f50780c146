package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/efebarandurmaz/docvault/internal/chunker"
	"github.com/efebarandurmaz/docvault/internal/config"
	"github.com/efebarandurmaz/docvault/internal/embedding"
	"github.com/efebarandurmaz/docvault/internal/embedding/providers"
	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/observability"
	"github.com/efebarandurmaz/docvault/internal/pipeline"
	"github.com/efebarandurmaz/docvault/internal/secrets"
	"github.com/efebarandurmaz/docvault/internal/vector"
	"github.com/efebarandurmaz/docvault/internal/vector/backend"
	"github.com/efebarandurmaz/docvault/internal/vector/neo4j"
	"github.com/efebarandurmaz/docvault/internal/vector/qdrant"
)

// app is the wired pipeline plus everything that has to be flushed or closed
// on exit.
type app struct {
	cfg     *config.Config
	coll    vector.Collection
	svc     *pipeline.Service
	metrics *observability.DocvaultMetrics
	audit   *observability.AuditLogger
	tracer  *observability.TracerProvider
}

// newLogger builds the root logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// loadConfig reads configuration and installs the root logger.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return cfg, nil
}

func newSecrets(cfg config.SecretsConfig) (*secrets.Manager, error) {
	return secrets.NewManager(&secrets.Config{
		Provider:  cfg.Provider,
		FilePath:  cfg.File,
		EnvPrefix: secrets.DefaultEnvPrefix,
	})
}

// storeConfig resolves the backend selection and its credentials.
func storeConfig(ctx context.Context, cfg *config.Config, sm *secrets.Manager) (backend.Config, error) {
	bc := backend.Config{
		Kind:             cfg.Store.Backend,
		PersistDirectory: cfg.Store.PersistDirectory,
		Collection:       cfg.Store.Collection,
	}
	switch cfg.Store.Backend {
	case backend.Qdrant:
		bc.Qdrant = qdrant.Config{
			Host:   cfg.Store.Qdrant.Host,
			Port:   cfg.Store.Qdrant.Port,
			APIKey: sm.GetOrDefault(ctx, cfg.Store.Qdrant.APIKeySecret, ""),
		}
	case backend.PGVector:
		dsn, err := sm.Get(ctx, cfg.Store.PGVector.DSNSecret)
		if errors.Is(err, secrets.ErrNotFound) {
			return bc, errdefs.Configurationf("store.backend pgvector needs the %s secret", cfg.Store.PGVector.DSNSecret)
		}
		if err != nil {
			return bc, err
		}
		bc.PostgresDSN = dsn
	case backend.Neo4j:
		bc.Neo4j = neo4j.Config{
			URI:      cfg.Store.Neo4j.URI,
			Username: cfg.Store.Neo4j.Username,
			Password: sm.GetOrDefault(ctx, cfg.Store.Neo4j.PasswordSecret, ""),
			Database: cfg.Store.Neo4j.Database,
		}
	}
	return bc, nil
}

func newEmbedder(ctx context.Context, cfg config.EmbeddingConfig, sm *secrets.Manager) (embedding.Provider, error) {
	return providers.NewFactory().Create(embedding.ProviderConfig{
		Provider:          cfg.Provider,
		APIKey:            sm.GetOrDefault(ctx, cfg.APIKeySecret, ""),
		Model:             cfg.Model,
		BaseURL:           cfg.BaseURL,
		Timeout:           cfg.Timeout,
		MaxRetries:        cfg.MaxRetries,
		RetryDelay:        cfg.RetryDelay,
		BatchSize:         cfg.BatchSize,
		RequestsPerMinute: cfg.RequestsPerMinute,
		Burst:             cfg.Burst,
	})
}

// openApp wires tracing, audit, the collection, the embedding provider and
// the pipeline service from cfg.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tracer, err := observability.InitTracing(ctx, &observability.TracingConfig{
		ServiceName:    "docvault",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		SampleRate:     cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	audit, err := observability.InitGlobalAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Output,
	})
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, err
	}

	a := &app{cfg: cfg, metrics: observability.Metrics(), audit: audit, tracer: tracer}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	sm, err := newSecrets(cfg.Secrets)
	if err != nil {
		return err
	}
	slog.Debug("Secrets resolved", "source", sm.Source())

	bc, err := storeConfig(ctx, cfg, sm)
	if err != nil {
		return err
	}
	a.coll, err = backend.Open(ctx, bc)
	if err != nil {
		return fmt.Errorf("opening %s collection %q: %w", bc.Kind, bc.Collection, err)
	}

	embedder, err := newEmbedder(ctx, cfg.Embedding, sm)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}

	splitter, err := chunker.New(cfg.Chunker.Size, cfg.Chunker.Overlap, cfg.Chunker.Separators)
	if err != nil {
		return err
	}

	a.svc, err = pipeline.New(pipeline.Options{
		Collection:     a.coll,
		Embedder:       embedder,
		Splitter:       splitter,
		CollectionName: cfg.Store.Collection,
		IdentityField:  cfg.Identity.Field,
		StoreTimeout:   cfg.Store.Timeout,
		Metrics:        a.metrics,
		Audit:          a.audit,
	})
	if err != nil {
		return err
	}
	slog.Debug("Pipeline ready",
		"backend", cfg.Store.Backend,
		"collection", cfg.Store.Collection,
		"provider", embedder.Name(),
		"model", cfg.Embedding.Model)
	return nil
}

// close persists and closes the collection, then flushes tracing and the
// audit log. Used by the one-shot commands; serve and worker register the
// same steps as shutdown hooks.
func (a *app) close(ctx context.Context) {
	if a.coll != nil {
		if err := a.coll.Persist(ctx); err != nil {
			slog.Error("Persist failed", "error", err)
		}
		if err := a.coll.Close(); err != nil {
			slog.Error("Closing collection failed", "error", err)
		}
	}
	if err := a.tracer.Shutdown(ctx); err != nil {
		slog.Error("Tracing shutdown failed", "error", err)
	}
	if err := a.audit.Close(); err != nil {
		slog.Error("Closing audit log failed", "error", err)
	}
}
