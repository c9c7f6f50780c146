package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/efebarandurmaz/docvault/internal/observability"
)

type instrumented struct {
	inner Provider
}

// Instrument records an embedding.embed span and request metrics around
// every call to p.
func Instrument(p Provider) Provider {
	if p == nil {
		return nil
	}
	return &instrumented{inner: p}
}

func (i *instrumented) Name() string { return i.inner.Name() }

func (i *instrumented) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, i.inner.Name(), len(texts))
	defer span.End()

	start := time.Now()
	vectors, err := i.inner.Embed(ctx, texts)
	observability.Metrics().RecordEmbedding(start, err)
	observability.RecordError(span, err)
	if err != nil {
		slog.Debug("Embedding request failed", "provider", i.inner.Name(), "texts", len(texts), "error", err)
	}
	return vectors, err
}
