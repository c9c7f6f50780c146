package temporal

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"

	"github.com/efebarandurmaz/docvault/internal/errdefs"
)

// Ingester is the part of the pipeline service the activities drive.
type Ingester interface {
	Ingest(ctx context.Context, texts []string, metadatas []map[string]any) (int, error)
	Remove(ctx context.Context, ids []string) ([]string, error)
}

// Dependencies holds shared resources injected into activities.
type Dependencies struct {
	Pipeline Ingester
}

var deps *Dependencies

// SetDependencies injects shared resources (called during worker setup).
func SetDependencies(d *Dependencies) {
	deps = d
}

func pipelineDep() (Ingester, error) {
	if deps == nil || deps.Pipeline == nil {
		return nil, temporal.NewNonRetryableApplicationError("worker has no pipeline configured", ErrTypeValidation, nil)
	}
	return deps.Pipeline, nil
}

// IngestBatchActivity ingests one batch and returns the chunk count.
func IngestBatchActivity(ctx context.Context, batch BatchInput) (int, error) {
	p, err := pipelineDep()
	if err != nil {
		return 0, err
	}
	n, err := p.Ingest(ctx, batch.Texts, batch.Metadatas)
	return n, activityError(err)
}

// RemoveActivity deletes every record of the given identities.
func RemoveActivity(ctx context.Context, ids []string) ([]string, error) {
	p, err := pipelineDep()
	if err != nil {
		return nil, err
	}
	removed, err := p.Remove(ctx, ids)
	return removed, activityError(err)
}

// activityError marks failures a retry cannot fix as non-retryable. Upstream
// and store errors keep the workflow retry policy.
func activityError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, errdefs.ErrValidation),
		errors.Is(err, errdefs.ErrDimensionMismatch),
		errors.Is(err, errdefs.ErrConfiguration):
		return temporal.NewNonRetryableApplicationError(err.Error(), ErrTypeValidation, err)
	default:
		return err
	}
}
