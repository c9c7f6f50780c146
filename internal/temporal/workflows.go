package temporal

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// DefaultBatchSize is the number of texts per IngestBatchActivity when the
// input does not name one.
const DefaultBatchSize = 32

// ErrTypeValidation is the application error type of failures that no retry
// can fix.
const ErrTypeValidation = "ValidationError"

var batchActivityOptions = workflow.ActivityOptions{
	StartToCloseTimeout: 10 * time.Minute,
	RetryPolicy: &temporal.RetryPolicy{
		InitialInterval:        time.Second,
		BackoffCoefficient:     2.0,
		MaximumInterval:        time.Minute,
		MaximumAttempts:        3,
		NonRetryableErrorTypes: []string{ErrTypeValidation},
	},
}

// BulkIngestInput holds the workflow parameters.
type BulkIngestInput struct {
	Texts     []string         `json:"texts"`
	Metadatas []map[string]any `json:"metadatas,omitempty"`
	BatchSize int              `json:"batchSize,omitempty"`

	// RemoveIDs are identities deleted before any batch is ingested, queued
	// by incremental sync for changed or deleted files.
	RemoveIDs []string `json:"removeIds,omitempty"`
}

// BulkIngestOutput holds the workflow result.
type BulkIngestOutput struct {
	Texts   int `json:"texts"`
	Chunks  int `json:"chunks"`
	Batches int `json:"batches"`
	Removed int `json:"removed"`
}

// BatchInput is one slice of a bulk ingest.
type BatchInput struct {
	Texts     []string         `json:"texts"`
	Metadatas []map[string]any `json:"metadatas,omitempty"`
}

// BulkIngestWorkflow removes queued identities, then ingests the texts in
// batches. Batches run in order so a later duplicate key wins, as it does
// within a single ingest call.
func BulkIngestWorkflow(ctx workflow.Context, input BulkIngestInput) (*BulkIngestOutput, error) {
	if len(input.Metadatas) > 0 && len(input.Metadatas) != len(input.Texts) {
		return nil, temporal.NewNonRetryableApplicationError(
			fmt.Sprintf("metadatas has %d entries but texts has %d", len(input.Metadatas), len(input.Texts)),
			ErrTypeValidation, nil)
	}
	size := input.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	ctx = workflow.WithActivityOptions(ctx, batchActivityOptions)
	logger := workflow.GetLogger(ctx)
	out := &BulkIngestOutput{Texts: len(input.Texts)}

	if len(input.RemoveIDs) > 0 {
		var removed []string
		if err := workflow.ExecuteActivity(ctx, RemoveActivity, input.RemoveIDs).Get(ctx, &removed); err != nil {
			return nil, fmt.Errorf("remove: %w", err)
		}
		out.Removed = len(removed)
	}

	for start := 0; start < len(input.Texts); start += size {
		end := min(start+size, len(input.Texts))
		batch := BatchInput{Texts: input.Texts[start:end]}
		if len(input.Metadatas) > 0 {
			batch.Metadatas = input.Metadatas[start:end]
		}

		var chunks int
		if err := workflow.ExecuteActivity(ctx, IngestBatchActivity, batch).Get(ctx, &chunks); err != nil {
			return nil, fmt.Errorf("batch %d (texts %d-%d): %w", out.Batches, start, end-1, err)
		}
		out.Chunks += chunks
		out.Batches++
		logger.Debug("Batch ingested", "batch", out.Batches, "chunks", chunks)
	}

	return out, nil
}
