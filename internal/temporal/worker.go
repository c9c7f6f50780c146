package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/efebarandurmaz/docvault/internal/observability"
)

// StartWorker creates and starts a Temporal worker.
func StartWorker(c client.Client, taskQueue string) (worker.Worker, error) {
	w := worker.New(c, taskQueue, worker.Options{})
	Register(w)

	if err := w.Start(); err != nil {
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	return w, nil
}

// Register adds the bulk-ingest workflow and its activities to r.
func Register(r worker.Registry) {
	r.RegisterWorkflow(BulkIngestWorkflow)
	r.RegisterActivity(IngestBatchActivity)
	r.RegisterActivity(RemoveActivity)
}

// Starter starts workflow executions; client.Client satisfies it.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow any, args ...any) (client.WorkflowRun, error)
}

// Submission describes a submitted bulk ingest. Output is set only when the
// caller waited for completion.
type Submission struct {
	WorkflowID string            `json:"workflow_id"`
	RunID      string            `json:"run_id"`
	Output     *BulkIngestOutput `json:"output,omitempty"`
}

// Submit starts a BulkIngestWorkflow on taskQueue and, when wait is set,
// blocks until it finishes.
func Submit(ctx context.Context, c Starter, taskQueue, collection string, input BulkIngestInput, wait bool) (*Submission, error) {
	opts := client.StartWorkflowOptions{
		ID:        "docvault-ingest-" + uuid.NewString(),
		TaskQueue: taskQueue,
	}
	start := time.Now()
	run, err := c.ExecuteWorkflow(ctx, opts, BulkIngestWorkflow, input)
	if err != nil {
		return nil, fmt.Errorf("starting workflow: %w", err)
	}

	audit := observability.Audit()
	audit.LogWorkflowStart(ctx, run.GetID(), collection, len(input.Texts))
	sub := &Submission{WorkflowID: run.GetID(), RunID: run.GetRunID()}
	if !wait {
		return sub, nil
	}

	var out BulkIngestOutput
	err = run.Get(ctx, &out)
	audit.LogWorkflowEnd(ctx, run.GetID(), out.Chunks, time.Since(start), err)
	if err != nil {
		return sub, fmt.Errorf("workflow %s: %w", run.GetID(), err)
	}
	sub.Output = &out
	return sub, nil
}
