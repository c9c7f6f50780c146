package loader

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// DefaultBatchSize is the number of files sent per ingest call.
const DefaultBatchSize = 32

// Ingester is the part of the pipeline the loader drives.
type Ingester interface {
	Ingest(ctx context.Context, texts []string, metadatas []map[string]any) (int, error)
	Remove(ctx context.Context, ids []string) ([]string, error)
}

// Options configures Run.
type Options struct {
	Discovery
	IdentityField string
	// BatchSize is the number of files per Ingest call; 0 selects
	// DefaultBatchSize.
	BatchSize int
	// Incremental keeps a SyncState in StateDir and only writes what changed.
	Incremental bool
	StateDir    string
	Collection  string
	Progress    Progress
}

// Report summarizes a run.
type Report struct {
	Discovered int      `json:"discovered"`
	Ingested   int      `json:"ingested"`
	Chunks     int      `json:"chunks"`
	Unchanged  int      `json:"unchanged"`
	Empty      int      `json:"empty"`
	Deleted    int      `json:"deleted"`
	Removed    []string `json:"removed_identities,omitempty"`
}

// Collect discovers and loads documents. Files with no text after front
// matter are skipped and counted in the second return value.
func Collect(d Discovery, idField string) ([]Document, int, error) {
	paths, err := Discover(d)
	if err != nil {
		return nil, 0, err
	}
	docs := make([]Document, 0, len(paths))
	empty := 0
	for _, path := range paths {
		doc, err := Load(d.Root, path, idField)
		if err != nil {
			return nil, 0, err
		}
		if strings.TrimSpace(doc.Text) == "" {
			slog.Warn("Skipping empty document", "source", doc.Source)
			empty++
			continue
		}
		docs = append(docs, doc)
	}
	return docs, empty, nil
}

// Texts splits docs into the parallel slices Ingest takes.
func Texts(docs []Document) ([]string, []map[string]any) {
	texts := make([]string, len(docs))
	metas := make([]map[string]any, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
		metas[i] = d.Metadata
	}
	return texts, metas
}

// Run collects documents and ingests them. With opts.Incremental the sync
// state is loaded first and saved afterwards, including after a failed batch,
// so completed batches are not repeated.
func Run(ctx context.Context, ing Ingester, opts Options) (report Report, err error) {
	docs, empty, err := Collect(opts.Discovery, opts.IdentityField)
	if err != nil {
		return Report{}, err
	}

	var state *SyncState
	if opts.Incremental {
		state, err = LoadState(opts.StateDir, opts.Collection)
		if err != nil {
			return Report{}, err
		}
		defer func() {
			if saveErr := state.Save(opts.StateDir); saveErr != nil && err == nil {
				err = saveErr
			}
		}()
	}

	plan := state.Diff(docs)
	report, err = Apply(ctx, ing, plan, state, opts.BatchSize, opts.Progress)
	report.Discovered = len(docs) + empty
	report.Empty = empty
	return report, err
}

// Apply removes stale identities, then ingests plan.Ingest in batches. When
// state is non-nil it is updated as each step succeeds.
func Apply(ctx context.Context, ing Ingester, plan Plan, state *SyncState, batchSize int, progress Progress) (Report, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if progress == nil {
		progress = nopProgress{}
	}
	report := Report{Unchanged: len(plan.Unchanged), Deleted: len(plan.Deleted)}

	if len(plan.StaleIdentities) > 0 {
		removed, err := ing.Remove(ctx, plan.StaleIdentities)
		if err != nil {
			return report, fmt.Errorf("remove stale documents: %w", err)
		}
		report.Removed = removed
	}
	if state != nil {
		for _, source := range plan.Deleted {
			state.Forget(source)
		}
	}

	progress.Start(len(plan.Ingest))
	defer progress.Finish()
	for start := 0; start < len(plan.Ingest); start += batchSize {
		end := min(start+batchSize, len(plan.Ingest))
		batch := plan.Ingest[start:end]
		texts, metas := Texts(batch)

		n, err := ing.Ingest(ctx, texts, metas)
		if err != nil {
			return report, fmt.Errorf("ingest %s: %w", batch[0].Source, err)
		}
		report.Ingested += len(batch)
		report.Chunks += n
		if state != nil {
			for _, doc := range batch {
				state.Record(doc)
			}
		}
		progress.Add(len(batch))
		slog.Debug("Ingested batch", "files", len(batch), "chunks", n)
	}
	return report, nil
}
