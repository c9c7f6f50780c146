package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/docvault/internal/config"
	"github.com/efebarandurmaz/docvault/internal/loader"
	"github.com/efebarandurmaz/docvault/internal/observability"
	"github.com/efebarandurmaz/docvault/internal/temporal"
)

type ingestFlags struct {
	root        string
	exclude     []string
	extensions  []string
	batchSize   int
	incremental bool
	async       bool
	wait        bool
	noProgress  bool
}

func newIngestCmd(configPath *string) *cobra.Command {
	var f ingestFlags
	cmd := &cobra.Command{
		Use:   "ingest <path|glob>...",
		Short: "Ingest files, directories or doublestar globs",
		Long: `Ingest discovers files, parses optional YAML front matter into metadata and
ingests each file as one text with "source" set to its path relative to --root.

With --incremental a sync state file in the persist directory records what was
written: unchanged files are skipped, changed files have their previous
identity removed before re-ingest and files that disappeared are removed.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			opts := loader.Options{
				Discovery: loader.Discovery{
					Root:       f.root,
					Patterns:   args,
					Exclude:    f.exclude,
					Extensions: f.extensions,
				},
				IdentityField: cfg.Identity.Field,
				BatchSize:     f.batchSize,
				Incremental:   f.incremental,
				StateDir:      cfg.Store.PersistDirectory,
				Collection:    cfg.Store.Collection,
			}
			if f.async {
				return ingestAsync(ctx, cmd, cfg, opts, f.wait)
			}
			return ingestLocal(ctx, cmd, cfg, opts, !f.noProgress && loader.ProgressEnabled())
		},
	}
	cmd.Flags().StringVar(&f.root, "root", ".", "Directory that relative patterns and source paths are based on")
	cmd.Flags().StringSliceVar(&f.exclude, "exclude", nil, "Doublestar patterns to skip (repeatable)")
	cmd.Flags().StringSliceVar(&f.extensions, "ext", nil, "Extensions included when expanding directories (default .md,.markdown,.mdx,.txt,.rst,.adoc)")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", loader.DefaultBatchSize, "Files per ingest call or workflow batch")
	cmd.Flags().BoolVar(&f.incremental, "incremental", false, "Only write new or changed files and remove deleted ones")
	cmd.Flags().BoolVar(&f.async, "async", false, "Submit a bulk-ingest workflow to the Temporal worker")
	cmd.Flags().BoolVar(&f.wait, "wait", false, "With --async, wait for the workflow to finish")
	cmd.Flags().BoolVar(&f.noProgress, "no-progress", false, "Disable the progress bar")
	return cmd
}

func ingestLocal(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts loader.Options, progress bool) error {
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	opts.Progress = loader.NewProgress(progress, os.Stderr, "ingesting")
	report, err := loader.Run(ctx, a.svc, opts)
	slog.Info("Ingest finished",
		"discovered", report.Discovered,
		"ingested", report.Ingested,
		"chunks", report.Chunks,
		"unchanged", report.Unchanged,
		"deleted", report.Deleted)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), report)
}

// ingestAsync plans the ingest locally and hands the work to a workflow.
// Incremental state can only be committed once the workflow has finished, so
// --incremental implies --wait.
func ingestAsync(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts loader.Options, wait bool) error {
	docs, empty, err := loader.Collect(opts.Discovery, opts.IdentityField)
	if err != nil {
		return err
	}
	var state *loader.SyncState
	if opts.Incremental {
		if state, err = loader.LoadState(opts.StateDir, opts.Collection); err != nil {
			return err
		}
		wait = true
	}
	plan := state.Diff(docs)
	if len(plan.Ingest) == 0 && len(plan.StaleIdentities) == 0 {
		slog.Info("Nothing to ingest", "discovered", len(docs)+empty, "unchanged", len(plan.Unchanged))
		if state != nil {
			state.Commit(plan)
			return state.Save(opts.StateDir)
		}
		return nil
	}

	texts, metas := loader.Texts(plan.Ingest)
	input := temporal.BulkIngestInput{
		Texts:     texts,
		Metadatas: metas,
		BatchSize: opts.BatchSize,
		RemoveIDs: plan.StaleIdentities,
	}

	audit, err := observability.InitGlobalAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Output,
	})
	if err != nil {
		return err
	}
	defer audit.Close()

	c, err := dialTemporal(cfg.Temporal)
	if err != nil {
		return err
	}
	defer c.Close()

	sub, err := temporal.Submit(ctx, c, cfg.Temporal.TaskQueue, cfg.Store.Collection, input, wait)
	if err != nil {
		return err
	}
	slog.Info("Bulk ingest submitted", "workflow_id", sub.WorkflowID, "texts", len(texts), "remove", len(plan.StaleIdentities))

	if state != nil {
		state.Commit(plan)
		if err := state.Save(opts.StateDir); err != nil {
			return err
		}
	}
	return printJSON(cmd.OutOrStdout(), sub)
}

func dialTemporal(cfg config.TemporalConfig) (temporalclient.Client, error) {
	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Host,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client: %w", err)
	}
	return c, nil
}
