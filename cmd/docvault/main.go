package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/efebarandurmaz/docvault/internal/config"
	"github.com/efebarandurmaz/docvault/internal/embedding"
	"github.com/efebarandurmaz/docvault/internal/errdefs"
	"github.com/efebarandurmaz/docvault/internal/pipeline"
	"github.com/efebarandurmaz/docvault/internal/server"
	"github.com/efebarandurmaz/docvault/internal/vector"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "docvault",
		Short:        "Document ingestion and semantic retrieval service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file path (default "+config.DefaultPath+" when present)")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newIngestCmd(&configPath),
		newQueryCmd(&configPath),
		newDeleteCmd(&configPath),
		newStatsCmd(&configPath),
		newWorkerCmd(&configPath),
		newProvidersCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runServe(cfg)
		},
	}
}

func newQueryCmd(configPath *string) *cobra.Command {
	var (
		vectorJSON string
		k          int
		filterJSON string
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Return the k nearest chunks to a query vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			vec, err := parseVector(vectorJSON)
			if err != nil {
				return err
			}
			filter, err := vector.ParseFilterJSON(filterJSON)
			if err != nil {
				return err
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			res, err := a.svc.Retrieve(ctx, vec, k, filter)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&vectorJSON, "vector", "", "Query embedding as a JSON array of numbers")
	cmd.Flags().IntVar(&k, "k", pipeline.DefaultK, "Number of results")
	cmd.Flags().StringVar(&filterJSON, "filter", "", "Metadata filter as a JSON object")
	_ = cmd.MarkFlagRequired("vector")
	return cmd
}

func newDeleteCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete every chunk of the given document identities",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			deleted, err := a.svc.Remove(ctx, args)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{"deleted_ids": deleted})
		},
	}
}

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show record count, dimension and backend of the collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			st, err := a.svc.Stats(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List available embedding providers",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available embedding providers:")
			fmt.Fprintln(out)
			names := make([]string, 0, len(embedding.KnownProviders))
			for name := range embedding.KnownProviders {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "  %-14s %s\n", name, embedding.KnownProviders[name])
			}
			fmt.Fprintln(out, "  custom         (set base_url to any OpenAI-compatible endpoint)")
			fmt.Fprintln(out)
			fmt.Fprintln(out, "Configure in docvault.yaml or via environment:")
			fmt.Fprintln(out, "  DOCVAULT_EMBEDDING_PROVIDER=openai")
			fmt.Fprintln(out, "  DOCVAULT_EMBEDDING_MODEL=text-embedding-3-small")
			fmt.Fprintln(out, "  DOCVAULT_EMBEDDING_API_KEY=sk-...")
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "docvault %s\n", version)
		},
	}
}

// runServe serves until SIGINT or SIGTERM, then runs the shutdown hooks in
// priority order.
func runServe(cfg *config.Config) error {
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}

	srv := server.New(&server.Config{
		Addr:         cfg.Server.Addr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  server.DefaultConfig().IdleTimeout,
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: server.DefaultConfig().MaxBodyBytes,
		Version:      version,
	}, a.svc, a.metrics)

	started := time.Now()
	shutdown := server.NewShutdownHandler(nil)
	shutdown.Register(server.HTTPServerShutdownHook("http", srv.Stop))
	shutdown.Register(server.TracingShutdownHook(a.tracer.Shutdown))
	shutdown.Register(server.AuditLoggerShutdownHook(func() error {
		a.audit.LogServerStop(ctx, shutdown.Reason(), time.Since(started))
		return a.audit.Close()
	}))
	shutdown.Register(server.CollectionShutdownHook(a.coll.Persist, a.coll.Close))
	shutdown.Start()

	a.audit.LogServerStart(ctx, cfg.Server.Addr, cfg.Store.Collection, cfg.Store.Backend)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	select {
	case err = <-serveErr:
		if err != nil {
			shutdown.Shutdown("server error: " + err.Error())
		} else {
			shutdown.Shutdown("server closed")
		}
	case <-shutdown.ShutdownCh():
	}
	shutdown.Wait()
	return err
}

// parseVector decodes a JSON array of numbers.
func parseVector(data string) ([]float32, error) {
	var vec []float32
	if err := json.Unmarshal([]byte(data), &vec); err != nil {
		return nil, errdefs.Validationf("vector must be a JSON array of numbers: %v", err)
	}
	if len(vec) == 0 {
		return nil, errdefs.Validationf("query vector is empty")
	}
	return vec, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
