package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	temporalclient "go.temporal.io/sdk/client"

	"github.com/efebarandurmaz/docvault/internal/config"
	"github.com/efebarandurmaz/docvault/internal/server"
	"github.com/efebarandurmaz/docvault/internal/temporal"
)

func newWorkerCmd(configPath *string) *cobra.Command {
	var healthAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker hosting the bulk-ingest workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			return runWorker(cfg, healthAddr)
		},
	}
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /health, /ready and /live on this address (disabled when empty)")
	return cmd
}

func runWorker(cfg *config.Config, healthAddr string) error {
	ctx := context.Background()
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}

	temporal.SetDependencies(&temporal.Dependencies{Pipeline: a.svc})

	c, err := dialTemporal(cfg.Temporal)
	if err != nil {
		a.close(ctx)
		return err
	}
	defer c.Close()

	w, err := temporal.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		a.close(ctx)
		return err
	}
	slog.Info("Worker started", "task_queue", cfg.Temporal.TaskQueue, "collection", cfg.Store.Collection)

	shutdown := server.NewShutdownHandler(nil)
	shutdown.Register(server.TemporalWorkerShutdownHook(w.Stop))
	shutdown.Register(server.TracingShutdownHook(a.tracer.Shutdown))
	shutdown.Register(server.AuditLoggerShutdownHook(a.audit.Close))
	shutdown.Register(server.CollectionShutdownHook(a.coll.Persist, a.coll.Close))

	if healthAddr != "" {
		health := server.NewHealthServer(version)
		health.RegisterCheck("collection", server.CollectionHealthChecker(a.coll))
		health.RegisterCheck("temporal", server.TemporalHealthChecker(func(ctx context.Context) error {
			_, err := c.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
			return err
		}))
		mux := http.NewServeMux()
		health.Register(mux)
		hs := &http.Server{Addr: healthAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		shutdown.Register(server.HTTPServerShutdownHook("health", hs.Shutdown))
		go func() {
			slog.Info("Serving health probes", "addr", healthAddr)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Health server failed", "error", err)
			}
		}()
		health.SetReady(true)
	}

	shutdown.Start()
	shutdown.Wait()
	slog.Info("Worker stopped", "reason", shutdown.Reason())
	return nil
}
