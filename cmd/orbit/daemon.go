package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/orbit/internal/eventbus"
	"github.com/oriys/orbit/internal/logging"
	"github.com/oriys/orbit/internal/observability"
	"github.com/oriys/orbit/internal/workflow"
	"github.com/spf13/cobra"
)

func daemonCmd() *cobra.Command {
	var (
		metricsAddr   string
		documents     []string
		retention     time.Duration
		cleanupEvery  time.Duration
		statusEvery   time.Duration
		skipRecovery  bool
		shutdownGrace time.Duration
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the workflow engine",
		Long:  "Run orbit as a daemon: import workflow documents, run scheduled and file-triggered workflows and expose metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("metrics") {
				cfg.Observability.Metrics.Addr = metricsAddr
				cfg.Observability.Metrics.Enabled = metricsAddr != ""
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := observability.Init(ctx, observability.Config{
				Enabled:        cfg.Observability.Tracing.Enabled,
				Exporter:       cfg.Observability.Tracing.Exporter,
				Endpoint:       cfg.Observability.Tracing.Endpoint,
				ServiceName:    "orbit",
				ServiceVersion: version,
				SampleRate:     cfg.Observability.Tracing.SampleRate,
			}); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			rt, err := buildRuntime(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			eng := rt.engine

			for _, path := range documents {
				doc, err := workflow.LoadDocumentFile(path)
				if err != nil {
					return err
				}
				report, err := eng.ImportDocument(ctx, doc)
				if report != nil {
					logging.Op().Info("workflow document imported", "file", path,
						"created", len(report.Created), "updated", len(report.Updated), "failed", len(report.Failed))
				}
				if err != nil {
					logging.Op().Warn("workflow document partially imported", "file", path, "error", err)
				}
			}

			if !skipRecovery {
				n, err := rt.queue.Recover(ctx)
				if err != nil {
					logging.Op().Warn("job recovery failed", "error", err)
				} else if n > 0 {
					logging.Op().Info("recovered unfinished jobs", "jobs", n)
				}
			}

			if err := eng.Start(ctx); err != nil {
				return err
			}

			eng.OnWorkflowError(func(ev eventbus.Event) {
				logging.ForExecution(ev.WorkflowID, ev.ExecutionID).Warn("workflow failed", "error", ev.Error)
			})

			var httpServer *http.Server
			if rt.metrics != nil && cfg.Observability.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("GET /metrics", rt.metrics.Handler())
				mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
					if err := rt.store.Ping(r.Context()); err != nil {
						http.Error(w, err.Error(), http.StatusServiceUnavailable)
						return
					}
					w.Header().Set("Content-Type", "application/json")
					sys, err := eng.GetSystemMetrics(r.Context())
					if err != nil {
						http.Error(w, err.Error(), http.StatusInternalServerError)
						return
					}
					_ = printJSON(w, map[string]any{"status": "ok", "system": sys})
				})
				httpServer = &http.Server{Addr: cfg.Observability.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logging.Op().Error("metrics server failed", "addr", httpServer.Addr, "error", err)
					}
				}()
			}

			defs, _ := eng.ListWorkflows(ctx, workflow.ListFilter{})
			logging.Op().Info("orbit daemon started",
				"version", version,
				"store", cfg.Store.Backend,
				"job_store", cfg.Queue.JobStore,
				"notifier", cfg.Queue.Notifier,
				"workflows", len(defs),
				"metrics", cfg.Observability.Metrics.Addr)

			var cleanupC <-chan time.Time
			if retention > 0 && cleanupEvery > 0 {
				t := time.NewTicker(cleanupEvery)
				defer t.Stop()
				cleanupC = t.C
			}
			status := time.NewTicker(statusEvery)
			defer status.Stop()

			for {
				select {
				case <-ctx.Done():
					logging.Op().Info("shutting down")
					if httpServer != nil {
						sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
						_ = httpServer.Shutdown(sctx)
						cancel()
					}
					return nil
				case <-cleanupC:
					sweep(ctx, eng, retention, cfg.ArchiveDir != "")
				case <-status.C:
					sys, err := eng.GetSystemMetrics(ctx)
					if err != nil {
						logging.Op().Warn("system metrics unavailable", "error", err)
						continue
					}
					logging.Op().Debug("engine status",
						"running", sys.RunningExecutions,
						"pending", sys.PendingExecutions,
						"backlog", sys.QueueBacklog,
						"load", sys.SystemLoad)
				}
			}
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "Metrics and health address (e.g. :9464)")
	cmd.Flags().StringArrayVarP(&documents, "workflows", "w", nil, "Workflow document to import on start (repeatable)")
	cmd.Flags().DurationVar(&retention, "retention", 0, "Remove finished executions older than this (0 keeps them)")
	cmd.Flags().DurationVar(&cleanupEvery, "cleanup-interval", time.Hour, "How often finished executions are swept")
	cmd.Flags().DurationVar(&statusEvery, "status-interval", 30*time.Second, "How often engine status is logged at debug level")
	cmd.Flags().BoolVar(&skipRecovery, "no-recover", false, "Do not re-queue unfinished jobs from the job store")
	cmd.Flags().DurationVar(&shutdownGrace, "shutdown-grace", 5*time.Second, "Time allowed for the HTTP server to drain")
	return cmd
}

// sweep removes finished executions older than retention, archiving them
// per workflow when an archive directory is configured.
func sweep(ctx context.Context, eng *workflow.Engine, retention time.Duration, archive bool) {
	if !archive {
		if _, err := eng.CleanupCompletedExecutions(ctx, retention); err != nil {
			logging.Op().Warn("execution cleanup failed", "error", err)
		}
		return
	}
	defs, err := eng.ListWorkflows(ctx, workflow.ListFilter{})
	if err != nil {
		logging.Op().Warn("execution archive failed", "error", err)
		return
	}
	for _, def := range defs {
		if _, err := eng.ArchiveWorkflowData(ctx, def.ID, retention); err != nil {
			logging.Op().Warn("execution archive failed", "workflow", def.ID, "error", err)
		}
	}
	// Executions of deleted workflows have no definition left to archive under.
	if _, err := eng.CleanupCompletedExecutions(ctx, retention); err != nil {
		logging.Op().Warn("execution cleanup failed", "error", err)
	}
}
