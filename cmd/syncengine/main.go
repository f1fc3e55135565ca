// Command syncengine is the sync engine's entry point: a single long-running
// process wiring every internal package into the three-system mirror. It
// uses a cobra root command, os/signal.NotifyContext for graceful shutdown,
// and explicit exit codes on fatal startup failure, scaled down to this
// engine's one job: run the daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oculairmedia/huly-vibe-sync/internal/clients/agents"
	"github.com/oculairmedia/huly-vibe-sync/internal/clients/pm"
	"github.com/oculairmedia/huly-vibe-sync/internal/clients/transport"
	"github.com/oculairmedia/huly-vibe-sync/internal/config"
	"github.com/oculairmedia/huly-vibe-sync/internal/fullsync"
	"github.com/oculairmedia/huly-vibe-sync/internal/httpapi"
	"github.com/oculairmedia/huly-vibe-sync/internal/logging"
	"github.com/oculairmedia/huly-vibe-sync/internal/metrics"
	"github.com/oculairmedia/huly-vibe-sync/internal/provisioner"
	"github.com/oculairmedia/huly-vibe-sync/internal/reconciler"
	"github.com/oculairmedia/huly-vibe-sync/internal/store"
	"github.com/oculairmedia/huly-vibe-sync/internal/triggers"
	"github.com/oculairmedia/huly-vibe-sync/internal/workflow"
)

// Exit codes: 0 normal shutdown, 1 fatal config error, 2 fatal dependency
// unavailable at startup.
const (
	exitOK             = 0
	exitConfigError    = 1
	exitDependencyFail = 2
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "syncengine",
		Short: "Bidirectional sync engine between a hosted PM service, a git-resident Tracker, and an Agents platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	rootCmd.SetContext(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// startupError carries the exit code a failure at a particular startup
// stage should produce, so run's single error return still lets main pick
// between a config-error exit and a dependency-failure exit.
type startupError struct {
	code int
	err  error
}

func (e *startupError) Error() string { return e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if se, ok := err.(*startupError); ok {
		return se.code
	}
	return exitConfigError
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return &startupError{code: exitConfigError, err: fmt.Errorf("load config: %w", err)}
	}

	log := logging.New(slog.LevelInfo)
	ctx = logging.Into(ctx, log)

	shutdownMetrics, err := metrics.Init(ctx)
	if err != nil {
		return &startupError{code: exitDependencyFail, err: fmt.Errorf("init metrics: %w", err)}
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return &startupError{code: exitDependencyFail, err: fmt.Errorf("open store: %w", err)}
	}
	defer func() { _ = st.Close() }()

	transportCfg := transport.Config{
		MinRequestInterval: cfg.HTTPMinRequestInterval(),
		MaxRetryAttempts:   cfg.HTTPMaxRetryAttempts,
		BaseBackoff:        cfg.HTTPBaseBackoff(),
		RequestTimeout:     30 * time.Second,
		CircuitMaxFailures: 5,
		CircuitOpenTimeout: 30 * time.Second,
	}

	pmClient := pm.New(cfg.PMAPIURL, cfg.PMAPIToken, transportCfg)
	agentsClient := agents.New(cfg.AgentsAPIURL, cfg.AgentsToken, transportCfg)

	memory := provisioner.New(st, agentsClient, nil, cfg.ControlAgentID)
	runtime := workflow.New(st, workflow.DefaultPolicy())

	narrator, err := narratorFromConfig(cfg)
	if err != nil {
		log.Error("narrator disabled: failed to construct summarize client", "error", err)
	}

	registry := newOrchestratorRegistry(st, pmClient, memory, runtime, narrator, cfg.DedupeCacheTTL(), cfg.TrackerRepoRoot)

	if err := bootstrapAgents(ctx, st, memory); err != nil {
		log.Error("initial agent bootstrap failed, continuing without full coverage", "error", err)
	}

	if err := runtime.Resume(ctx, registry.ResumeHandlers()); err != nil {
		log.Error("failed to resume pending ops from a prior run, continuing startup", "error", err)
	}

	dispatcher := triggers.NewDispatcher(registry.RunProject, registry.RunTargeted)
	scheduler := triggers.NewScheduler(st, dispatcher, triggers.DefaultSchedulerConfig())

	rec := reconciler.New(st, trackerClientForReconciler(cfg), cfg.ReconciliationAction, cfg.ReconciliationDryRun, cfg.ReconciliationInterval())

	fsDriver := fullsync.New(st, pmClient, registry.RunProject, fullsync.DefaultConcurrency)

	fileWatcher, err := triggers.NewFileWatcher(dispatcher, 0)
	if err != nil {
		return &startupError{code: exitDependencyFail, err: fmt.Errorf("create file watcher: %w", err)}
	}
	watchKnownProjects(ctx, st, fileWatcher, cfg.TrackerRepoRoot)

	server := httpapi.New(dispatcher, st)
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", cfg.HealthPort), Handler: server}

	go scheduler.Run(ctx)
	go rec.Run(ctx)
	go fileWatcher.Run(ctx)
	go runFullSyncLoop(ctx, fsDriver, cfg.FullSyncInterval())
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server exited", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", "error", err)
	}
	if err := fileWatcher.Close(); err != nil {
		log.Error("file watcher close error", "error", err)
	}
	return nil
}

// runFullSyncLoop runs the full-sync driver once immediately, then every
// interval, until ctx is canceled. Full-sync failures log-and-continue: the
// next tick's Run call starts a fresh checkpoint rather than resuming a
// stale one, since a fresh pass gives every project another chance.
func runFullSyncLoop(ctx context.Context, driver *fullsync.Driver, interval time.Duration) {
	log := logging.Component(logging.From(ctx), "syncengine")
	runOnce := func() {
		report, err := driver.Run(ctx)
		if err != nil {
			log.Error("full sync run failed", "error", err)
			return
		}
		log.Info("full sync complete", "succeeded", report.Succeeded, "failed", report.Failed, "skipped", report.Skipped)
	}

	runOnce()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce()
		}
	}
}
