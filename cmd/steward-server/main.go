// steward-server is the development-assistant coordination server: one
// long-lived process owning the session store, the advisory agents and the
// realtime bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"steward/internal/agents"
	"steward/internal/bus"
	"steward/internal/config"
	"steward/internal/contextmon"
	"steward/internal/docengine"
	"steward/internal/health"
	"steward/internal/logging"
	"steward/internal/observability"
	"steward/internal/observe"
	"steward/internal/project"
	"steward/internal/reality"
	"steward/internal/session"
	"steward/internal/store"
	"steward/internal/tool"
	"steward/internal/vcs"
)

func main() {
	root := &cobra.Command{
		Use:          "steward-server",
		Short:        "Development-assistant coordination server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if err := logging.Configure(logging.ParseLevel(cfg.LogLevel), cfg.LogFile); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logging.Close()
	logger := logging.NewComponentLogger("Server")

	st, err := store.Open(cfg.DBPath, logging.NewComponentLogger("Store"))
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	observables := observe.NewRegistry(logging.NewComponentLogger("Observe"))
	promRegistry := prometheus.NewRegistry()
	metrics := observability.MustNewMetrics(promRegistry)
	tracer, shutdownTracing, err := observability.SetupTracing(cfg.TraceStdout)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	git := vcs.New(workDir, logging.NewComponentLogger("VCS"))

	monitor := contextmon.New(st, observables, logging.NewComponentLogger("Context"))
	docs := docengine.New(st, observables, filepath.Join(cfg.DataDir, "docs"),
		logging.NewComponentLogger("Docs"))
	sessions := session.New(st, observables, monitor, docs, git,
		logging.NewComponentLogger("Session"))
	checker := reality.New(st, observables, git, workDir, cfg.TestCommand,
		logging.NewComponentLogger("Reality"))
	projects := project.New(st, observables, logging.NewComponentLogger("Project"))

	symbols := agents.NewSymbolRegistry(st)
	orchestrator := agents.NewOrchestrator(st, observables, symbols,
		logging.NewComponentLogger("Agents"))
	if err := orchestrator.RegisterDefaults(); err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	healthSvc := health.New(st, nil, observables, cfg.DataDir,
		logging.NewComponentLogger("Health"))

	registry := tool.NewRegistry()
	catalog := &tool.Catalog{
		Sessions:     sessions,
		Monitor:      monitor,
		Checker:      checker,
		Docs:         docs,
		Projects:     projects,
		Orchestrator: orchestrator,
		HealthCheck: func(ctx context.Context, params map[string]any) (any, error) {
			return healthSvc.Report(ctx), nil
		},
	}
	catalog.RegisterAll(registry)

	dispatcher := tool.NewDispatcher(registry, observables, metrics, tracer,
		cfg.ToolTimeout, logging.NewComponentLogger("Dispatch"))
	sessions.SetToolRunner(dispatcher.Dispatch)

	if err := sessions.SeedQuickActions(ctx); err != nil {
		return fmt.Errorf("seed quick actions: %w", err)
	}

	busServer := bus.NewServer(cfg.AuthToken, dispatcher, observables, metrics,
		logging.NewComponentLogger("Bus"))
	healthSvc.SetBus(busServer)
	busServer.SetHeartbeat(healthSvc.RecordBridgeHeartbeat)

	busHTTP := &http.Server{Addr: cfg.BusAddr(), Handler: busServer.Router()}
	healthHTTP := &http.Server{Addr: cfg.HealthAddr(), Handler: healthSvc.Router(promRegistry)}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("bus listening on %s (%d tools)", cfg.BusAddr(), registry.Len())
		if err := busHTTP.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("bus server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		logger.Info("health endpoint on %s", cfg.HealthAddr())
		if err := healthHTTP.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")

		// Phase one: stop accepting, drain in-flight calls with the grace
		// period. Phase two: drop remaining clients and close the store.
		graceCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		_ = busHTTP.Shutdown(graceCtx)
		_ = healthHTTP.Shutdown(graceCtx)
		busServer.Shutdown(graceCtx)
		_ = shutdownTracing(graceCtx)
		return nil
	})

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
