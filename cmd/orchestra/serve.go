package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/events"
	"github.com/rendis/orchestra/internal/executor"
	"github.com/rendis/orchestra/internal/observability"
	"github.com/rendis/orchestra/internal/registry"
	"github.com/rendis/orchestra/internal/scheduler"
	"github.com/rendis/orchestra/internal/store"
	orchestramcp "github.com/rendis/orchestra/pkg/mcp"
	"github.com/rendis/orchestra/pkg/schema"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd runs the orchestrator behind the MCP stdio transport.
type ServeCmd struct {
	AgentsFile  string `name:"agents-file" help:"YAML file of agents to register at startup." type:"path"`
	MetricsAddr string `name:"metrics-addr" help:"Address for the Prometheus /metrics endpoint (empty = disabled)."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := cli.config()
	if err != nil {
		return err
	}
	if c.AgentsFile != "" {
		cfg.AgentsFile = c.AgentsFile
	}
	if c.MetricsAddr != "" {
		cfg.MetricsAddr = c.MetricsAddr
	}

	// stdout carries the MCP protocol.
	logger := newLogger(cfg, os.Stderr)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	agents := registry.NewAgents(st, logger)
	if cfg.AgentsFile != "" {
		if _, err := agents.LoadFile(ctx, cfg.AgentsFile); err != nil {
			return err
		}
	}
	templates, err := loadTemplates(cfg.TemplatesDir)
	if err != nil {
		return err
	}

	metrics, err := observability.InitMetrics(observability.MetricsConfig{Enabled: cfg.MetricsAddr != ""})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = metrics.Shutdown(sctx)
	}()

	bus := events.NewBus(logger)
	bus.OnAll(events.Journal(st))

	orch, err := engine.New(engine.Deps{
		Store:     st,
		Agents:    agents,
		Templates: templates,
		Executors: executor.NewHTTPFactory(executor.HTTPConfig{Timeout: time.Duration(cfg.ExecutorTimeout)}),
		Bus:       bus,
		Metrics:   metrics,
		Logger:    logger,
	}, engine.Config{MaxConcurrent: cfg.MaxConcurrent})
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	sched := scheduler.New(st, orch, time.Duration(cfg.SchedulerInterval), logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = sched.Stop() }()

	srv := orchestramcp.NewServer(orchestramcp.ServerDeps{Engine: orch, Scheduler: sched, Logger: logger})
	notifier := orchestramcp.NewMCPNotifier(srv)
	bus.On(schema.EventAgentMessage, notifier.Handler())
	bus.On(schema.EventAgentHandoff, notifier.Handler())

	if cfg.MetricsAddr != "" {
		metricsSrv := serveMetrics(cfg.MetricsAddr, metrics, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(sctx)
		}()
	}

	logger.Info("orchestra serving MCP on stdio",
		slog.String("db_path", cfg.DBPath),
		slog.Int("max_concurrent", cfg.MaxConcurrent),
		slog.Int("templates", len(templates.List())))
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics endpoint listening", slog.String("addr", addr))
	return srv
}
