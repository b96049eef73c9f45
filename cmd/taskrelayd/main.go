package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/throw-if-null/taskrelay/internal/config"
	"github.com/throw-if-null/taskrelay/internal/orchestrator"
	"github.com/throw-if-null/taskrelay/internal/paths"
	"github.com/throw-if-null/taskrelay/internal/relay"
	"github.com/throw-if-null/taskrelay/internal/rollback"
	"github.com/throw-if-null/taskrelay/internal/runner"
	"github.com/throw-if-null/taskrelay/internal/server"
	"github.com/throw-if-null/taskrelay/internal/store"
	"github.com/throw-if-null/taskrelay/internal/telemetry"
	"github.com/throw-if-null/taskrelay/internal/version"

	_ "modernc.org/sqlite"
)

// overridable in tests
var (
	dotenvLoad    = godotenv.Load
	telemetryInit = telemetry.Init
	getwd         = os.Getwd
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, addr, shutdown, err := setupWithAddr(ctx)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("taskrelayd listening", "version", version.Version, "commit", version.Commit, "addr", "http://"+addr)

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "err", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if err := shutdown(sctx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
}

// setup builds the daemon from the config of the working directory and
// returns its handler and a shutdown func that releases everything.
func setup(ctx context.Context) (http.Handler, func(context.Context) error, error) {
	h, _, shutdown, err := setupWithAddr(ctx)
	return h, shutdown, err
}

func setupWithAddr(ctx context.Context) (http.Handler, string, func(context.Context) error, error) {
	root, err := getwd()
	if err != nil {
		return nil, "", nil, err
	}
	if err := dotenvLoad(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, "", nil, fmt.Errorf("load .env: %w", err)
	}

	lr := config.Load(root)
	if lr.ParseError != nil {
		return nil, "", nil, fmt.Errorf("config %s: %w", lr.Path, lr.ParseError)
	}
	cfg, err := config.ApplyEnv(lr.Config, os.Getenv)
	if err != nil {
		return nil, "", nil, err
	}
	logger := slog.Default()

	shutdownTelemetry, err := telemetryInit(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version.Version,
		OTLPEndpoint:   cfg.Telemetry.Endpoint,
		Executor:       filepath.Base(cfg.Executor.Command[0]),
	})
	if err != nil {
		return nil, "", nil, fmt.Errorf("telemetry: %w", err)
	}

	dbPath := paths.Resolve(root, cfg.Store.Path)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, "", nil, err
	}
	db, err := sql.Open("sqlite", store.DSN(dbPath))
	if err != nil {
		_ = shutdownTelemetry(ctx)
		return nil, "", nil, fmt.Errorf("open sqlite db: %w", err)
	}
	st := store.New(db)
	if err := st.Init(); err != nil {
		db.Close()
		_ = shutdownTelemetry(ctx)
		return nil, "", nil, fmt.Errorf("init schema: %w", err)
	}

	workdir := paths.Resolve(root, cfg.Executor.Workdir)
	if workdir == "" {
		workdir = root
	}
	run := runner.New(runner.Config{
		Command:        cfg.Executor.Command,
		PromptFlag:     cfg.Executor.PromptFlag,
		Args:           cfg.Executor.Args,
		Dir:            workdir,
		RespondTimeout: cfg.Executor.RespondTimeout(),
	})

	hub := relay.NewHub(logger)
	orch := orchestrator.New(orchestrator.Options{
		Store:     st,
		Launcher:  orchestrator.RunnerLauncher{Runner: run},
		Publisher: hub,
		Reverter:  rollback.New(rollback.Config{Command: cfg.Rollback.Command, Dir: workdir}, nil, logger),
		Logger:    logger,
	})

	report, err := orch.Recover(ctx, orchestrator.RecoverOptions{
		FailOrphaned:  cfg.Recovery.ReconcileRunning,
		ResumePending: cfg.Recovery.ResumeScheduled,
	})
	if err != nil {
		logger.Warn("recovery incomplete", "err", err)
	}
	logger.Info("recovered tasks", "failed", report.Failed, "started", report.Started, "armed", report.Armed)

	ws := relay.NewHandler(hub, orch, relay.WSConfig{
		SendBuffer:   cfg.Relay.SendBuffer,
		WriteTimeout: cfg.Relay.WriteTimeout(),
	}, logger)
	srv := server.NewServer(orch, ws, logger)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := orch.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := shutdownTelemetry(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}
	return srv.Handler(), cfg.Server.Addr(), shutdown, nil
}
