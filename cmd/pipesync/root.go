package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/pipesync/internal/api"
	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/gateway"
	"github.com/hyperengineering/pipesync/internal/payload"
	"github.com/hyperengineering/pipesync/internal/query"
	"github.com/hyperengineering/pipesync/internal/store"
	syncpkg "github.com/hyperengineering/pipesync/internal/sync"
	"github.com/hyperengineering/pipesync/internal/trigger"
	"github.com/hyperengineering/pipesync/internal/worker"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "pipesync",
	Short: "PipeSync - CRM change-propagation service",
	RunE:  run,
}

// app bundles the wired components shared by the server and the sync
// subcommand.
type app struct {
	cfg        *config.Config
	store      *store.SQLiteStore
	engine     *query.Engine
	orch       *syncpkg.Orchestrator
	dispatcher *trigger.Dispatcher
}

// newApp loads configuration, initializes logging, opens the store, and
// wires the engine, orchestrator and trigger intake.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	slog.Info("configuration loaded")

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level)

	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("store initialized", "path", cfg.Database.Path)

	gw := gateway.NewClient(cfg.Gateway, logger)
	resolver := payload.NewResolver(db, &cfg.Params)
	engine := query.NewEngine(db, resolver, gw, &cfg.Params, logger)

	hooks := syncpkg.NewConfigHookProvider(db, &cfg.Params)
	orch := syncpkg.NewOrchestrator(db, engine, hooks, cfg.Sync, logger)

	debouncer := trigger.NewDebouncer(time.Duration(cfg.Worker.DebounceWindow))
	dispatcher := trigger.NewDispatcher(hooks, engine, debouncer, logger)

	return &app{
		cfg:        cfg,
		store:      db,
		engine:     engine,
		orch:       orch,
		dispatcher: dispatcher,
	}, nil
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	a, err := newApp()
	if err != nil {
		return err
	}

	handler := api.NewHandler(a.store, a.engine, a.orch, a.dispatcher, a.cfg.Auth.APIKey, Version)
	router := api.NewRouter(handler)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(a.cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(a.cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	sweeper := worker.NewSweeper(a.store, a.engine,
		time.Duration(a.cfg.Worker.SweepInterval), int64(a.cfg.Worker.SweepBatchSize))
	startWorker(ctx, &wg, "sweeper", sweeper.Run)

	watchdog := worker.NewWatchdog(a.orch, time.Duration(a.cfg.Sync.WatchdogInterval))
	startWorker(ctx, &wg, "watchdog", watchdog.Run)

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Anything else is a real server failure.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(a.cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Drain in-flight requests first, then let the workers finish, then
	// close the store.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := a.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
