package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/me/flowq/internal/config"
	"github.com/me/flowq/internal/dispatch"
	"github.com/me/flowq/internal/logging"
	"github.com/me/flowq/internal/server"
	"github.com/me/flowq/internal/store"
	"github.com/me/flowq/internal/worker"
)

func main() {
	cfg := config.DefaultServerConfig()

	flag.StringVar(&cfg.Addr, "addr", cfg.Addr, "Listen address")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")
	flag.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "Database driver: sqlite or postgres")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (default ~/.flowq/flowq.db)")
	flag.StringVar(&cfg.DBURL, "db-url", cfg.DBURL, "Postgres connection URL (or FLOWQ_DB_URL env)")
	flag.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size")
	pollInterval := flag.Duration("poll-interval", dispatch.DefaultConfig().PollInterval, "Dispatch loop poll interval")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")

	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.NewLogger(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	st, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "driver", cfg.DBDriver)

	// Register job handlers and start the worker pool.
	reg := worker.NewRegistry(logger)
	reg.Register(worker.NewNoopHandler())
	reg.Register(worker.NewShellHandler(logger))
	reg.Register(worker.NewScriptHandler(logger))

	pool := worker.NewPool(reg, cfg.Workers, logger)

	loopCfg := dispatch.DefaultConfig()
	loopCfg.PollInterval = *pollInterval
	loop := dispatch.NewLoop(st, pool, loopCfg, logger)

	// Rebuild the in-memory queue from jobs that survived a restart.
	if err := loop.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recover jobs: %v\n", err)
		os.Exit(1)
	}

	srv := server.New(cfg, st, loop, reg, logger)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool.Start(ctx)
	srv.StartLoop(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop the dispatch loop before draining the pool so no new jobs are handed out.
	if err := loop.Stop(); err != nil {
		logger.Error("dispatch stop error", "error", err)
	}
	pool.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// openStore picks the store backend from config. SQLite is the default;
// postgres is selected with --db-driver=postgres and a connection URL.
func openStore(cfg config.ServerConfig, logger *slog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case "postgres":
		url := cfg.DBURL
		if url == "" {
			url = os.Getenv("FLOWQ_DB_URL")
		}
		if url == "" {
			return nil, fmt.Errorf("postgres driver requires --db-url or FLOWQ_DB_URL")
		}
		return store.NewPostgresStore(url, logger)
	case "sqlite", "":
		dbPath := cfg.DBPath
		if dbPath == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("cannot determine home directory: %w", err)
			}
			dir := filepath.Join(home, ".flowq")
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("cannot create %s: %w", dir, err)
			}
			dbPath = filepath.Join(dir, "flowq.db")
		}
		return store.NewSQLiteStore(dbPath, logger)
	default:
		return nil, fmt.Errorf("unknown db driver %q", cfg.DBDriver)
	}
}
