/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the coin marketplace server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags over environment)
  2. Build the logger
  3. Open the configured store (running migrations)
  4. Create the engine and API handler
  5. Start server with graceful shutdown

CONFIGURATION:
  -addr / HTTP_ADDR                     listen address (default :8080)
  -driver / DB_DRIVER                   sqlite, postgres or memory
  -db / DB_PATH                         SQLite database path
  -database-url / DATABASE_URL          PostgreSQL URL
  -tx-timeout / TX_TIMEOUT              per-request deadline
  -max-conflict-retries / MAX_CONFLICT_RETRIES
  -log-format, -log-level, -cors-origins, -shutdown-timeout

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (shutdown timeout)
  3. Close the store
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/market.db"

  # Run against PostgreSQL
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server

  # Run fully in memory
  ./server -driver=memory

SEE ALSO:
  - config/config.go: Settings
  - api/server.go: Router configuration
  - market/market.go: Engine options
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/warp/coin-market/api"
	"github.com/warp/coin-market/config"
	"github.com/warp/coin-market/market"
	"github.com/warp/coin-market/market/store"
	"github.com/warp/coin-market/store/postgres"
	"github.com/warp/coin-market/store/sqlite"
)

// backend is what the server needs from a store.
type backend interface {
	market.Store
	api.Resetter
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := config.NewLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := market.New(st,
		market.WithLogger(logger),
		market.WithMaxConflictRetries(cfg.MaxConflictRetries),
	)

	handler := api.NewHandler(engine, st, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins:    cfg.CORSOrigins,
		RequestTimeout: cfg.TxTimeout,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", cfg.HTTPAddr, "driver", cfg.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

// openStore opens the configured store and returns a function that
// releases it.
func openStore(ctx context.Context, cfg config.Config) (backend, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return store.NewMemory(), func() {}, nil

	case config.DriverPostgres:
		if err := postgres.Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		pg, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return pg, func() { pg.Close() }, nil

	default:
		lite, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return lite, func() { lite.Close() }, nil
	}
}
