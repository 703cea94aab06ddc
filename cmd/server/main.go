/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the stock engine server. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve    Start the HTTP server (default)
  migrate  Create tables and indexes, then exit
  seed     Load the sample movements, then exit

STARTUP SEQUENCE (serve):
  1. Load configuration (.env, environment, flags)
  2. Open the store (SQLite or PostgreSQL) and migrate
  3. Connect the optional Redis stock cache
  4. Start the optional retention sweeper
  5. Configure HTTP router and start server with graceful shutdown

FLAGS:
  --port    HTTP server port (overrides PORT)
  --driver  sqlite | postgres (overrides DB_DRIVER)
  --db      SQLite path or PostgreSQL DSN (overrides SQLITE_PATH / DATABASE_URL)
            Use ":memory:" for an in-memory SQLite database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the retention sweeper
  4. Close store and cache connections

EXAMPLES:
  ./server --db=":memory:"
  ./server seed --db="./data/stock.db"
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server migrate

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/stock-engine/api"
	"github.com/warp/stock-engine/config"
	"github.com/warp/stock-engine/inventory"
	"go.uber.org/zap"
)

type flags struct {
	port   int
	driver string
	db     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	f := &flags{}

	rootCmd := &cobra.Command{
		Use:           "server",
		Short:         "Stock movement ledger service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}

	rootCmd.PersistentFlags().IntVar(&f.port, "port", 0, "HTTP server port")
	rootCmd.PersistentFlags().StringVar(&f.driver, "driver", "", "storage driver: sqlite or postgres")
	rootCmd.PersistentFlags().StringVar(&f.db, "db", "", "SQLite path or PostgreSQL DSN")

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd.Context(), f)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Create the schema and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd.Context(), f)
			},
		},
		&cobra.Command{
			Use:   "seed",
			Short: "Load sample movements and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runSeed(cmd.Context(), f)
			},
		},
	)

	return rootCmd
}

// loadConfig applies flag overrides on top of the environment.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.driver != "" {
		cfg.DBDriver = f.driver
	}
	if f.db != "" {
		if cfg.DBDriver == config.DriverPostgres {
			cfg.DatabaseURL = f.db
		} else {
			cfg.SQLitePath = f.db
		}
	}
	if cfg.DBDriver == config.DriverPostgres && cfg.DatabaseURL == "" {
		cfg.DatabaseURL = config.PostgresDSNFromParts()
	}
	return cfg, cfg.Validate()
}

// =============================================================================
// SERVE
// =============================================================================

func runServe(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	deps, err := buildDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	sweeper := inventory.NewRetentionSweeper(deps.Store, cfg.IdempotencyTTL, logger)
	sweeper.Interval = cfg.RetentionInterval
	sweeper.Start()
	defer sweeper.Stop()

	handler := api.NewHandler(deps.Service, deps.Store, logger, deps.Metrics)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.CORSAllowedOrigins})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("driver", cfg.DBDriver),
			zap.Bool("stock_cache", cfg.RedisAddr != ""))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err, ok := <-serverErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// =============================================================================
// MIGRATE / SEED
// =============================================================================

func runMigrate(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	logger.Info("schema up to date", zap.String("driver", cfg.DBDriver))
	return nil
}

func runSeed(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := inventory.Seed(ctx, st)
	if err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("seeded sample movements", zap.Int("count", n))
	return nil
}
