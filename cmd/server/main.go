/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the clinic ledger server. Handles configuration,
  dependency injection, and graceful shutdown.

COMMANDS:
  serve            HTTP API plus the daily idle sweep
  migrate up       Apply pending PostgreSQL migrations
  migrate down N   Roll back N migrations
  migrate version  Print the current schema version
  sweep            Run today's idle sweep once and exit

STARTUP SEQUENCE (serve):
  1. Load config (env + optional .env)
  2. Build the zerolog logger
  3. Open the store (sqlite or postgres)
  4. Wire ledger.Service, Sweeper, Scheduler and the HTTP handler
  5. Start server with graceful shutdown

ENVIRONMENT:
  See config/config.go. The common ones:
    DB_DRIVER=sqlite SQLITE_PATH=./data/clinic.db
    DB_DRIVER=postgres DATABASE_URL=postgres://...
    CLINIC_TIMEZONE=Asia/Kolkata

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/warp/clinic-ledger/api"
	"github.com/warp/clinic-ledger/config"
	"github.com/warp/clinic-ledger/ledger"
	"github.com/warp/clinic-ledger/maintenance"
	"github.com/warp/clinic-ledger/store/postgres"
	"github.com/warp/clinic-ledger/store/sqlite"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-ledger",
		Short: "Treatment consumption and balance reconciliation server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Port = port
			}
			return runServer(cfg)
		},
	}
	cmd.Flags().String("port", "", "HTTP port (overrides PORT)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
				return err
			}
			fmt.Println("Migrations applied.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("steps must be a number: %w", err)
				}
				steps = n
			}
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(cfg.DatabaseURL, steps); err != nil {
				return err
			}
			fmt.Printf("Rolled back %d migration(s).\n", steps)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := postgresConfig()
			if err != nil {
				return err
			}
			version, dirty, err := postgres.MigrationVersion(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			fmt.Printf("Version: %d (dirty: %t)\n", version, dirty)
			return nil
		},
	})

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Deactivate idle patients for today, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			loc, err := cfg.Location()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			b, err := openBackend(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()

			sweeper := maintenance.NewSweeper(b, cfg.IdleDays, logger)
			res, err := sweeper.Run(ctx, ledger.SystemClock{Location: loc}.Today())
			if err != nil {
				return err
			}
			if !res.Claimed {
				fmt.Printf("Sweep for %s already ran.\n", res.Day)
				return nil
			}
			fmt.Printf("Deactivated %d patient(s) idle since %s.\n", res.Deactivated, res.Cutoff)
			return nil
		},
	}
}

// postgresConfig loads config for the migrate commands, which only apply
// to the postgres driver. SQLite creates its schema on open.
func postgresConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.DBDriver != config.DriverPostgres {
		return nil, fmt.Errorf("migrations apply to DB_DRIVER=%s only; sqlite creates its schema on startup", config.DriverPostgres)
	}
	return cfg, nil
}

// =============================================================================
// WIRING
// =============================================================================

// backend is what both store adapters provide.
type backend interface {
	ledger.Store
	ledger.MaintenanceStore
	Close() error
}

func openBackend(ctx context.Context, cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		if err := postgres.MigrateUp(cfg.DatabaseURL); err != nil {
			return nil, err
		}
		store, err := postgres.New(ctx, cfg.DatabaseURL, postgres.Options{
			MaxConns:    cfg.DBMaxConns,
			LockTimeout: cfg.LockTimeout,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.DriverSQLite:
		store, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func runServer(cfg *config.Config) error {
	logger := newLogger(cfg)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	clock := ledger.SystemClock{Location: loc}

	ctx := context.Background()
	b, err := openBackend(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.DBDriver).Msg("failed to open store")
		return err
	}
	defer b.Close()
	logger.Info().Str("driver", cfg.DBDriver).Msg("store ready")

	svc := ledger.NewService(b, ledger.Options{
		Clock:            clock,
		Logger:           logger.With().Str("component", "ledger").Logger(),
		LockTimeout:      cfg.LockTimeout,
		AllowFutureDates: cfg.AllowFutureAttendance,
	})

	sweeper := maintenance.NewSweeper(b, cfg.IdleDays, logger)
	scheduler := maintenance.NewScheduler(sweeper, clock, cfg.SweepAt, logger)
	if err := scheduler.Start(loc); err != nil {
		return err
	}
	defer scheduler.Stop()

	handler := api.NewHandler(svc, sweeper, clock, logger)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("tz", loc.String()).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
