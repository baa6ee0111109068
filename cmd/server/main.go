/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave ledger server. Handles configuration,
  dependency injection, the cron scheduler, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load YAML config with env overrides
  2. Initialize SQLite store
  3. Build ledger engine, accrual engine, contract provider
  4. Register cron jobs (monthly accrual, nightly expiry)
  5. Start HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to the YAML config file (default: config.yaml)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete
  3. Stop the scheduler, close the database
  4. Exit

SEE ALSO:
  - config/config.go: configuration keys and defaults
  - api/server.go: router configuration
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/leave-ledger/accrual"
	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/config"
	"github.com/warp/leave-ledger/ledger"
	"github.com/warp/leave-ledger/store/sqlite"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := sqlite.New(cfg.Database.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	ledgerEngine := ledger.NewEngine(store, ledger.Config{
		SmartDeduction:       cfg.Ledger.SmartDeduction,
		AllowNegative:        cfg.Ledger.AllowNegative,
		MaxRetries:           cfg.Ledger.MaxRetries,
		LegalMinimumDays:     cfg.Ledger.LegalMinimumDays,
		CarryoverExpiryMonth: time.Month(cfg.Ledger.CarryoverExpiryMonth),
		CarryoverExpiryDay:   cfg.Ledger.CarryoverExpiryDay,
	}, log)

	contracts := accrual.NewHTTPProvider(cfg.Contracts.BaseURL, cfg.Contracts.Timeout, cfg.Contracts.Retries, log)
	registry := accrual.NewRegistry(log, !cfg.Accrual.FallbackToDefault)
	accrualEngine := accrual.NewEngine(ledgerEngine, contracts, registry, cfg.Accrual.Workers, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := api.NewScheduler(ctx, ledgerEngine, accrualEngine, log)
	if err := scheduler.Register(cfg.Accrual.MonthlyCron, cfg.Accrual.ExpiryCron); err != nil {
		log.Fatal().Err(err).Msg("failed to register scheduled jobs")
	}
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(ledgerEngine, accrualEngine, store, log)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Logging.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Logger()
}
