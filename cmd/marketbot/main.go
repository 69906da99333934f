// Market data collector daemon.
//
// Collects trading pairs, spot and perpetual tickers, order book depth and
// funding rates from the configured exchanges on a fixed interval, persists
// everything to an embedded DuckDB database, and serves a small operator API
// for status and manual triggers.
//
// Configuration is environment driven; a .env file in the working directory
// is loaded when present. See internal/config for the recognized variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tenthmarket/go-market-collector/internal/api"
	"github.com/tenthmarket/go-market-collector/internal/config"
	"github.com/tenthmarket/go-market-collector/internal/exchange"
	"github.com/tenthmarket/go-market-collector/internal/logger"
	"github.com/tenthmarket/go-market-collector/internal/scheduler"
	"github.com/tenthmarket/go-market-collector/internal/storage"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	// missing .env is fine; the environment may be set directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, logCloser, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway, err := storage.NewDuckDBGateway(cfg.Storage.DatabasePath, log)
	if err != nil {
		return err
	}
	defer gateway.Close()

	if err := gateway.Initialize(ctx); err != nil {
		return err
	}

	adapters, err := exchange.Build(cfg, gateway, log)
	if err != nil {
		return err
	}

	collectors := make([]scheduler.Collector, len(adapters))
	for i, a := range adapters {
		collectors[i] = a
	}
	sched := scheduler.New(cfg, collectors, gateway, log)

	log.Info("collector starting",
		"exchanges", cfg.EnabledExchanges(),
		"data_types", cfg.EnabledDataTypes(),
		"interval", cfg.Collection.Interval,
		"database", cfg.Storage.DatabasePath)

	errCh := make(chan error, 2)

	var server *api.Server
	if cfg.API.Enabled {
		server = api.New(cfg.API, sched, log)
		go func() {
			if err := server.Start(); err != nil {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		log.Error("component failed, shutting down", "error", err)
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("api shutdown incomplete", "error", err)
		}
	}

	log.Info("collector stopped")
	return nil
}
