// Package main is the entrypoint for the batchsync API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kiranshivaraju/batchsync/internal/api"
	"github.com/kiranshivaraju/batchsync/internal/api/handler"
	"github.com/kiranshivaraju/batchsync/internal/app"
	"github.com/kiranshivaraju/batchsync/internal/config"
)

const (
	shutdownTimeout = 30 * time.Second
	// snapshotTTL bounds how stale a cached job record can be if a transition's
	// cache invalidation is lost.
	snapshotTTL = 5 * time.Minute
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"endpoint", cfg.OpenAI.Endpoint,
		"poll_interval", cfg.Poller.Interval.String(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect infrastructure and build services
	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	// 3. Build router with dependencies
	deps := api.Dependencies{
		HealthHandler:         handler.NewHealthHandler(a.Store, a.Cache),
		CreateBatchHandler:    handler.NewCreateBatchHandler(a.Submitter),
		ListBatchesHandler:    handler.NewListBatchesHandler(a.Store),
		GetBatchHandler:       handler.NewGetBatchHandler(a.Store, a.Cache, snapshotTTL),
		GetBatchStatusHandler: handler.NewGetBatchStatusHandler(a.Store, a.Cache, cfg.Poller.StatusTTL),
	}
	router := api.NewRouter(deps)

	// 4. Optional in-process poll loop
	var wg sync.WaitGroup
	if cfg.Poller.Interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			slog.Info("poller started", "interval", cfg.Poller.Interval.String())
			a.Orchestrator.Run(ctx, cfg.Poller.Interval, cfg.Poller.CycleTimeout)
			slog.Info("poller stopped")
		}()
	}

	// 5. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		stop()
		wg.Wait()
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	wg.Wait()

	slog.Info("server stopped gracefully")
	return nil
}
