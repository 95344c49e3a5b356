// Package main runs a single orchestration cycle and exits. It is meant to be
// triggered by cron or a scheduler; overlapping runs are safe.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kiranshivaraju/batchsync/internal/app"
	"github.com/kiranshivaraju/batchsync/internal/config"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("poller failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.Poller.CycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Poller.CycleTimeout)
		defer cancel()
	}

	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()

	// Per-job failures are counted in the report and retried next run; only a
	// cycle that could not list jobs exits non-zero.
	if _, err := a.Orchestrator.RunCycle(ctx); err != nil {
		return fmt.Errorf("run cycle: %w", err)
	}
	return nil
}
