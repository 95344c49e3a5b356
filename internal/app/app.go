// Package app wires configuration into the components shared by cmd/server and
// cmd/poller.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/batchsync/internal/backoff"
	"github.com/kiranshivaraju/batchsync/internal/batch"
	"github.com/kiranshivaraju/batchsync/internal/cache"
	"github.com/kiranshivaraju/batchsync/internal/config"
	"github.com/kiranshivaraju/batchsync/internal/docstore"
	"github.com/kiranshivaraju/batchsync/internal/ingest"
	"github.com/kiranshivaraju/batchsync/internal/notify"
	"github.com/kiranshivaraju/batchsync/internal/poller"
	"github.com/kiranshivaraju/batchsync/internal/store"
	"github.com/kiranshivaraju/batchsync/internal/submit"
	"github.com/kiranshivaraju/batchsync/internal/validate"
)

// MigrationsDir is resolved relative to the working directory.
const MigrationsDir = "migrations"

// App holds connected infrastructure and the services built on it.
type App struct {
	Config *config.Config

	Pool     *pgxpool.Pool
	Store    *store.PostgresStore
	Cache    *cache.RedisCache
	Notifier notify.Notifier
	Updater  *docstore.MongoUpdater
	Client   *batch.HTTPClient

	Orchestrator *poller.Orchestrator
	Submitter    *submit.Service

	closers []func()
}

// New connects every dependency in order and builds the services. On error,
// everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.Pool, err = store.Connect(ctx, cfg.Database, cfg.Poller.Concurrency, logger)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, a.Pool.Close)

	if err := store.RunMigrations(cfg.Database.URL, MigrationsDir); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	a.Cache, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.Cache.Close() })
	if err := a.Cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	logger.Info("redis connected")

	if cfg.NATS.URL != "" {
		n, err := notify.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.Notifier = n
		logger.Info("nats connected", "subject_prefix", cfg.NATS.SubjectPrefix)
	} else {
		a.Notifier = notify.Noop{}
		logger.Info("nats not configured, job events disabled")
	}
	a.closers = append(a.closers, a.Notifier.Close)

	a.Updater = docstore.NewMongoUpdater(
		docstore.WithLogger(logger),
		docstore.WithConnectTimeout(cfg.Mongo.ConnectTimeout),
	)
	a.closers = append(a.closers, func() { _ = a.Updater.Close(context.Background()) })

	a.Store = store.NewPostgresStore(a.Pool)
	a.Client = batch.NewHTTPClient(cfg.OpenAI.BaseURL, cfg.OpenAI.APIKey, cfg.OpenAI.Timeout, logger)
	policy := backoff.NewPolicy(cfg.Backoff.Base, cfg.Backoff.MaxAttempts, backoff.WithLogger(logger))
	validator := validate.NewJSONSchemaValidator()

	pipeline := ingest.NewPipeline(a.Client, a.Updater, validator, a.Store, policy, logger)
	a.Orchestrator = poller.New(a.Store, a.Client, pipeline, policy,
		poller.WithCache(a.Cache, cfg.Poller.StatusTTL),
		poller.WithNotifier(a.Notifier),
		poller.WithConcurrency(cfg.Poller.Concurrency),
		poller.WithLogger(logger),
	)
	a.Submitter = submit.NewService(a.Client, a.Store, validator, policy,
		cfg.OpenAI.Endpoint, cfg.OpenAI.CompletionWindow,
		submit.WithCache(a.Cache, cfg.Poller.StatusTTL),
		submit.WithLogger(logger),
	)

	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
