package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/edition-ledger/internal/cron"
	"github.com/angelmondragon/edition-ledger/internal/editions"
	"github.com/angelmondragon/edition-ledger/pkg/config"
	"github.com/angelmondragon/edition-ledger/pkg/db"
	"github.com/angelmondragon/edition-ledger/pkg/logger"
	"github.com/angelmondragon/edition-ledger/pkg/metrics"
	"github.com/angelmondragon/edition-ledger/pkg/migrate"
	"github.com/angelmondragon/edition-ledger/pkg/outbox"
	"github.com/angelmondragon/edition-ledger/pkg/redis"
)

const drainTimeout = 30 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	ledgerMetrics := metrics.NewLedgerMetrics(prometheus.DefaultRegisterer)
	stack, err := editions.NewStack(editions.StackParams{
		Config:  cfg.Ledger,
		DB:      dbClient,
		Locks:   redisClient,
		Logger:  logg,
		Metrics: ledgerMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create edition ledger", err)
		os.Exit(1)
	}

	registry, err := buildRegistry(cfg, logg, dbClient, stack, ledgerMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to register cron jobs", err)
		os.Exit(1)
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron", "cycle"), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create cron service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting cron worker")

	runErr := service.Run(ctx)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := stack.Close(drainCtx); err != nil {
		logg.Error(ctx, "edition coordinator did not drain", err)
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", runErr)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, stack *editions.Stack, ledgerMetrics *metrics.LedgerMetrics) (*cron.Registry, error) {
	audit, err := cron.NewEditionAuditJob(cron.EditionAuditJobParams{
		Logger:     logg,
		Repository: stack.Repo,
	})
	if err != nil {
		return nil, err
	}
	retry, err := cron.NewFlaggedRetryJob(cron.FlaggedRetryJobParams{
		Logger:      logg,
		Repository:  stack.Repo,
		Coordinator: stack.Coordinator,
		Limit:       cfg.Cron.FlaggedRetryLimit,
	})
	if err != nil {
		return nil, err
	}
	unresolved, err := cron.NewUnresolvedOrdersJob(cron.UnresolvedOrdersJobParams{
		Logger:     logg,
		Repository: stack.Repo,
		Metrics:    ledgerMetrics,
		MaxAge:     cfg.Cron.UnresolvedMaxAge,
	})
	if err != nil {
		return nil, err
	}
	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:     logg,
		DB:         dbClient,
		Repository: outbox.NewRepository(dbClient.DB()),
		Retention:  cfg.Cron.OutboxRetention,
	})
	if err != nil {
		return nil, err
	}

	registry := cron.NewRegistry()
	for _, job := range []cron.Job{audit, retry, unresolved, retention} {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
