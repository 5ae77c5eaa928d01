package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/arrlens/arrlens/internal/app"
	"github.com/arrlens/arrlens/internal/crm"
	"github.com/arrlens/arrlens/internal/fx"
	"github.com/arrlens/arrlens/internal/ledger"
	"github.com/arrlens/arrlens/internal/platform/cache"
	"github.com/arrlens/arrlens/internal/platform/db"
	"github.com/arrlens/arrlens/internal/report"
	"github.com/arrlens/arrlens/internal/syncstore"
	"github.com/arrlens/arrlens/jobs"
)

// newSnapshotStore selects the snapshot backend, reusing the already
// connected Redis client for the default backend.
func newSnapshotStore(ctx context.Context, cfg *app.Config, redisClient *redis.Client) (syncstore.Store, func(), error) {
	switch cfg.SnapshotBackend {
	case "postgres":
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, nil, err
		}
		store := syncstore.NewPostgresStore(pool, "default")
		if err := store.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case "file":
		return syncstore.NewFileStore(cfg.SnapshotPath), func() {}, nil
	default:
		return syncstore.NewRedisStore(redisClient, ""), func() {}, nil
	}
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	store, closeStore, err := newSnapshotStore(ctx, cfg, redisClient)
	if err != nil {
		logger.Error("init snapshot store", slog.Any("error", err))
		os.Exit(1)
	}
	defer closeStore()

	ledgerClient := ledger.NewClient(cfg.LedgerBaseURL, cfg.LedgerToken)
	syncer := syncstore.New(store, ledgerClient, syncstore.Config{
		MaxHistoryDays: cfg.SyncMaxHistory,
		Freshness:      cfg.SyncFreshness,
		BatchLimit:     cfg.SyncBatchLimit,
	}, logger)

	rateSource := fx.NewClient(cfg.FXBaseURL, nil)
	normalizer := fx.NewNormalizer(rateSource, logger)
	crmClient := crm.NewClient(cfg.CRMBaseURL, cfg.CRMToken)

	aggregator := report.NewAggregator(
		crmClient,
		syncer,
		normalizer,
		report.NewCache(cfg.ReportCacheTTL),
		nil,
		report.Config{
			TargetCurrency: cfg.TargetCurrency,
			DealStage:      cfg.CRMStage,
		},
		logger,
	)

	syncJob := jobs.NewLedgerSyncJob(syncer, logger, nil)
	warmupJob := jobs.NewReportWarmupJob(aggregator, logger, nil)
	summaryJob := jobs.NewSummaryBuildJob(aggregator, redisClient, crmClient, cfg.CRMWriteBack, logger, nil)

	syncTask, err := jobs.NewLedgerSyncTask(jobs.LedgerSyncPayload{DaysBack: cfg.SyncMaxHistory})
	if err != nil {
		logger.Error("build sync task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewReportWarmupTask(jobs.ReportWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	summaryTask, err := jobs.NewSummaryBuildTask(jobs.SummaryBuildPayload{})
	if err != nil {
		logger.Error("build summary task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskLedgerSyncRefresh, Handler: syncJob.Handle},
			{Type: jobs.TaskReportWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskSummaryBuild, Handler: summaryJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/30 * * * *", Task: syncTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "45 5 * * *", Task: warmupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 6 * * *", Task: summaryTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
