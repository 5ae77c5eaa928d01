package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/arrlens/arrlens/internal/app"
	"github.com/arrlens/arrlens/internal/crm"
	"github.com/arrlens/arrlens/internal/fx"
	"github.com/arrlens/arrlens/internal/ledger"
	"github.com/arrlens/arrlens/internal/observability"
	"github.com/arrlens/arrlens/internal/platform/cache"
	"github.com/arrlens/arrlens/internal/platform/db"
	"github.com/arrlens/arrlens/internal/report"
	"github.com/arrlens/arrlens/internal/syncstore"
	"github.com/arrlens/arrlens/jobs"
)

// newSnapshotStore selects the snapshot backend from configuration.
func newSnapshotStore(ctx context.Context, cfg *app.Config, logger *slog.Logger) (syncstore.Store, func(), error) {
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
		client, err := cache.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return syncstore.NewRedisStore(client, ""), func() {
			if err := client.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}, nil
	}
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	store, closeStore, err := newSnapshotStore(ctx, cfg, logger)
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

	metrics := observability.NewMetrics()
	aggregator := report.NewAggregator(
		crmClient,
		syncer,
		normalizer,
		report.NewCache(cfg.ReportCacheTTL),
		metrics,
		report.Config{
			TargetCurrency: cfg.TargetCurrency,
			DealStage:      cfg.CRMStage,
		},
		logger,
	)
	reportHandler := report.NewHandler(logger, aggregator)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		ReportHandler: reportHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
