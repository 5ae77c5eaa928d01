package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/arrlens/arrlens/internal/jobs"
	"github.com/arrlens/arrlens/internal/syncstore"
)

const defaultSyncDaysBack = 90

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// LedgerSyncJob refreshes the billing-ledger snapshot on a schedule so
// interactive report requests find the cache warm and resumable syncs
// keep draining between requests.
type LedgerSyncJob struct {
	Syncer  *syncstore.Syncer
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerSyncJob wires dependencies for the sync handler.
func NewLedgerSyncJob(syncer *syncstore.Syncer, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerSyncJob {
	return &LedgerSyncJob{
		Syncer:  syncer,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes ledger sync tasks.
func (j *LedgerSyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Syncer == nil {
		return errors.New("ledger sync: handler not configured")
	}
	var payload LedgerSyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.DaysBack <= 0 {
		payload.DaysBack = defaultSyncDaysBack
	}

	tracker := j.metrics().Track(TaskLedgerSyncRefresh)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("run_id", payload.RunID),
		slog.Int("days_back", payload.DaysBack))
	logger.Info("starting ledger sync")

	now := j.clock()
	res, err := j.Syncer.SyncAll(ctx, now.AddDate(0, 0, -payload.DaysBack), now, payload.Force, 0)
	if err != nil {
		resultErr = err
		logger.Error("ledger sync failed", slog.Any("error", err))
		return resultErr
	}
	j.metrics().AddSyncedItems(res.Reason, res.Merged)
	logger.Info("ledger sync finished",
		slog.String("reason", res.Reason),
		slog.Int("merged", res.Merged),
		slog.Bool("has_more", res.HasMore))
	return resultErr
}

func (j *LedgerSyncJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerSyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
