package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	jobmetrics "github.com/arrlens/arrlens/internal/jobs"
	"github.com/arrlens/arrlens/internal/report"
)

// summaryKey is where the latest summary payload is published for the
// delivery side to pick up.
const summaryKey = "arr:summary:latest"

// summaryTTL keeps a stale summary from outliving two build cycles.
const summaryTTL = 48 * time.Hour

// SummaryBuildJob produces the headline ARR summary and publishes it
// for downstream delivery. When write-back is enabled it also annotates
// the contributing CRM deals with their annualized value.
type SummaryBuildJob struct {
	Aggregator *report.Aggregator
	Redis      *redis.Client
	Updater    report.DealUpdater
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	WriteBack  bool
}

// NewSummaryBuildJob wires dependencies for the summary handler.
func NewSummaryBuildJob(agg *report.Aggregator, rdb *redis.Client, updater report.DealUpdater, writeBack bool, logger *slog.Logger, metrics *jobmetrics.Metrics) *SummaryBuildJob {
	return &SummaryBuildJob{
		Aggregator: agg,
		Redis:      rdb,
		Updater:    updater,
		Logger:     logger,
		Metrics:    metrics,
		WriteBack:  writeBack,
	}
}

// Handle processes summary build tasks.
func (j *SummaryBuildJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Aggregator == nil {
		return errors.New("summary build: handler not configured")
	}
	var payload SummaryBuildPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	source := report.Source(payload.Source)
	if payload.Source == "" {
		source = report.SourceCRM
	}
	if !source.Valid() {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSummaryBuild)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.String("run_id", payload.RunID),
		slog.String("source", string(source)))
	logger.Info("starting summary build")

	summary, err := j.Aggregator.Summarize(ctx, source)
	if err != nil {
		resultErr = err
		logger.Error("summary build failed", slog.Any("error", err))
		return resultErr
	}

	if j.Redis != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			resultErr = err
			return resultErr
		}
		if err := j.Redis.Set(ctx, summaryKey, data, summaryTTL).Err(); err != nil {
			resultErr = err
			logger.Error("publish summary", slog.Any("error", err))
			return resultErr
		}
	}

	if j.WriteBack && j.Updater != nil && source == report.SourceCRM {
		if err := j.writeBack(ctx, summary); err != nil {
			resultErr = err
			logger.Error("deal write-back failed", slog.Any("error", err))
			return resultErr
		}
	}

	logger.Info("summary build finished",
		slog.String("quarter", summary.Quarter),
		slog.Float64("booked_arr", summary.BookedARR),
		slog.Float64("contracted_arr", summary.ContractedARR))
	return resultErr
}

func (j *SummaryBuildJob) writeBack(ctx context.Context, summary *report.Summary) error {
	rows, err := j.Aggregator.ContractedRows(ctx, report.SourceCRM)
	if err != nil {
		return err
	}
	return report.WriteBack(ctx, j.Updater, rows)
}

func (j *SummaryBuildJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *SummaryBuildJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
