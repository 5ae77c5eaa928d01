package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/arrlens/arrlens/internal/jobs"
	"github.com/arrlens/arrlens/internal/period"
	"github.com/arrlens/arrlens/internal/report"
)

// ReportWarmupJob pre-builds the standard report set so the first
// interactive request after a cache expiry does not pay the full
// upstream fetch.
type ReportWarmupJob struct {
	Aggregator *report.Aggregator
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewReportWarmupJob wires dependencies for the warmup handler.
func NewReportWarmupJob(agg *report.Aggregator, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReportWarmupJob {
	return &ReportWarmupJob{
		Aggregator: agg,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle processes report warmup tasks.
func (j *ReportWarmupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Aggregator == nil {
		return errors.New("report warmup: handler not configured")
	}
	var payload ReportWarmupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	sources := payload.Sources
	if len(sources) == 0 {
		sources = []string{string(report.SourceCRM), string(report.SourceLedger)}
	}

	tracker := j.metrics().Track(TaskReportWarmup)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.String("run_id", payload.RunID))
	logger.Info("starting report warmup")

	now := j.clock()
	// Trailing twelve months at monthly grain is the view the dashboards
	// open with.
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -11, 0)
	end := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1)

	warmed := 0
	for _, source := range sources {
		for _, mode := range []report.Mode{report.ModeBooked, report.ModeContracted} {
			req := report.Request{
				Start:  start,
				End:    end,
				Grain:  period.GrainMonthly,
				Mode:   mode,
				Source: report.Source(source),
			}
			if _, err := j.Aggregator.Build(ctx, req); err != nil {
				resultErr = err
				logger.Error("warm report",
					slog.String("source", source),
					slog.String("mode", string(mode)),
					slog.Any("error", err))
				return resultErr
			}
			warmed++
		}
	}

	logger.Info("report warmup finished", slog.Int("warmed", warmed))
	return resultErr
}

func (j *ReportWarmupJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReportWarmupJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
