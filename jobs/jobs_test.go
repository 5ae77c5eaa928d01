package jobs

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrlens/arrlens/internal/crm"
	"github.com/arrlens/arrlens/internal/ledger"
	"github.com/arrlens/arrlens/internal/report"
	"github.com/arrlens/arrlens/internal/revenue"
	"github.com/arrlens/arrlens/internal/syncstore"
)

// fakeSources serves a single closed-won deal with one monthly line so
// aggregator-backed jobs have something to report on.
type fakeSources struct {
	searches atomic.Int32
	updates  []crm.DealUpdate
}

func (f *fakeSources) SearchDeals(ctx context.Context, filter crm.SearchFilter) ([]crm.Deal, error) {
	f.searches.Add(1)
	return []crm.Deal{{
		ID:        "42",
		Name:      "Acme",
		CloseDate: time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC),
		Currency:  "USD",
	}}, nil
}

func (f *fakeSources) DealLineItemIDs(ctx context.Context, dealIDs []string) (map[string][]string, error) {
	return map[string][]string{"42": {"li-1"}}, nil
}

func (f *fakeSources) BatchReadLineItems(ctx context.Context, ids []string) (map[string]crm.LineItem, error) {
	return map[string]crm.LineItem{
		"li-1": {ID: "li-1", Name: "Platform", Fields: revenue.LineFields{
			RecurringStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			RecurringEnd:   time.Date(2099, 12, 31, 0, 0, 0, 0, time.UTC),
			Frequency:      "monthly",
			Amount:         1000,
		}},
	}, nil
}

func (f *fakeSources) BatchUpdateDeals(ctx context.Context, updates []crm.DealUpdate) error {
	f.updates = append(f.updates, updates...)
	return nil
}

func (f *fakeSources) SyncAll(ctx context.Context, from, to time.Time, force bool, maxRounds int) (syncstore.Result, error) {
	return syncstore.Result{Synced: true, Reason: "refreshed"}, nil
}

func (f *fakeSources) Items(ctx context.Context, from, to time.Time) ([]ledger.LineItem, error) {
	return nil, nil
}

func (f *fakeSources) MonthlyAverageRate(ctx context.Context, from, to string, closeDate time.Time) float64 {
	return 1
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFakeAggregator(src *fakeSources) *report.Aggregator {
	return report.NewAggregator(src, src, src, nil, nil, report.Config{TargetCurrency: "USD"}, discardLogger())
}

func TestSummaryBuildJobPublishesToRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	src := &fakeSources{}
	job := NewSummaryBuildJob(newFakeAggregator(src), rdb, src, false, discardLogger(), nil)

	task, err := NewSummaryBuildTask(SummaryBuildPayload{Source: "crm"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	raw, err := rdb.Get(context.Background(), summaryKey).Result()
	require.NoError(t, err)

	var summary report.Summary
	require.NoError(t, json.Unmarshal([]byte(raw), &summary))
	assert.NotEmpty(t, summary.Quarter)
	assert.InDelta(t, 12000, summary.BookedARR, 0.001)
	assert.Empty(t, src.updates)
}

func TestSummaryBuildJobWritesBackWhenEnabled(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	src := &fakeSources{}
	job := NewSummaryBuildJob(newFakeAggregator(src), rdb, src, true, discardLogger(), nil)

	task, err := NewSummaryBuildTask(SummaryBuildPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	require.Len(t, src.updates, 1)
	assert.Equal(t, "42", src.updates[0].ID)
	assert.Contains(t, src.updates[0].Properties, "arr_annualized_value")
}

func TestSummaryBuildJobRejectsUnknownSource(t *testing.T) {
	src := &fakeSources{}
	job := NewSummaryBuildJob(newFakeAggregator(src), nil, nil, false, discardLogger(), nil)

	task := asynq.NewTask(TaskSummaryBuild, []byte(`{"source":"spreadsheet"}`))
	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestReportWarmupJobBuildsBothModes(t *testing.T) {
	src := &fakeSources{}
	job := NewReportWarmupJob(newFakeAggregator(src), discardLogger(), nil)

	task, err := NewReportWarmupTask(ReportWarmupPayload{Sources: []string{"crm"}})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	// Booked plus contracted, one search each without a shared cache.
	assert.EqualValues(t, 2, src.searches.Load())
}

func TestLedgerSyncJobSkipsRetryOnBadPayload(t *testing.T) {
	store := syncstore.NewFileStore(t.TempDir() + "/snapshot.json")
	syncer := syncstore.New(store, nil, syncstore.Config{}, discardLogger())
	job := NewLedgerSyncJob(syncer, discardLogger(), nil)

	task := asynq.NewTask(TaskLedgerSyncRefresh, []byte("{"))
	err := job.Handle(context.Background(), task)
	assert.ErrorIs(t, err, asynq.SkipRetry)
}
