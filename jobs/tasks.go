package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerSyncRefresh incrementally refreshes the billing-ledger
	// snapshot.
	TaskLedgerSyncRefresh = "ledger:sync_refresh"
	// TaskReportWarmup pre-builds the standard report set so the first
	// interactive request hits the cache.
	TaskReportWarmup = "report:warmup"
	// TaskSummaryBuild produces the headline ARR summary payload.
	TaskSummaryBuild = "report:summary"
)

// LedgerSyncPayload bounds one incremental sync run.
type LedgerSyncPayload struct {
	RunID    string `json:"runId"`
	DaysBack int    `json:"daysBack"`
	Force    bool   `json:"force"`
}

// NewLedgerSyncTask constructs a ledger sync task.
func NewLedgerSyncTask(payload LedgerSyncPayload) (*asynq.Task, error) {
	if payload.RunID == "" {
		payload.RunID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerSyncRefresh, data), nil
}

// ReportWarmupPayload selects which report set to pre-build.
type ReportWarmupPayload struct {
	RunID   string   `json:"runId"`
	Sources []string `json:"sources,omitempty"`
}

// NewReportWarmupTask constructs a report warmup task.
func NewReportWarmupTask(payload ReportWarmupPayload) (*asynq.Task, error) {
	if payload.RunID == "" {
		payload.RunID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReportWarmup, data), nil
}

// SummaryBuildPayload configures one summary build.
type SummaryBuildPayload struct {
	RunID  string `json:"runId"`
	Source string `json:"source,omitempty"`
}

// NewSummaryBuildTask constructs a summary build task.
func NewSummaryBuildTask(payload SummaryBuildPayload) (*asynq.Task, error) {
	if payload.RunID == "" {
		payload.RunID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSummaryBuild, data), nil
}
