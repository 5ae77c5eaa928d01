package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/arrlens/arrlens/internal/syncstore"
)

// SnapshotOpsCLI offers operational helpers for the ledger sync snapshot.
type SnapshotOpsCLI struct {
	store syncstore.Store
}

// NewSnapshotOpsCLI constructs the helper over the configured snapshot backend.
func NewSnapshotOpsCLI(store syncstore.Store) *SnapshotOpsCLI {
	return &SnapshotOpsCLI{store: store}
}

// SnapshotSummary captures the structured inspection outcome.
type SnapshotSummary struct {
	Items         int       `json:"items"`
	UpdatedAt     time.Time `json:"updatedAt"`
	LastSyncStart time.Time `json:"lastSyncStart"`
	LastSyncEnd   time.Time `json:"lastSyncEnd"`
	RangeStart    time.Time `json:"rangeStart"`
	RangeEnd      time.Time `json:"rangeEnd"`
	Cursor        string    `json:"cursor,omitempty"`
	Exhausted     bool      `json:"exhausted"`
}

// Inspect loads the snapshot and summarises its sync state.
func (c *SnapshotOpsCLI) Inspect(ctx context.Context) (SnapshotSummary, error) {
	if c == nil || c.store == nil {
		return SnapshotSummary{}, errors.New("snapshot cli: store not configured")
	}
	snap, err := c.store.Load(ctx)
	if err != nil {
		return SnapshotSummary{}, err
	}
	return SnapshotSummary{
		Items:         len(snap.ItemsByKey),
		UpdatedAt:     snap.UpdatedAt,
		LastSyncStart: snap.LastSyncStart,
		LastSyncEnd:   snap.LastSyncEnd,
		RangeStart:    snap.ActiveRange.Start,
		RangeEnd:      snap.ActiveRange.End,
		Cursor:        snap.Cursor,
		Exhausted:     snap.Exhausted,
	}, nil
}

// Reset clears the snapshot so the next sync starts from scratch.
func (c *SnapshotOpsCLI) Reset(ctx context.Context) error {
	if c == nil || c.store == nil {
		return errors.New("snapshot cli: store not configured")
	}
	return c.store.Save(ctx, syncstore.NewSnapshot())
}

// WriteSummary renders the summary as JSON or a plain key-value listing.
func WriteSummary(w io.Writer, summary SnapshotSummary, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}
	_, err := fmt.Fprintf(w,
		"items:     %d\nupdated:   %s\nwatermark: %s .. %s\nrange:     %s .. %s\ncursor:    %q\nexhausted: %t\n",
		summary.Items,
		formatTime(summary.UpdatedAt),
		formatTime(summary.LastSyncStart), formatTime(summary.LastSyncEnd),
		formatTime(summary.RangeStart), formatTime(summary.RangeEnd),
		summary.Cursor,
		summary.Exhausted)
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
