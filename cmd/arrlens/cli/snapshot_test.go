package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arrlens/arrlens/internal/ledger"
	"github.com/arrlens/arrlens/internal/syncstore"
)

func TestSnapshotInspectAndReset(t *testing.T) {
	store := syncstore.NewFileStore(filepath.Join(t.TempDir(), "snapshot.json"))

	snap := syncstore.NewSnapshot()
	snap.UpdatedAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	snap.LastSyncStart = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	snap.LastSyncEnd = time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)
	snap.Exhausted = true
	snap.Merge(ledger.LineItem{Key: "in_1:li_1"})
	snap.Merge(ledger.LineItem{Key: "in_1:li_2"})
	if err := store.Save(context.Background(), snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	ops := NewSnapshotOpsCLI(store)
	summary, err := ops.Inspect(context.Background())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if summary.Items != 2 {
		t.Fatalf("expected 2 items, got %d", summary.Items)
	}
	if !summary.Exhausted {
		t.Fatal("expected exhausted snapshot")
	}

	if err := ops.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	summary, err = ops.Inspect(context.Background())
	if err != nil {
		t.Fatalf("inspect after reset: %v", err)
	}
	if summary.Items != 0 || summary.Exhausted {
		t.Fatalf("expected empty snapshot after reset, got %+v", summary)
	}
}

func TestWriteSummaryFormats(t *testing.T) {
	summary := SnapshotSummary{
		Items:       3,
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		LastSyncEnd: time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC),
		Cursor:      "c42",
	}

	var plain bytes.Buffer
	if err := WriteSummary(&plain, summary, false); err != nil {
		t.Fatalf("plain output: %v", err)
	}
	if !strings.Contains(plain.String(), "items:     3") {
		t.Fatalf("expected item count in output, got %q", plain.String())
	}
	if !strings.Contains(plain.String(), "\"c42\"") {
		t.Fatalf("expected cursor in output, got %q", plain.String())
	}

	var jsonOut bytes.Buffer
	if err := WriteSummary(&jsonOut, summary, true); err != nil {
		t.Fatalf("json output: %v", err)
	}
	var decoded SnapshotSummary
	if err := json.Unmarshal(jsonOut.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if decoded.Items != 3 || decoded.Cursor != "c42" {
		t.Fatalf("json round trip mismatch: %+v", decoded)
	}
}
