// Package syncstore mirrors the remote billing ledger into a durable
// local snapshot through bounded, resumable incremental refreshes, so a
// report never has to re-scan the full remote history.
package syncstore

import (
	"encoding/json"
	"time"

	"github.com/arrlens/arrlens/internal/ledger"
)

// SnapshotVersion guards the persisted document layout. Documents with a
// different version are treated as empty, never as fatal.
const SnapshotVersion = 1

// Range is a closed time interval.
type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether the range is unset.
func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// Equal reports whether both bounds match.
func (r Range) Equal(other Range) bool {
	return r.Start.Equal(other.Start) && r.End.Equal(other.End)
}

// Contains reports whether r fully covers other.
func (r Range) Contains(other Range) bool {
	if r.IsZero() {
		return false
	}
	return !r.Start.After(other.Start) && !r.End.Before(other.End)
}

// Snapshot is the persisted sync state: the merged items plus the
// coverage bookkeeping that makes refreshes resumable.
type Snapshot struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Watermark: history confirmed fully synchronized, across runs.
	LastSyncStart time.Time `json:"lastSyncStart"`
	LastSyncEnd   time.Time `json:"lastSyncEnd"`

	// In-progress range state. Exhausted means every record created
	// inside ActiveRange has been merged into ItemsByKey.
	ActiveRange Range  `json:"activeRange"`
	Cursor      string `json:"cursor"`
	Exhausted   bool   `json:"exhausted"`

	ItemsByKey map[string]ledger.LineItem `json:"itemsByKey"`
}

// NewSnapshot returns an empty current-version snapshot.
func NewSnapshot() Snapshot {
	return Snapshot{
		Version:    SnapshotVersion,
		ItemsByKey: map[string]ledger.LineItem{},
	}
}

// Merge upserts an item by key. Re-merging the same key overwrites the
// stored value, which is a no-op for the immutable source records.
func (s *Snapshot) Merge(item ledger.LineItem) {
	if s.ItemsByKey == nil {
		s.ItemsByKey = map[string]ledger.LineItem{}
	}
	s.ItemsByKey[item.Key] = item
}

// ItemsOverlapping returns every stored item whose billing period
// intersects [start, end]. A linear scan is fine at the expected scale;
// revisit with a secondary index if snapshots grow past that.
func (s *Snapshot) ItemsOverlapping(start, end time.Time) []ledger.LineItem {
	var out []ledger.LineItem
	for _, item := range s.ItemsByKey {
		if item.Overlaps(start, end) {
			out = append(out, item)
		}
	}
	return out
}

// ExtendWatermark widens the fully-synchronized bounds to include r.
func (s *Snapshot) ExtendWatermark(r Range) {
	if s.LastSyncStart.IsZero() || r.Start.Before(s.LastSyncStart) {
		s.LastSyncStart = r.Start
	}
	if s.LastSyncEnd.IsZero() || r.End.After(s.LastSyncEnd) {
		s.LastSyncEnd = r.End
	}
}

// decodeSnapshot parses a persisted document. Corrupt payloads and
// version mismatches yield an empty snapshot.
func decodeSnapshot(raw []byte) Snapshot {
	if len(raw) == 0 {
		return NewSnapshot()
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return NewSnapshot()
	}
	if snap.Version != SnapshotVersion {
		return NewSnapshot()
	}
	if snap.ItemsByKey == nil {
		snap.ItemsByKey = map[string]ledger.LineItem{}
	}
	return snap
}
