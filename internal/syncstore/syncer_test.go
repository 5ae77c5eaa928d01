package syncstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrlens/arrlens/internal/ledger"
)

type memStore struct {
	mu    sync.Mutex
	snap  Snapshot
	saved int
	err   error
}

func newMemStore() *memStore {
	return &memStore{snap: NewSnapshot()}
}

// mustJSON round-trips through the wire encoding so the in-memory store
// behaves like the durable ones.
func mustJSON(snap Snapshot) []byte {
	raw, err := json.Marshal(snap)
	if err != nil {
		panic(err)
	}
	return raw
}

func (m *memStore) Load(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return Snapshot{}, m.err
	}
	return decodeSnapshot(mustJSON(m.snap)), nil
}

func (m *memStore) Save(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap = snap
	m.saved++
	return nil
}

type scriptedFetcher struct {
	batches []ledger.Batch
	calls   []string // cursors seen
	err     error
}

func (f *scriptedFetcher) FetchBatch(ctx context.Context, from, to time.Time, cursor string, limit int) (ledger.Batch, error) {
	f.calls = append(f.calls, cursor)
	if f.err != nil {
		return ledger.Batch{}, f.err
	}
	if len(f.batches) == 0 {
		return ledger.Batch{}, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func item(key string, startDay, endDay int) ledger.LineItem {
	return ledger.LineItem{
		Key:         key,
		AmountMinor: 10000,
		Currency:    "usd",
		PeriodStart: time.Date(2025, 1, startDay, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 1, endDay, 23, 59, 59, 999_000_000, time.UTC),
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

var (
	rangeFrom = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rangeTo   = time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)
	testNow   = time.Date(2025, 2, 15, 12, 0, 0, 0, time.UTC)
)

func newTestSyncer(store Store, fetcher Fetcher) *Syncer {
	s := New(store, fetcher, Config{MaxHistoryDays: 365, Freshness: 10 * time.Minute, BatchLimit: 2}, nil)
	s.now = fixedClock(testNow)
	return s
}

func TestEnsureSyncRefreshesUntilExhausted(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{
		{Items: []ledger.LineItem{item("a", 1, 31), item("b", 5, 31)}, NextCursor: "c1", HasMore: true},
		{Items: []ledger.LineItem{item("c", 10, 31)}, NextCursor: "", HasMore: false},
	}}
	s := newTestSyncer(store, fetcher)
	ctx := context.Background()

	first, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)
	assert.True(t, first.Synced)
	assert.Equal(t, ReasonRefreshed, first.Reason)
	assert.True(t, first.HasMore)
	assert.Equal(t, 2, first.Merged)

	second, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)
	assert.False(t, second.HasMore)

	assert.Equal(t, []string{"", "c1"}, fetcher.calls, "second run must resume from the stored cursor")
	assert.True(t, store.snap.Exhausted)
	assert.Len(t, store.snap.ItemsByKey, 3)
	assert.True(t, store.snap.LastSyncStart.Equal(rangeFrom), "watermark start")
	assert.True(t, store.snap.LastSyncEnd.Equal(rangeTo), "watermark end")
	assert.Equal(t, 2, store.saved, "snapshot persisted after every merge batch")
}

func TestEnsureSyncRangeCoveredSkipsFetch(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{
		{Items: []ledger.LineItem{item("a", 1, 31)}, HasMore: false},
	}}
	s := newTestSyncer(store, fetcher)
	ctx := context.Background()

	_, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)

	res, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)
	assert.False(t, res.Synced)
	assert.Equal(t, ReasonRangeCovered, res.Reason)
	assert.Len(t, fetcher.calls, 1, "covered range must perform zero external fetches")

	// A sub-range of the exhausted range is covered too.
	res, err = s.EnsureSync(ctx, rangeFrom.AddDate(0, 0, 5), rangeTo.AddDate(0, 0, -5), false)
	require.NoError(t, err)
	assert.Equal(t, ReasonRangeCovered, res.Reason)
}

func TestEnsureSyncFreshCacheSuppressesWiderRange(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{
		{Items: []ledger.LineItem{item("a", 1, 31)}, HasMore: false},
		{Items: []ledger.LineItem{item("b", 1, 28)}, HasMore: false},
	}}
	s := newTestSyncer(store, fetcher)
	ctx := context.Background()

	_, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)

	// Wider range, but the exhausted snapshot was refreshed "just now".
	wider := rangeTo.AddDate(0, 1, 0)
	res, err := s.EnsureSync(ctx, rangeFrom, wider, false)
	require.NoError(t, err)
	assert.Equal(t, ReasonFreshCache, res.Reason)
	assert.Len(t, fetcher.calls, 1)

	// Once the freshness window lapses the wider range resets and refetches.
	s.now = fixedClock(testNow.Add(time.Hour))
	res, err = s.EnsureSync(ctx, rangeFrom, wider, false)
	require.NoError(t, err)
	assert.Equal(t, ReasonRefreshed, res.Reason)
	assert.Equal(t, []string{"", ""}, fetcher.calls, "range change must reset the cursor")
}

func TestEnsureSyncForceBypassesCoverage(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{
		{Items: []ledger.LineItem{item("a", 1, 31)}, HasMore: false},
		{Items: []ledger.LineItem{item("a", 1, 31)}, HasMore: false},
	}}
	s := newTestSyncer(store, fetcher)
	ctx := context.Background()

	_, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)
	res, err := s.EnsureSync(ctx, rangeFrom, rangeTo, true)
	require.NoError(t, err)
	assert.Equal(t, ReasonRefreshed, res.Reason)
	assert.Len(t, fetcher.calls, 2)
}

func TestMergeIdempotent(t *testing.T) {
	snap := NewSnapshot()
	original := item("x", 1, 31)
	snap.Merge(original)
	snap.Merge(original)
	assert.Len(t, snap.ItemsByKey, 1)

	updated := original
	updated.AmountMinor = 999
	snap.Merge(updated)
	assert.Len(t, snap.ItemsByKey, 1)
	assert.Equal(t, int64(999), snap.ItemsByKey["x"].AmountMinor, "latest merge wins")
}

func TestResumptionMatchesSingleBatch(t *testing.T) {
	all := []ledger.LineItem{item("a", 1, 31), item("b", 5, 31), item("c", 10, 31)}

	// Path one: a single unbounded batch.
	oneStore := newMemStore()
	oneShot := &scriptedFetcher{batches: []ledger.Batch{{Items: all, HasMore: false}}}
	one := newTestSyncer(oneStore, oneShot)
	_, err := one.SyncAll(context.Background(), rangeFrom, rangeTo, false, 10)
	require.NoError(t, err)

	// Path two: the same records split across two partial runs.
	twoStore := newMemStore()
	twoShot := &scriptedFetcher{batches: []ledger.Batch{
		{Items: all[:2], NextCursor: "c1", HasMore: true},
		{Items: all[2:], HasMore: false},
	}}
	two := newTestSyncer(twoStore, twoShot)
	_, err = two.SyncAll(context.Background(), rangeFrom, rangeTo, false, 10)
	require.NoError(t, err)

	require.Equal(t, len(oneStore.snap.ItemsByKey), len(twoStore.snap.ItemsByKey))
	for key := range oneStore.snap.ItemsByKey {
		assert.Contains(t, twoStore.snap.ItemsByKey, key)
	}
	assert.Equal(t, oneStore.snap.Exhausted, twoStore.snap.Exhausted)
	assert.True(t, oneStore.snap.LastSyncEnd.Equal(twoStore.snap.LastSyncEnd))
}

func TestEnsureSyncClampsHistory(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{{HasMore: false}}}
	s := New(store, fetcher, Config{MaxHistoryDays: 30, BatchLimit: 10}, nil)
	s.now = fixedClock(testNow)

	ancient := testNow.AddDate(-5, 0, 0)
	_, err := s.EnsureSync(context.Background(), ancient, rangeTo, false)
	require.NoError(t, err)

	floor := testNow.AddDate(0, 0, -30)
	wantFloor := time.Date(floor.Year(), floor.Month(), floor.Day(), 0, 0, 0, 0, floor.Location())
	assert.True(t, store.snap.ActiveRange.Start.Equal(wantFloor),
		"start must be clamped to the history floor, got %v", store.snap.ActiveRange.Start)
}

func TestEnsureSyncPropagatesFetchError(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{err: errors.New("upstream down")}
	s := newTestSyncer(store, fetcher)
	_, err := s.EnsureSync(context.Background(), rangeFrom, rangeTo, false)
	require.Error(t, err)
	assert.Zero(t, store.saved, "failed fetch must not persist a partial state")
}

func TestConcurrentEnsureSyncSerializes(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{
		{Items: []ledger.LineItem{item("a", 1, 31)}, NextCursor: "c1", HasMore: true},
		{Items: []ledger.LineItem{item("b", 5, 31)}, HasMore: false},
	}}
	s := newTestSyncer(store, fetcher)

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.EnsureSync(context.Background(), rangeFrom, rangeTo, false)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"", "c1"}, fetcher.calls,
		"two concurrent callers must behave like two sequential refreshes")
	assert.Len(t, store.snap.ItemsByKey, 2)
}

func TestItemsOverlapping(t *testing.T) {
	store := newMemStore()
	fetcher := &scriptedFetcher{batches: []ledger.Batch{
		{Items: []ledger.LineItem{item("jan", 1, 31), item("late", 28, 31)}, HasMore: false},
	}}
	s := newTestSyncer(store, fetcher)
	ctx := context.Background()
	_, err := s.EnsureSync(ctx, rangeFrom, rangeTo, false)
	require.NoError(t, err)

	early, err := s.Items(ctx, rangeFrom, rangeFrom.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Len(t, early, 1)

	all, err := s.Items(ctx, rangeFrom, rangeTo)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDecodeSnapshotTolerance(t *testing.T) {
	assert.Empty(t, decodeSnapshot(nil).ItemsByKey)
	assert.Empty(t, decodeSnapshot([]byte("{corrupt")).ItemsByKey)
	assert.Empty(t, decodeSnapshot([]byte(`{"version":99,"itemsByKey":{"a":{}}}`)).ItemsByKey,
		"version mismatch must load as empty")
	snap := decodeSnapshot([]byte(`{"version":1}`))
	require.NotNil(t, snap.ItemsByKey)
}
