package report

import (
	"strings"
	"sync"
	"time"
)

// Cache memoizes full reports by request key for a bounded TTL so
// repeated identical requests skip the fetch-and-aggregate pipeline.
// It is an explicit injected object, not module state, so tests can
// construct isolated instances.
type Cache struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	report  *Report
	expires time.Time
}

// NewCache constructs a cache with the given TTL. A non-positive TTL
// disables caching.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		now:     time.Now,
		entries: map[string]cacheEntry{},
	}
}

func (c *Cache) key(req Request) string {
	return strings.Join([]string{
		req.Start.Format("2006-01-02"),
		req.End.Format("2006-01-02"),
		string(req.Grain),
		string(req.Mode),
		string(req.Source),
	}, "|")
}

// Get returns a cached report when present and unexpired. Expired
// entries are evicted on access.
func (c *Cache) Get(req Request) (*Report, bool) {
	if c == nil || c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[c.key(req)]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, c.key(req))
		return nil, false
	}
	return entry.report, true
}

// Set stores a report. Entries are replaced whole by key, never
// partially mutated.
func (c *Cache) Set(req Request, r *Report) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(req)] = cacheEntry{report: r, expires: c.now().Add(c.ttl)}
}
