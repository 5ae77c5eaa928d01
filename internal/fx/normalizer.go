// Package fx normalizes monetary amounts into the reporting currency
// using monthly-average exchange rates. Averages for a closed calendar
// month never change, so resolved rates are memoized for the process
// lifetime.
package fx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DailyRate is one day's observed rate in a month series.
type DailyRate struct {
	Date time.Time
	Rate float64
}

// RateSource supplies daily rates for a date range. Implementations must
// retry transient upstream failures themselves; the normalizer treats a
// returned error as "no conversion possible".
type RateSource interface {
	DailyRates(ctx context.Context, from, to string, start, end time.Time) ([]DailyRate, error)
}

// Normalizer resolves and caches monthly-average rates. Construct one per
// process (or per test) rather than sharing module-level state.
type Normalizer struct {
	source RateSource
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	memo map[string]float64
}

// NewNormalizer wires a rate source.
func NewNormalizer(source RateSource, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{
		source: source,
		logger: logger,
		now:    time.Now,
		memo:   map[string]float64{},
	}
}

// MonthlyAverageRate returns the average of the valid positive daily
// rates in the calendar month containing closeDate (now when zero).
// Identity conversions return 1 without touching the source. Any fetch
// failure or empty series yields 0: the caller's converted value becomes
// zero rather than the report failing.
func (n *Normalizer) MonthlyAverageRate(ctx context.Context, from, to string, closeDate time.Time) float64 {
	if from == to || from == "" || to == "" {
		return 1
	}
	at := closeDate
	if at.IsZero() {
		at = n.now()
	}
	monthStart := time.Date(at.Year(), at.Month(), 1, 0, 0, 0, 0, at.Location())
	monthEnd := monthStart.AddDate(0, 1, -1)
	key := fmt.Sprintf("%s|%s|%s", monthStart.Format("2006-01"), from, to)

	n.mu.Lock()
	cached, ok := n.memo[key]
	n.mu.Unlock()
	if ok {
		return cached
	}

	rate := n.resolve(ctx, from, to, monthStart, monthEnd)

	n.mu.Lock()
	n.memo[key] = rate
	n.mu.Unlock()
	return rate
}

func (n *Normalizer) resolve(ctx context.Context, from, to string, start, end time.Time) float64 {
	series, err := n.source.DailyRates(ctx, from, to, start, end)
	if err != nil {
		n.logger.Warn("fx: rate fetch failed",
			slog.String("from", from),
			slog.String("to", to),
			slog.String("month", start.Format("2006-01")),
			slog.Any("error", err))
		return 0
	}
	var sum float64
	var days int
	for _, d := range series {
		if d.Rate > 0 {
			sum += d.Rate
			days++
		}
	}
	if days == 0 {
		return 0
	}
	return sum / float64(days)
}
