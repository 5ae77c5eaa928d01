package fx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	series []DailyRate
	err    error
	calls  int
}

func (s *stubSource) DailyRates(ctx context.Context, from, to string, start, end time.Time) ([]DailyRate, error) {
	s.calls++
	return s.series, s.err
}

func TestMonthlyAverageRateIdentity(t *testing.T) {
	src := &stubSource{}
	n := NewNormalizer(src, nil)
	rate := n.MonthlyAverageRate(context.Background(), "USD", "USD", time.Now())
	assert.Equal(t, 1.0, rate)
	assert.Zero(t, src.calls, "identity conversion must not hit the source")
}

func TestMonthlyAverageRateAveragesPositiveDays(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2025, 1, d, 0, 0, 0, 0, time.Local) }
	src := &stubSource{series: []DailyRate{
		{Date: day(1), Rate: 0.90},
		{Date: day(2), Rate: 0},    // unpriced day, excluded
		{Date: day(3), Rate: 0.94}, // weekend gap days simply absent
	}}
	n := NewNormalizer(src, nil)

	rate := n.MonthlyAverageRate(context.Background(), "EUR", "USD", day(15))
	assert.InDelta(t, 0.92, rate, 1e-9)
}

func TestMonthlyAverageRateMemoized(t *testing.T) {
	src := &stubSource{series: []DailyRate{{Date: time.Date(2025, 3, 1, 0, 0, 0, 0, time.Local), Rate: 2}}}
	n := NewNormalizer(src, nil)

	at := time.Date(2025, 3, 10, 0, 0, 0, 0, time.Local)
	first := n.MonthlyAverageRate(context.Background(), "GBP", "USD", at)
	second := n.MonthlyAverageRate(context.Background(), "GBP", "USD", at.AddDate(0, 0, 5))
	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls, "same month must resolve once per process")

	// A different month is a different cache entry.
	n.MonthlyAverageRate(context.Background(), "GBP", "USD", at.AddDate(0, 1, 0))
	assert.Equal(t, 2, src.calls)
}

func TestMonthlyAverageRateFailureYieldsZero(t *testing.T) {
	src := &stubSource{err: errors.New("upstream down")}
	n := NewNormalizer(src, nil)
	rate := n.MonthlyAverageRate(context.Background(), "EUR", "USD", time.Now())
	assert.Zero(t, rate)

	empty := NewNormalizer(&stubSource{}, nil)
	assert.Zero(t, empty.MonthlyAverageRate(context.Background(), "EUR", "USD", time.Now()))
}

func TestClientDailyRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "EUR", r.URL.Query().Get("from"))
		require.Equal(t, "USD", r.URL.Query().Get("to"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rates":{"2025-01-03":{"USD":1.09},"2025-01-02":{"USD":1.08}}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.Client())
	series, err := client.DailyRates(context.Background(), "EUR", "USD",
		time.Date(2025, 1, 1, 0, 0, 0, 0, time.Local),
		time.Date(2025, 1, 31, 0, 0, 0, 0, time.Local))
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, 1.08, series[0].Rate, "series must come back in date order")
	assert.Equal(t, 1.09, series[1].Rate)
}
