package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/arrlens/arrlens/internal/platform/httpc"
)

// Client fetches daily rate series from an exchange-rate HTTP API that
// serves time ranges as {"rates": {"2025-01-02": {"EUR": 0.91}, ...}}.
type Client struct {
	baseURL string
	http    *http.Client
	policy  httpc.RetryPolicy
}

// NewClient constructs a rate-source client against the given base URL.
func NewClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: baseURL,
		http:    client,
		policy:  httpc.DefaultRetryPolicy(),
	}
}

type rangeResponse struct {
	Rates map[string]map[string]float64 `json:"rates"`
}

// DailyRates implements RateSource. Days the upstream omits or cannot
// price are simply absent from the result; the normalizer averages only
// what came back.
func (c *Client) DailyRates(ctx context.Context, from, to string, start, end time.Time) ([]DailyRate, error) {
	endpoint := fmt.Sprintf("%s/%s..%s?%s", c.baseURL,
		start.Format("2006-01-02"), end.Format("2006-01-02"),
		url.Values{"from": {from}, "to": {to}}.Encode())

	resp, err := httpc.Do(ctx, c.http, c.policy, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, endpoint, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fx: fetch range: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fx: fetch range: status %d", resp.StatusCode)
	}

	var payload rangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("fx: decode range: %w", err)
	}

	series := make([]DailyRate, 0, len(payload.Rates))
	for day, rates := range payload.Rates {
		date, err := time.ParseInLocation("2006-01-02", day, time.Local)
		if err != nil {
			continue
		}
		series = append(series, DailyRate{Date: date, Rate: rates[to]})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Date.Before(series[j].Date) })
	return series, nil
}
