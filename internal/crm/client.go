package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arrlens/arrlens/internal/platform/httpc"
)

const (
	searchPageSize      = 100
	batchChunkSize      = 100
	defaultBatchWorkers = 4
)

// Client is a paginated, retrying CRM API client.
type Client struct {
	baseURL      string
	token        string
	http         *http.Client
	policy       httpc.RetryPolicy
	batchWorkers int
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy httpc.RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = policy }
}

// WithBatchWorkers bounds the batch-read fan-out.
func WithBatchWorkers(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.batchWorkers = n
		}
	}
}

// NewClient constructs a CRM client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:      baseURL,
		token:        token,
		http:         &http.Client{Timeout: 30 * time.Second},
		policy:       httpc.DefaultRetryPolicy(),
		batchWorkers: defaultBatchWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchFilter selects deals. Zero bounds are omitted from the query.
type SearchFilter struct {
	ClosedFrom time.Time
	ClosedTo   time.Time
	Stage      string
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups,omitempty"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
	After        string        `json:"after,omitempty"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

type searchResponse struct {
	Results []objectResult `json:"results"`
	Paging  *struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

type objectResult struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

// SearchDeals walks the paginated deal search until exhaustion and
// returns every matching deal, preserving upstream order.
func (c *Client) SearchDeals(ctx context.Context, f SearchFilter) ([]Deal, error) {
	req := searchRequest{
		FilterGroups: buildFilters(f),
		Properties:   dealProperties,
		Limit:        searchPageSize,
	}

	var deals []Deal
	for {
		var page searchResponse
		if err := c.postJSON(ctx, "/crm/v3/objects/deals/search", req, &page); err != nil {
			return nil, fmt.Errorf("crm: search deals: %w", err)
		}
		for _, result := range page.Results {
			deals = append(deals, decodeDeal(result.ID, result.Properties))
		}
		if page.Paging == nil || page.Paging.Next.After == "" {
			return deals, nil
		}
		req.After = page.Paging.Next.After
	}
}

func buildFilters(f SearchFilter) []filterGroup {
	var filters []filter
	if !f.ClosedFrom.IsZero() {
		filters = append(filters, filter{PropertyName: "closedate", Operator: "GTE",
			Value: fmt.Sprintf("%d", f.ClosedFrom.UnixMilli())})
	}
	if !f.ClosedTo.IsZero() {
		filters = append(filters, filter{PropertyName: "closedate", Operator: "LTE",
			Value: fmt.Sprintf("%d", f.ClosedTo.UnixMilli())})
	}
	if f.Stage != "" {
		filters = append(filters, filter{PropertyName: "dealstage", Operator: "EQ", Value: f.Stage})
	}
	if len(filters) == 0 {
		return nil
	}
	return []filterGroup{{Filters: filters}}
}

type associationsRequest struct {
	Inputs []associationInput `json:"inputs"`
}

type associationInput struct {
	ID string `json:"id"`
}

type associationsResponse struct {
	Results []struct {
		From struct {
			ID string `json:"id"`
		} `json:"from"`
		To []struct {
			ToObjectID json.Number `json:"toObjectId"`
		} `json:"to"`
	} `json:"results"`
}

// DealLineItemIDs resolves the line items associated with each deal,
// preserving the upstream association order per deal.
func (c *Client) DealLineItemIDs(ctx context.Context, dealIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(dealIDs))
	for chunk := range chunks(dealIDs, batchChunkSize) {
		req := associationsRequest{}
		for _, id := range chunk {
			req.Inputs = append(req.Inputs, associationInput{ID: id})
		}
		var resp associationsResponse
		if err := c.postJSON(ctx, "/crm/v4/associations/deals/line_items/batch/read", req, &resp); err != nil {
			return nil, fmt.Errorf("crm: deal associations: %w", err)
		}
		for _, result := range resp.Results {
			ids := make([]string, 0, len(result.To))
			for _, to := range result.To {
				ids = append(ids, to.ToObjectID.String())
			}
			out[result.From.ID] = ids
		}
	}
	return out, nil
}

type batchReadRequest struct {
	Inputs     []associationInput `json:"inputs"`
	Properties []string           `json:"properties"`
}

type batchReadResponse struct {
	Results []objectResult `json:"results"`
}

// BatchReadLineItems resolves line items by id, fanning chunked batch
// calls through a fixed-size worker pool.
func (c *Client) BatchReadLineItems(ctx context.Context, ids []string) (map[string]LineItem, error) {
	var mu sync.Mutex
	out := make(map[string]LineItem, len(ids))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.batchWorkers)
	for chunk := range chunks(ids, batchChunkSize) {
		group.Go(func() error {
			req := batchReadRequest{Properties: lineProperties}
			for _, id := range chunk {
				req.Inputs = append(req.Inputs, associationInput{ID: id})
			}
			var resp batchReadResponse
			if err := c.postJSON(groupCtx, "/crm/v3/objects/line_items/batch/read", req, &resp); err != nil {
				return fmt.Errorf("crm: batch read line items: %w", err)
			}
			mu.Lock()
			for _, result := range resp.Results {
				out[result.ID] = decodeLineItem(result.ID, result.Properties)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DealUpdate writes computed values back onto a deal.
type DealUpdate struct {
	ID         string            `json:"id"`
	Properties map[string]string `json:"properties"`
}

type batchUpdateRequest struct {
	Inputs []DealUpdate `json:"inputs"`
}

// BatchUpdateDeals applies property updates in chunked batch calls.
func (c *Client) BatchUpdateDeals(ctx context.Context, updates []DealUpdate) error {
	for chunk := range chunks(updates, batchChunkSize) {
		if err := c.postJSON(ctx, "/crm/v3/objects/deals/batch/update", batchUpdateRequest{Inputs: chunk}, nil); err != nil {
			return fmt.Errorf("crm: batch update deals: %w", err)
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, dest any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpc.Do(ctx, c.http, c.policy, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// chunks yields fixed-size slices of items, final chunk possibly shorter.
func chunks[T any](items []T, size int) func(func([]T) bool) {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := start + size
			if end > len(items) {
				end = len(items)
			}
			if !yield(items[start:end]) {
				return
			}
		}
	}
}
