package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/arrlens/arrlens/internal/platform/httpc"
	"github.com/arrlens/arrlens/internal/revenue"
)

// defaultLineWorkers bounds the per-invoice line fetch fan-out.
const defaultLineWorkers = 4

// Client is a paginated, retrying billing-ledger API client.
type Client struct {
	baseURL     string
	token       string
	http        *http.Client
	policy      httpc.RetryPolicy
	lineWorkers int
}

// ClientOption adjusts client construction.
type ClientOption func(*Client)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy httpc.RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = policy }
}

// WithLineWorkers bounds the concurrent line-item fetches per batch.
func WithLineWorkers(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.lineWorkers = n
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a ledger client.
func NewClient(baseURL, token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     baseURL,
		token:       token,
		http:        &http.Client{Timeout: 30 * time.Second},
		policy:      httpc.DefaultRetryPolicy(),
		lineWorkers: defaultLineWorkers,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListFilter selects invoices by creation time with cursor resumption.
type ListFilter struct {
	CreatedFrom time.Time
	CreatedTo   time.Time
	Cursor      string
	Limit       int
}

type invoicePage struct {
	Data       []invoice `json:"data"`
	NextCursor string    `json:"next_cursor"`
	HasMore    bool      `json:"has_more"`
}

type linePage struct {
	Data []invoiceLine `json:"data"`
}

// ListInvoices returns one page of invoices created inside the filter
// range, resuming from the cursor when set.
func (c *Client) ListInvoices(ctx context.Context, filter ListFilter) (invoicePage, error) {
	query := url.Values{
		"created_from": {strconv.FormatInt(filter.CreatedFrom.Unix(), 10)},
		"created_to":   {strconv.FormatInt(filter.CreatedTo.Unix(), 10)},
	}
	if filter.Cursor != "" {
		query.Set("cursor", filter.Cursor)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	var page invoicePage
	if err := c.getJSON(ctx, "/v1/invoices?"+query.Encode(), &page); err != nil {
		return invoicePage{}, fmt.Errorf("ledger: list invoices: %w", err)
	}
	return page, nil
}

// InvoiceLineItems returns the nested line items of a single invoice.
func (c *Client) InvoiceLineItems(ctx context.Context, invoiceID string) ([]invoiceLine, error) {
	var page linePage
	if err := c.getJSON(ctx, "/v1/invoices/"+url.PathEscape(invoiceID)+"/lines", &page); err != nil {
		return nil, fmt.Errorf("ledger: invoice %s lines: %w", invoiceID, err)
	}
	return page.Data, nil
}

// FetchBatch lists one bounded page of invoices and resolves their line
// items through a fixed-size worker pool into normalized items. It is the
// fetcher contract the sync cache consumes.
func (c *Client) FetchBatch(ctx context.Context, from, to time.Time, cursor string, limit int) (Batch, error) {
	page, err := c.ListInvoices(ctx, ListFilter{CreatedFrom: from, CreatedTo: to, Cursor: cursor, Limit: limit})
	if err != nil {
		return Batch{}, err
	}

	var mu sync.Mutex
	items := make([]LineItem, 0, len(page.Data))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.lineWorkers)
	for _, inv := range page.Data {
		group.Go(func() error {
			lines, err := c.InvoiceLineItems(groupCtx, inv.ID)
			if err != nil {
				return err
			}
			normalized := make([]LineItem, 0, len(lines))
			for _, line := range lines {
				if item, ok := normalize(inv, line); ok {
					normalized = append(normalized, item)
				}
			}
			mu.Lock()
			items = append(items, normalized...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Batch{}, err
	}

	return Batch{Items: items, NextCursor: page.NextCursor, HasMore: page.HasMore}, nil
}

// normalize converts a raw invoice line to the stored shape. Lines
// without a billing period are dropped (fail closed): they cannot be
// attributed to any reporting period.
func normalize(inv invoice, line invoiceLine) (LineItem, bool) {
	start := revenue.FromEpoch(line.Period.Start)
	endExclusive := revenue.FromEpoch(line.Period.End)
	if start.IsZero() || endExclusive.IsZero() {
		return LineItem{}, false
	}
	currency := line.Currency
	if currency == "" {
		currency = inv.Currency
	}
	return LineItem{
		Key:             inv.ID + ":" + line.ID,
		CustomerID:      inv.CustomerID,
		CustomerName:    inv.CustomerName,
		AmountMinor:     line.Amount,
		Currency:        currency,
		Quantity:        line.Quantity,
		PeriodStart:     start,
		PeriodEnd:       endExclusive.Add(-time.Millisecond),
		Description:     line.Description,
		RecordCreatedAt: revenue.FromEpoch(inv.Created),
	}, true
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	resp, err := httpc.Do(ctx, c.http, c.policy, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
