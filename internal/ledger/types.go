// Package ledger fetches invoices from the external billing ledger and
// normalizes their line items into the platform-agnostic shape the sync
// cache stores.
package ledger

import "time"

// LineItem is a normalized billing line item. PeriodEnd is stored
// inclusive: the source reports an exclusive end instant and
// normalization subtracts one millisecond. Items are immutable once
// issued upstream, so an upsert by Key overwriting an existing entry is
// a safe no-op.
type LineItem struct {
	Key             string    `json:"key"`
	CustomerID      string    `json:"customerId"`
	CustomerName    string    `json:"customerName"`
	AmountMinor     int64     `json:"amountMinor"`
	Currency        string    `json:"currency"`
	Quantity        float64   `json:"quantity"`
	PeriodStart     time.Time `json:"periodStart"`
	PeriodEnd       time.Time `json:"periodEnd"`
	Description     string    `json:"description"`
	RecordCreatedAt time.Time `json:"recordCreatedAt"`
}

// AmountMajor converts the minor-unit amount to major units.
func (li LineItem) AmountMajor() float64 {
	return float64(li.AmountMinor) / 100
}

// Overlaps reports whether the item's billing period intersects
// [start, end].
func (li LineItem) Overlaps(start, end time.Time) bool {
	return !li.PeriodEnd.Before(start) && !li.PeriodStart.After(end)
}

// Batch is one bounded page of normalized items plus resumption state.
type Batch struct {
	Items      []LineItem
	NextCursor string
	HasMore    bool
}

// invoice is the raw upstream invoice envelope.
type invoice struct {
	ID           string `json:"id"`
	Created      int64  `json:"created"`
	CustomerID   string `json:"customer"`
	CustomerName string `json:"customer_name"`
	Currency     string `json:"currency"`
}

// invoiceLine is a raw upstream line item. Period bounds are epoch
// seconds with an exclusive end.
type invoiceLine struct {
	ID          string  `json:"id"`
	Amount      int64   `json:"amount"`
	Currency    string  `json:"currency"`
	Quantity    float64 `json:"quantity"`
	Description string  `json:"description"`
	Period      struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}
