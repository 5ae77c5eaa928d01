package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func epoch(y int, m time.Month, d int) int64 {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
}

func TestNormalizeAdjustsExclusiveEnd(t *testing.T) {
	inv := invoice{ID: "in_1", Created: epoch(2025, 1, 5), CustomerID: "cus_1", CustomerName: "Acme", Currency: "usd"}
	line := invoiceLine{ID: "li_1", Amount: 10000, Quantity: 1, Description: "Pro plan"}
	line.Period.Start = epoch(2025, 1, 1)
	line.Period.End = epoch(2025, 1, 31)

	item, ok := normalize(inv, line)
	require.True(t, ok)
	assert.Equal(t, "in_1:li_1", item.Key)
	assert.Equal(t, "usd", item.Currency, "line without currency inherits the invoice currency")
	assert.True(t, item.PeriodStart.Equal(time.Unix(epoch(2025, 1, 1), 0)))

	wantEnd := time.Unix(epoch(2025, 1, 31), 0).Add(-time.Millisecond)
	assert.True(t, item.PeriodEnd.Equal(wantEnd), "exclusive source end must be stored inclusive")
}

func TestNormalizeDropsPeriodlessLines(t *testing.T) {
	inv := invoice{ID: "in_2"}
	line := invoiceLine{ID: "li_9", Amount: 500}
	if _, ok := normalize(inv, line); ok {
		t.Fatal("line without a billing period must be dropped")
	}
}

func TestLineItemOverlaps(t *testing.T) {
	item := LineItem{
		PeriodStart: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}
	assert.True(t, item.Overlaps(
		time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)))
	assert.False(t, item.Overlaps(
		time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)))
}

func newLedgerServer(t *testing.T, invoices []map[string]any, linesByInvoice map[string][]map[string]any, pageSize int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/invoices", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		offset := 0
		if cursor := r.URL.Query().Get("cursor"); cursor != "" {
			fmt.Sscanf(cursor, "off_%d", &offset)
		}
		end := offset + pageSize
		if end > len(invoices) {
			end = len(invoices)
		}
		payload := map[string]any{
			"data":        invoices[offset:end],
			"next_cursor": fmt.Sprintf("off_%d", end),
			"has_more":    end < len(invoices),
		}
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/v1/invoices/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/invoices/"), "/lines")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": linesByInvoice[id]})
	})
	return httptest.NewServer(mux)
}

func TestFetchBatchPaginatesAndNormalizes(t *testing.T) {
	invoices := []map[string]any{
		{"id": "in_1", "created": epoch(2025, 1, 2), "customer": "cus_1", "customer_name": "Acme", "currency": "usd"},
		{"id": "in_2", "created": epoch(2025, 1, 9), "customer": "cus_2", "customer_name": "Globex", "currency": "eur"},
		{"id": "in_3", "created": epoch(2025, 1, 20), "customer": "cus_1", "customer_name": "Acme", "currency": "usd"},
	}
	lines := map[string][]map[string]any{
		"in_1": {{"id": "li_1", "amount": 10000, "quantity": 1, "description": "Pro",
			"period": map[string]int64{"start": epoch(2025, 1, 1), "end": epoch(2025, 2, 1)}}},
		"in_2": {{"id": "li_2", "amount": 20000, "quantity": 2,
			"period": map[string]int64{"start": epoch(2025, 1, 1), "end": epoch(2025, 4, 1)}}},
		"in_3": {{"id": "li_3", "amount": 5000, "quantity": 1,
			"period": map[string]int64{"start": epoch(2025, 1, 15), "end": epoch(2025, 2, 15)}}},
	}
	srv := newLedgerServer(t, invoices, lines, 2)
	defer srv.Close()

	client := NewClient(srv.URL, "tok", WithHTTPClient(srv.Client()))
	from := time.Unix(epoch(2025, 1, 1), 0)
	to := time.Unix(epoch(2025, 1, 31), 0)

	first, err := client.FetchBatch(context.Background(), from, to, "", 2)
	require.NoError(t, err)
	assert.Len(t, first.Items, 2)
	assert.True(t, first.HasMore)

	second, err := client.FetchBatch(context.Background(), from, to, first.NextCursor, 2)
	require.NoError(t, err)
	assert.Len(t, second.Items, 1)
	assert.False(t, second.HasMore)

	keys := map[string]bool{}
	for _, item := range append(first.Items, second.Items...) {
		keys[item.Key] = true
	}
	assert.Len(t, keys, 3, "resumed batches must neither drop nor duplicate")
	assert.Equal(t, "eur", findItem(t, append(first.Items, second.Items...), "in_2:li_2").Currency)
}

func findItem(t *testing.T, items []LineItem, key string) LineItem {
	t.Helper()
	for _, item := range items {
		if item.Key == key {
			return item
		}
	}
	t.Fatalf("item %s not found", key)
	return LineItem{}
}
