// Package crm fetches deals and their line items from the external CRM.
// Upstream records arrive as loose string property bags; missing or
// malformed fields decode to zero values rather than errors.
package crm

import (
	"strconv"
	"strings"
	"time"

	"github.com/arrlens/arrlens/internal/revenue"
)

// Deal is a CRM deal with the fields ARR reporting needs.
type Deal struct {
	ID          string
	Name        string
	CloseDate   time.Time
	DealType    string
	Currency    string
	Amount      float64
	LineItemIDs []string
}

// IsExistingBusiness reports whether the deal type marks already-won
// business (renewal or upsell). Such deals never receive contracted-ARR
// carry.
func (d Deal) IsExistingBusiness() bool {
	label := strings.ToLower(d.DealType)
	return strings.Contains(label, "existingbusiness") || strings.Contains(label, "upsell")
}

// LineItem is a CRM product line attached to a deal.
type LineItem struct {
	ID     string
	Name   string
	Fields revenue.LineFields
}

// properties is the raw upstream property bag.
type properties map[string]string

func (p properties) str(key string) string {
	return strings.TrimSpace(p[key])
}

func (p properties) float(key string) float64 {
	v, err := strconv.ParseFloat(p.str(key), 64)
	if err != nil {
		return 0
	}
	return v
}

func (p properties) integer(key string) int {
	v, err := strconv.Atoi(p.str(key))
	if err != nil {
		return 0
	}
	return v
}

func (p properties) date(key string) time.Time {
	return revenue.ParseDate(p.str(key))
}

// Property names requested from the CRM.
var (
	dealProperties = []string{"dealname", "closedate", "dealtype", "deal_currency_code", "amount"}
	lineProperties = []string{
		"name", "amount", "price", "quantity",
		"recurringbillingfrequency", "hs_recurring_billing_period",
		"hs_recurring_billing_start_date", "hs_recurring_billing_end_date",
		"hs_billing_period_start_date", "hs_billing_period_end_date",
		"hs_term_in_months",
	}
)

func decodeDeal(id string, props properties) Deal {
	return Deal{
		ID:        id,
		Name:      props.str("dealname"),
		CloseDate: props.date("closedate"),
		DealType:  props.str("dealtype"),
		Currency:  strings.ToUpper(props.str("deal_currency_code")),
		Amount:    props.float("amount"),
	}
}

func decodeLineItem(id string, props properties) LineItem {
	return LineItem{
		ID:   id,
		Name: props.str("name"),
		Fields: revenue.LineFields{
			RecurringStart: props.date("hs_recurring_billing_start_date"),
			RecurringEnd:   props.date("hs_recurring_billing_end_date"),
			PeriodStart:    props.date("hs_billing_period_start_date"),
			PeriodEnd:      props.date("hs_billing_period_end_date"),
			TermMonths:     props.integer("hs_term_in_months"),
			Frequency:      props.str("recurringbillingfrequency"),
			Amount:         props.float("amount"),
			NetPrice:       props.float("price"),
		},
	}
}
