// Package report orchestrates the ARR calculation: it pulls qualifying
// records from the CRM or the synchronized billing ledger, derives each
// record's billing window and annualized value, converts currencies, and
// buckets the results into the requested period grain.
package report

import (
	"time"

	"github.com/arrlens/arrlens/internal/period"
)

// Mode selects the recognition policy.
type Mode string

const (
	// ModeBooked attributes value strictly by billing-window coverage.
	ModeBooked Mode = "booked"
	// ModeContracted additionally carries a new deal's earliest
	// recurring value across the gap between close and first billing.
	ModeContracted Mode = "contracted"
)

// Valid reports whether the mode is supported.
func (m Mode) Valid() bool {
	return m == ModeBooked || m == ModeContracted
}

// Source selects where records come from.
type Source string

const (
	// SourceCRM computes from deal line items fetched on demand.
	SourceCRM Source = "crm"
	// SourceLedger computes from the incrementally synchronized
	// billing-ledger snapshot.
	SourceLedger Source = "ledger"
)

// Valid reports whether the source is supported.
func (s Source) Valid() bool {
	return s == SourceCRM || s == SourceLedger
}

// Request describes one report build.
type Request struct {
	Start  time.Time    `validate:"required"`
	End    time.Time    `validate:"required,gtefield=Start"`
	Grain  period.Grain `validate:"required"`
	Mode   Mode         `validate:"required"`
	Source Source       `validate:"required"`
}

// Row is one retained record's contribution. Rows are built once per
// report generation and never mutated afterwards.
type Row struct {
	EntityID        string             `json:"entityId"`
	EntityName      string             `json:"entityName"`
	Description     string             `json:"description,omitempty"`
	Currency        string             `json:"currency"`
	FXRate          float64            `json:"fxRate"`
	FXMonth         string             `json:"fxMonth,omitempty"`
	AnnualizedValue float64            `json:"annualizedValue"`
	ValuesByPeriod  map[string]float64 `json:"valuesByPeriod"`
}

// Report is the full result for one request.
type Report struct {
	GeneratedAt    time.Time          `json:"generatedAt"`
	Mode           Mode               `json:"mode"`
	Grain          period.Grain       `json:"grain"`
	Source         Source             `json:"source"`
	Currency       string             `json:"currency"`
	Periods        []period.Period    `json:"periods"`
	TotalsByPeriod map[string]float64 `json:"totalsByPeriod"`
	Rows           []Row              `json:"rows"`
}

// Summary condenses a report pair into the headline figures the
// scheduled delivery job publishes.
type Summary struct {
	GeneratedAt      time.Time `json:"generatedAt"`
	Quarter          string    `json:"quarter"`
	Currency         string    `json:"currency"`
	BookedARR        float64   `json:"bookedArr"`
	ContractedARR    float64   `json:"contractedArr"`
	PriorMonthBooked float64   `json:"priorMonthBooked"`
	MonthDelta       float64   `json:"monthDelta"`
}
