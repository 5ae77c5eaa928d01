// Package revenue derives billing windows from raw billing records and
// annualizes their monetary value under the recognition rules shared by
// the booked and contracted report modes.
package revenue

import (
	"math"
	"strings"
	"time"
)

// daysPerYear uses the mean Gregorian year so leap years do not skew
// duration-based annualization.
const daysPerYear = 365.2425

// minDurationDays floors duration annualization at one hour. Sub-day
// windows therefore produce a large but finite hourly-equivalent figure;
// this is a known edge case and is intentionally not clamped further.
const minDurationDays = 1.0 / 24.0

// FarFuture is the sentinel end date for open-ended windows so downstream
// comparisons never deal with a missing end.
var FarFuture = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// Window is the span a billing record recognises revenue over. End is
// always concrete; OpenEnded marks windows whose real end is unknown.
type Window struct {
	Start     time.Time
	End       time.Time
	OpenEnded bool
}

// Covers reports whether the window spans the instant t.
func (w Window) Covers(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// LineFields carries the window-relevant fields of a billing record.
// Zero times and zero numbers mean the source field was absent; decoding
// from the upstream property bags is the fetchers' concern.
type LineFields struct {
	RecurringStart time.Time
	RecurringEnd   time.Time
	PeriodStart    time.Time
	PeriodEnd      time.Time
	TermMonths     int
	Frequency      string
	Amount         float64
	NetPrice       float64
}

// ComputeWindow derives the billing window for a record. The second
// return is false when no start date can be determined, in which case the
// record does not contribute to any report.
func ComputeWindow(f LineFields) (Window, bool) {
	start := f.RecurringStart
	if start.IsZero() {
		start = f.PeriodStart
	}
	if start.IsZero() {
		return Window{}, false
	}

	end := f.RecurringEnd
	if end.IsZero() {
		end = f.PeriodEnd
	}
	if end.IsZero() && f.TermMonths > 0 {
		end = start.AddDate(0, f.TermMonths, -1)
	}
	if end.IsZero() {
		return Window{Start: start, End: FarFuture, OpenEnded: true}, true
	}
	return Window{Start: start, End: end}, true
}

// IsOneTime classifies a record as non-recurring: either no window can be
// derived, or the window never ends. An unterminated recurring charge
// cannot be annualized without guessing, so it is excluded from ARR.
func IsOneTime(f LineFields) bool {
	w, ok := ComputeWindow(f)
	return !ok || w.OpenEnded
}

// FrequencyMultiplier maps a recurring-frequency label to the number of
// charges per year. Unrecognized labels map to zero so a mislabelled
// record contributes nothing rather than a guessed figure.
func FrequencyMultiplier(label string) float64 {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "one-time", "onetime", "one_time":
		return 0
	case "semiannual", "semi-annual", "every-6-months", "per_six_months":
		return 2
	case "quarterly", "every-3-months", "per_three_months":
		return 4
	case "monthly":
		return 12
	case "annual", "annually", "yearly":
		return 1
	default:
		return 0
	}
}

// AnnualizeByFrequency projects a recurring charge to its 12-month
// equivalent using the frequency multiplier. One-time records yield zero.
// The base amount falls back to the net price when the amount is absent
// or zero.
func AnnualizeByFrequency(f LineFields) float64 {
	if IsOneTime(f) {
		return 0
	}
	base := f.Amount
	if base == 0 {
		base = f.NetPrice
	}
	return Round2(base * FrequencyMultiplier(f.Frequency))
}

// AnnualizeByDuration projects an amount billed over [start, endExclusive)
// to a year. Zero or negative durations yield zero; durations under an
// hour are floored at minDurationDays. The cent scale folds into the
// numerator before dividing so half-cent cases round the way decimal
// arithmetic would.
func AnnualizeByDuration(amountMajor float64, start, endExclusive time.Time) float64 {
	days := endExclusive.Sub(start).Hours() / 24
	if days <= 0 {
		return 0
	}
	return math.Round(amountMajor*daysPerYear*100/math.Max(days, minDurationDays)) / 100
}

// Round2 rounds a monetary value to two decimal places. Applied at every
// aggregation boundary so floating-point drift cannot compound.
func Round2(x float64) float64 {
	return math.Round(x*100) / 100
}
