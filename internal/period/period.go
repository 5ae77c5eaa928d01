// Package period builds the report time buckets: a gap-free daily or
// monthly tiling of a date range, and quarterly/annual rollups whose
// members partition the monthly tiling exactly.
package period

import (
	"fmt"
	"time"
)

// Grain enumerates supported bucket sizes.
type Grain string

const (
	GrainDaily     Grain = "daily"
	GrainMonthly   Grain = "monthly"
	GrainQuarterly Grain = "quarterly"
	GrainAnnually  Grain = "annually"
)

// Valid reports whether the grain is one of the supported values.
func (g Grain) Valid() bool {
	switch g {
	case GrainDaily, GrainMonthly, GrainQuarterly, GrainAnnually:
		return true
	}
	return false
}

// Period is a single reporting bucket. Start and End are both inclusive.
// Members lists the monthly keys summarised by a quarterly or annual
// period, in chronological order; it is nil for daily and monthly grains.
type Period struct {
	Key     string    `json:"key"`
	Label   string    `json:"label"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	Members []string  `json:"members,omitempty"`
}

// Contains reports whether t falls inside the period bounds.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// BuildDaily produces one period per calendar day in [start, end]
// inclusive, each spanning local midnight to 23:59:59.999.
func BuildDaily(start, end time.Time) []Period {
	loc := start.Location()
	first := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	last := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, loc)

	var periods []Period
	for day := first; !day.After(last); day = day.AddDate(0, 0, 1) {
		periods = append(periods, Period{
			Key:   day.Format("2006-01-02"),
			Label: day.Format("2 Jan 2006"),
			Start: day,
			End:   day.AddDate(0, 0, 1).Add(-time.Millisecond),
		})
	}
	return periods
}

// BuildMonthly produces one period per calendar month from the month of
// start through the month of end, inclusive. Each period spans the first
// of the month to the last day at 23:59:59.999.
func BuildMonthly(start, end time.Time) []Period {
	loc := start.Location()
	first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
	last := time.Date(end.Year(), end.Month(), 1, 0, 0, 0, 0, loc)

	var periods []Period
	for month := first; !month.After(last); month = month.AddDate(0, 1, 0) {
		periods = append(periods, Period{
			Key:   month.Format("2006-01"),
			Label: month.Format("Jan 2006"),
			Start: month,
			End:   month.AddDate(0, 1, 0).Add(-time.Millisecond),
		})
	}
	return periods
}

// Aggregate groups monthly periods into the requested grain. Monthly is
// the identity. Quarterly groups by (year, quarter) and annually by year;
// each group's bounds come from its first and last member so quarterly
// and annual totals stay derivable by summing monthly values.
func Aggregate(monthly []Period, grain Grain) []Period {
	switch grain {
	case GrainQuarterly:
		return groupBy(monthly, func(p Period) (string, string) {
			q := (int(p.Start.Month())-1)/3 + 1
			key := fmt.Sprintf("%04d-Q%d", p.Start.Year(), q)
			return key, fmt.Sprintf("Q%d %04d", q, p.Start.Year())
		})
	case GrainAnnually:
		return groupBy(monthly, func(p Period) (string, string) {
			key := fmt.Sprintf("%04d", p.Start.Year())
			return key, key
		})
	default:
		return monthly
	}
}

// ForGrain builds the period set for a range at the given grain.
func ForGrain(start, end time.Time, grain Grain) []Period {
	if grain == GrainDaily {
		return BuildDaily(start, end)
	}
	return Aggregate(BuildMonthly(start, end), grain)
}

func groupBy(monthly []Period, classify func(Period) (key, label string)) []Period {
	var groups []Period
	index := map[string]int{}
	for _, m := range monthly {
		key, label := classify(m)
		i, ok := index[key]
		if !ok {
			index[key] = len(groups)
			groups = append(groups, Period{
				Key:     key,
				Label:   label,
				Start:   m.Start,
				End:     m.End,
				Members: []string{m.Key},
			})
			continue
		}
		groups[i].End = m.End
		groups[i].Members = append(groups[i].Members, m.Key)
	}
	return groups
}
