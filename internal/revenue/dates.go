package revenue

import (
	"strconv"
	"time"
)

// ParseDate turns an upstream date field into an instant. Bare
// YYYY-MM-DD strings parse as local midnight so a date-only field never
// shifts across a day boundary with the timezone offset; epoch seconds
// and milliseconds parse as absolute instants. Unparseable input yields
// the zero time.
func ParseDate(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.ParseInLocation("2006-01-02", raw, time.Local); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return FromEpoch(n)
	}
	return time.Time{}
}

// FromEpoch interprets an integer timestamp, accepting both second and
// millisecond precision. Values past the year ~33658 in seconds are
// treated as milliseconds.
func FromEpoch(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	const millisecondThreshold = 1_000_000_000_000
	if n >= millisecondThreshold || n <= -millisecondThreshold {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}
