package utils

import (
	"fmt"
	"strconv"
	"time"
)

// ParseTime accepts RFC3339 or unix seconds (fractional allowed).
func ParseTime(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	secs, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: expected RFC3339 or unix seconds", value)
	}
	return UnixSeconds(secs), nil
}

// UnixSeconds converts fractional unix seconds into a UTC time.
func UnixSeconds(secs float64) time.Time {
	whole := int64(secs)
	nanos := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, nanos).UTC()
}

// Steps returns how many whole steps fit between start and end.
func Steps(start, end time.Time, step time.Duration) int {
	if step <= 0 || !end.After(start) {
		return 0
	}
	return int(end.Sub(start) / step)
}
