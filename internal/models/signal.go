package models

import (
	"strings"
	"time"
)

// SignalType enumerates telemetry families.
type SignalType string

const (
	SignalMetrics SignalType = "metrics"
	SignalLogs    SignalType = "logs"
	SignalTraces  SignalType = "traces"
)

// SignalTypes lists every family in a stable order.
var SignalTypes = []SignalType{SignalMetrics, SignalLogs, SignalTraces}

// Valid reports whether s is a known family.
func (s SignalType) Valid() bool {
	switch s {
	case SignalMetrics, SignalLogs, SignalTraces:
		return true
	}
	return false
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Weight is the evidence mass of a severity level (1, 2, 4, 8).
func (s Severity) Weight() float64 {
	switch s {
	case SeverityCritical:
		return 8
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Rank orders severities; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// MaxSeverity returns the worse of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity is case-insensitive and returns "" for unknown input.
func ParseSeverity(v string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(v))) {
	case SeverityLow:
		return SeverityLow
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	}
	return ""
}

// TimeRange bounds the signal window for analysis, [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the range is non-empty.
func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && r.End.After(r.Start)
}

// Contains reports whether t falls in [Start, End).
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Interval is a closed time span [Start, End] used by events and bundles.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Union returns the smallest interval containing both.
func (i Interval) Union(other Interval) Interval {
	out := i
	if other.Start.Before(out.Start) {
		out.Start = other.Start
	}
	if other.End.After(out.End) {
		out.End = other.End
	}
	return out
}
