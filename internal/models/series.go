package models

import (
	"sort"
	"strings"
	"time"
)

// Query identifies one selector against one source over [Start, End) at Step.
// It is passed by value and never modified after issue.
type Query struct {
	ID      string        `json:"id"`
	Signal  SignalType    `json:"signal"`
	Expr    string        `json:"expr"`
	Source  string        `json:"source,omitempty"`
	Service string        `json:"service,omitempty"`
	Start   time.Time     `json:"start"`
	End     time.Time     `json:"end"`
	Step    time.Duration `json:"step"`
}

// Range returns the query bounds.
func (q Query) Range() TimeRange {
	return TimeRange{Start: q.Start, End: q.End}
}

// Sample is one (timestamp, value) pair.
type Sample struct {
	Time  time.Time `json:"t"`
	Value float64   `json:"v"`
}

// TimeSeries is an ordered run of samples with strictly increasing timestamps.
type TimeSeries struct {
	ID       string            `json:"id"`
	QueryID  string            `json:"query_id"`
	Signal   SignalType        `json:"signal"`
	Service  string            `json:"service,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Samples  []Sample          `json:"samples"`
	Step     time.Duration     `json:"step"`
	Fallback bool              `json:"fallback,omitempty"`
}

// Len returns the number of samples.
func (s TimeSeries) Len() int { return len(s.Samples) }

// Empty reports whether the series holds no samples.
func (s TimeSeries) Empty() bool { return len(s.Samples) == 0 }

// Values copies the sample values.
func (s TimeSeries) Values() []float64 {
	out := make([]float64, len(s.Samples))
	for i, sm := range s.Samples {
		out[i] = sm.Value
	}
	return out
}

// Split partitions samples into those strictly before t and the rest.
func (s TimeSeries) Split(t time.Time) (before, after TimeSeries) {
	idx := sort.Search(len(s.Samples), func(i int) bool {
		return !s.Samples[i].Time.Before(t)
	})
	before, after = s, s
	before.Samples = s.Samples[:idx]
	after.Samples = s.Samples[idx:]
	return before, after
}

// Head returns a copy limited to the first n samples.
func (s TimeSeries) Head(n int) TimeSeries {
	if n > len(s.Samples) {
		n = len(s.Samples)
	}
	out := s
	out.Samples = s.Samples[:n]
	return out
}

// SortSamples orders samples by time and drops duplicate timestamps (last wins).
func SortSamples(samples []Sample) []Sample {
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
	out := samples[:0]
	for _, sm := range samples {
		if n := len(out); n > 0 && out[n-1].Time.Equal(sm.Time) {
			out[n-1] = sm
			continue
		}
		out = append(out, sm)
	}
	return out
}

// SeriesID derives a stable series identity from a query id and label set.
func SeriesID(queryID string, labels map[string]string) string {
	if len(labels) == 0 {
		return queryID
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		if k == "__name__" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(queryID)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(labels[k])
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String()
}

// LogLine is a single log record returned by a log backend.
type LogLine struct {
	Time   time.Time         `json:"time"`
	Line   string            `json:"line"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Span is the subset of a trace span the analysis needs.
type Span struct {
	TraceID   string        `json:"trace_id"`
	SpanID    string        `json:"span_id,omitempty"`
	Service   string        `json:"service"`
	Operation string        `json:"operation"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration"`
	Error     bool          `json:"error,omitempty"`
}

// ServiceGraphEdge represents a dependency edge between two services.
type ServiceGraphEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	CallRate  float64 `json:"call_rate"`
	ErrorRate float64 `json:"error_rate"`
}
