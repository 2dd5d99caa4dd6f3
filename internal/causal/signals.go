package causal

import (
	"time"

	"github.com/observantio/becertain/internal/models"
)

// Signal is one signal's values on the shared analysis grid.
type Signal struct {
	ID     string
	Type   models.SignalType
	Values []float64
}

// Grid is a regular time axis [Start, End) with Step spacing.
type Grid struct {
	Start time.Time
	End   time.Time
	Step  time.Duration
}

// Len is the number of grid points.
func (g Grid) Len() int {
	if g.Step <= 0 || !g.End.After(g.Start) {
		return 0
	}
	return int((g.End.Sub(g.Start) + g.Step - 1) / g.Step)
}

func (g Grid) index(t time.Time) (int, bool) {
	if t.Before(g.Start) || !t.Before(g.End) {
		return 0, false
	}
	return int(t.Sub(g.Start) / g.Step), true
}

// SeriesSignal samples s at every grid point, carrying the last observed
// value forward. Points before the first sample take the first value.
func (g Grid) SeriesSignal(s models.TimeSeries) Signal {
	n := g.Len()
	out := Signal{ID: s.ID, Type: models.SignalMetrics, Values: make([]float64, n)}
	if n == 0 || len(s.Samples) == 0 {
		return out
	}
	j := 0
	last := s.Samples[0].Value
	for i := 0; i < n; i++ {
		at := g.Start.Add(time.Duration(i) * g.Step)
		for j < len(s.Samples) && !s.Samples[j].Time.After(at) {
			last = s.Samples[j].Value
			j++
		}
		out.Values[i] = last
	}
	return out
}

// LogSignal counts lines per grid step.
func (g Grid) LogSignal(id string, lines []models.LogLine) Signal {
	out := Signal{ID: id, Type: models.SignalLogs, Values: make([]float64, g.Len())}
	for _, l := range lines {
		if i, ok := g.index(l.Time); ok {
			out.Values[i]++
		}
	}
	return out
}

// SpanSignal is the mean span duration in milliseconds per grid step; empty
// steps carry the previous mean.
func (g Grid) SpanSignal(id string, spans []models.Span) Signal {
	n := g.Len()
	sums := make([]float64, n)
	counts := make([]int, n)
	for _, s := range spans {
		if i, ok := g.index(s.Start); ok {
			sums[i] += float64(s.Duration) / float64(time.Millisecond)
			counts[i]++
		}
	}
	out := Signal{ID: id, Type: models.SignalTraces, Values: make([]float64, n)}
	var last float64
	for i := range sums {
		if counts[i] > 0 {
			last = sums[i] / float64(counts[i])
		}
		out.Values[i] = last
	}
	return out
}

// ErrorSignal counts failed spans per grid step.
func (g Grid) ErrorSignal(id string, spans []models.Span) Signal {
	out := Signal{ID: id, Type: models.SignalTraces, Values: make([]float64, g.Len())}
	for _, s := range spans {
		if !s.Error {
			continue
		}
		if i, ok := g.index(s.Start); ok {
			out.Values[i]++
		}
	}
	return out
}
