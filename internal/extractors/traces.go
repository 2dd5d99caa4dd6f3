package extractors

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// TraceAnalyzer summarises spans per service operation and reports the
// operations whose latency, error rate or Apdex is degraded.
type TraceAnalyzer struct {
	cfg config.TracesConfig
}

// NewTraceAnalyzer constructs a TraceAnalyzer.
func NewTraceAnalyzer(cfg config.TracesConfig) *TraceAnalyzer {
	if cfg.ApdexT <= 0 {
		cfg.ApdexT = 500 * time.Millisecond
	}
	return &TraceAnalyzer{cfg: cfg}
}

// OperationKey is the signal id of a service operation.
func OperationKey(service, operation string) string {
	return service + "::" + operation
}

type opGroup struct {
	service, operation string
	spans              []models.Span
}

// Analyze returns degradations of medium severity or worse, ordered by key.
func (a *TraceAnalyzer) Analyze(spans []models.Span) []models.TraceDegradation {
	groups := map[string]*opGroup{}
	for _, s := range spans {
		key := OperationKey(s.Service, s.Operation)
		g, ok := groups[key]
		if !ok {
			g = &opGroup{service: s.Service, operation: s.Operation}
			groups[key] = g
		}
		g.spans = append(g.spans, s)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []models.TraceDegradation
	for _, key := range keys {
		g := groups[key]
		if len(g.spans) < max(1, a.cfg.MinSpanSamples) {
			continue
		}
		d := a.summarise(key, g)
		if d.Severity == "" {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (a *TraceAnalyzer) summarise(key string, g *opGroup) models.TraceDegradation {
	n := len(g.spans)
	durations := make([]float64, n)
	var (
		errors, satisfied, tolerating int
		first                         = g.spans[0].Start
		last                          = g.spans[0].Start.Add(g.spans[0].Duration)
	)
	t := a.cfg.ApdexT
	for i, s := range g.spans {
		durations[i] = float64(s.Duration) / float64(time.Millisecond)
		if s.Error {
			errors++
		}
		switch {
		case s.Duration <= t:
			satisfied++
		case s.Duration <= 4*t:
			tolerating++
		}
		if s.Start.Before(first) {
			first = s.Start
		}
		if end := s.Start.Add(s.Duration); end.After(last) {
			last = end
		}
	}
	sort.Float64s(durations)

	d := models.TraceDegradation{
		SignalID:  key,
		Service:   g.service,
		Operation: g.operation,
		Interval:  models.Interval{Start: first, End: last},
		P50Ms:     stat.Quantile(0.50, stat.Empirical, durations, nil),
		P95Ms:     stat.Quantile(0.95, stat.Empirical, durations, nil),
		P99Ms:     stat.Quantile(0.99, stat.Empirical, durations, nil),
		ErrorRate: float64(errors) / float64(n),
		Apdex:     (float64(satisfied) + float64(tolerating)/2) / float64(n),
		Samples:   n,
	}
	d.Score = a.score(d)
	switch {
	case d.Score >= 0.75:
		d.Severity = models.SeverityCritical
	case d.Score >= 0.5:
		d.Severity = models.SeverityHigh
	case d.Score >= 0.25:
		d.Severity = models.SeverityMedium
	}
	d.ID = models.EventID(models.KindTraceDegradation, key, first, "")
	return d
}

func (a *TraceAnalyzer) score(d models.TraceDegradation) float64 {
	var s float64
	switch {
	case d.P99Ms >= a.cfg.P99CriticalMs:
		s += 0.5
	case d.P99Ms >= a.cfg.P99HighMs:
		s += 0.35
	case d.P99Ms >= a.cfg.P99MediumMs:
		s += 0.2
	}
	switch {
	case d.ErrorRate >= a.cfg.ErrorCritical:
		s += 0.4
	case d.ErrorRate >= a.cfg.ErrorHigh:
		s += 0.25
	case d.ErrorRate >= a.cfg.ErrorMedium:
		s += 0.1
	}
	switch {
	case d.Apdex < a.cfg.ApdexPoor:
		s += 0.1
	case d.Apdex < a.cfg.ApdexMarginal:
		s += 0.05
	}
	return s
}
