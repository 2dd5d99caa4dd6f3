package extractors

import (
	"sort"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// PropagationKey is the signal id of errors originating at service.
func PropagationKey(service string) string {
	return OperationKey(service, "errors")
}

// ErrorPropagationDetector finds services whose traces fail often enough to
// be the origin of errors seen in other services.
type ErrorPropagationDetector struct {
	cfg config.TracesConfig
}

// NewErrorPropagationDetector constructs an ErrorPropagationDetector.
func NewErrorPropagationDetector(cfg config.TracesConfig) *ErrorPropagationDetector {
	return &ErrorPropagationDetector{cfg: cfg}
}

type rootStats struct {
	traces, failed int
	interval       *models.Interval
}

// Detect groups spans into traces and attributes each trace to the service of
// its earliest span. A root service whose failing-trace share reaches
// ErrorSource, while some other service also fails, is reported with the
// other failing services as affected. Results are ordered by error rate
// descending, then by service.
func (d *ErrorPropagationDetector) Detect(spans []models.Span) []models.ErrorPropagation {
	traces := map[string][]models.Span{}
	var order []string
	for _, s := range spans {
		id := s.TraceID
		if id == "" {
			id = s.SpanID
		}
		if _, ok := traces[id]; !ok {
			order = append(order, id)
		}
		traces[id] = append(traces[id], s)
	}

	roots := map[string]*rootStats{}
	failing := map[string]bool{}
	for _, id := range order {
		trace := traces[id]
		root := trace[0]
		failed := false
		for _, s := range trace {
			if s.Start.Before(root.Start) || (s.Start.Equal(root.Start) && s.Service < root.Service) {
				root = s
			}
			if s.Error {
				failed = true
				failing[s.Service] = true
			}
		}
		st, ok := roots[root.Service]
		if !ok {
			st = &rootStats{}
			roots[root.Service] = st
		}
		st.traces++
		if !failed {
			continue
		}
		st.failed++
		if st.interval == nil {
			st.interval = &models.Interval{Start: root.Start, End: root.Start}
		}
		*st.interval = st.interval.Union(models.Interval{Start: root.Start, End: root.Start.Add(root.Duration)})
	}

	var out []models.ErrorPropagation
	for svc, st := range roots {
		rate := float64(st.failed) / float64(st.traces)
		if st.failed == 0 || rate < d.cfg.ErrorSource {
			continue
		}
		var affected []string
		for other := range failing {
			if other != svc {
				affected = append(affected, other)
			}
		}
		if len(affected) == 0 {
			continue
		}
		sort.Strings(affected)
		key := PropagationKey(svc)
		out = append(out, models.ErrorPropagation{
			ID:               models.EventID(models.KindErrorPropagation, key, st.interval.Start, ""),
			SignalID:         key,
			SourceService:    svc,
			AffectedServices: affected,
			ErrorRate:        rate,
			Traces:           st.traces,
			Interval:         *st.interval,
			Severity:         d.severity(rate),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ErrorRate != out[j].ErrorRate {
			return out[i].ErrorRate > out[j].ErrorRate
		}
		return out[i].SourceService < out[j].SourceService
	})
	return out
}

func (d *ErrorPropagationDetector) severity(rate float64) models.Severity {
	switch {
	case rate >= d.cfg.ErrorCritical:
		return models.SeverityCritical
	case rate >= d.cfg.ErrorHigh:
		return models.SeverityHigh
	}
	return models.SeverityMedium
}
