package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels analyses that produced a report.
	OutcomeSuccess = "success"
	// OutcomePartial labels reports built with at least one failed fetch.
	OutcomePartial = "partial"
	// OutcomeError labels analyses that aborted.
	OutcomeError = "error"
)

const namespace = "becertain_rca"

var (
	analysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyses_total",
			Help:      "Total number of analyses handled, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	analysisDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analysis_seconds",
			Help:      "End-to-end analysis latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Latency of individual pipeline stages in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		},
		[]string{"stage"},
	)

	fetchQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_queries_total",
			Help:      "Backend queries issued by the fetcher, partitioned by backend and outcome.",
		},
		[]string{"backend", "outcome"},
	)

	fetchFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_fallbacks_total",
			Help:      "Range queries that fell back to an instant query.",
		},
		[]string{"backend"},
	)

	feedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions, partitioned by verdict.",
		},
		[]string{"verdict"},
	)
)

// Register attaches the analysis collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		analysesTotal,
		analysisDurationSeconds,
		stageDurationSeconds,
		fetchQueriesTotal,
		fetchFallbacksTotal,
		feedbackTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveAnalysis records an analysis duration and outcome label.
func ObserveAnalysis(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeError, OutcomePartial:
	default:
		outcome = OutcomeSuccess
	}
	analysesTotal.WithLabelValues(outcome).Inc()
	analysisDurationSeconds.Observe(clamp(duration).Seconds())
}

// ObserveStage records how long one pipeline stage took.
func ObserveStage(stage string, duration time.Duration) {
	stageDurationSeconds.WithLabelValues(stage).Observe(clamp(duration).Seconds())
}

// ObserveFetch counts one query attempt against a backend.
func ObserveFetch(backend, outcome string) {
	fetchQueriesTotal.WithLabelValues(backend, outcome).Inc()
}

// ObserveFallback counts an instant-query fallback.
func ObserveFallback(backend string) {
	fetchFallbacksTotal.WithLabelValues(backend).Inc()
}

// ObserveFeedback counts a feedback submission.
func ObserveFeedback(correct bool) {
	verdict := "incorrect"
	if correct {
		verdict = "correct"
	}
	feedbackTotal.WithLabelValues(verdict).Inc()
}

func clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
