package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestObserveAnalysisNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(analysesTotal.WithLabelValues(OutcomeSuccess))
	ObserveAnalysis(-time.Second, "weird")
	after := testutil.ToFloat64(analysesTotal.WithLabelValues(OutcomeSuccess))
	if after-before != 1 {
		t.Fatalf("expected unknown outcome to count as success, delta %v", after-before)
	}

	before = testutil.ToFloat64(analysesTotal.WithLabelValues(OutcomePartial))
	ObserveAnalysis(time.Second, OutcomePartial)
	if got := testutil.ToFloat64(analysesTotal.WithLabelValues(OutcomePartial)) - before; got != 1 {
		t.Fatalf("expected partial counted, delta %v", got)
	}
}

func TestObserveFetchAndFallback(t *testing.T) {
	ObserveFetch("mimir", "ok")
	ObserveFallback("mimir")
	ObserveFeedback(true)
	if got := testutil.ToFloat64(fetchFallbacksTotal.WithLabelValues("mimir")); got < 1 {
		t.Fatalf("expected fallback counted, got %v", got)
	}
	if got := testutil.ToFloat64(feedbackTotal.WithLabelValues("correct")); got < 1 {
		t.Fatalf("expected feedback counted, got %v", got)
	}
}
