package extractors

import (
	"fmt"
	"testing"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

func propagationSpans() []models.Span {
	var spans []models.Span
	for i := 0; i < 10; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		id := fmt.Sprintf("g%d", i)
		spans = append(spans,
			models.Span{TraceID: id, Service: "payments", Operation: "charge", Start: at.Add(10 * time.Millisecond), Duration: 50 * time.Millisecond, Error: i < 4},
			models.Span{TraceID: id, Service: "gateway", Operation: "POST /pay", Start: at, Duration: 100 * time.Millisecond, Error: i < 4},
		)
	}
	for i := 0; i < 5; i++ {
		spans = append(spans, models.Span{TraceID: fmt.Sprintf("c%d", i), Service: "cart", Operation: "add", Start: t0.Add(time.Duration(i) * time.Second), Duration: time.Millisecond})
	}
	return spans
}

func TestErrorPropagationDetector(t *testing.T) {
	found := NewErrorPropagationDetector(config.Default().Traces).Detect(propagationSpans())
	if len(found) != 1 {
		t.Fatalf("expected one propagation, got %+v", found)
	}
	ep := found[0]
	if ep.SourceService != "gateway" || ep.SignalID != "gateway::errors" {
		t.Fatalf("failures should be attributed to the trace root, got %+v", ep)
	}
	if len(ep.AffectedServices) != 1 || ep.AffectedServices[0] != "payments" {
		t.Fatalf("unexpected affected services %v", ep.AffectedServices)
	}
	if ep.ErrorRate != 0.4 || ep.Traces != 10 || ep.Severity != models.SeverityCritical {
		t.Fatalf("unexpected propagation %+v", ep)
	}
	wantEnd := t0.Add(3*time.Second + 100*time.Millisecond)
	if !ep.Interval.Start.Equal(t0) || !ep.Interval.End.Equal(wantEnd) {
		t.Fatalf("unexpected interval %+v", ep.Interval)
	}
	if ref := ep.Ref(); ref.Kind != models.KindErrorPropagation || ref.Signal != models.SignalTraces || ref.ErrorRate != 0.4 {
		t.Fatalf("unexpected ref %+v", ref)
	}
}

func TestErrorPropagationDetectorNeedsTwoFailingServices(t *testing.T) {
	spans := []models.Span{
		{TraceID: "a", Service: "solo", Start: t0, Error: true},
		{TraceID: "b", Service: "solo", Start: t0.Add(time.Second), Error: true},
	}
	if found := NewErrorPropagationDetector(config.Default().Traces).Detect(spans); len(found) != 0 {
		t.Fatalf("errors confined to one service do not propagate: %+v", found)
	}

	cfg := config.Default().Traces
	cfg.ErrorSource = 0.5
	if found := NewErrorPropagationDetector(cfg).Detect(propagationSpans()); len(found) != 0 {
		t.Fatalf("a 40%% failing share is below the source threshold: %+v", found)
	}
}
