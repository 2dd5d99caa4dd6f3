package extractors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func levelShift(id string, from time.Time, n, shiftAt int) models.TimeSeries {
	s := models.TimeSeries{ID: id, Signal: models.SignalMetrics, Step: time.Second}
	for i := 0; i < n; i++ {
		v := 10.0
		if i%2 == 0 {
			v += 0.1
		} else {
			v -= 0.1
		}
		if shiftAt >= 0 && i >= shiftAt {
			v += 5
		}
		s.Samples = append(s.Samples, models.Sample{Time: from.Add(time.Duration(i) * time.Second), Value: v})
	}
	return s
}

type stubSeeder map[string]models.Baseline

func (s stubSeeder) Seed(_ context.Context, _ string, id string) (models.Baseline, bool, error) {
	b, ok := s[id]
	return b, ok, nil
}

func TestMetricExtractorLeadingWindowShift(t *testing.T) {
	cfg := config.Default()
	extractor := NewMetricExtractor(cfg.Detection, cfg.Changepoint, nil, nil)

	results := extractor.Extract(context.Background(), "t1", []models.TimeSeries{levelShift("cpu", t0, 200, 100)}, t0)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	res := results[0]
	if res.Err != nil {
		t.Fatalf("unexpected error: %v", res.Err)
	}
	if res.Baseline.Source != models.BaselineLeading {
		t.Fatalf("expected leading window baseline, got %q", res.Baseline.Source)
	}
	if len(res.Changepoints) != 1 || res.Changepoints[0].Index != 100 {
		t.Fatalf("expected one changepoint at index 100, got %+v", res.Changepoints)
	}
	if len(res.Anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %d", len(res.Anomalies))
	}
	a := res.Anomalies[0]
	if a.ChangeType != models.ChangeSustainedShift {
		t.Fatalf("expected sustained shift, got %s", a.ChangeType)
	}
	if !a.Interval.Start.Equal(t0.Add(100 * time.Second)) {
		t.Fatalf("unexpected onset %s", a.Interval.Start)
	}
}

func TestMetricExtractorBaselineSourcesAndOrdering(t *testing.T) {
	cfg := config.Default()
	seeds := stubSeeder{"seeded": {SeriesID: "seeded", Mean: 10, StdDev: 0.1, K: 2, BandLow: 9.8, BandHigh: 10.2}}
	extractor := NewMetricExtractor(cfg.Detection, cfg.Changepoint, seeds, nil)

	start := t0.Add(60 * time.Second)
	withHistory := levelShift("b-history", t0, 120, -1)
	seeded := levelShift("seeded", start, 20, -1)
	short := levelShift("a-short", start, 3, -1)

	results := extractor.Extract(context.Background(), "t1", []models.TimeSeries{seeded, withHistory, short}, start)
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	wantOrder := []string{"a-short", "b-history", "seeded"}
	for i, id := range wantOrder {
		if results[i].Series.ID != id {
			t.Fatalf("result %d: expected %s, got %s", i, id, results[i].Series.ID)
		}
	}
	if !errors.Is(results[0].Err, utils.ErrInsufficientHistory) {
		t.Fatalf("expected insufficient history, got %v", results[0].Err)
	}
	if results[1].Baseline.Source != models.BaselineHistory || results[1].Series.Len() != 60 {
		t.Fatalf("expected history baseline over the analysed half, got %+v", results[1].Baseline)
	}
	if results[2].Baseline.Source != models.BaselineSeed {
		t.Fatalf("expected seed baseline, got %q", results[2].Baseline.Source)
	}
	if len(results[1].Anomalies) != 0 || len(results[2].Anomalies) != 0 {
		t.Fatalf("steady series should not be anomalous")
	}
}

func TestMetricExtractorCanceledContext(t *testing.T) {
	cfg := config.Default()
	extractor := NewMetricExtractor(cfg.Detection, cfg.Changepoint, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := extractor.Extract(ctx, "t1", []models.TimeSeries{levelShift("cpu", t0, 50, -1)}, t0)
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", results[0].Err)
	}
}

func TestLogBurstDetector(t *testing.T) {
	detector := NewLogBurstDetector(config.Default().Logs)

	var lines []models.LogLine
	for k := 29; k >= 0; k-- {
		lines = append(lines, models.LogLine{Time: t0.Add(95*time.Second + time.Duration(k)*time.Second/3), Line: "error"})
	}
	for i := 0; i < 200; i += 2 {
		lines = append(lines, models.LogLine{Time: t0.Add(time.Duration(i) * time.Second), Line: "ok"})
	}
	span := models.TimeRange{Start: t0, End: t0.Add(200 * time.Second)}

	bursts := detector.Detect("logs", lines, span)
	if len(bursts) != 2 {
		t.Fatalf("expected 2 bursts, got %d: %+v", len(bursts), bursts)
	}
	if !bursts[0].Interval.Start.Equal(t0.Add(90 * time.Second)) {
		t.Fatalf("unexpected first burst start %s", bursts[0].Interval.Start)
	}
	for _, b := range bursts {
		if b.Count != 20 || b.Severity != models.SeverityMedium {
			t.Fatalf("unexpected burst %+v", b)
		}
		if b.SignalID != "logs" || b.ID == "" {
			t.Fatalf("burst not traceable: %+v", b)
		}
	}
}

func TestLogBurstDetectorSteadyVolume(t *testing.T) {
	detector := NewLogBurstDetector(config.Default().Logs)
	var lines []models.LogLine
	for i := 0; i < 200; i += 2 {
		lines = append(lines, models.LogLine{Time: t0.Add(time.Duration(i) * time.Second)})
	}
	if bursts := detector.Detect("logs", lines, models.TimeRange{Start: t0, End: t0.Add(200 * time.Second)}); len(bursts) != 0 {
		t.Fatalf("expected no bursts, got %+v", bursts)
	}
	if bursts := detector.Detect("logs", nil, models.TimeRange{}); bursts != nil {
		t.Fatalf("expected nil for empty input")
	}
}

func TestTraceAnalyzer(t *testing.T) {
	analyzer := NewTraceAnalyzer(config.Default().Traces)

	var spans []models.Span
	for i := 0; i < 10; i++ {
		at := t0.Add(time.Duration(i) * time.Second)
		spans = append(spans,
			models.Span{TraceID: "p", Service: "checkout", Operation: "POST /pay", Start: at, Duration: 6 * time.Second, Error: i < 3},
			models.Span{TraceID: "g", Service: "checkout", Operation: "GET /", Start: at, Duration: 20 * time.Millisecond},
			models.Span{TraceID: "c", Service: "cart", Operation: "add", Start: at, Duration: 600 * time.Millisecond},
		)
	}

	degradations := analyzer.Analyze(spans)
	if len(degradations) != 2 {
		t.Fatalf("expected 2 degraded operations, got %d: %+v", len(degradations), degradations)
	}
	cart, pay := degradations[0], degradations[1]
	if cart.SignalID != "cart::add" || pay.SignalID != "checkout::POST /pay" {
		t.Fatalf("unexpected ordering: %s, %s", cart.SignalID, pay.SignalID)
	}
	if cart.Severity != models.SeverityMedium || cart.Apdex != 0.5 {
		t.Fatalf("unexpected cart degradation %+v", cart)
	}
	if pay.Severity != models.SeverityCritical || pay.ErrorRate != 0.3 || pay.Apdex != 0 {
		t.Fatalf("unexpected pay degradation %+v", pay)
	}
	if pay.P99Ms != 6000 || pay.Samples != 10 {
		t.Fatalf("unexpected pay latency summary %+v", pay)
	}
	if !pay.Interval.End.Equal(t0.Add(15 * time.Second)) {
		t.Fatalf("unexpected interval end %s", pay.Interval.End)
	}
}
