package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/datasource"
	"github.com/observantio/becertain/internal/fetcher"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

// scenarioSource serves a 5σ level shift on cpu at t0+100s, an isolated
// memory spike at t0+15s and an error-log burst over [t0+95s, t0+105s).
type scenarioSource struct {
	fail map[string]bool
	hang map[string]bool

	mu      sync.Mutex
	tenants map[string]string
}

func (s *scenarioSource) record(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tenants == nil {
		s.tenants = map[string]string{}
	}
	s.tenants[id] = datasource.TenantFrom(ctx)
}

func (s *scenarioSource) Name() string                    { return "scenario" }
func (s *scenarioSource) Kind() string                    { return "fake" }
func (s *scenarioSource) Supports(models.SignalType) bool { return true }

func (s *scenarioSource) QueryRange(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	s.record(ctx, q.ID)
	if s.hang[q.ID] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.fail[q.ID] {
		return nil, errors.New("boom")
	}
	var value func(i int) float64
	switch q.ID {
	case "cpu":
		value = func(i int) float64 {
			level := 10.0
			if i >= 100 {
				level = 15
			}
			if i%2 == 0 {
				return level - 1
			}
			return level + 1
		}
	case "mem":
		value = func(i int) float64 {
			if i == 15 {
				return 60
			}
			if i%2 == 0 {
				return 50
			}
			return 52
		}
	default:
		return nil, nil
	}
	samples := make([]models.Sample, 200)
	for i := range samples {
		samples[i] = models.Sample{Time: t0.Add(time.Duration(i) * time.Second), Value: value(i)}
	}
	return []models.TimeSeries{{
		ID:      q.ID,
		QueryID: q.ID,
		Signal:  models.SignalMetrics,
		Service: "checkout",
		Samples: samples,
		Step:    time.Second,
	}}, nil
}

func (s *scenarioSource) QueryInstant(context.Context, models.Query) ([]models.TimeSeries, error) {
	return nil, nil
}

func (s *scenarioSource) QueryLogs(ctx context.Context, q models.Query) ([]models.LogLine, error) {
	s.record(ctx, q.ID)
	if s.fail[q.ID] {
		return nil, errors.New("boom")
	}
	var lines []models.LogLine
	for i := 0; i < 200; i++ {
		lines = append(lines, models.LogLine{Time: t0.Add(time.Duration(i) * time.Second), Line: "request served"})
	}
	for k := 0; k < 100; k++ {
		at := t0.Add(95*time.Second + time.Duration(k)*100*time.Millisecond)
		lines = append(lines, models.LogLine{Time: at, Line: "error: upstream reset"})
	}
	return lines, nil
}

func (s *scenarioSource) QueryTraces(context.Context, models.Query) ([]models.Span, error) {
	return nil, datasource.ErrUnsupported
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Fetch.MaxAttempts = 1
	cfg.Fetch.InitialBackoff = time.Millisecond
	cfg.Analysis.Step = time.Second
	return cfg
}

func scenarioRequest() models.AnalyzeRequest {
	return models.AnalyzeRequest{
		Tenant:    "t1",
		Service:   "checkout",
		TimeRange: models.TimeRange{Start: t0, End: t0.Add(200 * time.Second)},
		Step:      time.Second,
		Queries: []models.Query{
			{ID: "cpu", Signal: models.SignalMetrics, Expr: `cpu{service="{{service}}"}`},
			{ID: "mem", Signal: models.SignalMetrics, Expr: `mem{service="{{service}}"}`},
			{ID: "logs", Signal: models.SignalLogs, Expr: `{service="{{service}}"}`},
		},
	}
}

func newTestPipeline(t *testing.T, src *scenarioSource) *Pipeline {
	t.Helper()
	cfg := testConfig()
	rules, err := NewRuleEngine("", nil)
	if err != nil {
		t.Fatalf("rule engine: %v", err)
	}
	f := fetcher.New(datasource.NewSet(src), cfg.Fetch, nil)
	return NewPipeline(cfg, Dependencies{Fetcher: f, Rules: rules}, nil)
}

func TestPipelineAnalyzeLevelShiftWithLogBurst(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{})

	report, err := p.Analyze(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.ID == "" || report.Tenant != "t1" || report.Service != "checkout" {
		t.Fatalf("report identity not filled: %+v", report)
	}
	if report.PartialFailure || len(report.FetchErrors) != 0 {
		t.Fatalf("unexpected fetch failures: %+v", report.FetchErrors)
	}
	if len(report.LogBursts) == 0 {
		t.Fatalf("expected a log burst")
	}

	var shift []models.EvidenceBundle
	for _, b := range report.Bundles {
		if b.HasSignal("cpu") {
			shift = append(shift, b)
		}
	}
	if len(shift) != 1 {
		t.Fatalf("expected exactly one bundle holding the cpu shift, got %+v", shift)
	}
	joint := shift[0]
	if !joint.HasSignal("logs") || joint.HasSignal("mem") {
		t.Fatalf("expected cpu and logs without mem, got %v", joint.SignalIDs)
	}
	if joint.Interval.Start.After(t0.Add(95*time.Second)) || joint.Interval.End.Before(t0.Add(104*time.Second)) {
		t.Fatalf("bundle %v does not cover the burst", joint.Interval)
	}

	for _, e := range report.Graph.Edges {
		if e.To == "cpu" {
			t.Fatalf("nothing should cause the cpu shift, got edge %+v", e)
		}
	}

	top, ok := report.TopHypothesis()
	if !ok {
		t.Fatalf("expected hypotheses")
	}
	if top.RootSignal != "cpu" || top.Rank != 1 {
		t.Fatalf("expected cpu as top root, got %+v", top)
	}
	if len(top.Recommendations) == 0 {
		t.Fatalf("expected recommendations on the top hypothesis")
	}
	for _, h := range report.Hypotheses[1:] {
		if h.RankScore >= top.RankScore {
			t.Fatalf("cpu should outrank %s strictly: %+v", h.RootSignal, report.Hypotheses)
		}
	}

	for _, b := range report.Baselines {
		if b.Source != models.BaselineLeading {
			t.Fatalf("expected leading-window baselines, got %s for %s", b.Source, b.SeriesID)
		}
	}
	if !hasAnnotation(report, models.AnnotationWeightsDefault) {
		t.Fatalf("expected weights_default annotation, got %+v", report.Annotations)
	}
}

func TestPipelineIsDeterministic(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{})

	first, err := p.Analyze(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	second, err := p.Analyze(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if len(first.Hypotheses) != len(second.Hypotheses) {
		t.Fatalf("hypothesis count differs: %d vs %d", len(first.Hypotheses), len(second.Hypotheses))
	}
	for i := range first.Hypotheses {
		a, b := first.Hypotheses[i], second.Hypotheses[i]
		if a.RootSignal != b.RootSignal || a.RankScore != b.RankScore {
			t.Fatalf("rank %d differs: %+v vs %+v", i+1, a, b)
		}
	}
	for i := range first.Bundles {
		if first.Bundles[i].ID != second.Bundles[i].ID {
			t.Fatalf("bundle ids differ at %d", i)
		}
	}
}

func TestPipelinePartialFailure(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{fail: map[string]bool{"mem": true}})

	report, err := p.Analyze(context.Background(), scenarioRequest())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if !report.PartialFailure || len(report.FetchErrors) != 1 || report.FetchErrors[0].QueryID != "mem" {
		t.Fatalf("expected one failed slot for mem, got %+v", report.FetchErrors)
	}
	if !hasAnnotation(report, models.AnnotationFetchError) {
		t.Fatalf("expected fetch_error annotation")
	}
	if top, ok := report.TopHypothesis(); !ok || top.RootSignal != "cpu" {
		t.Fatalf("surviving signals should still rank cpu first, got %+v", report.Hypotheses)
	}
}

func TestPipelineAllSourcesFailed(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{fail: map[string]bool{"cpu": true, "mem": true, "logs": true}})

	_, err := p.Analyze(context.Background(), scenarioRequest())
	if !errors.Is(err, utils.ErrAllSourcesFailed) {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
}

func TestPipelineRejectsInvalidRequests(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{})
	negative := -1.0
	tooStrong := 1.5

	cases := map[string]func(r *models.AnalyzeRequest){
		"missing tenant":  func(r *models.AnalyzeRequest) { r.Tenant = "" },
		"missing service": func(r *models.AnalyzeRequest) { r.Service = " " },
		"empty range":     func(r *models.AnalyzeRequest) { r.TimeRange.End = r.TimeRange.Start },
		"bad weight": func(r *models.AnalyzeRequest) {
			r.WeightsOverride = models.SignalWeights{models.SignalLogs: 2}
		},
		"negative z": func(r *models.AnalyzeRequest) {
			r.Thresholds = &models.ThresholdOverrides{ZThreshold: &negative}
		},
		"strength above one": func(r *models.AnalyzeRequest) {
			r.Thresholds = &models.ThresholdOverrides{MinCausalStrength: &tooStrong}
		},
	}
	for name, mutate := range cases {
		req := scenarioRequest()
		mutate(&req)
		if _, err := p.Analyze(context.Background(), req); !errors.Is(err, utils.ErrInvalidConfiguration) {
			t.Fatalf("%s: expected ErrInvalidConfiguration, got %v", name, err)
		}
	}
}

func TestPipelineUsesWeightOverride(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{})
	req := scenarioRequest()
	req.WeightsOverride = models.SignalWeights{models.SignalMetrics: 0.6, models.SignalLogs: 0.2, models.SignalTraces: 0.2}

	report, err := p.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if report.Weights[models.SignalMetrics] != 0.6 {
		t.Fatalf("override not applied: %+v", report.Weights)
	}
	if hasAnnotation(report, models.AnnotationWeightsDefault) {
		t.Fatalf("override should not be reported as defaults")
	}
}

func TestPipelineDeadlineKeepsPartialEvidence(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{hang: map[string]bool{"mem": true}})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	report, err := p.Analyze(ctx, scenarioRequest())
	if err != nil {
		t.Fatalf("a hung source should not fail the request: %v", err)
	}
	if !report.PartialFailure || len(report.FetchErrors) != 1 {
		t.Fatalf("expected one failed slot, got %+v", report.FetchErrors)
	}
	if f := report.FetchErrors[0]; f.QueryID != "mem" || f.Kind != string(fetcher.KindTimeout) {
		t.Fatalf("expected mem to time out, got %+v", f)
	}
	if !hasAnnotation(report, models.AnnotationDeadline) {
		t.Fatalf("expected deadline annotation, got %+v", report.Annotations)
	}
	if top, ok := report.TopHypothesis(); !ok || top.RootSignal != "cpu" {
		t.Fatalf("evidence that arrived should still rank cpu first, got %+v", report.Hypotheses)
	}
}

func TestPipelineCancelledRequest(t *testing.T) {
	p := newTestPipeline(t, &scenarioSource{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Analyze(ctx, scenarioRequest()); err == nil {
		t.Fatalf("expected an error for a cancelled request")
	}
}

func TestPipelineScopesQueriesToTenant(t *testing.T) {
	src := &scenarioSource{}
	p := newTestPipeline(t, src)
	req := scenarioRequest()
	req.Tenant = "acme"

	if _, err := p.Analyze(context.Background(), req); err != nil {
		t.Fatalf("analyze: %v", err)
	}
	for _, id := range []string{"cpu", "mem", "logs"} {
		if got := src.tenants[id]; got != "acme" {
			t.Fatalf("query %s ran as tenant %q", id, got)
		}
	}
}

func TestBuildQueriesFromTemplates(t *testing.T) {
	cfg := config.Default().Analysis
	req := scenarioRequest()
	req.Queries = nil

	queries := buildQueries(req, cfg, 15*time.Second)
	want := len(cfg.Queries.Metrics) + len(cfg.Queries.Logs) + len(cfg.Queries.Traces)
	if len(queries) != want {
		t.Fatalf("expected %d queries, got %d", want, len(queries))
	}
	for _, q := range queries {
		if q.Service != "checkout" || q.Step != 15*time.Second {
			t.Fatalf("query defaults not filled: %+v", q)
		}
		if want := req.TimeRange.Start; q.Signal == models.SignalMetrics {
			if !q.Start.Equal(want.Add(-cfg.Lookback)) {
				t.Fatalf("metric query %s should reach back by the lookback", q.ID)
			}
		} else if !q.Start.Equal(want) {
			t.Fatalf("%s query %s should start at the window", q.Signal, q.ID)
		}
		if strings.Contains(q.Expr, "{{service}}") {
			t.Fatalf("placeholder left in %s", q.Expr)
		}
	}
}

func hasAnnotation(r models.AnalysisReport, kind models.AnnotationKind) bool {
	for _, a := range r.Annotations {
		if a.Kind == kind {
			return true
		}
	}
	return false
}
