package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/observantio/becertain/internal/causal"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/correlate"
	"github.com/observantio/becertain/internal/datasource"
	"github.com/observantio/becertain/internal/extractors"
	"github.com/observantio/becertain/internal/fetcher"
	"github.com/observantio/becertain/internal/metrics"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/rank"
	"github.com/observantio/becertain/internal/topology"
	"github.com/observantio/becertain/internal/tracing"
	"github.com/observantio/becertain/internal/utils"
)

// Fetcher issues one batch of queries and returns a slot per query.
type Fetcher interface {
	Fetch(ctx context.Context, queries []models.Query, limit int, timeout time.Duration) []fetcher.Result
}

// WeightSource returns the tenant's signal weight snapshot. stored is false
// when defaults were used.
type WeightSource interface {
	GetWeights(ctx context.Context, tenant string) (weights models.SignalWeights, stored bool, err error)
}

// DeploymentSource lists deployment events reported for a tenant.
type DeploymentSource interface {
	InWindow(tenant string, start, end time.Time) []models.DeploymentEvent
}

// TopologyLoader returns the service dependency graph for a window.
type TopologyLoader interface {
	Load(ctx context.Context, tenant string, start, end time.Time) (*topology.Graph, error)
}

// Dependencies are the pipeline's collaborators. Only Fetcher is required.
type Dependencies struct {
	Fetcher  Fetcher
	Seeds    extractors.Seeder
	Weights  WeightSource
	Events   DeploymentSource
	Topology TopologyLoader
	Rules    *RuleEngine
}

// Pipeline orchestrates one analysis: fetch, per-series detection, evidence
// correlation, causal inference and ranking.
type Pipeline struct {
	cfg    config.Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time
}

// NewPipeline constructs a new analysis pipeline.
func NewPipeline(cfg config.Config, deps Dependencies, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{cfg: cfg, deps: deps, logger: logger, now: time.Now}
}

// analysis carries per-request state between stages.
type analysis struct {
	req         models.AnalyzeRequest
	cfg         config.Config
	step        time.Duration
	report      models.AnalysisReport
	results     []fetcher.Result
	series      []extractors.SeriesResult
	signals     []causal.Signal
	services    map[string]string
	weights     models.SignalWeights
	refs        []models.EventRef
	annotations []models.Annotation
}

func (a *analysis) annotate(kind models.AnnotationKind, subject, format string, args ...any) {
	a.annotations = append(a.annotations, models.Annotation{Kind: kind, Subject: subject, Message: fmt.Sprintf(format, args...)})
}

// Analyze runs the full pipeline for one request. It fails only on invalid
// input, when every query failed, or when the caller cancels. An expired
// deadline ends the fetch stage early; the remaining stages run on the
// evidence that arrived and the report is marked partial.
func (p *Pipeline) Analyze(ctx context.Context, req models.AnalyzeRequest) (report models.AnalysisReport, err error) {
	started := p.now()
	defer func() {
		outcome := metrics.OutcomeSuccess
		switch {
		case err != nil:
			outcome = metrics.OutcomeError
		case report.PartialFailure:
			outcome = metrics.OutcomePartial
		}
		metrics.ObserveAnalysis(time.Since(started), outcome)
	}()

	if p.deps.Fetcher == nil {
		return models.AnalysisReport{}, utils.NewAppError("engine.analyze", "fetcher not configured", utils.ErrInvalidConfiguration)
	}
	if err := validateRequest(req); err != nil {
		return models.AnalysisReport{}, err
	}
	cfg, err := p.cfg.WithOverrides(req.Thresholds)
	if err != nil {
		return models.AnalysisReport{}, err
	}
	if cfg.Analysis.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Analysis.RequestTimeout)
		defer cancel()
	}
	ctx, span := tracing.Start(ctx, "rca.analyze")
	span.SetAttributes(attribute.String("tenant", req.Tenant), attribute.String("service", req.Service))
	defer span.End()

	a := &analysis{
		req:      req,
		cfg:      cfg,
		step:     req.Step,
		services: map[string]string{},
		report: models.AnalysisReport{
			ID:        uuid.NewString(),
			Tenant:    req.Tenant,
			Service:   req.Service,
			TimeRange: req.TimeRange,
		},
	}
	if a.step <= 0 {
		a.step = cfg.Analysis.Step
	}

	if err := p.fetch(ctx, a); err != nil {
		return models.AnalysisReport{}, err
	}
	switch err := ctx.Err(); {
	case errors.Is(err, context.Canceled):
		return models.AnalysisReport{}, fmt.Errorf("analysis %s: %w", a.report.ID, err)
	case err != nil:
		a.report.PartialFailure = true
		a.annotate(models.AnnotationDeadline, req.Service, "request deadline expired during fetch; analysed the evidence that arrived")
		p.logger.Warn("deadline expired during fetch", slog.String("report", a.report.ID), slog.String("tenant", req.Tenant))
	}

	// The CPU stages never suspend, so they finish even past the deadline.
	work := context.WithoutCancel(ctx)
	p.detect(work, a)
	p.resolveWeights(ctx, a)
	p.correlate(work, a)
	hints, view := p.context(ctx, a)
	bayes := p.infer(work, a, hints)
	p.rank(work, a, bayes, hints, view)

	a.report.Annotations = a.annotations
	a.report.Weights = a.weights
	a.report.CreatedAt = p.now().UTC()
	p.logger.Info("analysis complete",
		slog.String("report", a.report.ID),
		slog.String("tenant", req.Tenant),
		slog.String("service", req.Service),
		slog.Int("bundles", len(a.report.Bundles)),
		slog.Int("hypotheses", len(a.report.Hypotheses)),
		slog.Bool("partial", a.report.PartialFailure),
		slog.Duration("elapsed", time.Since(started)),
	)
	return a.report, nil
}

func (p *Pipeline) stage(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := tracing.Start(ctx, "rca."+name)
	started := time.Now()
	return ctx, func() {
		span.End()
		metrics.ObserveStage(name, time.Since(started))
	}
}

func (p *Pipeline) fetch(ctx context.Context, a *analysis) error {
	ctx, done := p.stage(ctx, "fetch")
	defer done()

	ctx = datasource.WithTenant(ctx, a.req.Tenant)
	queries := buildQueries(a.req, a.cfg.Analysis, a.step)
	a.results = p.deps.Fetcher.Fetch(ctx, queries, a.cfg.Fetch.Concurrency, fetchTimeout(ctx, a.cfg.Fetch.Timeout))

	failures, err := fetcher.Summarize(a.results)
	switch {
	case errors.Is(err, utils.ErrPartialFailure):
		p.logger.Warn("continuing with partial data", slog.String("tenant", a.req.Tenant), slog.Any("error", err))
	case err != nil:
		p.logger.Error("analysis aborted", slog.String("tenant", a.req.Tenant), slog.Any("error", err))
		return fmt.Errorf("fetch %d queries: %w", len(queries), err)
	}
	a.report.FetchErrors = failures
	a.report.PartialFailure = a.report.PartialFailure || len(failures) > 0
	for _, f := range failures {
		a.annotate(models.AnnotationFetchError, f.QueryID, "%s", f.Message)
	}
	for _, r := range a.results {
		if r.OK() && r.Fallback {
			a.annotate(models.AnnotationFallback, r.Query.ID, "range query empty, instant value from %s used", r.Source)
		}
	}
	return nil
}

// fetchTimeout bounds the fetch stage by whatever is left of the request
// deadline.
func fetchTimeout(ctx context.Context, configured time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return configured
	}
	if left := time.Until(dl); left > 0 && (configured <= 0 || left < configured) {
		return left
	}
	return configured
}

func (p *Pipeline) detect(ctx context.Context, a *analysis) {
	ctx, done := p.stage(ctx, "detect")
	defer done()

	var (
		series []models.TimeSeries
		grid   = causal.Grid{Start: a.req.TimeRange.Start, End: a.req.TimeRange.End, Step: a.step}
		logs        = extractors.NewLogBurstDetector(a.cfg.Logs)
		templates   = extractors.NewLogPatternAnalyzer(a.cfg.Logs)
		traces      = extractors.NewTraceAnalyzer(a.cfg.Traces)
		propagation = extractors.NewErrorPropagationDetector(a.cfg.Traces)
	)
	for _, r := range a.results {
		if !r.OK() {
			continue
		}
		switch r.Query.Signal {
		case models.SignalLogs:
			lines := make([]models.LogLine, 0, len(r.Logs))
			for _, l := range r.Logs {
				if a.req.TimeRange.Contains(l.Time) {
					lines = append(lines, l)
				}
			}
			bursts := logs.Detect(r.Query.ID, lines, a.req.TimeRange)
			a.report.LogBursts = append(a.report.LogBursts, bursts...)
			for _, b := range bursts {
				a.refs = append(a.refs, b.Ref())
			}
			patterns := templates.Analyze(r.Query.ID, lines, bursts)
			a.report.LogPatterns = append(a.report.LogPatterns, patterns...)
			for _, pt := range patterns {
				if pt.Burst != nil {
					a.refs = append(a.refs, pt.Ref())
				}
			}
			a.signals = append(a.signals, grid.LogSignal(r.Query.ID, lines))
			a.services[r.Query.ID] = firstNonEmpty(r.Query.Service, a.req.Service)
		case models.SignalTraces:
			degradations := traces.Analyze(r.Spans)
			a.report.TraceDegradations = append(a.report.TraceDegradations, degradations...)
			for _, d := range degradations {
				a.refs = append(a.refs, d.Ref())
			}
			for key, spans := range groupSpans(r.Spans) {
				a.signals = append(a.signals, grid.SpanSignal(key, spans))
				a.services[key] = spans[0].Service
			}
			for _, ep := range propagation.Detect(r.Spans) {
				a.report.ErrorPropagations = append(a.report.ErrorPropagations, ep)
				a.refs = append(a.refs, ep.Ref())
				a.signals = append(a.signals, grid.ErrorSignal(ep.SignalID, spansOf(r.Spans, ep.SourceService)))
				a.services[ep.SignalID] = ep.SourceService
			}
		default:
			for _, s := range r.Series {
				if s.Service == "" {
					s.Service = firstNonEmpty(s.Labels["service"], r.Query.Service, a.req.Service)
				}
				series = append(series, s)
			}
		}
	}

	extractor := extractors.NewMetricExtractor(a.cfg.Detection, a.cfg.Changepoint, p.deps.Seeds, p.logger)
	a.series = extractor.Extract(ctx, a.req.Tenant, series, a.req.TimeRange.Start)
	for _, res := range a.series {
		id := res.Series.ID
		a.services[id] = res.Series.Service
		if res.HasBaseline {
			a.report.Baselines = append(a.report.Baselines, res.Baseline)
			if res.Baseline.Source == models.BaselineSeed {
				a.annotate(models.AnnotationBaselineSeed, id, "baseline seeded from stored history")
			}
		}
		if res.Discontinuous {
			a.annotate(models.AnnotationDiscontinuous, id, "series has gaps longer than %d steps", a.cfg.Detection.MaxGapSteps)
		}
		if res.Err != nil {
			if errors.Is(res.Err, utils.ErrInsufficientHistory) {
				a.annotate(models.AnnotationInsufficientHistory, id, "%v", res.Err)
			} else if ctx.Err() == nil {
				p.logger.Warn("series detection failed", slog.String("series", id), slog.Any("error", res.Err))
			}
		}
		a.report.Anomalies = append(a.report.Anomalies, res.Anomalies...)
		a.report.Changepoints = append(a.report.Changepoints, res.Changepoints...)
		for _, ev := range res.Anomalies {
			a.refs = append(a.refs, ev.Ref())
		}
		for _, ev := range res.Changepoints {
			a.refs = append(a.refs, ev.Ref())
		}
		if res.Err == nil {
			a.signals = append(a.signals, grid.SeriesSignal(res.Series))
		}
	}
	sort.SliceStable(a.signals, func(i, j int) bool { return a.signals[i].ID < a.signals[j].ID })
}

func (p *Pipeline) resolveWeights(ctx context.Context, a *analysis) {
	if len(a.req.WeightsOverride) > 0 {
		a.weights = a.req.WeightsOverride.Clone()
		return
	}
	if p.deps.Weights != nil {
		w, stored, err := p.deps.Weights.GetWeights(ctx, a.req.Tenant)
		if err == nil && len(w) > 0 {
			a.weights = w
			if !stored {
				a.annotate(models.AnnotationWeightsDefault, a.req.Tenant, "no stored weights; configured defaults used")
			}
			return
		}
		if err != nil {
			p.logger.Warn("weight lookup failed", slog.String("tenant", a.req.Tenant), slog.Any("error", err))
		}
	}
	a.weights = a.cfg.DefaultWeights()
	a.annotate(models.AnnotationWeightsDefault, a.req.Tenant, "weight store unavailable; configured defaults used")
}

func (p *Pipeline) correlate(ctx context.Context, a *analysis) {
	_, done := p.stage(ctx, "correlate")
	defer done()
	a.report.Bundles = correlate.NewCorrelator(a.cfg.Correlation).Correlate(a.refs, a.cfg.Correlation.Window, a.weights)
}

// context gathers deployment events and topology for the causal and rank
// stages. Both are optional.
func (p *Pipeline) context(ctx context.Context, a *analysis) (causal.Hints, topology.View) {
	var hints causal.Hints
	view := topology.View{Target: a.req.Service, Services: a.services}

	if p.deps.Events != nil {
		start := a.req.TimeRange.Start.Add(-a.cfg.Events.Window)
		hints.Deployments = p.deps.Events.InWindow(a.req.Tenant, start, a.req.TimeRange.End)
	}
	if a.cfg.Topology.Enabled && p.deps.Topology != nil {
		g, err := p.deps.Topology.Load(ctx, a.req.Tenant, a.req.TimeRange.Start, a.req.TimeRange.End)
		if err != nil {
			a.annotate(models.AnnotationTopology, a.req.Service, "%v", err)
		} else {
			view.Graph = g
		}
	}

	seen := map[string]bool{}
	var anomalous []string
	for _, b := range a.report.Bundles {
		for _, id := range b.SignalIDs {
			if svc := a.services[id]; svc != "" && !seen[svc] {
				seen[svc] = true
				anomalous = append(anomalous, svc)
			}
		}
	}
	sort.Strings(anomalous)
	hints.UpstreamAnomaly = view.UpstreamAnomaly(anomalous)
	return hints, view
}

func (p *Pipeline) infer(ctx context.Context, a *analysis, hints causal.Hints) *causal.Bayesian {
	_, done := p.stage(ctx, "causal")
	defer done()
	eng := causal.NewEngine(a.cfg.Causal, a.cfg.Bayesian, p.logger)
	a.report.Graph = eng.Infer(a.report.Bundles, a.signals, hints)
	return eng.Bayesian()
}

func (p *Pipeline) rank(ctx context.Context, a *analysis, bayes *causal.Bayesian, hints causal.Hints, view topology.View) {
	_, done := p.stage(ctx, "rank")
	defer done()

	ranker := rank.NewRanker(a.cfg.Ranking, bayes)
	hyps := ranker.Rank(a.report.Graph, a.report.Bundles, view, hints)
	for i := range hyps {
		h := &hyps[i]
		h.ImpactPath, h.BlastRadius = view.Impact(h.RootSignal)
		h.Recommendations = p.deps.Rules.Recommend(RuleInput{
			Hypothesis: *h,
			Service:    firstNonEmpty(a.services[h.RootSignal], a.req.Service),
			Severity:   rootSeverity(a.report.Bundles, h.RootSignal),
		})
	}
	a.report.Hypotheses = hyps
}

func rootSeverity(bundles []models.EvidenceBundle, signalID string) models.Severity {
	var sev models.Severity
	for _, b := range bundles {
		for _, ev := range b.Events {
			if ev.SignalID == signalID {
				sev = models.MaxSeverity(sev, ev.Severity)
			}
		}
	}
	return sev
}

func spansOf(spans []models.Span, service string) []models.Span {
	var out []models.Span
	for _, s := range spans {
		if s.Service == service {
			out = append(out, s)
		}
	}
	return out
}

func groupSpans(spans []models.Span) map[string][]models.Span {
	out := map[string][]models.Span{}
	for _, s := range spans {
		key := extractors.OperationKey(s.Service, s.Operation)
		out[key] = append(out[key], s)
	}
	return out
}

// buildQueries expands the configured templates, or completes the caller's
// queries. Metric queries reach back by the lookback so baselines can use
// pre-window history.
func buildQueries(req models.AnalyzeRequest, cfg config.AnalysisConfig, step time.Duration) []models.Query {
	complete := func(q models.Query) models.Query {
		if q.Signal == "" {
			q.Signal = models.SignalMetrics
		}
		if q.Service == "" {
			q.Service = req.Service
		}
		if q.Step <= 0 {
			q.Step = step
		}
		if q.Start.IsZero() {
			q.Start = req.TimeRange.Start
			if q.Signal == models.SignalMetrics {
				q.Start = q.Start.Add(-cfg.Lookback)
			}
		}
		if q.End.IsZero() {
			q.End = req.TimeRange.End
		}
		q.Expr = strings.ReplaceAll(q.Expr, "{{service}}", req.Service)
		return q
	}

	if len(req.Queries) > 0 {
		out := make([]models.Query, 0, len(req.Queries))
		for i, q := range req.Queries {
			if q.ID == "" {
				q.ID = fmt.Sprintf("query_%d", i)
			}
			out = append(out, complete(q))
		}
		return out
	}

	var out []models.Query
	add := func(signal models.SignalType, templates []config.QueryTemplate) {
		for _, t := range templates {
			out = append(out, complete(models.Query{ID: t.Name, Signal: signal, Expr: t.Expr, Source: t.Source}))
		}
	}
	add(models.SignalMetrics, cfg.Queries.Metrics)
	add(models.SignalLogs, cfg.Queries.Logs)
	add(models.SignalTraces, cfg.Queries.Traces)
	return out
}

func validateRequest(req models.AnalyzeRequest) error {
	const op = "engine.analyze"
	switch {
	case strings.TrimSpace(req.Tenant) == "":
		return utils.InvalidConfig(op, "tenant is required")
	case strings.TrimSpace(req.Service) == "":
		return utils.InvalidConfig(op, "service is required")
	case !req.TimeRange.Valid():
		return utils.InvalidConfig(op, "time range [%s, %s) is empty", req.TimeRange.Start, req.TimeRange.End)
	case req.Step < 0:
		return utils.InvalidConfig(op, "step must not be negative")
	}
	for s, w := range req.WeightsOverride {
		if !s.Valid() || math.IsNaN(w) || w < 0 || w > 1 {
			return utils.InvalidConfig(op, "weight override %s=%v must name a signal and lie within [0,1]", s, w)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
