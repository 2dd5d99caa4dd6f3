package datasource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

func init() {
	mustRegister("core", NewCore)
}

// CoreSource talks to mirador-core's aggregation endpoints, which answer all
// three signal families for a service and expose the service graph.
type CoreSource struct {
	name             string
	baseURL          string
	metricsPath      string
	logsPath         string
	tracesPath       string
	serviceGraphPath string
	signals          map[models.SignalType]bool
	httpClient       *http.Client
}

// NewCore builds a mirador-core source. Empty paths fall back to the
// /api/v1/rca defaults.
func NewCore(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error) {
	return &CoreSource{
		name:             cfg.Name,
		baseURL:          strings.TrimRight(cfg.URL, "/"),
		metricsPath:      firstNonEmpty(cfg.MetricsPath, "/api/v1/rca/metrics"),
		logsPath:         firstNonEmpty(cfg.LogsPath, "/api/v1/rca/logs"),
		tracesPath:       firstNonEmpty(cfg.TracesPath, "/api/v1/rca/traces"),
		serviceGraphPath: firstNonEmpty(cfg.ServiceGraphPath, "/api/v1/rca/service-graph"),
		signals:          signalSet(cfg.Signals, models.SignalMetrics, models.SignalLogs, models.SignalTraces),
		httpClient:       newHTTPClient(cfg.Name, cfg.Timeout, cfg.Tenant, cfg.Headers, transport),
	}, nil
}

func (c *CoreSource) Name() string                           { return c.name }
func (c *CoreSource) Kind() string                           { return "core" }
func (c *CoreSource) Supports(signal models.SignalType) bool { return c.signals[signal] }

func (c *CoreSource) payload(ctx context.Context, q models.Query, start, end time.Time) map[string]any {
	return map[string]any{
		"tenant_id": TenantFrom(ctx),
		"service":   q.Service,
		"query":     q.Expr,
		"start":     start.UTC().Format(time.RFC3339),
		"end":       end.UTC().Format(time.RFC3339),
		"step":      q.Step.String(),
	}
}

type coreSeriesResponse struct {
	Series []struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	} `json:"series"`
}

// QueryRange returns the single aggregated series for q.Service.
func (c *CoreSource) QueryRange(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	return c.metricSeries(ctx, q, q.Start, q.End)
}

// QueryInstant keeps the newest sample of the last step before q.End.
func (c *CoreSource) QueryInstant(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	step := q.Step
	if step <= 0 {
		step = time.Minute
	}
	series, err := c.metricSeries(ctx, q, q.End.Add(-step), q.End)
	if err != nil || len(series) == 0 {
		return series, err
	}
	s := series[0]
	s.Samples = s.Samples[len(s.Samples)-1:]
	return []models.TimeSeries{s}, nil
}

func (c *CoreSource) metricSeries(ctx context.Context, q models.Query, start, end time.Time) ([]models.TimeSeries, error) {
	var response coreSeriesResponse
	if err := c.postJSON(ctx, c.resolvePath(c.metricsPath), c.payload(ctx, q, start, end), &response); err != nil {
		return nil, fmt.Errorf("mirador-core metrics request failed: %w", err)
	}
	if len(response.Series) == 0 {
		return nil, nil
	}
	ts := models.TimeSeries{
		ID:      q.ID,
		QueryID: q.ID,
		Signal:  q.Signal,
		Service: q.Service,
		Step:    q.Step,
		Samples: make([]models.Sample, 0, len(response.Series)),
	}
	for _, p := range response.Series {
		ts.Samples = append(ts.Samples, models.Sample{Time: p.Timestamp.UTC(), Value: p.Value})
	}
	ts.Samples = models.SortSamples(ts.Samples)
	return []models.TimeSeries{ts}, nil
}

// QueryLogs expands aggregated entries into one line per counted occurrence.
func (c *CoreSource) QueryLogs(ctx context.Context, q models.Query) ([]models.LogLine, error) {
	var response struct {
		Entries []struct {
			Timestamp time.Time `json:"timestamp"`
			Message   string    `json:"message"`
			Severity  string    `json:"severity"`
			Count     int       `json:"count"`
		} `json:"entries"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.logsPath), c.payload(ctx, q, q.Start, q.End), &response); err != nil {
		return nil, fmt.Errorf("mirador-core logs request failed: %w", err)
	}
	var lines []models.LogLine
	for _, e := range response.Entries {
		labels := map[string]string{"severity": e.Severity, "service": q.Service}
		n := e.Count
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			lines = append(lines, models.LogLine{Time: e.Timestamp.UTC(), Line: e.Message, Labels: labels})
		}
	}
	return lines, nil
}

// QueryTraces returns the spans mirador-core flagged for the service.
func (c *CoreSource) QueryTraces(ctx context.Context, q models.Query) ([]models.Span, error) {
	var response struct {
		Spans []struct {
			TraceID    string    `json:"trace_id"`
			SpanID     string    `json:"span_id"`
			Service    string    `json:"service"`
			Operation  string    `json:"operation"`
			DurationMs float64   `json:"duration_ms"`
			Status     string    `json:"status"`
			Timestamp  time.Time `json:"timestamp"`
		} `json:"spans"`
	}
	if err := c.postJSON(ctx, c.resolvePath(c.tracesPath), c.payload(ctx, q, q.Start, q.End), &response); err != nil {
		return nil, fmt.Errorf("mirador-core traces request failed: %w", err)
	}
	spans := make([]models.Span, 0, len(response.Spans))
	for _, sp := range response.Spans {
		spans = append(spans, models.Span{
			TraceID:   sp.TraceID,
			SpanID:    sp.SpanID,
			Service:   firstNonEmpty(sp.Service, q.Service),
			Operation: sp.Operation,
			Start:     sp.Timestamp.UTC(),
			Duration:  time.Duration(sp.DurationMs * float64(time.Millisecond)),
			Error:     strings.EqualFold(sp.Status, "error"),
		})
	}
	return spans, nil
}

// FetchServiceGraph retrieves dependency edges derived from servicegraph metrics.
func (c *CoreSource) FetchServiceGraph(ctx context.Context, tenant string, start, end time.Time) ([]models.ServiceGraphEdge, error) {
	payload := map[string]any{
		"tenant_id": tenant,
		"start":     start.UTC().Format(time.RFC3339),
		"end":       end.UTC().Format(time.RFC3339),
	}
	var response struct {
		Edges []models.ServiceGraphEdge `json:"edges"`
	}
	if err := c.postJSON(WithTenant(ctx, tenant), c.resolvePath(c.serviceGraphPath), payload, &response); err != nil {
		return nil, fmt.Errorf("mirador-core service graph request failed: %w", err)
	}
	return response.Edges, nil
}

func (c *CoreSource) resolvePath(p string) string {
	cleaned := "/" + strings.TrimLeft(p, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

func (c *CoreSource) postJSON(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Backend: c.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
