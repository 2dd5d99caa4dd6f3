package datasource

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

func init() {
	mustRegister("mimir", NewMimir)
	mustRegister("victoriametrics", NewVictoriaMetrics)
}

// tenantPlaceholder in a VictoriaMetrics URL selects the cluster tenant path,
// e.g. http://vmselect:8481/select/{tenant}/prometheus.
const tenantPlaceholder = "{tenant}"

// PrometheusSource speaks the Prometheus HTTP query API. Mimir scopes tenants
// with X-Scope-OrgID; VictoriaMetrics cluster scopes them by URL path.
type PrometheusSource struct {
	name    string
	kind    string
	signals map[models.SignalType]bool

	baseURL   string
	tenant    string
	newClient func(address string) (v1.API, error)

	mu   sync.Mutex
	apis map[string]v1.API
}

// NewMimir builds a Mimir-backed source.
func NewMimir(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error) {
	return newPrometheusSource("mimir", cfg, transport, false)
}

// NewVictoriaMetrics builds a VictoriaMetrics-backed source.
func NewVictoriaMetrics(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error) {
	return newPrometheusSource("victoriametrics", cfg, transport, true)
}

func newPrometheusSource(kind string, cfg config.DataSourceConfig, transport http.RoundTripper, pathTenant bool) (*PrometheusSource, error) {
	client := newHTTPClient(cfg.Name, cfg.Timeout, cfg.Tenant, cfg.Headers, transport)
	if pathTenant {
		client.Transport.(*tenantTransport).noTenant = true
	}
	s := &PrometheusSource{
		name:    cfg.Name,
		kind:    kind,
		signals: signalSet(cfg.Signals, models.SignalMetrics),
		baseURL: strings.TrimRight(cfg.URL, "/"),
		tenant:  cfg.Tenant,
		apis:    make(map[string]v1.API),
	}
	s.newClient = func(address string) (v1.API, error) {
		c, err := api.NewClient(api.Config{Address: address, Client: client})
		if err != nil {
			return nil, fmt.Errorf("%s client for %s: %w", kind, address, err)
		}
		return v1.NewAPI(c), nil
	}
	if _, err := s.api(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PrometheusSource) Name() string { return s.name }
func (s *PrometheusSource) Kind() string { return s.kind }

func (s *PrometheusSource) Supports(signal models.SignalType) bool { return s.signals[signal] }

// api returns the client for the tenant on ctx, one per resolved address.
func (s *PrometheusSource) api(ctx context.Context) (v1.API, error) {
	address := s.baseURL
	if strings.Contains(address, tenantPlaceholder) {
		tenant := TenantFrom(ctx)
		if tenant == "" {
			tenant = s.tenant
		}
		if tenant == "" {
			tenant = "0"
		}
		address = strings.ReplaceAll(address, tenantPlaceholder, tenant)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.apis[address]; ok {
		return a, nil
	}
	a, err := s.newClient(address)
	if err != nil {
		return nil, err
	}
	s.apis[address] = a
	return a, nil
}

// QueryRange runs a range query over [q.Start, q.End] at q.Step.
func (s *PrometheusSource) QueryRange(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	a, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	val, _, err := a.QueryRange(ctx, q.Expr, v1.Range{Start: q.Start, End: q.End, Step: q.Step})
	if err != nil {
		return nil, fmt.Errorf("%s range query %s: %w", s.name, q.ID, err)
	}
	return valueToSeries(q, val)
}

// QueryInstant evaluates the expression at q.End.
func (s *PrometheusSource) QueryInstant(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	a, err := s.api(ctx)
	if err != nil {
		return nil, err
	}
	val, _, err := a.Query(ctx, q.Expr, q.End)
	if err != nil {
		return nil, fmt.Errorf("%s instant query %s: %w", s.name, q.ID, err)
	}
	return valueToSeries(q, val)
}

func (s *PrometheusSource) QueryLogs(context.Context, models.Query) ([]models.LogLine, error) {
	return nil, ErrUnsupported
}

func (s *PrometheusSource) QueryTraces(context.Context, models.Query) ([]models.Span, error) {
	return nil, ErrUnsupported
}

// valueToSeries converts matrix, vector and scalar results. Series are
// returned sorted by id.
func valueToSeries(q models.Query, val model.Value) ([]models.TimeSeries, error) {
	var out []models.TimeSeries
	switch v := val.(type) {
	case nil:
		return nil, nil
	case model.Matrix:
		for _, stream := range v {
			ts := newSeries(q, stream.Metric)
			ts.Samples = make([]models.Sample, 0, len(stream.Values))
			for _, p := range stream.Values {
				ts.Samples = append(ts.Samples, models.Sample{Time: p.Timestamp.Time().UTC(), Value: float64(p.Value)})
			}
			ts.Samples = models.SortSamples(ts.Samples)
			out = append(out, ts)
		}
	case model.Vector:
		for _, sm := range v {
			ts := newSeries(q, sm.Metric)
			ts.Samples = []models.Sample{{Time: sm.Timestamp.Time().UTC(), Value: float64(sm.Value)}}
			out = append(out, ts)
		}
	case *model.Scalar:
		ts := newSeries(q, nil)
		ts.Samples = []models.Sample{{Time: v.Timestamp.Time().UTC(), Value: float64(v.Value)}}
		out = append(out, ts)
	default:
		return nil, fmt.Errorf("query %s: unsupported result type %s", q.ID, val.Type())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func newSeries(q models.Query, metric model.Metric) models.TimeSeries {
	labels := make(map[string]string, len(metric))
	for k, v := range metric {
		labels[string(k)] = string(v)
	}
	return models.TimeSeries{
		ID:      models.SeriesID(q.ID, labels),
		QueryID: q.ID,
		Signal:  q.Signal,
		Service: q.Service,
		Labels:  labels,
		Step:    q.Step,
	}
}
