package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/common/model"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

func init() {
	mustRegister("loki", NewLoki)
}

const lokiLineLimit = 5000

// LokiSource queries Loki. Log selectors go through QueryLogs; LogQL metric
// expressions go through QueryRange and QueryInstant.
type LokiSource struct {
	name    string
	baseURL string
	signals map[models.SignalType]bool
	client  *http.Client
}

// NewLoki builds a Loki-backed source.
func NewLoki(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error) {
	return &LokiSource{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		signals: signalSet(cfg.Signals, models.SignalLogs),
		client:  newHTTPClient(cfg.Name, cfg.Timeout, cfg.Tenant, cfg.Headers, transport),
	}, nil
}

func (s *LokiSource) Name() string                           { return s.name }
func (s *LokiSource) Kind() string                           { return "loki" }
func (s *LokiSource) Supports(signal models.SignalType) bool { return s.signals[signal] }

type lokiResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// QueryLogs returns log lines in time order, oldest first.
func (s *LokiSource) QueryLogs(ctx context.Context, q models.Query) ([]models.LogLine, error) {
	params := url.Values{}
	params.Set("query", q.Expr)
	params.Set("start", strconv.FormatInt(q.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(q.End.UnixNano(), 10))
	params.Set("limit", strconv.Itoa(lokiLineLimit))
	params.Set("direction", "forward")

	resp, err := s.get(ctx, "/loki/api/v1/query_range", params)
	if err != nil {
		return nil, err
	}
	if resp.Data.ResultType != "streams" {
		return nil, fmt.Errorf("loki query %s: expected streams, got %s", q.ID, resp.Data.ResultType)
	}
	var streams []lokiStream
	if err := json.Unmarshal(resp.Data.Result, &streams); err != nil {
		return nil, fmt.Errorf("decode loki streams: %w", err)
	}

	var lines []models.LogLine
	for _, st := range streams {
		for _, v := range st.Values {
			ns, err := strconv.ParseInt(v[0], 10, 64)
			if err != nil {
				continue
			}
			lines = append(lines, models.LogLine{Time: time.Unix(0, ns).UTC(), Line: v[1], Labels: st.Stream})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Time.Before(lines[j].Time) })
	return lines, nil
}

// QueryRange evaluates a LogQL metric query.
func (s *LokiSource) QueryRange(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	params := url.Values{}
	params.Set("query", q.Expr)
	params.Set("start", strconv.FormatInt(q.Start.UnixNano(), 10))
	params.Set("end", strconv.FormatInt(q.End.UnixNano(), 10))
	if q.Step > 0 {
		params.Set("step", strconv.FormatFloat(q.Step.Seconds(), 'f', -1, 64))
	}
	resp, err := s.get(ctx, "/loki/api/v1/query_range", params)
	if err != nil {
		return nil, err
	}
	return decodeLokiValue(q, resp)
}

// QueryInstant evaluates a LogQL metric query at q.End.
func (s *LokiSource) QueryInstant(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	params := url.Values{}
	params.Set("query", q.Expr)
	params.Set("time", strconv.FormatInt(q.End.UnixNano(), 10))
	resp, err := s.get(ctx, "/loki/api/v1/query", params)
	if err != nil {
		return nil, err
	}
	return decodeLokiValue(q, resp)
}

func (s *LokiSource) QueryTraces(context.Context, models.Query) ([]models.Span, error) {
	return nil, ErrUnsupported
}

func decodeLokiValue(q models.Query, resp lokiResponse) ([]models.TimeSeries, error) {
	switch resp.Data.ResultType {
	case "matrix":
		var m model.Matrix
		if err := json.Unmarshal(resp.Data.Result, &m); err != nil {
			return nil, fmt.Errorf("decode loki matrix: %w", err)
		}
		return valueToSeries(q, m)
	case "vector":
		var v model.Vector
		if err := json.Unmarshal(resp.Data.Result, &v); err != nil {
			return nil, fmt.Errorf("decode loki vector: %w", err)
		}
		return valueToSeries(q, v)
	default:
		return nil, fmt.Errorf("loki query %s: %s result is not a metric query", q.ID, resp.Data.ResultType)
	}
}

func (s *LokiSource) get(ctx context.Context, path string, params url.Values) (lokiResponse, error) {
	var out lokiResponse
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return out, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, &StatusError{Backend: s.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode loki response: %w", err)
	}
	if out.Status != "" && out.Status != "success" {
		return out, fmt.Errorf("loki returned status %q", out.Status)
	}
	return out, nil
}
