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

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

func init() {
	mustRegister("tempo", NewTempo)
}

const tempoSearchLimit = 1000

// TempoSource runs TraceQL searches against Tempo. Each matched trace becomes
// one root span.
type TempoSource struct {
	name    string
	baseURL string
	signals map[models.SignalType]bool
	client  *http.Client
}

// NewTempo builds a Tempo-backed source.
func NewTempo(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error) {
	return &TempoSource{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		signals: signalSet(cfg.Signals, models.SignalTraces),
		client:  newHTTPClient(cfg.Name, cfg.Timeout, cfg.Tenant, cfg.Headers, transport),
	}, nil
}

func (s *TempoSource) Name() string                           { return s.name }
func (s *TempoSource) Kind() string                           { return "tempo" }
func (s *TempoSource) Supports(signal models.SignalType) bool { return s.signals[signal] }

type tempoAttribute struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string `json:"stringValue"`
	} `json:"value"`
}

type tempoSpanSet struct {
	Spans []struct {
		SpanID     string           `json:"spanID"`
		Attributes []tempoAttribute `json:"attributes"`
	} `json:"spans"`
}

type tempoTrace struct {
	TraceID           string         `json:"traceID"`
	RootServiceName   string         `json:"rootServiceName"`
	RootTraceName     string         `json:"rootTraceName"`
	StartTimeUnixNano string         `json:"startTimeUnixNano"`
	DurationMs        float64        `json:"durationMs"`
	SpanSet           *tempoSpanSet  `json:"spanSet"`
	SpanSets          []tempoSpanSet `json:"spanSets"`
}

// QueryTraces returns one span per trace sorted by start time.
func (s *TempoSource) QueryTraces(ctx context.Context, q models.Query) ([]models.Span, error) {
	params := url.Values{}
	params.Set("q", q.Expr)
	params.Set("start", strconv.FormatInt(q.Start.Unix(), 10))
	params.Set("end", strconv.FormatInt(q.End.Unix(), 10))
	params.Set("limit", strconv.Itoa(tempoSearchLimit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{Backend: s.name, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var payload struct {
		Traces []tempoTrace `json:"traces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode tempo search: %w", err)
	}

	spans := make([]models.Span, 0, len(payload.Traces))
	for _, tr := range payload.Traces {
		ns, _ := strconv.ParseInt(tr.StartTimeUnixNano, 10, 64)
		service := tr.RootServiceName
		if service == "" {
			service = "unknown"
		}
		op := tr.RootTraceName
		if op == "" {
			op = "unknown"
		}
		spans = append(spans, models.Span{
			TraceID:   tr.TraceID,
			Service:   service,
			Operation: op,
			Start:     time.Unix(0, ns).UTC(),
			Duration:  time.Duration(tr.DurationMs * float64(time.Millisecond)),
			Error:     tr.hasError(),
		})
	}
	sort.SliceStable(spans, func(i, j int) bool { return spans[i].Start.Before(spans[j].Start) })
	return spans, nil
}

func (t tempoTrace) hasError() bool {
	sets := t.SpanSets
	if t.SpanSet != nil {
		sets = append([]tempoSpanSet{*t.SpanSet}, sets...)
	}
	for _, set := range sets {
		for _, sp := range set.Spans {
			for _, a := range sp.Attributes {
				if a.Key != "status.code" && a.Key != "status" {
					continue
				}
				switch strings.ToUpper(a.Value.StringValue) {
				case "STATUS_CODE_ERROR", "ERROR":
					return true
				}
			}
		}
	}
	return false
}

func (s *TempoSource) QueryRange(context.Context, models.Query) ([]models.TimeSeries, error) {
	return nil, ErrUnsupported
}

func (s *TempoSource) QueryInstant(context.Context, models.Query) ([]models.TimeSeries, error) {
	return nil, ErrUnsupported
}

func (s *TempoSource) QueryLogs(context.Context, models.Query) ([]models.LogLine, error) {
	return nil, ErrUnsupported
}
