package api

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

func mustEncode(t *testing.T, v any) *structpb.Struct {
	t.Helper()
	s, err := Encode(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return s
}

func TestFromStructAnalyzeRequest(t *testing.T) {
	z := 3.0
	in := mustEncode(t, AnalyzeMessage{
		Tenant:          "tenant",
		Service:         "checkout",
		Start:           "2024-01-01T00:00:00Z",
		End:             "1704067800",
		Step:            "30s",
		Thresholds:      &ThresholdsMessage{ZThreshold: &z, CorrelationWindow: "2m"},
		WeightsOverride: map[string]float64{"Logs": 0.5},
		Queries:         []QueryMessage{{ID: "cpu", Signal: "METRICS", Expr: "up", Step: "1m"}},
	})

	req, err := FromStructAnalyzeRequest(in)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if req.Tenant != "tenant" || req.Service != "checkout" {
		t.Fatalf("unexpected identity: %+v", req)
	}
	if got := req.TimeRange.End.Sub(req.TimeRange.Start); got != 10*time.Minute {
		t.Fatalf("unexpected range length: %s", got)
	}
	if req.Step != 30*time.Second {
		t.Fatalf("unexpected step: %s", req.Step)
	}
	if req.Thresholds == nil || *req.Thresholds.ZThreshold != 3 || *req.Thresholds.CorrelationWindow != 2*time.Minute {
		t.Fatalf("thresholds not converted: %+v", req.Thresholds)
	}
	if req.WeightsOverride[models.SignalLogs] != 0.5 {
		t.Fatalf("weights not normalised to signal names: %+v", req.WeightsOverride)
	}
	if len(req.Queries) != 1 || req.Queries[0].Signal != models.SignalMetrics || req.Queries[0].Step != time.Minute {
		t.Fatalf("queries not converted: %+v", req.Queries)
	}
}

func TestFromStructAnalyzeRequestErrors(t *testing.T) {
	cases := map[string]AnalyzeMessage{
		"missing end": {Tenant: "t", Service: "s", Start: "2024-01-01T00:00:00Z"},
		"bad start":   {Tenant: "t", Service: "s", Start: "soon", End: "2024-01-01T00:00:00Z"},
		"bad step":    {Tenant: "t", Service: "s", Start: "1", End: "2", Step: "fast"},
		"bad window": {Tenant: "t", Service: "s", Start: "1", End: "2",
			Thresholds: &ThresholdsMessage{CorrelationWindow: "wide"}},
	}
	for name, msg := range cases {
		if _, err := FromStructAnalyzeRequest(mustEncode(t, msg)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	if _, err := FromStructAnalyzeRequest(nil); err == nil {
		t.Fatalf("expected error for nil request")
	}
}

func TestFromStructFeedback(t *testing.T) {
	fb, err := FromStructFeedback(mustEncode(t, map[string]any{
		"tenant":    "tenant",
		"report_id": "r1",
		"signals":   []string{"logs"},
		"correct":   true,
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if fb.ReportID != "r1" || !fb.Correct || fb.SubmittedAt.IsZero() {
		t.Fatalf("unexpected feedback: %+v", fb)
	}

	if _, err := FromStructFeedback(mustEncode(t, map[string]any{"tenant": "tenant"})); err == nil {
		t.Fatalf("expected error for missing report_id")
	}
	if _, err := FromStructFeedback(mustEncode(t, map[string]any{"tenant": "t", "report_id": "r", "signals": []string{"profiles"}})); err == nil {
		t.Fatalf("expected error for unknown signal")
	}
}

func TestFromStructListReportsRequest(t *testing.T) {
	now := time.Now().UTC().Round(time.Second)
	req, err := FromStructListReportsRequest(mustEncode(t, map[string]any{
		"tenant":     "tenant",
		"service":    "checkout",
		"start":      now.Add(-time.Hour).Format(time.RFC3339),
		"page_size":  10,
		"page_token": "20",
	}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if req.PageSize != 10 || req.PageToken != "20" || !req.Start.Equal(now.Add(-time.Hour)) {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestFromStructPatternsRequest(t *testing.T) {
	req, err := FromStructPatternsRequest(mustEncode(t, map[string]any{"tenant": "tenant", "min_occurrences": 3}))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if req.MinOccurrences != 3 {
		t.Fatalf("unexpected request: %+v", req)
	}
	if _, err := FromStructPatternsRequest(mustEncode(t, map[string]any{"min_occurrences": 1})); err == nil {
		t.Fatalf("expected error for missing tenant")
	}
	if _, err := FromStructPatternsRequest(mustEncode(t, map[string]any{"tenant": "t", "min_occurrences": -1})); err == nil {
		t.Fatalf("expected error for negative min_occurrences")
	}
}

func TestEncodeReport(t *testing.T) {
	report := models.AnalysisReport{
		ID:         "r1",
		Hypotheses: []models.Hypothesis{{Rank: 1, RootSignal: "cpu", RankScore: 0.5}},
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	out := mustEncode(t, report)

	var back models.AnalysisReport
	if err := Decode(out, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back.ID != "r1" || len(back.Hypotheses) != 1 || back.Hypotheses[0].RootSignal != "cpu" || !back.CreatedAt.Equal(report.CreatedAt) {
		t.Fatalf("report did not survive the wire: %+v", back)
	}
}

func TestStatusFromError(t *testing.T) {
	cases := []struct {
		err  error
		code codes.Code
	}{
		{utils.InvalidConfig("op", "bad"), codes.InvalidArgument},
		{fmt.Errorf("wrap: %w", utils.ErrAllSourcesFailed), codes.Unavailable},
		{utils.ErrDataSourceUnavailable, codes.Unavailable},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), codes.DeadlineExceeded},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
		{status.Error(codes.NotFound, "gone"), codes.NotFound},
	}
	for _, tc := range cases {
		if got := status.Code(StatusFromError(tc.err)); got != tc.code {
			t.Fatalf("%v: expected %s, got %s", tc.err, tc.code, got)
		}
	}
	if StatusFromError(nil) != nil {
		t.Fatalf("nil error should stay nil")
	}
}
