package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

// AnalyzeMessage is the wire shape of an Analyze call. Times accept RFC3339
// or unix seconds; durations use Go duration syntax.
type AnalyzeMessage struct {
	Tenant          string             `json:"tenant"`
	Service         string             `json:"service"`
	Start           string             `json:"start"`
	End             string             `json:"end"`
	Step            string             `json:"step,omitempty"`
	Thresholds      *ThresholdsMessage `json:"thresholds,omitempty"`
	WeightsOverride map[string]float64 `json:"weights_override,omitempty"`
	Queries         []QueryMessage     `json:"queries,omitempty"`
}

// ThresholdsMessage carries per-request detection overrides.
type ThresholdsMessage struct {
	ZThreshold        *float64 `json:"z_threshold,omitempty"`
	BandK             *float64 `json:"band_k,omitempty"`
	CUSUMDrift        *float64 `json:"cusum_drift,omitempty"`
	CUSUMThreshold    *float64 `json:"cusum_threshold,omitempty"`
	CorrelationWindow string   `json:"correlation_window,omitempty"`
	MinCausalStrength *float64 `json:"min_causal_strength,omitempty"`
}

// QueryMessage is one caller-supplied query.
type QueryMessage struct {
	ID      string `json:"id"`
	Signal  string `json:"signal,omitempty"`
	Expr    string `json:"expr"`
	Source  string `json:"source,omitempty"`
	Service string `json:"service,omitempty"`
	Step    string `json:"step,omitempty"`
}

// DeploymentMessage registers one deployment for a tenant.
type DeploymentMessage struct {
	Tenant string `json:"tenant"`
	models.DeploymentEvent
}

// Ack acknowledges a write.
type Ack struct {
	Accepted bool `json:"accepted"`
}

// Decode unmarshals a structpb document into dst through its JSON form.
func Decode(in *structpb.Struct, dst any) error {
	if in == nil {
		return fmt.Errorf("request is nil")
	}
	data, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// Encode marshals v into a structpb document.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}

// FromStructAnalyzeRequest maps the wire request into a domain AnalyzeRequest.
func FromStructAnalyzeRequest(in *structpb.Struct) (models.AnalyzeRequest, error) {
	var msg AnalyzeMessage
	if err := Decode(in, &msg); err != nil {
		return models.AnalyzeRequest{}, err
	}
	return msg.ToDomain()
}

// ToDomain validates the wire shapes and converts them.
func (m AnalyzeMessage) ToDomain() (models.AnalyzeRequest, error) {
	if m.Start == "" || m.End == "" {
		return models.AnalyzeRequest{}, fmt.Errorf("start and end are required")
	}
	start, err := utils.ParseTime(m.Start)
	if err != nil {
		return models.AnalyzeRequest{}, err
	}
	end, err := utils.ParseTime(m.End)
	if err != nil {
		return models.AnalyzeRequest{}, err
	}
	step, err := parseDuration("step", m.Step)
	if err != nil {
		return models.AnalyzeRequest{}, err
	}

	req := models.AnalyzeRequest{
		Tenant:    m.Tenant,
		Service:   m.Service,
		TimeRange: models.TimeRange{Start: start, End: end},
		Step:      step,
	}
	if m.Thresholds != nil {
		t := m.Thresholds
		req.Thresholds = &models.ThresholdOverrides{
			ZThreshold:        t.ZThreshold,
			BandK:             t.BandK,
			CUSUMDrift:        t.CUSUMDrift,
			CUSUMThreshold:    t.CUSUMThreshold,
			MinCausalStrength: t.MinCausalStrength,
		}
		if t.CorrelationWindow != "" {
			w, err := parseDuration("correlation_window", t.CorrelationWindow)
			if err != nil {
				return models.AnalyzeRequest{}, err
			}
			req.Thresholds.CorrelationWindow = &w
		}
	}
	if len(m.WeightsOverride) > 0 {
		req.WeightsOverride = make(models.SignalWeights, len(m.WeightsOverride))
		for k, v := range m.WeightsOverride {
			req.WeightsOverride[models.SignalType(strings.ToLower(k))] = v
		}
	}
	for _, q := range m.Queries {
		qs, err := parseDuration("query step", q.Step)
		if err != nil {
			return models.AnalyzeRequest{}, err
		}
		req.Queries = append(req.Queries, models.Query{
			ID:      q.ID,
			Signal:  models.SignalType(strings.ToLower(q.Signal)),
			Expr:    q.Expr,
			Source:  q.Source,
			Service: q.Service,
			Step:    qs,
		})
	}
	return req, nil
}

// FromStructFeedback converts feedback and stamps the submission time.
func FromStructFeedback(in *structpb.Struct) (models.Feedback, error) {
	var fb models.Feedback
	if err := Decode(in, &fb); err != nil {
		return models.Feedback{}, err
	}
	if fb.ReportID == "" {
		return models.Feedback{}, fmt.Errorf("report_id is required")
	}
	if fb.Tenant == "" {
		return models.Feedback{}, fmt.Errorf("tenant is required")
	}
	for _, s := range fb.Signals {
		if !s.Valid() {
			return models.Feedback{}, fmt.Errorf("unknown signal %q", s)
		}
	}
	if fb.SubmittedAt.IsZero() {
		fb.SubmittedAt = time.Now().UTC()
	}
	return fb, nil
}

// FromStructListReportsRequest maps the wire listing filter.
func FromStructListReportsRequest(in *structpb.Struct) (models.ListReportsRequest, error) {
	var req models.ListReportsRequest
	if err := Decode(in, &req); err != nil {
		return models.ListReportsRequest{}, err
	}
	if req.Tenant == "" {
		return models.ListReportsRequest{}, fmt.Errorf("tenant is required")
	}
	if req.PageSize < 0 {
		return models.ListReportsRequest{}, fmt.Errorf("page_size must not be negative")
	}
	return req, nil
}

// FromStructPatternsRequest maps a pattern mining request.
func FromStructPatternsRequest(in *structpb.Struct) (models.PatternsRequest, error) {
	var req models.PatternsRequest
	if err := Decode(in, &req); err != nil {
		return models.PatternsRequest{}, err
	}
	if req.Tenant == "" {
		return models.PatternsRequest{}, fmt.Errorf("tenant is required")
	}
	if req.MinOccurrences < 0 {
		return models.PatternsRequest{}, fmt.Errorf("min_occurrences must not be negative")
	}
	return req, nil
}

// FromStructDeployment maps a deployment registration.
func FromStructDeployment(in *structpb.Struct) (string, models.DeploymentEvent, error) {
	var msg DeploymentMessage
	if err := Decode(in, &msg); err != nil {
		return "", models.DeploymentEvent{}, err
	}
	if msg.Tenant == "" || msg.Service == "" {
		return "", models.DeploymentEvent{}, fmt.Errorf("tenant and service are required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return msg.Tenant, msg.DeploymentEvent, nil
}

// StatusFromError maps the error taxonomy onto gRPC codes.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, utils.ErrInvalidConfiguration):
		code = codes.InvalidArgument
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, utils.ErrAllSourcesFailed), errors.Is(err, utils.ErrDataSourceUnavailable):
		code = codes.Unavailable
	}
	return status.Error(code, err.Error())
}

func parseDuration(name, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return d, nil
}
