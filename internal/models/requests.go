package models

import "time"

// ThresholdOverrides lets one request tune detection without touching config.
type ThresholdOverrides struct {
	ZThreshold        *float64       `json:"z_threshold,omitempty"`
	BandK             *float64       `json:"band_k,omitempty"`
	CUSUMDrift        *float64       `json:"cusum_drift,omitempty"`
	CUSUMThreshold    *float64       `json:"cusum_threshold,omitempty"`
	CorrelationWindow *time.Duration `json:"correlation_window,omitempty"`
	MinCausalStrength *float64       `json:"min_causal_strength,omitempty"`
}

// AnalyzeRequest asks for ranked hypotheses for one service and window.
type AnalyzeRequest struct {
	Tenant          string              `json:"tenant"`
	Service         string              `json:"service"`
	TimeRange       TimeRange           `json:"time_range"`
	Step            time.Duration       `json:"step,omitempty"`
	Thresholds      *ThresholdOverrides `json:"thresholds,omitempty"`
	WeightsOverride SignalWeights       `json:"weights_override,omitempty"`
	Queries         []Query             `json:"queries,omitempty"`
}

// AnnotationKind labels a per-series recovery recorded on the report.
type AnnotationKind string

const (
	AnnotationInsufficientHistory AnnotationKind = "insufficient_history"
	AnnotationFetchError          AnnotationKind = "fetch_error"
	AnnotationFallback            AnnotationKind = "fallback"
	AnnotationDiscontinuous       AnnotationKind = "discontinuous"
	AnnotationWeightsDefault      AnnotationKind = "weights_default"
	AnnotationTopology            AnnotationKind = "topology_unavailable"
	AnnotationBaselineSeed        AnnotationKind = "baseline_seed"
	AnnotationDeadline            AnnotationKind = "deadline_expired"
)

// Annotation explains something the pipeline recovered from.
type Annotation struct {
	Kind    AnnotationKind `json:"kind"`
	Subject string         `json:"subject"`
	Message string         `json:"message"`
}

// FetchFailure is the report-facing view of a failed fetch slot.
type FetchFailure struct {
	QueryID  string `json:"query_id"`
	Kind     string `json:"kind"`
	Attempts int    `json:"attempts"`
	Message  string `json:"message"`
}

// AnalysisReport is the full answer to an AnalyzeRequest.
type AnalysisReport struct {
	ID                string             `json:"id"`
	Tenant            string             `json:"tenant"`
	Service           string             `json:"service"`
	TimeRange         TimeRange          `json:"time_range"`
	Hypotheses        []Hypothesis       `json:"hypotheses"`
	Bundles           []EvidenceBundle   `json:"bundles"`
	Graph             CausalGraph        `json:"graph"`
	Anomalies         []AnomalyEvent     `json:"anomalies"`
	Changepoints      []ChangepointEvent `json:"changepoints"`
	LogBursts         []LogBurst         `json:"log_bursts"`
	LogPatterns       []LogPattern       `json:"log_patterns,omitempty"`
	TraceDegradations []TraceDegradation `json:"trace_degradations"`
	ErrorPropagations []ErrorPropagation `json:"error_propagations,omitempty"`
	Baselines         []Baseline         `json:"baselines"`
	Annotations       []Annotation       `json:"annotations,omitempty"`
	FetchErrors       []FetchFailure     `json:"fetch_errors,omitempty"`
	PartialFailure    bool               `json:"partial_failure"`
	Weights           SignalWeights      `json:"weights"`
	CreatedAt         time.Time          `json:"created_at"`
}

// TopHypothesis returns the best-ranked hypothesis, if any.
func (r AnalysisReport) TopHypothesis() (Hypothesis, bool) {
	if len(r.Hypotheses) == 0 {
		return Hypothesis{}, false
	}
	return r.Hypotheses[0], true
}

// Feedback captures operator judgement on a report's top hypothesis.
type Feedback struct {
	Tenant      string       `json:"tenant"`
	ReportID    string       `json:"report_id"`
	Signals     []SignalType `json:"signals"`
	Correct     bool         `json:"correct"`
	Notes       string       `json:"notes,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// ListReportsRequest filters stored reports.
type ListReportsRequest struct {
	Tenant    string    `json:"tenant"`
	Service   string    `json:"service,omitempty"`
	Start     time.Time `json:"start,omitempty"`
	End       time.Time `json:"end,omitempty"`
	PageSize  int       `json:"page_size,omitempty"`
	PageToken string    `json:"page_token,omitempty"`
}

// ListReportsResponse is one page of stored report summaries.
type ListReportsResponse struct {
	Reports       []ReportSummary `json:"reports"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

// ReportSummary is the stored, listable digest of an AnalysisReport.
type ReportSummary struct {
	ID             string    `json:"id"`
	Tenant         string    `json:"tenant"`
	Service        string    `json:"service"`
	RootSignal     string    `json:"root_signal"`
	Category       string    `json:"category"`
	RankScore      float64   `json:"rank_score"`
	Hypotheses     int       `json:"hypotheses"`
	PartialFailure bool      `json:"partial_failure"`
	CreatedAt      time.Time `json:"created_at"`
}

// Summarize digests a report for storage and listing.
func (r AnalysisReport) Summarize() ReportSummary {
	s := ReportSummary{
		ID:             r.ID,
		Tenant:         r.Tenant,
		Service:        r.Service,
		Hypotheses:     len(r.Hypotheses),
		PartialFailure: r.PartialFailure,
		CreatedAt:      r.CreatedAt,
	}
	if top, ok := r.TopHypothesis(); ok {
		s.RootSignal = top.RootSignal
		s.Category = top.Category
		s.RankScore = top.RankScore
	}
	return s
}
