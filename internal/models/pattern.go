package models

import "time"

// FailurePattern is a root cause that keeps recurring in a tenant's reports.
type FailurePattern struct {
	ID          string    `json:"id"`
	Service     string    `json:"service"`
	RootSignal  string    `json:"root_signal"`
	Category    string    `json:"category"`
	Occurrences int       `json:"occurrences"`
	Prevalence  float64   `json:"prevalence"`
	MeanScore   float64   `json:"mean_score"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// PatternsRequest asks for recurring root causes over a window of stored reports.
type PatternsRequest struct {
	Tenant         string    `json:"tenant"`
	Service        string    `json:"service,omitempty"`
	Start          time.Time `json:"start,omitempty"`
	End            time.Time `json:"end,omitempty"`
	MinOccurrences int       `json:"min_occurrences,omitempty"`
}

// PatternsResponse lists mined patterns, most frequent first.
type PatternsResponse struct {
	Patterns       []FailurePattern `json:"patterns"`
	ReportsScanned int              `json:"reports_scanned"`
}
