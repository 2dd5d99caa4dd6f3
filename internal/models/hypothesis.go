package models

import "time"

// Hypothesis is one ranked root-cause explanation.
type Hypothesis struct {
	Rank              int                 `json:"rank"`
	RootSignal        string              `json:"root_signal"`
	Signal            SignalType          `json:"signal"`
	Category          string              `json:"category"`
	Onset             time.Time           `json:"onset"`
	SupportingBundles []string            `json:"supporting_bundles"`
	EventIDs          []string            `json:"event_ids"`
	EvidenceWeight    float64             `json:"evidence_weight"`
	CausalStrength    float64             `json:"causal_strength"`
	TopologyDistance  *int                `json:"topology_distance,omitempty"`
	ImpactPath        []string            `json:"impact_path,omitempty"`
	BlastRadius       []string            `json:"blast_radius,omitempty"`
	RankScore         float64             `json:"rank_score"`
	Posterior         []CategoryPosterior `json:"posterior,omitempty"`
	Recommendations   []string            `json:"recommendations,omitempty"`
}
