package models

import "time"

// EdgeDirection records whether causality was found one way or both ways.
type EdgeDirection string

const (
	EdgeForward EdgeDirection = "forward"
	EdgeMutual  EdgeDirection = "mutual"
)

// CausalEdge is a lead/lag relationship between two signals.
type CausalEdge struct {
	From      string        `json:"from"`
	To        string        `json:"to"`
	Lag       int           `json:"lag"`
	Strength  float64       `json:"strength"`
	PValue    float64       `json:"p_value"`
	Direction EdgeDirection `json:"direction"`
	BundleIDs []string      `json:"bundle_ids"`
}

// CausalNode is one signal in the graph.
type CausalNode struct {
	SignalID string     `json:"signal_id"`
	Signal   SignalType `json:"signal"`
	Onset    time.Time  `json:"onset"`
}

// RootCandidate is a node with no credible causal parent.
type RootCandidate struct {
	SignalID    string    `json:"signal_id"`
	Onset       time.Time `json:"onset"`
	CycleBroken bool      `json:"cycle_broken,omitempty"`
}

// CategoryPosterior is one entry of the Bayesian posterior.
type CategoryPosterior struct {
	Category    string  `json:"category"`
	Probability float64 `json:"probability"`
}

// CausalGraph is a directed weighted graph that tolerates cycles.
type CausalGraph struct {
	Nodes     []CausalNode        `json:"nodes"`
	Edges     []CausalEdge        `json:"edges"`
	Roots     []RootCandidate     `json:"roots"`
	Posterior []CategoryPosterior `json:"posterior"`
}

// Outgoing returns edges leaving signalID.
func (g CausalGraph) Outgoing(signalID string) []CausalEdge {
	var out []CausalEdge
	for _, e := range g.Edges {
		if e.From == signalID {
			out = append(out, e)
		}
	}
	return out
}

// Node looks up a node by id.
func (g CausalGraph) Node(signalID string) (CausalNode, bool) {
	for _, n := range g.Nodes {
		if n.SignalID == signalID {
			return n, true
		}
	}
	return CausalNode{}, false
}
