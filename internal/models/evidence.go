package models

import (
	"strings"

	"github.com/google/uuid"
)

// EvidenceBundle groups temporally adjacent events from any signal family.
type EvidenceBundle struct {
	ID          string       `json:"id"`
	Interval    Interval     `json:"interval"`
	Events      []EventRef   `json:"events"`
	SignalIDs   []string     `json:"signal_ids"`
	SignalTypes []SignalType `json:"signal_types"`
	MaxSeverity Severity     `json:"max_severity"`
	Confidence  float64      `json:"confidence"`
}

// BundleID derives a bundle id from its member event ids in bundle order.
func BundleID(eventIDs []string) string {
	return uuid.NewSHA1(eventNamespace, []byte("bundle|"+strings.Join(eventIDs, ","))).String()
}

// HasSignal reports whether any event in the bundle came from signalID.
func (b EvidenceBundle) HasSignal(signalID string) bool {
	for _, id := range b.SignalIDs {
		if id == signalID {
			return true
		}
	}
	return false
}

// SignalMass sums severity weights per signal id.
func (b EvidenceBundle) SignalMass() map[string]float64 {
	mass := make(map[string]float64, len(b.SignalIDs))
	for _, ev := range b.Events {
		mass[ev.SignalID] += ev.Severity.Weight()
	}
	return mass
}

// EventIDsFor lists the ids of events produced by signalID, in bundle order.
func (b EvidenceBundle) EventIDsFor(signalID string) []string {
	var ids []string
	for _, ev := range b.Events {
		if ev.SignalID == signalID {
			ids = append(ids, ev.ID)
		}
	}
	return ids
}

// SignalWeights is a per-tenant snapshot of adaptive signal-family weights.
type SignalWeights map[SignalType]float64

// Get returns the weight for s or fallback when unset.
func (w SignalWeights) Get(s SignalType, fallback float64) float64 {
	if v, ok := w[s]; ok {
		return v
	}
	return fallback
}

// Clone returns an independent copy.
func (w SignalWeights) Clone() SignalWeights {
	out := make(SignalWeights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// WeightProposal is a suggested adjustment for the external weight registry.
type WeightProposal struct {
	Tenant  string                 `json:"tenant"`
	Deltas  map[SignalType]float64 `json:"deltas"`
	Weights SignalWeights          `json:"weights"`
}
