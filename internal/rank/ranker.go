// Package rank orders root candidates into hypotheses.
package rank

import (
	"sort"

	"github.com/observantio/becertain/internal/causal"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// Topology measures how far a signal's service is from the analysed service.
type Topology interface {
	DistanceTo(signalID string) (int, bool)
}

// Ranker scores root candidates:
//
//	score = wE·evidence + wC·causal − wT·distance·(1 − causal)
type Ranker struct {
	cfg   config.RankingConfig
	bayes *causal.Bayesian
}

// NewRanker constructs a Ranker. bayes assigns each hypothesis a category.
func NewRanker(cfg config.RankingConfig, bayes *causal.Bayesian) *Ranker {
	return &Ranker{cfg: cfg, bayes: bayes}
}

// Rank returns one hypothesis per root candidate, best first. topo may be nil.
func (r *Ranker) Rank(graph models.CausalGraph, bundles []models.EvidenceBundle, topo Topology, hints causal.Hints) []models.Hypothesis {
	if len(graph.Roots) == 0 {
		return nil
	}
	out := make([]models.Hypothesis, 0, len(graph.Roots))
	for _, root := range graph.Roots {
		h := models.Hypothesis{RootSignal: root.SignalID, Onset: root.Onset}
		if n, ok := graph.Node(root.SignalID); ok {
			h.Signal = n.Signal
		}

		var events []models.EventRef
		for _, b := range bundles {
			if !b.HasSignal(root.SignalID) {
				continue
			}
			h.SupportingBundles = append(h.SupportingBundles, b.ID)
			h.EventIDs = append(h.EventIDs, b.EventIDsFor(root.SignalID)...)
			h.EvidenceWeight += b.Confidence * share(b, root.SignalID)
			events = append(events, b.Events...)
		}
		for _, e := range graph.Outgoing(root.SignalID) {
			if e.Strength > h.CausalStrength {
				h.CausalStrength = e.Strength
			}
		}

		var penalty float64
		if topo != nil {
			if d, ok := topo.DistanceTo(root.SignalID); ok {
				dist := d
				h.TopologyDistance = &dist
				penalty = r.cfg.TopologyWeight * float64(d) * (1 - h.CausalStrength)
			}
		}
		h.RankScore = r.cfg.EvidenceWeight*h.EvidenceWeight + r.cfg.CausalWeight*h.CausalStrength - penalty

		h.Category = config.CategoryUnknown
		if r.bayes != nil {
			h.Posterior = r.bayes.Posterior(causal.ExtractFeatures(events, hints))
			if len(h.Posterior) > 0 {
				h.Category = h.Posterior[0].Category
			}
		}
		out = append(out, h)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RankScore != b.RankScore {
			return a.RankScore > b.RankScore
		}
		if !a.Onset.Equal(b.Onset) {
			return a.Onset.Before(b.Onset)
		}
		return a.RootSignal < b.RootSignal
	})
	for i := range out {
		out[i].Rank = i + 1
	}
	return out
}

// share is the signal's severity mass relative to the heaviest signal in b.
func share(b models.EvidenceBundle, signalID string) float64 {
	mass := b.SignalMass()
	var top float64
	for _, m := range mass {
		if m > top {
			top = m
		}
	}
	if top == 0 {
		return 0
	}
	return mass[signalID] / top
}
