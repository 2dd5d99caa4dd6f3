package causal

import (
	"log/slog"
	"sort"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// Engine builds the causal graph for one analysis.
type Engine struct {
	cfg    config.CausalConfig
	bayes  *Bayesian
	logger *slog.Logger
}

// NewEngine constructs an Engine.
func NewEngine(cfg config.CausalConfig, bayes config.BayesianConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, bayes: NewBayesian(bayes), logger: logger}
}

// Bayesian exposes the category scorer used for the graph posterior.
func (e *Engine) Bayesian() *Bayesian { return e.bayes }

// Infer tests every ordered pair of signals that share a bundle, keeps the
// credible edges, selects root candidates and scores categories over all
// evidence. A signal with a sustained shift only accepts edges from other
// sustained signals: an excursion that reverts cannot account for a level
// change that persists. Empty input yields an empty graph.
func (e *Engine) Infer(bundles []models.EvidenceBundle, signals []Signal, hints Hints) models.CausalGraph {
	var g models.CausalGraph
	if len(bundles) == 0 {
		return g
	}

	nodes := collectNodes(bundles)
	g.Nodes = nodes
	byID := make(map[string]Signal, len(signals))
	for _, s := range signals {
		byID[s.ID] = s
	}

	candidates := make([]models.CausalNode, 0, len(nodes))
	for _, n := range nodes {
		if _, ok := byID[n.SignalID]; ok {
			candidates = append(candidates, n)
		}
	}
	if e.cfg.MaxSignals > 0 && len(candidates) > e.cfg.MaxSignals {
		e.logger.Debug("causal candidates truncated",
			slog.Int("candidates", len(candidates)), slog.Int("max", e.cfg.MaxSignals))
		candidates = candidates[:e.cfg.MaxSignals]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SignalID < candidates[j].SignalID })

	sustained := sustainedSignals(bundles)
	for _, from := range candidates {
		for _, to := range candidates {
			if from.SignalID == to.SignalID {
				continue
			}
			if sustained[to.SignalID] && !sustained[from.SignalID] {
				continue
			}
			shared := sharedBundles(bundles, from.SignalID, to.SignalID)
			if len(shared) == 0 {
				continue
			}
			r, ok := Granger(byID[from.SignalID].Values, byID[to.SignalID].Values, e.cfg.MaxLag, e.cfg.MinSamples)
			if !ok || r.PValue >= e.cfg.PThreshold || r.Strength < e.cfg.MinStrength {
				continue
			}
			g.Edges = append(g.Edges, models.CausalEdge{
				From:      from.SignalID,
				To:        to.SignalID,
				Lag:       r.Lag,
				Strength:  r.Strength,
				PValue:    r.PValue,
				Direction: models.EdgeForward,
				BundleIDs: shared,
			})
		}
	}
	markMutual(g.Edges)
	g.Roots = selectRoots(nodes, g.Edges, e.cfg.RootThreshold)

	var events []models.EventRef
	for _, b := range bundles {
		events = append(events, b.Events...)
	}
	g.Posterior = e.bayes.Posterior(ExtractFeatures(events, hints))
	return g
}

// collectNodes returns one node per signal with its earliest onset, ordered
// by onset then id.
func collectNodes(bundles []models.EvidenceBundle) []models.CausalNode {
	seen := map[string]int{}
	var nodes []models.CausalNode
	for _, b := range bundles {
		for _, ev := range b.Events {
			if i, ok := seen[ev.SignalID]; ok {
				if ev.Interval.Start.Before(nodes[i].Onset) {
					nodes[i].Onset = ev.Interval.Start
				}
				continue
			}
			seen[ev.SignalID] = len(nodes)
			nodes = append(nodes, models.CausalNode{SignalID: ev.SignalID, Signal: ev.Signal, Onset: ev.Interval.Start})
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodeLess(nodes[i], nodes[j]) })
	return nodes
}

func nodeLess(a, b models.CausalNode) bool {
	if !a.Onset.Equal(b.Onset) {
		return a.Onset.Before(b.Onset)
	}
	return a.SignalID < b.SignalID
}

// sustainedSignals marks signals with a changepoint-confirmed level shift.
func sustainedSignals(bundles []models.EvidenceBundle) map[string]bool {
	out := map[string]bool{}
	for _, b := range bundles {
		for _, ev := range b.Events {
			if ev.ChangeType == models.ChangeSustainedShift {
				out[ev.SignalID] = true
			}
		}
	}
	return out
}

func sharedBundles(bundles []models.EvidenceBundle, a, b string) []string {
	var ids []string
	for _, bd := range bundles {
		if bd.HasSignal(a) && bd.HasSignal(b) {
			ids = append(ids, bd.ID)
		}
	}
	return ids
}

func markMutual(edges []models.CausalEdge) {
	index := make(map[[2]string]int, len(edges))
	for i, e := range edges {
		index[[2]string{e.From, e.To}] = i
	}
	for i, e := range edges {
		if _, ok := index[[2]string{e.To, e.From}]; ok {
			edges[i].Direction = models.EdgeMutual
		}
	}
}

// selectRoots returns nodes without a credible parent. Nodes that remain
// unreachable from any root sit on cycles; the earliest such node (ties by
// id) is promoted until every node is reachable.
func selectRoots(nodes []models.CausalNode, edges []models.CausalEdge, threshold float64) []models.RootCandidate {
	children := map[string][]string{}
	hasParent := map[string]bool{}
	for _, e := range edges {
		if e.Strength < threshold {
			continue
		}
		children[e.From] = append(children[e.From], e.To)
		hasParent[e.To] = true
	}

	reached := map[string]bool{}
	visit := func(start string) {
		stack := []string{start}
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if reached[n] {
				continue
			}
			reached[n] = true
			stack = append(stack, children[n]...)
		}
	}

	var roots []models.RootCandidate
	for _, n := range nodes {
		if !hasParent[n.SignalID] {
			roots = append(roots, models.RootCandidate{SignalID: n.SignalID, Onset: n.Onset})
			visit(n.SignalID)
		}
	}
	// nodes are already in (onset, id) order, so the first unreached node is
	// the tie-break winner.
	for _, n := range nodes {
		if reached[n.SignalID] {
			continue
		}
		roots = append(roots, models.RootCandidate{SignalID: n.SignalID, Onset: n.Onset, CycleBroken: true})
		visit(n.SignalID)
	}
	sort.SliceStable(roots, func(i, j int) bool {
		return nodeLess(models.CausalNode{SignalID: roots[i].SignalID, Onset: roots[i].Onset},
			models.CausalNode{SignalID: roots[j].SignalID, Onset: roots[j].Onset})
	})
	return roots
}
