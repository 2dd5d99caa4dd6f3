// Package topology models service dependencies discovered from the
// service-graph endpoint.
package topology

import (
	"sort"

	"github.com/observantio/becertain/internal/models"
)

// BlastRadius lists services reachable downstream of Root.
type BlastRadius struct {
	Root     string   `json:"root"`
	Affected []string `json:"affected"`
	Depth    int      `json:"depth"`
}

// Graph is a caller → callee dependency graph.
type Graph struct {
	forward  map[string]map[string]struct{}
	reverse  map[string]map[string]struct{}
	maxDepth int
}

// New returns an empty graph whose searches stop at maxDepth hops.
func New(maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = 6
	}
	return &Graph{
		forward:  map[string]map[string]struct{}{},
		reverse:  map[string]map[string]struct{}{},
		maxDepth: maxDepth,
	}
}

// FromEdges builds a graph from service-graph edges.
func FromEdges(edges []models.ServiceGraphEdge, maxDepth int) *Graph {
	g := New(maxDepth)
	for _, e := range edges {
		g.AddCall(e.Source, e.Target)
	}
	return g
}

// AddCall records caller → callee. Self calls and blanks are ignored.
func (g *Graph) AddCall(caller, callee string) {
	if caller == "" || callee == "" || caller == callee {
		return
	}
	link(g.forward, caller, callee)
	link(g.reverse, callee, caller)
}

func link(m map[string]map[string]struct{}, a, b string) {
	set, ok := m[a]
	if !ok {
		set = map[string]struct{}{}
		m[a] = set
	}
	set[b] = struct{}{}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Services lists every known service.
func (g *Graph) Services() []string {
	all := map[string]struct{}{}
	for s := range g.forward {
		all[s] = struct{}{}
	}
	for s := range g.reverse {
		all[s] = struct{}{}
	}
	return sortedKeys(all)
}

// Distance is the undirected hop count between two services.
func (g *Graph) Distance(from, to string) (int, bool) {
	if from == to {
		return 0, from != ""
	}
	type item struct {
		name  string
		depth int
	}
	seen := map[string]bool{from: true}
	queue := []item{{from, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= g.maxDepth {
			continue
		}
		for _, set := range []map[string]struct{}{g.forward[cur.name], g.reverse[cur.name]} {
			for _, n := range sortedKeys(set) {
				if n == to {
					return cur.depth + 1, true
				}
				if !seen[n] {
					seen[n] = true
					queue = append(queue, item{n, cur.depth + 1})
				}
			}
		}
	}
	return 0, false
}

// BlastRadius walks callees breadth first from root.
func (g *Graph) BlastRadius(root string) BlastRadius {
	br := BlastRadius{Root: root, Depth: g.maxDepth}
	seen := map[string]bool{root: true}
	frontier := []string{root}
	for depth := 0; depth < g.maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, n := range frontier {
			for _, c := range sortedKeys(g.forward[n]) {
				if !seen[c] {
					seen[c] = true
					br.Affected = append(br.Affected, c)
					next = append(next, c)
				}
			}
		}
		frontier = next
	}
	return br
}

// CriticalPath returns the shortest caller → callee path, or nil.
func (g *Graph) CriticalPath(source, target string) []string {
	if source == target {
		return []string{source}
	}
	prev := map[string]string{source: ""}
	queue := []string{source}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range sortedKeys(g.forward[n]) {
			if _, ok := prev[c]; ok {
				continue
			}
			prev[c] = n
			if c == target {
				var path []string
				for at := c; at != ""; at = prev[at] {
					path = append([]string{at}, path...)
				}
				return path
			}
			queue = append(queue, c)
		}
	}
	return nil
}

// View resolves signal ids to services and measures their distance to the
// analysed service.
type View struct {
	Graph    *Graph
	Target   string
	Services map[string]string
}

// DistanceTo returns the hop count from the signal's service to Target.
func (v View) DistanceTo(signalID string) (int, bool) {
	if v.Graph == nil {
		return 0, false
	}
	svc, ok := v.Services[signalID]
	if !ok || svc == "" {
		return 0, false
	}
	return v.Graph.Distance(svc, v.Target)
}

// Impact returns the call path from the signal's service down to Target and
// the services reachable from it. Both are nil without a graph.
func (v View) Impact(signalID string) (path, affected []string) {
	if v.Graph == nil {
		return nil, nil
	}
	svc := v.Services[signalID]
	if svc == "" {
		return nil, nil
	}
	if svc != v.Target {
		path = v.Graph.CriticalPath(svc, v.Target)
	}
	return path, v.Graph.BlastRadius(svc).Affected
}

// UpstreamAnomaly reports whether any anomalous service calls Target,
// directly or transitively.
func (v View) UpstreamAnomaly(anomalous []string) bool {
	if v.Graph == nil {
		return false
	}
	upstream := map[string]bool{}
	queue := []string{v.Target}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range sortedKeys(v.Graph.reverse[n]) {
			if !upstream[c] {
				upstream[c] = true
				queue = append(queue, c)
			}
		}
	}
	for _, s := range anomalous {
		if s != v.Target && upstream[s] {
			return true
		}
	}
	return false
}
