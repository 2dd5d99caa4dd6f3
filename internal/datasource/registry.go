package datasource

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// Factory builds a DataSource from its configuration. transport may be nil.
type Factory func(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error)

// Registry maps backend kinds to factories. Variants register themselves from
// init so config alone selects the backend.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var defaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory; a kind may be registered once.
func (r *Registry) Register(kind string, f Factory) error {
	kind = strings.ToLower(kind)
	if kind == "" {
		return fmt.Errorf("datasource kind cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[kind]; exists {
		return fmt.Errorf("datasource kind %q already registered", kind)
	}
	r.factories[kind] = f
	return nil
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds one DataSource.
func (r *Registry) New(cfg config.DataSourceConfig, transport http.RoundTripper) (DataSource, error) {
	r.mu.RLock()
	f, ok := r.factories[strings.ToLower(cfg.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("datasource %q: unknown kind %q", cfg.Name, cfg.Kind)
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("datasource %q: url is required", cfg.Name)
	}
	return f(cfg, transport)
}

// Kinds lists the kinds registered on the default registry.
func Kinds() []string { return defaultRegistry.Kinds() }

func mustRegister(kind string, f Factory) {
	if err := defaultRegistry.Register(kind, f); err != nil {
		panic(err)
	}
}

// Set resolves queries to configured sources.
type Set struct {
	order  []DataSource
	byName map[string]DataSource
}

// NewSet wraps already-built sources; order decides the default per signal.
func NewSet(sources ...DataSource) *Set {
	s := &Set{byName: make(map[string]DataSource, len(sources))}
	for _, src := range sources {
		s.order = append(s.order, src)
		s.byName[src.Name()] = src
	}
	return s
}

// Build constructs every configured source from the default registry.
func Build(cfgs []config.DataSourceConfig, transport http.RoundTripper) (*Set, error) {
	sources := make([]DataSource, 0, len(cfgs))
	for _, c := range cfgs {
		ds, err := defaultRegistry.New(c, transport)
		if err != nil {
			return nil, err
		}
		sources = append(sources, ds)
	}
	return NewSet(sources...), nil
}

// Resolve picks the named source, or the first source supporting the signal.
func (s *Set) Resolve(q models.Query) (DataSource, error) {
	if q.Source != "" {
		ds, ok := s.byName[q.Source]
		if !ok {
			return nil, fmt.Errorf("query %s: unknown source %q", q.ID, q.Source)
		}
		if !ds.Supports(q.Signal) {
			return nil, fmt.Errorf("query %s: source %q does not serve %s: %w", q.ID, q.Source, q.Signal, ErrUnsupported)
		}
		return ds, nil
	}
	for _, ds := range s.order {
		if ds.Supports(q.Signal) {
			return ds, nil
		}
	}
	return nil, fmt.Errorf("query %s: no source serves %s: %w", q.ID, q.Signal, ErrUnsupported)
}

// Topology returns the first source that can report a service graph.
func (s *Set) Topology() (TopologySource, bool) {
	for _, ds := range s.order {
		if ts, ok := ds.(TopologySource); ok {
			return ts, true
		}
	}
	return nil, false
}

// Sources returns the sources in configured order.
func (s *Set) Sources() []DataSource {
	return append([]DataSource(nil), s.order...)
}
