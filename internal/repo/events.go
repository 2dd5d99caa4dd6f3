package repo

import (
	"sort"
	"sync"
	"time"

	"github.com/observantio/becertain/internal/models"
)

// EventRegistry holds deployment events reported by CI/CD hooks. It is safe
// for concurrent use.
type EventRegistry struct {
	mu     sync.RWMutex
	events map[string][]models.DeploymentEvent
	window time.Duration
}

// NewEventRegistry builds an empty registry. window is the default radius of
// NearTimestamp.
func NewEventRegistry(window time.Duration) *EventRegistry {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &EventRegistry{events: map[string][]models.DeploymentEvent{}, window: window}
}

// Register records an event for tenant, keeping events ordered by time.
func (r *EventRegistry) Register(tenant string, ev models.DeploymentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.events[tenant], ev)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	r.events[tenant] = list
}

// InWindow returns events with start ≤ timestamp ≤ end.
func (r *EventRegistry) InWindow(tenant string, start, end time.Time) []models.DeploymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.DeploymentEvent
	for _, ev := range r.events[tenant] {
		if !ev.Timestamp.Before(start) && !ev.Timestamp.After(end) {
			out = append(out, ev)
		}
	}
	return out
}

// NearTimestamp returns events within window of at. A non-positive window
// uses the registry default.
func (r *EventRegistry) NearTimestamp(tenant string, at time.Time, window time.Duration) []models.DeploymentEvent {
	if window <= 0 {
		window = r.window
	}
	return r.InWindow(tenant, at.Add(-window), at.Add(window))
}

// ForService returns every event for one service.
func (r *EventRegistry) ForService(tenant, service string) []models.DeploymentEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.DeploymentEvent
	for _, ev := range r.events[tenant] {
		if ev.Service == service {
			out = append(out, ev)
		}
	}
	return out
}

// MostRecent returns the latest event for service.
func (r *EventRegistry) MostRecent(tenant, service string) (models.DeploymentEvent, bool) {
	events := r.ForService(tenant, service)
	if len(events) == 0 {
		return models.DeploymentEvent{}, false
	}
	return events[len(events)-1], true
}

// Clear drops every event for tenant.
func (r *EventRegistry) Clear(tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.events, tenant)
}
