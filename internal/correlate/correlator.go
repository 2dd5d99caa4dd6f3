// Package correlate groups temporally adjacent evidence events into bundles.
package correlate

import (
	"math"
	"sort"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// Correlator merges events whose intervals lie within a window of each other.
type Correlator struct {
	cfg config.CorrelationConfig
}

// NewCorrelator constructs a Correlator.
func NewCorrelator(cfg config.CorrelationConfig) *Correlator {
	if cfg.SeverityScale <= 0 {
		cfg.SeverityScale = 8
	}
	return &Correlator{cfg: cfg}
}

// Correlate bundles events. The result depends only on the set of events,
// not on their input order. Bundles are ordered by start ascending, then
// confidence descending, then id.
func (c *Correlator) Correlate(events []models.EventRef, window time.Duration, weights models.SignalWeights) []models.EvidenceBundle {
	if len(events) == 0 {
		return nil
	}
	if window < 0 {
		window = 0
	}
	sorted := append([]models.EventRef(nil), events...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Interval.Start.Equal(b.Interval.Start) {
			return a.Interval.Start.Before(b.Interval.Start)
		}
		if !a.Interval.End.Equal(b.Interval.End) {
			return a.Interval.End.Before(b.Interval.End)
		}
		return a.ID < b.ID
	})

	var bundles []models.EvidenceBundle
	group := []models.EventRef{sorted[0]}
	end := sorted[0].Interval.End
	for _, ev := range sorted[1:] {
		if !ev.Interval.Start.After(end.Add(window)) {
			group = append(group, ev)
			if ev.Interval.End.After(end) {
				end = ev.Interval.End
			}
			continue
		}
		bundles = append(bundles, c.bundle(group, weights))
		group = []models.EventRef{ev}
		end = ev.Interval.End
	}
	bundles = append(bundles, c.bundle(group, weights))
	orderBundles(bundles)
	return bundles
}

// orderBundles sorts by start, then confidence descending, then id.
func orderBundles(bundles []models.EvidenceBundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		a, b := bundles[i], bundles[j]
		if !a.Interval.Start.Equal(b.Interval.Start) {
			return a.Interval.Start.Before(b.Interval.Start)
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.ID < b.ID
	})
}

func (c *Correlator) bundle(group []models.EventRef, weights models.SignalWeights) models.EvidenceBundle {
	b := models.EvidenceBundle{Interval: group[0].Interval}
	ids := make([]string, len(group))
	signals := map[string]struct{}{}
	types := map[models.SignalType]struct{}{}
	var mass float64
	for i, ev := range group {
		ids[i] = ev.ID
		b.Interval = b.Interval.Union(ev.Interval)
		b.MaxSeverity = models.MaxSeverity(b.MaxSeverity, ev.Severity)
		signals[ev.SignalID] = struct{}{}
		types[ev.Signal] = struct{}{}
		mass += ev.Severity.Weight()
	}
	b.ID = models.BundleID(ids)
	b.Events = group

	for id := range signals {
		b.SignalIDs = append(b.SignalIDs, id)
	}
	sort.Strings(b.SignalIDs)

	var typeMass float64
	for _, st := range models.SignalTypes {
		if _, ok := types[st]; ok {
			b.SignalTypes = append(b.SignalTypes, st)
			typeMass += weights.Get(st, 0)
		}
	}

	conf := c.cfg.TypeWeight*math.Min(1, typeMass) +
		c.cfg.SeverityWeight*(1-math.Exp(-mass/c.cfg.SeverityScale))
	b.Confidence = math.Max(0, math.Min(1, conf))
	return b
}
