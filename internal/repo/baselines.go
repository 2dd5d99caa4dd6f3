package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/models"
)

const (
	// baselineBlend is the weight given to a fresh baseline when merging it
	// into a mature stored one.
	baselineBlend = 0.3
	// matureSamples is how many samples a stored baseline needs before fresh
	// baselines are blended into it instead of replacing it.
	matureSamples = 20
)

type storedBaseline struct {
	Baseline    models.Baseline `json:"baseline"`
	SampleCount int             `json:"sample_count"`
}

// BaselineStore persists per-series baselines so series without history can
// be seeded on later requests.
type BaselineStore struct {
	cache  cache.Provider
	ttl    time.Duration
	logger *slog.Logger
}

// NewBaselineStore builds a store over provider.
func NewBaselineStore(provider cache.Provider, ttl time.Duration, logger *slog.Logger) *BaselineStore {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BaselineStore{cache: provider, ttl: ttl, logger: logger}
}

func baselineKey(tenant, seriesID string) string {
	return fmt.Sprintf("becertain:baseline:%s:%s", tenant, seriesID)
}

// Seed returns the stored baseline for a series.
func (s *BaselineStore) Seed(ctx context.Context, tenant, seriesID string) (models.Baseline, bool, error) {
	var rec storedBaseline
	err := cache.GetJSON(ctx, s.cache, baselineKey(tenant, seriesID), &rec)
	if errors.Is(err, cache.ErrCacheMiss) {
		return models.Baseline{}, false, nil
	}
	if err != nil {
		return models.Baseline{}, false, fmt.Errorf("load baseline %s: %w", seriesID, err)
	}
	b := rec.Baseline
	b.Source = models.BaselineSeed
	return b, true, nil
}

// Save stores fresh baselines. A baseline seeded from the store is skipped.
func (s *BaselineStore) Save(ctx context.Context, tenant string, baselines []models.Baseline) error {
	var saved int
	for _, fresh := range baselines {
		if fresh.SeriesID == "" || fresh.Source == models.BaselineSeed {
			continue
		}
		key := baselineKey(tenant, fresh.SeriesID)

		rec := storedBaseline{Baseline: fresh, SampleCount: fresh.Window}
		var prev storedBaseline
		if err := cache.GetJSON(ctx, s.cache, key, &prev); err == nil && prev.SampleCount >= matureSamples {
			rec = storedBaseline{
				Baseline:    blend(prev.Baseline, fresh),
				SampleCount: prev.SampleCount + fresh.Window,
			}
		}

		if err := cache.SetJSON(ctx, s.cache, key, rec, s.ttl); err != nil {
			return fmt.Errorf("save baseline %s: %w", fresh.SeriesID, err)
		}
		saved++
	}
	s.logger.Debug("baselines saved", slog.String("tenant", tenant), slog.Int("count", saved))
	return nil
}

func blend(prev, fresh models.Baseline) models.Baseline {
	keep := 1 - baselineBlend
	out := fresh
	out.Mean = keep*prev.Mean + baselineBlend*fresh.Mean
	out.StdDev = keep*prev.StdDev + baselineBlend*fresh.StdDev
	out.BandLow = out.Mean - out.K*out.StdDev
	out.BandHigh = out.Mean + out.K*out.StdDev
	return out
}
