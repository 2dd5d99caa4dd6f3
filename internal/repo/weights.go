package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

const weightSnapshots = 256

type storedWeights struct {
	Weights     models.SignalWeights `json:"weights"`
	UpdateCount int                  `json:"update_count"`
}

// WeightStore serves per-tenant signal weights and accepts proposals from
// feedback. Reads go through a short-lived in-process snapshot so one burst
// of analyses sees a single version.
type WeightStore struct {
	cache     cache.Provider
	ttl       time.Duration
	defaults  models.SignalWeights
	snapshots *expirable.LRU[string, models.SignalWeights]
	logger    *slog.Logger
}

// NewWeightStore builds a store over provider. ttl bounds persisted weights;
// zero keeps them until overwritten.
func NewWeightStore(cfg config.WeightsConfig, provider cache.Provider, ttl time.Duration, logger *slog.Logger) *WeightStore {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := make(models.SignalWeights, len(cfg.Defaults))
	for k, v := range cfg.Defaults {
		defaults[models.SignalType(k)] = v
	}
	return &WeightStore{
		cache:     provider,
		ttl:       ttl,
		defaults:  defaults,
		snapshots: expirable.NewLRU[string, models.SignalWeights](weightSnapshots, nil, cfg.SnapshotTTL),
		logger:    logger,
	}
}

// Defaults returns a copy of the configured weights.
func (s *WeightStore) Defaults() models.SignalWeights {
	return s.defaults.Clone()
}

func weightsKey(tenant string) string {
	return "becertain:weights:" + tenant
}

// GetWeights returns the tenant's snapshot. stored is false when the
// configured defaults were used.
func (s *WeightStore) GetWeights(ctx context.Context, tenant string) (weights models.SignalWeights, stored bool, err error) {
	if w, ok := s.snapshots.Get(tenant); ok {
		return w.Clone(), true, nil
	}

	var rec storedWeights
	err = cache.GetJSON(ctx, s.cache, weightsKey(tenant), &rec)
	switch {
	case err == nil && len(rec.Weights) > 0:
		s.snapshots.Add(tenant, rec.Weights.Clone())
		return rec.Weights.Clone(), true, nil
	case err == nil, errors.Is(err, cache.ErrCacheMiss):
		return s.Defaults(), false, nil
	default:
		s.logger.Warn("weight lookup failed, using defaults", slog.String("tenant", tenant), slog.Any("error", err))
		return s.Defaults(), false, nil
	}
}

// ProposeUpdate validates and persists a proposal's weights.
func (s *WeightStore) ProposeUpdate(ctx context.Context, proposal models.WeightProposal) error {
	if proposal.Tenant == "" {
		return utils.InvalidConfig("weights.propose", "tenant is required")
	}
	if len(proposal.Weights) == 0 {
		return utils.InvalidConfig("weights.propose", "proposal carries no weights")
	}
	for signal, w := range proposal.Weights {
		if !signal.Valid() {
			return utils.InvalidConfig("weights.propose", "unknown signal %q", signal)
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return utils.InvalidConfig("weights.propose", "weight for %s must be within [0,1], got %v", signal, w)
		}
	}

	var rec storedWeights
	if err := cache.GetJSON(ctx, s.cache, weightsKey(proposal.Tenant), &rec); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Debug("weight history unreadable", slog.String("tenant", proposal.Tenant), slog.Any("error", err))
	}
	rec.Weights = proposal.Weights.Clone()
	rec.UpdateCount++
	if err := cache.SetJSON(ctx, s.cache, weightsKey(proposal.Tenant), rec, s.ttl); err != nil {
		return fmt.Errorf("persist weights for %s: %w", proposal.Tenant, err)
	}
	s.snapshots.Remove(proposal.Tenant)
	s.logger.Info("signal weights updated",
		slog.String("tenant", proposal.Tenant),
		slog.Int("updates", rec.UpdateCount),
	)
	return nil
}

// Reset drops the tenant's stored weights.
func (s *WeightStore) Reset(ctx context.Context, tenant string) error {
	s.snapshots.Remove(tenant)
	return s.cache.Del(ctx, weightsKey(tenant))
}

// EMAProposal moves each signal toward 1 when the verdict was correct and
// toward 0 otherwise, then renormalises so the weights sum to 1.
func EMAProposal(tenant string, current models.SignalWeights, signals []models.SignalType, correct bool, alpha float64) models.WeightProposal {
	reward := 0.0
	if correct {
		reward = 1.0
	}
	fallback := 1.0 / float64(len(models.SignalTypes))

	next := current.Clone()
	for _, s := range signals {
		w := current.Get(s, fallback)
		next[s] = (1-alpha)*w + alpha*reward
	}

	var total float64
	for _, w := range next {
		total += w
	}
	if total > 0 {
		for k, w := range next {
			next[k] = w / total
		}
	}

	deltas := make(map[models.SignalType]float64, len(next))
	for k, w := range next {
		deltas[k] = w - current.Get(k, 0)
	}
	return models.WeightProposal{Tenant: tenant, Deltas: deltas, Weights: next}
}
