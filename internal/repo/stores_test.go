package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

func TestWeightStoreDefaultsAndProposal(t *testing.T) {
	ctx := context.Background()
	store := NewWeightStore(config.Default().Weights, cache.NewMemoryProvider(64, time.Minute), 0, nil)

	w, stored, err := store.GetWeights(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, stored)
	assert.InDelta(t, 0.30, w[models.SignalMetrics], 1e-9)

	w[models.SignalMetrics] = 99
	again, _, _ := store.GetWeights(ctx, "t1")
	assert.InDelta(t, 0.30, again[models.SignalMetrics], 1e-9, "snapshots are copies")

	proposal := EMAProposal("t1", again, []models.SignalType{models.SignalLogs}, true, 0.2)
	require.NoError(t, store.ProposeUpdate(ctx, proposal))

	updated, stored, err := store.GetWeights(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, stored)
	assert.Equal(t, proposal.Weights, updated)

	other, stored, _ := store.GetWeights(ctx, "t2")
	assert.False(t, stored)
	assert.InDelta(t, 0.35, other[models.SignalLogs], 1e-9)

	require.NoError(t, store.Reset(ctx, "t1"))
	_, stored, _ = store.GetWeights(ctx, "t1")
	assert.False(t, stored)
}

func TestWeightStoreRejectsBadProposals(t *testing.T) {
	store := NewWeightStore(config.Default().Weights, cache.NewMemoryProvider(64, time.Minute), 0, nil)
	ctx := context.Background()

	err := store.ProposeUpdate(ctx, models.WeightProposal{Weights: models.SignalWeights{models.SignalLogs: 0.5}})
	assert.ErrorIs(t, err, utils.ErrInvalidConfiguration)

	err = store.ProposeUpdate(ctx, models.WeightProposal{Tenant: "t", Weights: models.SignalWeights{models.SignalLogs: 1.5}})
	assert.ErrorIs(t, err, utils.ErrInvalidConfiguration)

	err = store.ProposeUpdate(ctx, models.WeightProposal{Tenant: "t", Weights: models.SignalWeights{"profiles": 0.5}})
	assert.ErrorIs(t, err, utils.ErrInvalidConfiguration)
}

func TestEMAProposal(t *testing.T) {
	current := models.SignalWeights{models.SignalMetrics: 0.30, models.SignalLogs: 0.35, models.SignalTraces: 0.35}

	up := EMAProposal("t", current, []models.SignalType{models.SignalMetrics}, true, 0.2)
	// metrics: 0.8*0.3 + 0.2 = 0.44; total = 1.14
	assert.InDelta(t, 0.44/1.14, up.Weights[models.SignalMetrics], 1e-9)
	assert.InDelta(t, 0.35/1.14, up.Weights[models.SignalLogs], 1e-9)
	assert.InDelta(t, up.Weights[models.SignalMetrics]-0.30, up.Deltas[models.SignalMetrics], 1e-9)

	var total float64
	for _, w := range up.Weights {
		total += w
	}
	assert.InDelta(t, 1.0, total, 1e-9)

	down := EMAProposal("t", current, []models.SignalType{models.SignalMetrics}, false, 0.2)
	assert.Less(t, down.Weights[models.SignalMetrics], 0.30)
	assert.Equal(t, 0.30, current[models.SignalMetrics], "input is not mutated")
}

func TestBaselineStoreSeedAndBlend(t *testing.T) {
	ctx := context.Background()
	store := NewBaselineStore(cache.NewMemoryProvider(16, time.Hour), time.Hour, nil)

	_, ok, err := store.Seed(ctx, "t1", "cpu")
	require.NoError(t, err)
	assert.False(t, ok)

	first := models.Baseline{SeriesID: "cpu", Window: 30, Mean: 10, StdDev: 2, K: 2, BandLow: 6, BandHigh: 14, Source: models.BaselineHistory}
	require.NoError(t, store.Save(ctx, "t1", []models.Baseline{first}))

	seed, ok, err := store.Seed(ctx, "t1", "cpu")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.BaselineSeed, seed.Source)
	assert.Equal(t, 10.0, seed.Mean)

	fresh := models.Baseline{SeriesID: "cpu", Window: 30, Mean: 20, StdDev: 4, K: 2, Source: models.BaselineHistory}
	require.NoError(t, store.Save(ctx, "t1", []models.Baseline{fresh, seed}))

	blended, _, err := store.Seed(ctx, "t1", "cpu")
	require.NoError(t, err)
	assert.InDelta(t, 0.7*10+0.3*20, blended.Mean, 1e-9)
	assert.InDelta(t, 0.7*2+0.3*4, blended.StdDev, 1e-9)
	assert.InDelta(t, blended.Mean+2*blended.StdDev, blended.BandHigh, 1e-9)

	_, ok, _ = store.Seed(ctx, "t2", "cpu")
	assert.False(t, ok)
}

func TestEventRegistry(t *testing.T) {
	base := time.Unix(1_700_000_000, 0).UTC()
	r := NewEventRegistry(5 * time.Minute)
	r.Register("t1", models.DeploymentEvent{Service: "checkout", Version: "v2", Timestamp: base.Add(10 * time.Minute)})
	r.Register("t1", models.DeploymentEvent{Service: "checkout", Version: "v1", Timestamp: base})
	r.Register("t1", models.DeploymentEvent{Service: "payments", Version: "v9", Timestamp: base.Add(time.Minute)})
	r.Register("t2", models.DeploymentEvent{Service: "checkout", Version: "x", Timestamp: base})

	assert.Len(t, r.InWindow("t1", base, base.Add(time.Minute)), 2)
	assert.Len(t, r.NearTimestamp("t1", base.Add(12*time.Minute), 0), 1)
	assert.Len(t, r.NearTimestamp("t1", base.Add(12*time.Minute), time.Minute), 0)

	svc := r.ForService("t1", "checkout")
	require.Len(t, svc, 2)
	assert.Equal(t, "v1", svc[0].Version)

	latest, ok := r.MostRecent("t1", "checkout")
	require.True(t, ok)
	assert.Equal(t, "v2", latest.Version)

	_, ok = r.MostRecent("t1", "unknown")
	assert.False(t, ok)

	r.Clear("t1")
	assert.Empty(t, r.ForService("t1", "checkout"))
	assert.Len(t, r.ForService("t2", "checkout"), 1)
}
