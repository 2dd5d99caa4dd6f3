package main

import (
	"fmt"
	"log/slog"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/datasource"
	"github.com/observantio/becertain/internal/engine"
	"github.com/observantio/becertain/internal/fetcher"
	"github.com/observantio/becertain/internal/repo"
	"github.com/observantio/becertain/internal/topology"
)

// components is everything a running engine needs, built once from config.
type components struct {
	cache     cache.Provider
	pipeline  *engine.Pipeline
	weights   *repo.WeightStore
	baselines *repo.BaselineStore
	events    *repo.EventRegistry
	reports   *repo.WeaviateRepo
}

func (c *components) Close() error {
	return c.cache.Close()
}

func buildComponents(cfg *config.Config, logger *slog.Logger) (*components, error) {
	sources, err := datasource.Build(cfg.DataSources, nil)
	if err != nil {
		return nil, fmt.Errorf("build data sources: %w", err)
	}
	rules, err := engine.NewRuleEngine(cfg.Rules.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("load rule pack: %w", err)
	}

	provider := cache.New(cfg.Cache, logger)
	c := &components{
		cache:     provider,
		weights:   repo.NewWeightStore(cfg.Weights, provider, cfg.Cache.WeightsTTL, logger),
		baselines: repo.NewBaselineStore(provider, cfg.Cache.BaselineTTL, logger),
		events:    repo.NewEventRegistry(cfg.Events.Window),
		reports:   repo.NewWeaviateRepo(cfg.Weaviate, provider, logger),
	}

	deps := engine.Dependencies{
		Fetcher: fetcher.New(sources, cfg.Fetch, logger),
		Seeds:   c.baselines,
		Weights: c.weights,
		Events:  c.events,
		Rules:   rules,
	}
	if ts, ok := sources.Topology(); ok && cfg.Topology.Enabled {
		deps.Topology = topology.NewLoader(ts, provider, cfg.Cache.ServiceGraphTTL, cfg.Topology.MaxDepth, logger)
	} else if cfg.Topology.Enabled {
		logger.Info("no data source reports a service graph; topology ranking disabled")
	}
	c.pipeline = engine.NewPipeline(*cfg, deps, logger)

	names := make([]string, 0, len(sources.Sources()))
	for _, ds := range sources.Sources() {
		names = append(names, ds.Name()+"/"+ds.Kind())
	}
	logger.Info("engine assembled", slog.Any("sources", names), slog.Bool("weaviate", cfg.Weaviate.Endpoint != ""))
	return c, nil
}
