package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/datasource"
	"github.com/observantio/becertain/internal/models"
)

// Loader fetches the service graph and caches it per tenant and window.
type Loader struct {
	source   datasource.TopologySource
	cache    cache.Provider
	ttl      time.Duration
	maxDepth int
	logger   *slog.Logger
}

// NewLoader builds a Loader. A nil provider disables caching.
func NewLoader(source datasource.TopologySource, provider cache.Provider, ttl time.Duration, maxDepth int, logger *slog.Logger) *Loader {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{source: source, cache: provider, ttl: ttl, maxDepth: maxDepth, logger: logger}
}

func (l *Loader) key(tenant string, start, end time.Time) string {
	bucket := l.ttl
	if bucket <= 0 {
		bucket = time.Minute
	}
	return fmt.Sprintf("becertain:topology:%s:%d:%d", tenant, start.Truncate(bucket).Unix(), end.Truncate(bucket).Unix())
}

// Load returns the dependency graph for [start, end].
func (l *Loader) Load(ctx context.Context, tenant string, start, end time.Time) (*Graph, error) {
	key := l.key(tenant, start, end)
	var edges []models.ServiceGraphEdge
	err := cache.GetJSON(ctx, l.cache, key, &edges)
	if err == nil {
		return FromEdges(edges, l.maxDepth), nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		l.logger.Debug("topology cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	edges, err = l.source.FetchServiceGraph(ctx, tenant, start, end)
	if err != nil {
		return nil, fmt.Errorf("fetch service graph: %w", err)
	}
	if l.ttl > 0 {
		if err := cache.SetJSON(ctx, l.cache, key, edges, l.ttl); err != nil {
			l.logger.Debug("topology cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return FromEdges(edges, l.maxDepth), nil
}
