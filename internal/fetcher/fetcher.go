// Package fetcher executes query batches against data sources with a shared
// worker pool, transient-failure retry and an instant-query fallback for
// empty range results.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/datasource"
	"github.com/observantio/becertain/internal/metrics"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

// Kind classifies a failed slot.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindCanceled    Kind = "canceled"
	KindUnavailable Kind = "unavailable"
	KindEmpty       Kind = "empty"
	KindInvalid     Kind = "invalid"
	KindUnsupported Kind = "unsupported"
)

// FetchError is the typed failure stored in a result slot.
type FetchError struct {
	QueryID  string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("query %s: %s after %d attempt(s)", e.QueryID, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("query %s: %s after %d attempt(s): %v", e.QueryID, e.Kind, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Is maps kinds onto the shared error taxonomy.
func (e *FetchError) Is(target error) bool {
	switch target {
	case utils.ErrEmptySeries:
		return e.Kind == KindEmpty
	case utils.ErrDataSourceUnavailable:
		return e.Kind == KindUnavailable || e.Kind == KindTimeout
	}
	return false
}

// Result is one slot of a batch: data for the query's signal, or Err.
type Result struct {
	Query    models.Query
	Source   string
	Series   []models.TimeSeries
	Logs     []models.LogLine
	Spans    []models.Span
	Fallback bool
	Attempts int
	Err      *FetchError
}

// OK reports whether the slot holds data.
func (r Result) OK() bool { return r.Err == nil }

// Resolver maps a query to the source that should answer it.
type Resolver interface {
	Resolve(q models.Query) (datasource.DataSource, error)
}

// Fetcher is stateless across calls apart from its worker pool, which bounds
// in-flight queries across all concurrent batches.
type Fetcher struct {
	sources Resolver
	pool    *semaphore.Weighted
	cfg     config.FetchConfig
	logger  *slog.Logger
}

// New builds a Fetcher over sources.
func New(sources Resolver, cfg config.FetchConfig, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 32
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Fetcher{
		sources: sources,
		pool:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		cfg:     cfg,
		logger:  logger,
	}
}

// Fetch runs every query with at most limit in flight for this batch and
// returns one slot per query in input order. A failing query never aborts the
// batch. When timeout elapses, unfinished slots are marked KindTimeout.
func (f *Fetcher) Fetch(ctx context.Context, queries []models.Query, limit int, timeout time.Duration) []Result {
	if limit <= 0 {
		limit = f.cfg.Concurrency
	}
	if limit <= 0 {
		limit = 1
	}
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	results := make([]Result, len(queries))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, q := range queries {
		i, q := i, q
		g.Go(func() error {
			results[i] = f.fetchOne(ctx, q)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetcher) fetchOne(ctx context.Context, q models.Query) Result {
	res := Result{Query: q}
	if err := f.pool.Acquire(ctx, 1); err != nil {
		res.Err = f.classify(ctx, q, 0, err)
		return res
	}
	defer f.pool.Release(1)

	ds, err := f.sources.Resolve(q)
	if err != nil {
		res.Err = &FetchError{QueryID: q.ID, Kind: kindFor(ctx, err), Err: err}
		return res
	}
	res.Source = ds.Name()

	switch q.Signal {
	case models.SignalLogs:
		res.Attempts, err = f.retry(ctx, ds, func(ctx context.Context) (err error) {
			res.Logs, err = ds.QueryLogs(ctx, q)
			return err
		})
	case models.SignalTraces:
		res.Attempts, err = f.retry(ctx, ds, func(ctx context.Context) (err error) {
			res.Spans, err = ds.QueryTraces(ctx, q)
			return err
		})
	default:
		res.Attempts, err = f.retry(ctx, ds, func(ctx context.Context) (err error) {
			res.Series, err = ds.QueryRange(ctx, q)
			return err
		})
		if err == nil && allEmpty(res.Series) {
			res.Series, err = f.fallback(ctx, ds, q)
			res.Attempts++
			if err == nil {
				res.Fallback = true
			}
		}
	}
	if err != nil {
		res.Err = f.classify(ctx, q, res.Attempts, err)
		res.Series, res.Logs, res.Spans = nil, nil, nil
	}
	return res
}

// fallback issues exactly one instant query for an empty range result.
func (f *Fetcher) fallback(ctx context.Context, ds datasource.DataSource, q models.Query) ([]models.TimeSeries, error) {
	metrics.ObserveFallback(ds.Name())
	series, err := ds.QueryInstant(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, &FetchError{QueryID: q.ID, Kind: kindFor(ctx, err), Err: fmt.Errorf("instant fallback: %w", err)}
	}
	if allEmpty(series) {
		return nil, &FetchError{QueryID: q.ID, Kind: KindEmpty, Err: utils.ErrEmptySeries}
	}
	out := make([]models.TimeSeries, 0, len(series))
	for _, s := range series {
		if s.Empty() {
			continue
		}
		s.Fallback = true
		out = append(out, s)
	}
	f.logger.Debug("range query empty, recovered by instant fallback",
		slog.String("query", q.ID), slog.String("source", ds.Name()), slog.Int("series", len(out)))
	return out, nil
}

func (f *Fetcher) retry(ctx context.Context, ds datasource.DataSource, op func(context.Context) error) (int, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(f.cfg.InitialBackoff),
			backoff.WithMultiplier(f.cfg.Multiplier),
			backoff.WithMaxInterval(f.cfg.MaxBackoff),
			backoff.WithMaxElapsedTime(0),
		), uint64(f.cfg.MaxAttempts-1)),
		ctx,
	)
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			metrics.ObserveFetch(ds.Name(), "ok")
			return nil
		}
		if datasource.IsTransient(err) && ctx.Err() == nil {
			metrics.ObserveFetch(ds.Name(), "retryable")
			f.logger.Debug("transient fetch failure", slog.String("source", ds.Name()),
				slog.Int("attempt", attempts), slog.Any("error", err))
			return err
		}
		metrics.ObserveFetch(ds.Name(), "failed")
		return backoff.Permanent(err)
	}, policy)
	return attempts, err
}

func (f *Fetcher) classify(ctx context.Context, q models.Query, attempts int, err error) *FetchError {
	var fe *FetchError
	if errors.As(err, &fe) {
		fe.Attempts = attempts
		if ctx.Err() != nil {
			fe.Kind = kindFor(ctx, ctx.Err())
		}
		return fe
	}
	return &FetchError{QueryID: q.ID, Kind: kindFor(ctx, err), Attempts: attempts, Err: err}
}

func kindFor(ctx context.Context, err error) Kind {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled):
		return KindCanceled
	case errors.Is(err, datasource.ErrUnsupported):
		return KindUnsupported
	case datasource.IsTransient(err):
		return KindUnavailable
	default:
		return KindInvalid
	}
}

func allEmpty(series []models.TimeSeries) bool {
	for _, s := range series {
		if !s.Empty() {
			return false
		}
	}
	return true
}

// Summarize returns the report view of failed slots. When no slot holds data
// the error wraps utils.ErrAllSourcesFailed; when only some failed it wraps
// utils.ErrPartialFailure. Both aggregate every failure.
func Summarize(results []Result) ([]models.FetchFailure, error) {
	var (
		failures []models.FetchFailure
		merr     *multierror.Error
		ok       int
	)
	for _, r := range results {
		if r.OK() {
			ok++
			continue
		}
		failures = append(failures, models.FetchFailure{
			QueryID:  r.Query.ID,
			Kind:     string(r.Err.Kind),
			Attempts: r.Err.Attempts,
			Message:  r.Err.Error(),
		})
		merr = multierror.Append(merr, r.Err)
	}
	if ok == 0 {
		if merr == nil {
			return failures, fmt.Errorf("%w: no queries issued", utils.ErrAllSourcesFailed)
		}
		return failures, fmt.Errorf("%w: %w", utils.ErrAllSourcesFailed, merr.ErrorOrNil())
	}
	if merr != nil {
		return failures, fmt.Errorf("%w: %d of %d queries: %w", utils.ErrPartialFailure, len(failures), len(results), merr.ErrorOrNil())
	}
	return failures, nil
}
