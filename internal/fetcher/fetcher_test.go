package fetcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/datasource"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

// fakeSource answers per query id through caller-supplied functions.
type fakeSource struct {
	rangeFn   func(ctx context.Context, q models.Query) ([]models.TimeSeries, error)
	instantFn func(ctx context.Context, q models.Query) ([]models.TimeSeries, error)
	logsFn    func(ctx context.Context, q models.Query) ([]models.LogLine, error)

	rangeCalls   atomic.Int32
	instantCalls atomic.Int32
}

func (f *fakeSource) Name() string                    { return "fake" }
func (f *fakeSource) Kind() string                    { return "fake" }
func (f *fakeSource) Supports(models.SignalType) bool { return true }

func (f *fakeSource) QueryRange(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	f.rangeCalls.Add(1)
	return f.rangeFn(ctx, q)
}

func (f *fakeSource) QueryInstant(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
	f.instantCalls.Add(1)
	if f.instantFn == nil {
		return nil, nil
	}
	return f.instantFn(ctx, q)
}

func (f *fakeSource) QueryLogs(ctx context.Context, q models.Query) ([]models.LogLine, error) {
	if f.logsFn == nil {
		return nil, datasource.ErrUnsupported
	}
	return f.logsFn(ctx, q)
}

func (f *fakeSource) QueryTraces(context.Context, models.Query) ([]models.Span, error) {
	return nil, datasource.ErrUnsupported
}

type staticResolver struct{ ds datasource.DataSource }

func (r staticResolver) Resolve(models.Query) (datasource.DataSource, error) { return r.ds, nil }

func testConfig() config.FetchConfig {
	return config.FetchConfig{
		Concurrency:    4,
		PoolSize:       8,
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		Multiplier:     2,
		MaxBackoff:     5 * time.Millisecond,
	}
}

var t0 = time.Unix(1_700_000_000, 0).UTC()

func q(id string) models.Query {
	return models.Query{ID: id, Signal: models.SignalMetrics, Expr: id, Start: t0, End: t0.Add(time.Minute), Step: 15 * time.Second}
}

func series(id string, n int) []models.TimeSeries {
	s := models.TimeSeries{ID: id, QueryID: id, Signal: models.SignalMetrics}
	for i := 0; i < n; i++ {
		s.Samples = append(s.Samples, models.Sample{Time: t0.Add(time.Duration(i) * 15 * time.Second), Value: float64(i)})
	}
	return []models.TimeSeries{s}
}

func TestFetchMixedBatch(t *testing.T) {
	src := &fakeSource{
		rangeFn: func(ctx context.Context, q models.Query) ([]models.TimeSeries, error) {
			switch q.ID {
			case "slow":
				<-ctx.Done()
				return nil, ctx.Err()
			case "empty":
				return []models.TimeSeries{{ID: "empty"}}, nil
			default:
				return series(q.ID, 4), nil
			}
		},
		instantFn: func(_ context.Context, q models.Query) ([]models.TimeSeries, error) {
			return []models.TimeSeries{{ID: q.ID, Samples: []models.Sample{{Time: q.End, Value: 9}}}}, nil
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)

	results := f.Fetch(context.Background(), []models.Query{q("slow"), q("empty"), q("ok")}, 3, 50*time.Millisecond)
	require.Len(t, results, 3)

	require.NotNil(t, results[0].Err)
	assert.Equal(t, KindTimeout, results[0].Err.Kind)
	assert.Equal(t, "slow", results[0].Query.ID)

	require.True(t, results[1].OK(), "fallback slot failed: %v", results[1].Err)
	assert.True(t, results[1].Fallback)
	require.Len(t, results[1].Series, 1)
	assert.True(t, results[1].Series[0].Fallback)
	assert.Equal(t, t0.Add(time.Minute), results[1].Series[0].Samples[0].Time)

	require.True(t, results[2].OK())
	assert.False(t, results[2].Fallback)
	assert.Len(t, results[2].Series[0].Samples, 4)

	failures, err := Summarize(results)
	require.ErrorIs(t, err, utils.ErrPartialFailure, "two slots hold data")
	assert.NotErrorIs(t, err, utils.ErrAllSourcesFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, "timeout", failures[0].Kind)
}

func TestFallbackIssuedOnceWithoutRetry(t *testing.T) {
	src := &fakeSource{
		rangeFn:   func(context.Context, models.Query) ([]models.TimeSeries, error) { return nil, nil },
		instantFn: func(context.Context, models.Query) ([]models.TimeSeries, error) { return nil, nil },
	}
	f := New(staticResolver{src}, testConfig(), nil)
	results := f.Fetch(context.Background(), []models.Query{q("gone")}, 1, time.Second)

	require.NotNil(t, results[0].Err)
	assert.Equal(t, KindEmpty, results[0].Err.Kind)
	assert.True(t, errors.Is(results[0].Err, utils.ErrEmptySeries))
	assert.EqualValues(t, 1, src.rangeCalls.Load(), "empty result must not be retried")
	assert.EqualValues(t, 1, src.instantCalls.Load())
}

func TestFallbackOutageIsUnavailable(t *testing.T) {
	src := &fakeSource{
		rangeFn:   func(context.Context, models.Query) ([]models.TimeSeries, error) { return nil, nil },
		instantFn: func(context.Context, models.Query) ([]models.TimeSeries, error) {
			return nil, &datasource.StatusError{Backend: "fake", Code: 503}
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)
	results := f.Fetch(context.Background(), []models.Query{q("outage")}, 1, time.Second)

	require.NotNil(t, results[0].Err)
	assert.Equal(t, KindUnavailable, results[0].Err.Kind)
	assert.ErrorIs(t, results[0].Err, utils.ErrDataSourceUnavailable)
	assert.NotErrorIs(t, results[0].Err, utils.ErrEmptySeries)
	assert.EqualValues(t, 1, src.instantCalls.Load())
}

func TestTransientErrorsRetried(t *testing.T) {
	var calls atomic.Int32
	src := &fakeSource{
		rangeFn: func(_ context.Context, q models.Query) ([]models.TimeSeries, error) {
			if calls.Add(1) < 3 {
				return nil, &datasource.StatusError{Backend: "fake", Code: 503}
			}
			return series(q.ID, 2), nil
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)
	results := f.Fetch(context.Background(), []models.Query{q("flaky")}, 1, time.Second)
	require.True(t, results[0].OK())
	assert.Equal(t, 3, results[0].Attempts)
}

func TestPermanentErrorsNotRetried(t *testing.T) {
	src := &fakeSource{
		rangeFn: func(context.Context, models.Query) ([]models.TimeSeries, error) {
			return nil, &datasource.StatusError{Backend: "fake", Code: 400, Body: "bad query"}
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)
	results := f.Fetch(context.Background(), []models.Query{q("bad")}, 1, time.Second)
	require.NotNil(t, results[0].Err)
	assert.Equal(t, KindInvalid, results[0].Err.Kind)
	assert.Equal(t, 1, results[0].Err.Attempts)
	assert.EqualValues(t, 1, src.rangeCalls.Load())
}

func TestRetriesExhaustedIsUnavailable(t *testing.T) {
	src := &fakeSource{
		rangeFn: func(context.Context, models.Query) ([]models.TimeSeries, error) {
			return nil, &datasource.StatusError{Backend: "fake", Code: 502}
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)
	results := f.Fetch(context.Background(), []models.Query{q("down")}, 1, time.Second)
	require.NotNil(t, results[0].Err)
	assert.Equal(t, KindUnavailable, results[0].Err.Kind)
	assert.Equal(t, 3, results[0].Err.Attempts)
	assert.True(t, errors.Is(results[0].Err, utils.ErrDataSourceUnavailable))

	_, err := Summarize(results)
	assert.ErrorIs(t, err, utils.ErrAllSourcesFailed)
}

func TestLimitQueuesInsteadOfRejecting(t *testing.T) {
	var inFlight, peak atomic.Int32
	var mu sync.Mutex
	src := &fakeSource{
		rangeFn: func(_ context.Context, q models.Query) ([]models.TimeSeries, error) {
			n := inFlight.Add(1)
			mu.Lock()
			if n > peak.Load() {
				peak.Store(n)
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return series(q.ID, 1), nil
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)
	queries := []models.Query{q("a"), q("b"), q("c"), q("d"), q("e"), q("f")}
	results := f.Fetch(context.Background(), queries, 2, time.Second)
	for i, r := range results {
		require.True(t, r.OK(), "slot %d failed: %v", i, r.Err)
		assert.Equal(t, queries[i].ID, r.Query.ID, "slots keep input order")
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestLogQueriesUseLogCapability(t *testing.T) {
	src := &fakeSource{
		logsFn: func(context.Context, models.Query) ([]models.LogLine, error) {
			return []models.LogLine{{Time: t0, Line: "x"}}, nil
		},
	}
	f := New(staticResolver{src}, testConfig(), nil)
	lq := q("logs")
	lq.Signal = models.SignalLogs
	results := f.Fetch(context.Background(), []models.Query{lq}, 1, time.Second)
	require.True(t, results[0].OK())
	assert.Len(t, results[0].Logs, 1)
	assert.EqualValues(t, 0, src.rangeCalls.Load())
}

func TestSummarizeEmptyBatch(t *testing.T) {
	_, err := Summarize(nil)
	assert.ErrorIs(t, err, utils.ErrAllSourcesFailed)
}
