// Package extractors turns fetched telemetry into evidence events: anomaly and
// changepoint events for metric series, bursts for logs, and degradations for
// trace spans.
package extractors

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/detect"
	"github.com/observantio/becertain/internal/models"
)

// Seeder supplies a stored baseline when a series has no usable history.
type Seeder interface {
	Seed(ctx context.Context, tenant, seriesID string) (models.Baseline, bool, error)
}

// SeriesResult is the detection output for one series.
type SeriesResult struct {
	Series        models.TimeSeries
	Baseline      models.Baseline
	HasBaseline   bool
	Anomalies     []models.AnomalyEvent
	Changepoints  []models.ChangepointEvent
	Discontinuous bool
	Err           error
}

// MetricExtractor runs baseline, CUSUM and anomaly detection over many series
// in parallel. Work within a single series is sequential.
type MetricExtractor struct {
	det      config.DetectionConfig
	cp       config.ChangepointConfig
	detector *detect.Detector
	seeds    Seeder
	logger   *slog.Logger
}

// NewMetricExtractor creates a metrics anomaly detector. seeds may be nil.
func NewMetricExtractor(det config.DetectionConfig, cp config.ChangepointConfig, seeds Seeder, logger *slog.Logger) *MetricExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetricExtractor{det: det, cp: cp, detector: detect.NewDetector(det), seeds: seeds, logger: logger}
}

// Extract processes every series and returns results sorted by series id.
// Samples before start are baseline history; the rest is analysed.
func (e *MetricExtractor) Extract(ctx context.Context, tenant string, series []models.TimeSeries, start time.Time) []SeriesResult {
	results := make([]SeriesResult, len(series))
	var g errgroup.Group
	if e.det.MaxParallelSeries > 0 {
		g.SetLimit(e.det.MaxParallelSeries)
	}
	for i, s := range series {
		i, s := i, s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = SeriesResult{Series: s, Err: err}
				return nil
			}
			results[i] = e.extractOne(ctx, tenant, s, start)
			return nil
		})
	}
	_ = g.Wait()

	sort.SliceStable(results, func(i, j int) bool { return results[i].Series.ID < results[j].Series.ID })
	return results
}

func (e *MetricExtractor) extractOne(ctx context.Context, tenant string, s models.TimeSeries, start time.Time) SeriesResult {
	history, current := s.Split(start)
	res := SeriesResult{Series: current}

	baseline, err := e.baseline(ctx, tenant, history, current)
	if err != nil {
		res.Err = err
		e.logger.Debug("series skipped", slog.String("series", s.ID), slog.Any("error", err))
		return res
	}
	res.Baseline, res.HasBaseline = baseline, true

	cps, err := detect.DetectChangepoints(current, detect.ParamsFromBaseline(baseline, e.cp, e.det))
	if err != nil {
		res.Err = err
		return res
	}
	res.Changepoints = cps

	det, err := e.detector.Analyze(current, baseline, cps)
	res.Anomalies, res.Discontinuous = det.Events, det.Discontinuous
	if err != nil {
		res.Err = err
	}
	return res
}

// baseline resolves history in order: pre-window samples, a stored seed, then
// the leading window of the analysed series.
func (e *MetricExtractor) baseline(ctx context.Context, tenant string, history, current models.TimeSeries) (models.Baseline, error) {
	minSamples := max(1, e.det.MinSamples)
	if n := len(history.Samples); n >= minSamples {
		b, err := detect.ComputeBaseline(history, min(e.det.BaselineWindow, n), e.det.BandK)
		if err == nil {
			b.Source = models.BaselineHistory
			return b, nil
		}
	}
	if e.seeds != nil {
		b, ok, err := e.seeds.Seed(ctx, tenant, current.ID)
		if err != nil {
			e.logger.Warn("baseline seed lookup failed", slog.String("series", current.ID), slog.Any("error", err))
		}
		if ok {
			b.Source = models.BaselineSeed
			return b, nil
		}
	}
	window := e.det.BaselineWindow
	if current.Len() > window {
		b, err := detect.ComputeBaseline(current.Head(window), window, e.det.BandK)
		if err == nil {
			b.Source = models.BaselineLeading
		}
		return b, err
	}
	return models.Baseline{}, &detect.InsufficientHistoryError{SeriesID: current.ID, Available: current.Len() + history.Len(), Required: window}
}
