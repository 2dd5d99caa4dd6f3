// Package detect holds the per-series statistics: baseline bands, anomaly
// intervals and CUSUM changepoints. Everything here is pure and CPU-bound.
package detect

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

// InsufficientHistoryError reports a series too short to baseline or scan.
type InsufficientHistoryError struct {
	SeriesID  string
	Available int
	Required  int
}

func (e *InsufficientHistoryError) Error() string {
	return fmt.Sprintf("series %s: insufficient history (%d of %d samples)", e.SeriesID, e.Available, e.Required)
}

// Is lets callers match utils.ErrInsufficientHistory.
func (e *InsufficientHistoryError) Is(target error) bool {
	return target == utils.ErrInsufficientHistory
}

// ComputeBaseline derives mean ± k·σ (population σ) from the trailing window
// samples of history. A flat window collapses the band to [mean, mean].
func ComputeBaseline(history models.TimeSeries, window int, k float64) (models.Baseline, error) {
	if window < 1 || k <= 0 || math.IsNaN(k) {
		return models.Baseline{}, utils.InvalidConfig("detect.ComputeBaseline", "window %d and k %v must be positive", window, k)
	}
	values := finiteValues(history.Samples)
	if len(values) < window {
		return models.Baseline{}, &InsufficientHistoryError{SeriesID: history.ID, Available: len(values), Required: window}
	}
	values = values[len(values)-window:]

	mean, std := stat.PopMeanStdDev(values, nil)
	if std < 1e-12*math.Max(1, math.Abs(mean)) {
		std = 0
	}
	return models.Baseline{
		SeriesID: history.ID,
		Window:   window,
		Mean:     mean,
		StdDev:   std,
		K:        k,
		BandLow:  mean - k*std,
		BandHigh: mean + k*std,
	}, nil
}

func finiteValues(samples []models.Sample) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		out = append(out, s.Value)
	}
	return out
}

// SeverityBands maps an absolute score in σ units onto a severity.
type SeverityBands struct {
	Medium   float64
	High     float64
	Critical float64
}

// DefaultSeverityBands are 3σ, 4σ and 6σ.
var DefaultSeverityBands = SeverityBands{Medium: 3, High: 4, Critical: 6}

// Classify returns the severity for |score|.
func (b SeverityBands) Classify(score float64) models.Severity {
	if b.Critical <= 0 {
		b = DefaultSeverityBands
	}
	s := math.Abs(score)
	switch {
	case s >= b.Critical:
		return models.SeverityCritical
	case s >= b.High:
		return models.SeverityHigh
	case s >= b.Medium:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}
