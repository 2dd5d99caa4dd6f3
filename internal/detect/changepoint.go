package detect

import (
	"math"
	"strconv"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

// magnitudeSpan is how many samples either side of a detection are averaged
// to measure the size of the shift.
const magnitudeSpan = 5

// CUSUMParams configures a two-sided cumulative-sum scan. Values are
// standardised as (v - Target) / Scale before accumulation.
type CUSUMParams struct {
	Target    float64
	Scale     float64
	Drift     float64
	Threshold float64
	// Reanchor moves Target to the post-shift level after each detection.
	Reanchor bool
	Bands    SeverityBands
}

// ParamsFromBaseline targets the baseline mean and scales by its σ.
func ParamsFromBaseline(b models.Baseline, cp config.ChangepointConfig, det config.DetectionConfig) CUSUMParams {
	return CUSUMParams{
		Target:    b.Mean,
		Scale:     b.StdDev,
		Drift:     cp.Drift,
		Threshold: cp.Threshold,
		Reanchor:  cp.Reanchor,
		Bands:     BandsFrom(det),
	}
}

// BandsFrom reads the severity cut-offs out of the detection config.
func BandsFrom(det config.DetectionConfig) SeverityBands {
	return SeverityBands{Medium: det.SeverityMedium, High: det.SeverityHigh, Critical: det.SeverityCritical}
}

// DetectChangepoints scans series with CUSUM. Both sums reset after every
// detection, so for a fixed prefix the first detection index never moves
// earlier as Threshold grows.
func DetectChangepoints(series models.TimeSeries, p CUSUMParams) ([]models.ChangepointEvent, error) {
	if p.Threshold <= 0 || p.Drift < 0 || math.IsNaN(p.Threshold) || math.IsNaN(p.Drift) {
		return nil, utils.InvalidConfig("detect.DetectChangepoints", "threshold %v must be > 0 and drift %v >= 0", p.Threshold, p.Drift)
	}
	scale := p.Scale
	if scale <= 0 || math.IsNaN(scale) {
		scale = 1
	}
	samples := make([]models.Sample, 0, len(series.Samples))
	for _, s := range series.Samples {
		if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
			samples = append(samples, s)
		}
	}

	var (
		out      []models.ChangepointEvent
		target   = p.Target
		pos, neg float64
	)
	for i, s := range samples {
		x := (s.Value - target) / scale
		pos = math.Max(0, pos+x-p.Drift)
		neg = math.Max(0, neg-x-p.Drift)
		if pos <= p.Threshold && neg <= p.Threshold {
			continue
		}

		dir, stat := models.DirectionUp, pos
		if neg > pos {
			dir, stat = models.DirectionDown, neg
		}
		before := target
		if i > 0 {
			before = meanValue(samples[max(0, i-magnitudeSpan):i])
		}
		after := meanValue(samples[i:min(len(samples), i+magnitudeSpan)])
		magnitude := math.Abs(after-before) / scale

		out = append(out, models.ChangepointEvent{
			ID:        models.EventID(models.KindChangepoint, series.ID, s.Time, strconv.Itoa(i)),
			SeriesID:  series.ID,
			Signal:    series.Signal,
			Timestamp: s.Time,
			Index:     i,
			Direction: dir,
			Magnitude: magnitude,
			Statistic: stat,
			Severity:  p.Bands.Classify(magnitude),
		})
		pos, neg = 0, 0
		if p.Reanchor {
			target = after
		}
	}
	return out, nil
}

func meanValue(samples []models.Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.Value
	}
	return sum / float64(len(samples))
}
