package detect

import (
	"math"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// Detection is the anomaly output for one series.
type Detection struct {
	Events []models.AnomalyEvent
	// Discontinuous is set when a gap longer than MaxGapSteps split the series.
	Discontinuous bool
	Filled        int
}

// Detector flags intervals where a series leaves its baseline band.
type Detector struct {
	cfg   config.DetectionConfig
	bands SeverityBands
}

// NewDetector returns a Detector using the detection section of the config.
func NewDetector(cfg config.DetectionConfig) *Detector {
	if cfg.ZeroVarianceScore <= 0 {
		cfg.ZeroVarianceScore = 10
	}
	if cfg.RevertSteps <= 0 {
		cfg.RevertSteps = 3
	}
	return &Detector{cfg: cfg, bands: BandsFrom(cfg)}
}

// Detect returns the anomaly events of series against baseline.
func (d *Detector) Detect(series models.TimeSeries, baseline models.Baseline, changepoints []models.ChangepointEvent) ([]models.AnomalyEvent, error) {
	res, err := d.Analyze(series, baseline, changepoints)
	return res.Events, err
}

// run is a maximal stretch of consecutive candidate points in one segment.
type run struct {
	seg        Segment
	start, end int // inclusive indices into Normalized.Samples
	peak       float64
	flips      int
	oscillates bool
}

func (r run) len() int { return r.end - r.start + 1 }

func (r run) sign() float64 {
	if r.peak < 0 {
		return -1
	}
	return 1
}

// Analyze is Detect plus the normalisation facts the report annotates.
func (d *Detector) Analyze(series models.TimeSeries, baseline models.Baseline, changepoints []models.ChangepointEvent) (Detection, error) {
	norm := Normalize(series, d.cfg.MaxGapSteps)
	out := Detection{Discontinuous: norm.Discontinuous, Filled: norm.Filled}
	if need := max(1, d.cfg.MinSamples); len(norm.Samples) < need {
		return out, &InsufficientHistoryError{SeriesID: series.ID, Available: len(norm.Samples), Required: need}
	}

	var runs []run
	for _, seg := range norm.Segments {
		runs = append(runs, d.scan(norm.Samples, seg, baseline)...)
	}
	d.markAlternating(runs)

	for _, r := range runs {
		start := norm.Samples[r.start].Time
		out.Events = append(out.Events, models.AnomalyEvent{
			ID:         models.EventID(models.KindAnomaly, series.ID, start, ""),
			SeriesID:   series.ID,
			Signal:     series.Signal,
			Interval:   models.Interval{Start: start, End: norm.Samples[r.end].Time},
			Severity:   d.bands.Classify(r.peak),
			ChangeType: d.classify(r, start, norm.Step, changepoints),
			Score:      r.peak,
		})
	}
	return out, nil
}

// score returns the signed deviation in σ units and whether v is a candidate.
func (d *Detector) score(v float64, b models.Baseline) (float64, bool) {
	dev := v - b.Mean
	if b.StdDev == 0 {
		if dev == 0 {
			return 0, false
		}
		return math.Copysign(d.cfg.ZeroVarianceScore, dev), true
	}
	z := b.ZScore(v)
	return z, b.Outside(v) && math.Abs(z) >= d.cfg.ZThreshold
}

func (d *Detector) scan(samples []models.Sample, seg Segment, b models.Baseline) []run {
	var (
		runs []run
		cur  *run
		last float64
	)
	for i := seg.Start; i < seg.End; i++ {
		z, ok := d.score(samples[i].Value, b)
		if !ok {
			if cur != nil {
				runs = append(runs, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &run{seg: seg, start: i, end: i, peak: z}
			last = z
			continue
		}
		if (z < 0) != (last < 0) {
			cur.flips++
		}
		cur.end = i
		if math.Abs(z) > math.Abs(cur.peak) {
			cur.peak = z
		}
		last = z
	}
	if cur != nil {
		runs = append(runs, *cur)
	}
	return runs
}

// markAlternating flags chains of three or more short excursions of
// alternating sign that follow each other within RevertSteps.
func (d *Detector) markAlternating(runs []run) {
	k := d.cfg.RevertSteps
	for i := 0; i < len(runs); {
		j := i
		for j+1 < len(runs) {
			prev, next := runs[j], runs[j+1]
			if next.seg != prev.seg || prev.len() > k || next.len() > k ||
				next.start-prev.end > k || next.sign() == prev.sign() {
				break
			}
			j++
		}
		if j-i+1 >= 3 {
			for m := i; m <= j; m++ {
				runs[m].oscillates = true
			}
		}
		i = j + 1
	}
}

func (d *Detector) classify(r run, start time.Time, step time.Duration, changepoints []models.ChangepointEvent) models.ChangeType {
	directional := models.ChangeSpike
	if r.sign() < 0 {
		directional = models.ChangeDrop
	}
	switch {
	case r.flips >= 2 || r.oscillates:
		return models.ChangeOscillation
	case r.len() <= d.cfg.RevertSteps && r.end+1 < r.seg.End:
		return directional
	}
	tol := time.Duration(d.cfg.ChangepointTolerance) * step
	for _, cp := range changepoints {
		delta := cp.Timestamp.Sub(start)
		if delta < 0 {
			delta = -delta
		}
		if delta <= tol {
			return models.ChangeSustainedShift
		}
	}
	return directional
}
