package detect

import (
	"math"
	"sort"
	"time"

	"github.com/observantio/becertain/internal/models"
)

// Segment is a half-open index range [Start, End) of gap-free samples.
type Segment struct {
	Start int
	End   int
}

// Len is the number of samples in the segment.
func (s Segment) Len() int { return s.End - s.Start }

// Normalized is a series on a regular step with short gaps interpolated.
// Detection never crosses a segment boundary.
type Normalized struct {
	Samples       []models.Sample
	Segments      []Segment
	Step          time.Duration
	Filled        int
	Discontinuous bool
}

// Normalize fills gaps of at most maxGapSteps missing points linearly and
// splits the series at longer gaps. Non-finite values count as missing.
func Normalize(series models.TimeSeries, maxGapSteps int) Normalized {
	samples := make([]models.Sample, 0, len(series.Samples))
	for _, s := range series.Samples {
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		samples = append(samples, s)
	}
	step := series.Step
	if step <= 0 {
		step = inferStep(samples)
	}
	out := Normalized{Step: step}
	if len(samples) == 0 {
		return out
	}

	out.Samples = append(out.Samples, samples[0])
	segStart := 0
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]
		missing := 0
		if step > 0 {
			missing = int(math.Round(float64(cur.Time.Sub(prev.Time))/float64(step))) - 1
		}
		switch {
		case missing <= 0:
		case missing <= maxGapSteps:
			for m := 1; m <= missing; m++ {
				frac := float64(m) / float64(missing+1)
				out.Samples = append(out.Samples, models.Sample{
					Time:  prev.Time.Add(time.Duration(m) * step),
					Value: prev.Value + frac*(cur.Value-prev.Value),
				})
			}
			out.Filled += missing
		default:
			out.Segments = append(out.Segments, Segment{Start: segStart, End: len(out.Samples)})
			segStart = len(out.Samples)
			out.Discontinuous = true
		}
		out.Samples = append(out.Samples, cur)
	}
	out.Segments = append(out.Segments, Segment{Start: segStart, End: len(out.Samples)})
	return out
}

// inferStep uses the median spacing when the series carries no step.
func inferStep(samples []models.Sample) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	diffs := make([]time.Duration, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		if d := samples[i].Time.Sub(samples[i-1].Time); d > 0 {
			diffs = append(diffs, d)
		}
	}
	if len(diffs) == 0 {
		return 0
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i] < diffs[j] })
	return diffs[len(diffs)/2]
}
