package models

// BaselineSource records where a baseline's history came from.
type BaselineSource string

const (
	BaselineHistory BaselineSource = "history"
	BaselineSeed    BaselineSource = "seed"
	BaselineLeading BaselineSource = "leading_window"
)

// Baseline is the normal band of a series, recomputed per request.
type Baseline struct {
	SeriesID string         `json:"series_id"`
	Window   int            `json:"window"`
	Mean     float64        `json:"mean"`
	StdDev   float64        `json:"stddev"`
	K        float64        `json:"k"`
	BandLow  float64        `json:"band_low"`
	BandHigh float64        `json:"band_high"`
	Source   BaselineSource `json:"source,omitempty"`
}

// ZScore returns the standard score of v; zero variance yields 0 for v == mean.
func (b Baseline) ZScore(v float64) float64 {
	if b.StdDev == 0 {
		return 0
	}
	return (v - b.Mean) / b.StdDev
}

// Outside reports whether v lies outside [BandLow, BandHigh].
func (b Baseline) Outside(v float64) bool {
	return v < b.BandLow || v > b.BandHigh
}
