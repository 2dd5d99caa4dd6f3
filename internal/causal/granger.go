// Package causal infers lead/lag structure between signals that share
// evidence bundles and scores root-cause categories.
package causal

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// GrangerResult is the best lag found for one ordered pair.
type GrangerResult struct {
	Lag      int
	F        float64
	PValue   float64
	Strength float64
}

// Granger tests whether cause improves the autoregressive prediction of
// effect for lags 1..maxLag and keeps the lag with the highest strength.
// ok is false when the series are too short, constant, or unequal in length.
func Granger(cause, effect []float64, maxLag, minSamples int) (GrangerResult, bool) {
	n := len(effect)
	if len(cause) != n || maxLag < 1 || n < minSamples {
		return GrangerResult{}, false
	}
	var (
		best  GrangerResult
		found bool
	)
	for lag := 1; lag <= maxLag; lag++ {
		r, ok := grangerAtLag(cause, effect, lag)
		if !ok {
			continue
		}
		if !found || r.Strength > best.Strength {
			best, found = r, true
		}
	}
	return best, found
}

const rssFloor = 1e-12

func grangerAtLag(cause, effect []float64, lag int) (GrangerResult, bool) {
	rows := len(effect) - lag
	df := rows - 2*lag - 1
	if df <= 0 {
		return GrangerResult{}, false
	}
	y := mat.NewVecDense(rows, effect[lag:])

	restricted := mat.NewDense(rows, 1+lag, nil)
	unrestricted := mat.NewDense(rows, 1+2*lag, nil)
	for i := 0; i < rows; i++ {
		restricted.Set(i, 0, 1)
		unrestricted.Set(i, 0, 1)
		for l := 1; l <= lag; l++ {
			e := effect[lag+i-l]
			restricted.Set(i, l, e)
			unrestricted.Set(i, l, e)
			unrestricted.Set(i, lag+l, cause[lag+i-l])
		}
	}

	rssR, ok := residualSS(restricted, y)
	if !ok || rssR <= rssFloor {
		return GrangerResult{}, false
	}
	rssU, ok := residualSS(unrestricted, y)
	if !ok {
		return GrangerResult{}, false
	}
	if rssU > rssR {
		rssU = rssR
	}

	res := GrangerResult{Lag: lag}
	if rssU <= rssFloor {
		res.F, res.PValue = math.Inf(1), 0
	} else {
		res.F = ((rssR - rssU) / float64(lag)) / (rssU / float64(df))
		dist := distuv.F{D1: float64(lag), D2: float64(df)}
		res.PValue = 1 - dist.CDF(res.F)
	}
	res.Strength = clamp01((rssR - rssU) / rssR * (1 - res.PValue))
	return res, true
}

// residualSS fits y ~ X by least squares and returns the residual sum of
// squares. Near-singular designs are tolerated as long as the fit is finite.
func residualSS(x *mat.Dense, y *mat.VecDense) (float64, bool) {
	var beta mat.VecDense
	if err := beta.SolveVec(x, y); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return 0, false
		}
	}
	var fitted mat.VecDense
	fitted.MulVec(x, &beta)
	var rss float64
	for i := 0; i < y.Len(); i++ {
		d := y.AtVec(i) - fitted.AtVec(i)
		rss += d * d
	}
	if math.IsNaN(rss) || math.IsInf(rss, 0) {
		return 0, false
	}
	return rss, true
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
