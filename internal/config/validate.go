package config

import (
	"strings"

	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

var knownKinds = map[string]struct{}{
	"mimir":           {},
	"victoriametrics": {},
	"loki":            {},
	"tempo":           {},
	"core":            {},
}

// Validate rejects configurations the pipeline cannot run with. Every error
// wraps utils.ErrInvalidConfiguration.
func (c *Config) Validate() error {
	const op = "config.Validate"

	seen := make(map[string]struct{}, len(c.DataSources))
	for _, ds := range c.DataSources {
		if ds.Name == "" {
			return utils.InvalidConfig(op, "data source without name")
		}
		if _, dup := seen[ds.Name]; dup {
			return utils.InvalidConfig(op, "duplicate data source %q", ds.Name)
		}
		seen[ds.Name] = struct{}{}
		if _, ok := knownKinds[strings.ToLower(ds.Kind)]; !ok {
			return utils.InvalidConfig(op, "data source %q has unknown kind %q", ds.Name, ds.Kind)
		}
		for _, s := range ds.Signals {
			if !models.SignalType(s).Valid() {
				return utils.InvalidConfig(op, "data source %q lists unknown signal %q", ds.Name, s)
			}
		}
	}

	if c.Fetch.Concurrency <= 0 || c.Fetch.PoolSize <= 0 {
		return utils.InvalidConfig(op, "fetch concurrency and pool size must be positive")
	}
	if c.Fetch.Timeout <= 0 || c.Fetch.MaxAttempts <= 0 {
		return utils.InvalidConfig(op, "fetch timeout and max attempts must be positive")
	}
	if c.Fetch.Multiplier < 1 {
		return utils.InvalidConfig(op, "fetch backoff multiplier must be >= 1")
	}
	if c.Analysis.Step <= 0 || c.Analysis.RequestTimeout <= 0 || c.Analysis.Lookback < 0 {
		return utils.InvalidConfig(op, "analysis step and request timeout must be positive")
	}
	if err := c.validateDetection(op); err != nil {
		return err
	}
	if c.Changepoint.Drift < 0 || c.Changepoint.Threshold <= 0 {
		return utils.InvalidConfig(op, "changepoint drift must be >= 0 and threshold > 0")
	}
	if c.Correlation.Window <= 0 || c.Correlation.SeverityScale <= 0 {
		return utils.InvalidConfig(op, "correlation window and severity scale must be positive")
	}
	if !unit(c.Correlation.TypeWeight) || !unit(c.Correlation.SeverityWeight) {
		return utils.InvalidConfig(op, "correlation weights must lie in [0,1]")
	}
	if c.Causal.MaxLag <= 0 || c.Causal.MinSamples <= c.Causal.MaxLag || c.Causal.MaxSignals <= 0 {
		return utils.InvalidConfig(op, "causal max lag, min samples and max signals must be positive with minSamples > maxLag")
	}
	if !unit(c.Causal.PThreshold) || !unit(c.Causal.MinStrength) || !unit(c.Causal.RootThreshold) {
		return utils.InvalidConfig(op, "causal thresholds must lie in [0,1]")
	}
	if err := c.validateBayesian(op); err != nil {
		return err
	}
	if c.Ranking.EvidenceWeight < 0 || c.Ranking.CausalWeight < 0 || c.Ranking.TopologyWeight < 0 {
		return utils.InvalidConfig(op, "ranking weights must be non-negative")
	}
	for k, w := range c.Weights.Defaults {
		if !models.SignalType(k).Valid() || !unit(w) {
			return utils.InvalidConfig(op, "default weight %q=%v invalid", k, w)
		}
	}
	if c.Weights.Alpha <= 0 || c.Weights.Alpha > 1 {
		return utils.InvalidConfig(op, "weights alpha must lie in (0,1]")
	}
	if c.Logs.BurstWindow <= 0 || c.Logs.RatioMedium <= 0 ||
		c.Logs.RatioHigh < c.Logs.RatioMedium || c.Logs.RatioCritical < c.Logs.RatioHigh {
		return utils.InvalidConfig(op, "log burst window and ascending ratio thresholds required")
	}
	if c.Logs.MaxPatterns < 0 {
		return utils.InvalidConfig(op, "logs maxPatterns must not be negative")
	}
	if c.Traces.ApdexT <= 0 {
		return utils.InvalidConfig(op, "trace apdex T must be positive")
	}
	if c.Traces.ErrorSource < 0 || c.Traces.ErrorSource > 1 {
		return utils.InvalidConfig(op, "trace errorSource must lie in [0,1]")
	}
	return nil
}

func (c *Config) validateDetection(op string) error {
	d := c.Detection
	if d.BaselineWindow < 2 || d.MinSamples < 2 {
		return utils.InvalidConfig(op, "baseline window and min samples must be >= 2")
	}
	if d.BandK <= 0 || d.ZThreshold <= 0 {
		return utils.InvalidConfig(op, "band k and z threshold must be positive")
	}
	if !(d.SeverityMedium > 0 && d.SeverityHigh >= d.SeverityMedium && d.SeverityCritical >= d.SeverityHigh) {
		return utils.InvalidConfig(op, "severity bands must be positive and ascending")
	}
	if d.MaxGapSteps < 0 || d.RevertSteps <= 0 || d.ChangepointTolerance < 0 {
		return utils.InvalidConfig(op, "gap, revert and tolerance steps must be non-negative")
	}
	if d.ZeroVarianceScore <= 0 || d.MaxParallelSeries <= 0 {
		return utils.InvalidConfig(op, "zero variance score and series parallelism must be positive")
	}
	return nil
}

func (c *Config) validateBayesian(op string) error {
	if len(c.Bayesian.Priors) == 0 {
		return utils.InvalidConfig(op, "bayesian priors required")
	}
	total := 0.0
	for cat, p := range c.Bayesian.Priors {
		if !unit(p) {
			return utils.InvalidConfig(op, "prior %q=%v outside [0,1]", cat, p)
		}
		total += p
	}
	if total <= 0 {
		return utils.InvalidConfig(op, "bayesian priors sum to zero")
	}
	for cat, row := range c.Bayesian.Likelihoods {
		for feat, p := range row {
			if !unit(p) {
				return utils.InvalidConfig(op, "likelihood %s/%s=%v outside [0,1]", cat, feat, p)
			}
		}
	}
	return nil
}

// WithOverrides returns a copy with request-scoped threshold overrides applied
// and re-validated.
func (c Config) WithOverrides(o *models.ThresholdOverrides) (Config, error) {
	if o == nil {
		return c, nil
	}
	out := c
	if o.ZThreshold != nil {
		out.Detection.ZThreshold = *o.ZThreshold
	}
	if o.BandK != nil {
		out.Detection.BandK = *o.BandK
	}
	if o.CUSUMDrift != nil {
		out.Changepoint.Drift = *o.CUSUMDrift
	}
	if o.CUSUMThreshold != nil {
		out.Changepoint.Threshold = *o.CUSUMThreshold
	}
	if o.CorrelationWindow != nil {
		out.Correlation.Window = *o.CorrelationWindow
	}
	if o.MinCausalStrength != nil {
		out.Causal.MinStrength = *o.MinCausalStrength
	}
	if err := out.Validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultWeights converts the configured defaults into a snapshot.
func (c Config) DefaultWeights() models.SignalWeights {
	out := make(models.SignalWeights, len(c.Weights.Defaults))
	for k, v := range c.Weights.Defaults {
		out[models.SignalType(k)] = v
	}
	return out
}

func unit(v float64) bool {
	return v >= 0 && v <= 1
}
