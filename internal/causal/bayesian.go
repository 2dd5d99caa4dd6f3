package causal

import (
	"sort"
	"strings"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// missingLikelihood is used for feature/category pairs absent from the table.
const missingLikelihood = 0.5

// Features is the set of evidence features observed for a hypothesis.
type Features map[string]bool

// Bayesian scores root-cause categories from priors and P(feature | category).
type Bayesian struct {
	priors      map[string]float64
	likelihoods map[string]map[string]float64
	categories  []string
}

// NewBayesian builds a scorer from configuration.
func NewBayesian(cfg config.BayesianConfig) *Bayesian {
	b := &Bayesian{priors: cfg.Priors, likelihoods: cfg.Likelihoods}
	for c := range cfg.Priors {
		b.categories = append(b.categories, c)
	}
	sort.Strings(b.categories)
	return b
}

// allFeatures is the fixed evidence vocabulary; absent features still count.
var allFeatures = []string{
	config.FeatureDeploymentEvent,
	config.FeatureMetricSpike,
	config.FeatureLogBurst,
	config.FeatureLatencySpike,
	config.FeatureErrorPropagation,
	config.FeatureSustainedShift,
	config.FeatureUpstreamAnomaly,
}

// Posterior returns P(category | features), ordered by probability
// descending then category name. If every category scores zero the
// normalised priors are returned.
func (b *Bayesian) Posterior(f Features) []models.CategoryPosterior {
	raw := make([]float64, len(b.categories))
	var total, priorTotal float64
	for i, c := range b.categories {
		p := b.priors[c]
		priorTotal += p
		table := b.likelihoods[c]
		for _, feat := range allFeatures {
			l, ok := table[feat]
			if !ok {
				l = missingLikelihood
			}
			if f[feat] {
				p *= l
			} else {
				p *= 1 - l
			}
		}
		raw[i] = p
		total += p
	}

	out := make([]models.CategoryPosterior, len(b.categories))
	for i, c := range b.categories {
		var prob float64
		switch {
		case total > 0:
			prob = raw[i] / total
		case priorTotal > 0:
			prob = b.priors[c] / priorTotal
		}
		out[i] = models.CategoryPosterior{Category: c, Probability: prob}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Hints is context from outside the telemetry.
type Hints struct {
	Deployments     []models.DeploymentEvent
	UpstreamAnomaly bool
}

// ExtractFeatures derives evidence features from events and hints. Error
// propagation comes from span status only: a propagation event, or failing
// spans on two or more operations.
func ExtractFeatures(events []models.EventRef, hints Hints) Features {
	f := Features{
		config.FeatureDeploymentEvent: len(hints.Deployments) > 0,
		config.FeatureUpstreamAnomaly: hints.UpstreamAnomaly,
	}
	failingOps := map[string]struct{}{}
	for _, ev := range events {
		switch ev.Kind {
		case models.KindLogBurst, models.KindLogPattern:
			f[config.FeatureLogBurst] = true
		case models.KindErrorPropagation:
			f[config.FeatureErrorPropagation] = true
		case models.KindTraceDegradation:
			if ev.LatencyP99Ms > 0 {
				f[config.FeatureLatencySpike] = true
			}
			if ev.ErrorRate > 0 {
				failingOps[ev.SignalID] = struct{}{}
			}
		case models.KindAnomaly, models.KindChangepoint:
			if ev.Signal == models.SignalMetrics {
				f[config.FeatureMetricSpike] = true
			}
			name := strings.ToLower(ev.SignalID)
			if strings.Contains(name, "latency") || strings.Contains(name, "duration") {
				f[config.FeatureLatencySpike] = true
			}
		}
		if ev.ChangeType == models.ChangeSustainedShift {
			f[config.FeatureSustainedShift] = true
		}
	}
	if len(failingOps) >= 2 {
		f[config.FeatureErrorPropagation] = true
	}
	return f
}
