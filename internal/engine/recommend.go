package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// RuleEngine attaches operator actions to hypotheses from a YAML rule pack.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single recommendation rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields
// match anything.
type RuleMatch struct {
	Category       string   `yaml:"category"`
	Signal         string   `yaml:"signal"`
	Service        string   `yaml:"service"`
	MinSeverity    string   `yaml:"min_severity"`
	SignalContains []string `yaml:"signal_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// RuleInput is what a rule is matched against.
type RuleInput struct {
	Hypothesis models.Hypothesis
	Service    string
	Severity   models.Severity
}

// NewRuleEngine loads rules from path. An empty or missing path yields the
// built-in category rules.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &RuleEngine{rules: defaultRules(), logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("rule pack not found, using built-in rules", slog.String("path", path))
			return &RuleEngine{rules: defaultRules(), logger: logger}, nil
		}
		return nil, fmt.Errorf("read rule pack: %w", err)
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse rule pack %s: %w", path, err)
	}
	logger.Debug("rule pack loaded", slog.String("path", path), slog.Int("rules", len(cfg.Rules)))
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the actions of every matching rule, deduplicated in rule
// order, with {{service}} expanded. No match yields a generic action.
func (e *RuleEngine) Recommend(in RuleInput) []string {
	if e == nil {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		m := rule.Match
		if m.Category != "" && !strings.EqualFold(m.Category, in.Hypothesis.Category) {
			continue
		}
		if m.Signal != "" && !strings.EqualFold(m.Signal, string(in.Hypothesis.Signal)) {
			continue
		}
		if m.Service != "" && !strings.EqualFold(m.Service, in.Service) {
			continue
		}
		if m.MinSeverity != "" && in.Severity.Rank() < models.ParseSeverity(m.MinSeverity).Rank() {
			continue
		}
		if len(m.SignalContains) > 0 && !containsAny(in.Hypothesis.RootSignal, m.SignalContains) {
			continue
		}
		for _, rec := range rule.Recommendations {
			matched = appendUnique(matched, expand(rec, in.Service))
		}
	}
	if len(matched) == 0 {
		return defaultRecommendations()
	}
	return matched
}

func expand(rec, service string) string {
	if service == "" {
		service = "the affected service"
	}
	return strings.ReplaceAll(rec, "{{service}}", service)
}

func containsAny(value string, keywords []string) bool {
	value = strings.ToLower(value)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(value, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}

func defaultRecommendations() []string {
	return []string{"Review correlated signals and recent changes."}
}

func defaultRules() []Rule {
	byCategory := map[string]string{
		config.CategoryDeployment:         "Roll back the most recent deployment of {{service}}.",
		config.CategoryResourceExhaustion: "Check resource limits; scale horizontally or raise quotas.",
		config.CategoryDependencyFailure:  "Inspect downstream dependencies and circuit breakers.",
		config.CategoryTrafficSurge:       "Verify rate limits, autoscaling triggers and caching.",
		config.CategoryErrorPropagation:   "Isolate {{service}} and check its recent changes.",
		config.CategorySLOBurn:            "Start incident response; the error budget is burning.",
	}
	order := []string{
		config.CategoryDeployment,
		config.CategoryResourceExhaustion,
		config.CategoryDependencyFailure,
		config.CategoryTrafficSurge,
		config.CategoryErrorPropagation,
		config.CategorySLOBurn,
	}
	rules := make([]Rule, 0, len(order))
	for _, c := range order {
		rules = append(rules, Rule{ID: c, Match: RuleMatch{Category: c}, Recommendations: []string{byCategory[c]}})
	}
	return rules
}
