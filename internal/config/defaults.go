package config

import "time"

// Bayesian categories and evidence features. The causal engine reads the
// tables by these keys.
const (
	CategoryDeployment         = "deployment"
	CategoryResourceExhaustion = "resource_exhaustion"
	CategoryDependencyFailure  = "dependency_failure"
	CategoryTrafficSurge       = "traffic_surge"
	CategoryErrorPropagation   = "error_propagation"
	CategorySLOBurn            = "slo_burn"
	CategoryUnknown            = "unknown"

	FeatureDeploymentEvent  = "deployment_event"
	FeatureMetricSpike      = "metric_spike"
	FeatureLogBurst         = "log_burst"
	FeatureLatencySpike     = "latency_spike"
	FeatureErrorPropagation = "error_propagation"
	FeatureSustainedShift   = "sustained_shift"
	FeatureUpstreamAnomaly  = "upstream_anomaly"
)

// Default returns the documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":50051",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			MaxMessageBytes: 16 << 20,
		},
		DataSources: []DataSourceConfig{
			{Name: "mimir", Kind: "mimir", URL: "http://localhost:9009/prometheus", Timeout: 30 * time.Second},
			{Name: "loki", Kind: "loki", URL: "http://localhost:3100", Timeout: 30 * time.Second},
			{Name: "tempo", Kind: "tempo", URL: "http://localhost:3200", Timeout: 30 * time.Second},
		},
		Analysis: AnalysisConfig{
			Step:           15 * time.Second,
			Lookback:       30 * time.Minute,
			RequestTimeout: 60 * time.Second,
			Queries:        defaultQueries(),
		},
		Fetch: FetchConfig{
			Concurrency:    8,
			PoolSize:       32,
			Timeout:        30 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: time.Second,
			Multiplier:     2.0,
			MaxBackoff:     8 * time.Second,
		},
		Detection: DetectionConfig{
			BaselineWindow:       30,
			MinSamples:           8,
			BandK:                2.0,
			ZThreshold:           2.0,
			SeverityMedium:       3.0,
			SeverityHigh:         4.0,
			SeverityCritical:     6.0,
			MaxGapSteps:          3,
			RevertSteps:          5,
			ChangepointTolerance: 3,
			ZeroVarianceScore:    10,
			MaxParallelSeries:    8,
		},
		Changepoint: ChangepointConfig{
			Drift:     0.5,
			Threshold: 5.0,
			Reanchor:  true,
		},
		Correlation: CorrelationConfig{
			Window:         60 * time.Second,
			TypeWeight:     0.5,
			SeverityWeight: 0.5,
			SeverityScale:  8,
		},
		Causal: CausalConfig{
			MaxLag:        3,
			PThreshold:    0.05,
			MinStrength:   0.1,
			RootThreshold: 0.1,
			MinSamples:    13,
			MaxSignals:    20,
		},
		Bayesian: BayesianConfig{
			Priors:      defaultPriors(),
			Likelihoods: defaultLikelihoods(),
		},
		Ranking: RankingConfig{
			EvidenceWeight: 1.0,
			CausalWeight:   0.5,
			TopologyWeight: 0.1,
		},
		Weights: WeightsConfig{
			Defaults:    map[string]float64{"metrics": 0.30, "logs": 0.35, "traces": 0.35},
			Alpha:       0.2,
			SnapshotTTL: 30 * time.Second,
		},
		Logs: LogsConfig{
			BurstWindow:   10 * time.Second,
			RatioMedium:   2.5,
			RatioHigh:     5,
			RatioCritical: 10,
			MaxPatterns:   100,
		},
		Traces: TracesConfig{
			ApdexT:         500 * time.Millisecond,
			P99MediumMs:    500,
			P99HighMs:      2000,
			P99CriticalMs:  5000,
			ErrorMedium:    0.02,
			ErrorHigh:      0.10,
			ErrorCritical:  0.25,
			ErrorSource:    0.05,
			ApdexPoor:      0.5,
			ApdexMarginal:  0.7,
			MinSpanSamples: 1,
		},
		Events:   EventsConfig{Window: 5 * time.Minute},
		Topology: TopologyConfig{Enabled: true, MaxDepth: 6},
		Weaviate: WeaviateConfig{Timeout: 5 * time.Second, ReportTTL: 2 * time.Minute},
		Logging:  LoggingConfig{Level: "info", JSON: false},
		Rules:    RulesConfig{Path: "configs/rules/default.yaml"},
		Cache: CacheConfig{
			Enabled:         false,
			DialTimeout:     2 * time.Second,
			ReadTimeout:     500 * time.Millisecond,
			WriteTimeout:    500 * time.Millisecond,
			MaxRetries:      2,
			MemorySize:      4096,
			MemoryTTL:       10 * time.Minute,
			BaselineTTL:     24 * time.Hour,
			WeightsTTL:      0,
			ServiceGraphTTL: 5 * time.Minute,
		},
		Tracing: TracingConfig{SampleRatio: 1.0},
	}
}

func defaultQueries() QueriesConfig {
	return QueriesConfig{
		Metrics: []QueryTemplate{
			{Name: "request_rate", Expr: `sum(rate(http_requests_total{service="{{service}}"}[1m]))`},
			{Name: "error_rate", Expr: `sum(rate(http_requests_total{service="{{service}}",code=~"5.."}[1m]))`},
			{Name: "latency_p99", Expr: `histogram_quantile(0.99, sum(rate(http_request_duration_seconds_bucket{service="{{service}}"}[5m])) by (le))`},
			{Name: "cpu_usage", Expr: `sum(rate(container_cpu_usage_seconds_total{container="{{service}}"}[1m]))`},
			{Name: "memory_working_set", Expr: `sum(container_memory_working_set_bytes{container="{{service}}"})`},
		},
		Logs: []QueryTemplate{
			{Name: "logs", Expr: `{service="{{service}}"}`},
		},
		Traces: []QueryTemplate{
			{Name: "traces", Expr: `{resource.service.name="{{service}}"}`},
		},
	}
}

func defaultPriors() map[string]float64 {
	return map[string]float64{
		CategoryDeployment:         0.35,
		CategoryResourceExhaustion: 0.20,
		CategoryDependencyFailure:  0.20,
		CategoryTrafficSurge:       0.10,
		CategoryErrorPropagation:   0.10,
		CategorySLOBurn:            0.03,
		CategoryUnknown:            0.02,
	}
}

func defaultLikelihoods() map[string]map[string]float64 {
	row := func(deploy, spike, burst, latency, errProp, shift, upstream float64) map[string]float64 {
		return map[string]float64{
			FeatureDeploymentEvent:  deploy,
			FeatureMetricSpike:      spike,
			FeatureLogBurst:         burst,
			FeatureLatencySpike:     latency,
			FeatureErrorPropagation: errProp,
			FeatureSustainedShift:   shift,
			FeatureUpstreamAnomaly:  upstream,
		}
	}
	return map[string]map[string]float64{
		CategoryDeployment:         row(0.95, 0.70, 0.60, 0.50, 0.40, 0.80, 0.20),
		CategoryResourceExhaustion: row(0.15, 0.90, 0.50, 0.70, 0.30, 0.70, 0.20),
		CategoryDependencyFailure:  row(0.10, 0.50, 0.70, 0.95, 0.80, 0.40, 0.90),
		CategoryTrafficSurge:       row(0.05, 0.95, 0.60, 0.60, 0.20, 0.50, 0.30),
		CategoryErrorPropagation:   row(0.10, 0.60, 0.80, 0.85, 0.99, 0.30, 0.80),
		CategorySLOBurn:            row(0.20, 0.80, 0.50, 0.60, 0.50, 0.50, 0.40),
		CategoryUnknown:            row(0.05, 0.30, 0.30, 0.30, 0.10, 0.20, 0.20),
	}
}
