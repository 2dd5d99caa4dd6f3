package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting of the analysis service.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	DataSources []DataSourceConfig `yaml:"dataSources"`
	Analysis    AnalysisConfig     `yaml:"analysis"`
	Fetch       FetchConfig        `yaml:"fetch"`
	Detection   DetectionConfig    `yaml:"detection"`
	Changepoint ChangepointConfig  `yaml:"changepoint"`
	Correlation CorrelationConfig  `yaml:"correlation"`
	Causal      CausalConfig       `yaml:"causal"`
	Bayesian    BayesianConfig     `yaml:"bayesian"`
	Ranking     RankingConfig      `yaml:"ranking"`
	Weights     WeightsConfig      `yaml:"weights"`
	Logs        LogsConfig         `yaml:"logs"`
	Traces      TracesConfig       `yaml:"traces"`
	Events      EventsConfig       `yaml:"events"`
	Topology    TopologyConfig     `yaml:"topology"`
	Weaviate    WeaviateConfig     `yaml:"weaviate"`
	Logging     LoggingConfig      `yaml:"logging"`
	Rules       RulesConfig        `yaml:"rules"`
	Cache       CacheConfig        `yaml:"cache"`
	Tracing     TracingConfig      `yaml:"tracing"`
}

// ServerConfig controls gRPC listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	// MaxMessageBytes caps request and response sizes; 0 keeps the gRPC default.
	MaxMessageBytes int           `yaml:"maxMessageBytes"`
}

// DataSourceConfig declares one telemetry backend. Kind selects the variant.
type DataSourceConfig struct {
	Name    string            `yaml:"name"`
	Kind    string            `yaml:"kind"`
	URL     string            `yaml:"url"`
	Tenant  string            `yaml:"tenant"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
	// Signals restricts which families the source answers; empty means all the
	// variant supports.
	Signals []string `yaml:"signals"`

	// mirador-core aggregation endpoints, used by kind "core" only.
	MetricsPath      string `yaml:"metricsPath"`
	LogsPath         string `yaml:"logsPath"`
	TracesPath       string `yaml:"tracesPath"`
	ServiceGraphPath string `yaml:"serviceGraphPath"`
}

// QueryTemplate is a selector with a {{service}} placeholder.
type QueryTemplate struct {
	Name   string `yaml:"name"`
	Expr   string `yaml:"expr"`
	Source string `yaml:"source"`
}

// QueriesConfig lists the default query set per signal family.
type QueriesConfig struct {
	Metrics []QueryTemplate `yaml:"metrics"`
	Logs    []QueryTemplate `yaml:"logs"`
	Traces  []QueryTemplate `yaml:"traces"`
}

// AnalysisConfig bounds one analysis request.
type AnalysisConfig struct {
	Step           time.Duration `yaml:"step"`
	Lookback       time.Duration `yaml:"lookback"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	Queries        QueriesConfig `yaml:"queries"`
}

// FetchConfig drives the fetcher worker pool and retry policy.
type FetchConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	PoolSize       int           `yaml:"poolSize"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

// DetectionConfig tunes baseline bands and anomaly classification.
type DetectionConfig struct {
	BaselineWindow       int     `yaml:"baselineWindow"`
	MinSamples           int     `yaml:"minSamples"`
	BandK                float64 `yaml:"bandK"`
	ZThreshold           float64 `yaml:"zThreshold"`
	SeverityMedium       float64 `yaml:"severityMedium"`
	SeverityHigh         float64 `yaml:"severityHigh"`
	SeverityCritical     float64 `yaml:"severityCritical"`
	MaxGapSteps          int     `yaml:"maxGapSteps"`
	RevertSteps          int     `yaml:"revertSteps"`
	ChangepointTolerance int     `yaml:"changepointTolerance"`
	ZeroVarianceScore    float64 `yaml:"zeroVarianceScore"`
	MaxParallelSeries    int     `yaml:"maxParallelSeries"`
}

// ChangepointConfig tunes CUSUM; drift and threshold are in baseline σ units.
type ChangepointConfig struct {
	Drift     float64 `yaml:"drift"`
	Threshold float64 `yaml:"threshold"`
	Reanchor  bool    `yaml:"reanchor"`
}

// CorrelationConfig tunes bundle grouping and confidence.
type CorrelationConfig struct {
	Window         time.Duration `yaml:"window"`
	TypeWeight     float64       `yaml:"typeWeight"`
	SeverityWeight float64       `yaml:"severityWeight"`
	SeverityScale  float64       `yaml:"severityScale"`
}

// CausalConfig tunes the Granger test and root selection.
type CausalConfig struct {
	MaxLag        int     `yaml:"maxLag"`
	PThreshold    float64 `yaml:"pThreshold"`
	MinStrength   float64 `yaml:"minStrength"`
	RootThreshold float64 `yaml:"rootThreshold"`
	MinSamples    int     `yaml:"minSamples"`
	MaxSignals    int     `yaml:"maxSignals"`
}

// BayesianConfig holds category priors and P(feature | category).
type BayesianConfig struct {
	Priors      map[string]float64            `yaml:"priors"`
	Likelihoods map[string]map[string]float64 `yaml:"likelihoods"`
}

// RankingConfig weights the rank score terms.
type RankingConfig struct {
	EvidenceWeight float64 `yaml:"evidenceWeight"`
	CausalWeight   float64 `yaml:"causalWeight"`
	TopologyWeight float64 `yaml:"topologyWeight"`
}

// WeightsConfig seeds per-tenant signal weights.
type WeightsConfig struct {
	Defaults    map[string]float64 `yaml:"defaults"`
	Alpha       float64            `yaml:"alpha"`
	SnapshotTTL time.Duration      `yaml:"snapshotTTL"`
}

// LogsConfig tunes burst detection and template mining.
type LogsConfig struct {
	BurstWindow   time.Duration `yaml:"burstWindow"`
	RatioMedium   float64       `yaml:"ratioMedium"`
	RatioHigh     float64       `yaml:"ratioHigh"`
	RatioCritical float64       `yaml:"ratioCritical"`
	MaxPatterns   int           `yaml:"maxPatterns"`
}

// TracesConfig tunes trace degradation severity and error propagation.
type TracesConfig struct {
	ApdexT         time.Duration `yaml:"apdexT"`
	P99MediumMs    float64       `yaml:"p99MediumMs"`
	P99HighMs      float64       `yaml:"p99HighMs"`
	P99CriticalMs  float64       `yaml:"p99CriticalMs"`
	ErrorMedium    float64       `yaml:"errorMedium"`
	ErrorHigh      float64       `yaml:"errorHigh"`
	ErrorCritical  float64       `yaml:"errorCritical"`
	// ErrorSource is the failing-trace share that marks a service as the
	// origin of propagated errors.
	ErrorSource    float64       `yaml:"errorSource"`
	ApdexPoor      float64       `yaml:"apdexPoor"`
	ApdexMarginal  float64       `yaml:"apdexMarginal"`
	MinSpanSamples int           `yaml:"minSpanSamples"`
}

// EventsConfig controls deployment-event lookups.
type EventsConfig struct {
	Window time.Duration `yaml:"window"`
}

// TopologyConfig controls the dependency graph used for ranking penalties.
type TopologyConfig struct {
	Enabled  bool `yaml:"enabled"`
	MaxDepth int  `yaml:"maxDepth"`
}

// WeaviateConfig configures the report store.
type WeaviateConfig struct {
	Endpoint  string        `yaml:"endpoint"`
	APIKey    string        `yaml:"apiKey"`
	Timeout   time.Duration `yaml:"timeout"`
	ReportTTL time.Duration `yaml:"reportTTL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// RulesConfig controls rule-pack loading for the recommender.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the shared cache behind the weight and baseline stores.
type CacheConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Addr            string        `yaml:"addr"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DB              int           `yaml:"db"`
	DialTimeout     time.Duration `yaml:"dialTimeout"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	MaxRetries      int           `yaml:"maxRetries"`
	TLS             bool          `yaml:"tls"`
	MemorySize      int           `yaml:"memorySize"`
	MemoryTTL       time.Duration `yaml:"memoryTTL"`
	BaselineTTL     time.Duration `yaml:"baselineTTL"`
	WeightsTTL      time.Duration `yaml:"weightsTTL"`
	ServiceGraphTTL time.Duration `yaml:"serviceGraphTTL"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sampleRatio"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("BECERTAIN_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BECERTAIN_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("BECERTAIN_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("BECERTAIN_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BECERTAIN_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	if v := os.Getenv("BECERTAIN_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("BECERTAIN_FETCH_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.Concurrency = n
		}
	}
	if v := os.Getenv("BECERTAIN_FETCH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Fetch.Timeout = d
		}
	}
	if v := os.Getenv("BECERTAIN_FETCH_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Fetch.MaxAttempts = n
		}
	}
	if v := os.Getenv("BECERTAIN_ANALYSIS_STEP"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.Step = d
		}
	}
	if v := os.Getenv("BECERTAIN_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Analysis.RequestTimeout = d
		}
	}
	if v := os.Getenv("BECERTAIN_CORRELATION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Correlation.Window = d
		}
	}
	for i := range cfg.DataSources {
		key := "BECERTAIN_DATASOURCE_" + envKey(cfg.DataSources[i].Name) + "_URL"
		if v := os.Getenv(key); v != "" {
			cfg.DataSources[i].URL = v
		}
	}
	if v := os.Getenv("BECERTAIN_WEAVIATE_URL"); v != "" {
		cfg.Weaviate.Endpoint = v
	}
	if v := os.Getenv("BECERTAIN_WEAVIATE_API_KEY"); v != "" {
		cfg.Weaviate.APIKey = v
	}
	if v := os.Getenv("BECERTAIN_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("BECERTAIN_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("BECERTAIN_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("BECERTAIN_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("BECERTAIN_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("BECERTAIN_CACHE_TLS"); strings.EqualFold(v, "true") || v == "1" {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("BECERTAIN_TRACING_ENDPOINT"); v != "" {
		cfg.Tracing.Endpoint = v
		cfg.Tracing.Enabled = true
	}
}

func envKey(name string) string {
	return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(name))
}
