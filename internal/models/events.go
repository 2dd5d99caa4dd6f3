package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeType classifies the shape of an anomalous interval.
type ChangeType string

const (
	ChangeSpike          ChangeType = "spike"
	ChangeDrop           ChangeType = "drop"
	ChangeOscillation    ChangeType = "oscillation"
	ChangeSustainedShift ChangeType = "sustained_shift"
)

// Direction of a level change.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// EventKind names the evidence producers.
type EventKind string

const (
	KindAnomaly          EventKind = "anomaly"
	KindChangepoint      EventKind = "changepoint"
	KindLogBurst         EventKind = "log_burst"
	KindLogPattern       EventKind = "log_pattern"
	KindTraceDegradation EventKind = "trace_degradation"
	KindErrorPropagation EventKind = "error_propagation"
)

var eventNamespace = uuid.MustParse("6f1c4d7e-2b0a-4c1e-9a51-3d8b2f7e9c10")

// EventID returns a name-based identifier so re-running an analysis on the
// same data reproduces the same ids.
func EventID(kind EventKind, seriesID string, at time.Time, extra string) string {
	name := string(kind) + "|" + seriesID + "|" + at.UTC().Format(time.RFC3339Nano) + "|" + extra
	return uuid.NewSHA1(eventNamespace, []byte(name)).String()
}

// AnomalyEvent flags an interval of a series outside its baseline band.
type AnomalyEvent struct {
	ID         string     `json:"id"`
	SeriesID   string     `json:"series_id"`
	Signal     SignalType `json:"signal"`
	Interval   Interval   `json:"interval"`
	Severity   Severity   `json:"severity"`
	ChangeType ChangeType `json:"change_type"`
	Score      float64    `json:"score"`
}

// Ref exposes the event to the correlator.
func (e AnomalyEvent) Ref() EventRef {
	return EventRef{
		ID: e.ID, Kind: KindAnomaly, SignalID: e.SeriesID, Signal: e.Signal,
		Interval: e.Interval, Severity: e.Severity, Score: e.Score, ChangeType: e.ChangeType,
	}
}

// ChangepointEvent marks a structural shift found by CUSUM.
type ChangepointEvent struct {
	ID        string     `json:"id"`
	SeriesID  string     `json:"series_id"`
	Signal    SignalType `json:"signal"`
	Timestamp time.Time  `json:"timestamp"`
	Index     int        `json:"index"`
	Direction Direction  `json:"direction"`
	Magnitude float64    `json:"magnitude"`
	Statistic float64    `json:"cusum_statistic"`
	Severity  Severity   `json:"severity"`
}

// Ref exposes the event to the correlator.
func (e ChangepointEvent) Ref() EventRef {
	return EventRef{
		ID: e.ID, Kind: KindChangepoint, SignalID: e.SeriesID, Signal: e.Signal,
		Interval: Interval{Start: e.Timestamp, End: e.Timestamp}, Severity: e.Severity,
		Score: e.Magnitude, ChangeType: ChangeSustainedShift,
	}
}

// LogBurst is a window whose log rate exceeds the stream baseline rate.
type LogBurst struct {
	ID           string   `json:"id"`
	SignalID     string   `json:"signal_id"`
	Interval     Interval `json:"interval"`
	Rate         float64  `json:"rate_per_second"`
	BaselineRate float64  `json:"baseline_rate"`
	Ratio        float64  `json:"ratio"`
	Count        int      `json:"count"`
	Severity     Severity `json:"severity"`
}

// Ref exposes the event to the correlator.
func (e LogBurst) Ref() EventRef {
	return EventRef{
		ID: e.ID, Kind: KindLogBurst, SignalID: e.SignalID, Signal: SignalLogs,
		Interval: e.Interval, Severity: e.Severity, Score: e.Ratio, ChangeType: ChangeSpike,
	}
}

// TraceDegradation summarises a degraded service operation.
type TraceDegradation struct {
	ID        string   `json:"id"`
	SignalID  string   `json:"signal_id"`
	Service   string   `json:"service"`
	Operation string   `json:"operation"`
	Interval  Interval `json:"interval"`
	P50Ms     float64  `json:"p50_ms"`
	P95Ms     float64  `json:"p95_ms"`
	P99Ms     float64  `json:"p99_ms"`
	ErrorRate float64  `json:"error_rate"`
	Apdex     float64  `json:"apdex"`
	Samples   int      `json:"samples"`
	Severity  Severity `json:"severity"`
	Score     float64  `json:"score"`
}

// Ref exposes the event to the correlator.
func (e TraceDegradation) Ref() EventRef {
	return EventRef{
		ID: e.ID, Kind: KindTraceDegradation, SignalID: e.SignalID, Signal: SignalTraces,
		Interval: e.Interval, Severity: e.Severity, Score: e.Score, ChangeType: ChangeSpike,
		ErrorRate: e.ErrorRate, LatencyP99Ms: e.P99Ms,
	}
}

// LogPattern is one normalised log template and its occurrence statistics.
type LogPattern struct {
	ID            string    `json:"id"`
	SignalID      string    `json:"signal_id"`
	Template      string    `json:"template"`
	Sample        string    `json:"sample"`
	Count         int       `json:"count"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
	RatePerMinute float64   `json:"rate_per_minute"`
	Entropy       float64   `json:"entropy"`
	Severity      Severity  `json:"severity"`
	// Burst holds the pattern's lines inside the first log burst containing
	// them. Only error-class patterns carry it.
	Burst         *Interval `json:"burst,omitempty"`
	BurstCount    int       `json:"burst_count,omitempty"`
}

// Ref exposes the burst occurrences to the correlator. Callers check Burst.
func (p LogPattern) Ref() EventRef {
	return EventRef{
		ID: EventID(KindLogPattern, p.SignalID, p.Burst.Start, p.Template), Kind: KindLogPattern,
		SignalID: p.SignalID, Signal: SignalLogs, Interval: *p.Burst, Severity: p.Severity,
		Score: float64(p.BurstCount),
	}
}

// ErrorPropagation records failing traces rooted at one service that reach
// other services which also fail.
type ErrorPropagation struct {
	ID               string   `json:"id"`
	SignalID         string   `json:"signal_id"`
	SourceService    string   `json:"source_service"`
	AffectedServices []string `json:"affected_services"`
	ErrorRate        float64  `json:"error_rate"`
	Traces           int      `json:"traces"`
	Interval         Interval `json:"interval"`
	Severity         Severity `json:"severity"`
}

// Ref exposes the event to the correlator.
func (e ErrorPropagation) Ref() EventRef {
	return EventRef{
		ID: e.ID, Kind: KindErrorPropagation, SignalID: e.SignalID, Signal: SignalTraces,
		Interval: e.Interval, Severity: e.Severity, Score: e.ErrorRate, ErrorRate: e.ErrorRate,
	}
}

// EventRef is the uniform, traceable view of any evidence event.
type EventRef struct {
	ID           string     `json:"id"`
	Kind         EventKind  `json:"kind"`
	SignalID     string     `json:"signal_id"`
	Signal       SignalType `json:"signal"`
	Interval     Interval   `json:"interval"`
	Severity     Severity   `json:"severity"`
	Score        float64    `json:"score"`
	ChangeType   ChangeType `json:"change_type,omitempty"`
	ErrorRate    float64    `json:"error_rate,omitempty"`
	LatencyP99Ms float64    `json:"latency_p99_ms,omitempty"`
}

// DeploymentEvent is externally reported change context used as a causal prior.
type DeploymentEvent struct {
	Service     string            `json:"service"`
	Timestamp   time.Time         `json:"timestamp"`
	Version     string            `json:"version"`
	Author      string            `json:"author,omitempty"`
	Environment string            `json:"environment,omitempty"`
	Source      string            `json:"source,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}
