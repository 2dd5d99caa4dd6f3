// Command mock-backends serves the mirador-core aggregation API with a
// synthetic incident: at incident time the request rate of the requested
// service shifts up, errors burst in its logs and its payment calls slow
// down. The incident sits 10 minutes before the server started unless
// MOCK_INCIDENT (RFC3339) says otherwise.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"
)

type seriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type logEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Severity  string    `json:"severity"`
	Count     int       `json:"count"`
}

type traceSpan struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	Service    string    `json:"service"`
	Operation  string    `json:"operation"`
	DurationMs float64   `json:"duration_ms"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

type serviceGraphEdge struct {
	Source    string  `json:"source"`
	Target    string  `json:"target"`
	CallRate  float64 `json:"call_rate"`
	ErrorRate float64 `json:"error_rate"`
}

type rangeRequest struct {
	Service string `json:"service"`
	Query   string `json:"query"`
	Start   string `json:"start"`
	End     string `json:"end"`
	Step    string `json:"step"`
}

type window struct {
	service    string
	query      string
	start, end time.Time
	step       time.Duration
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("component", "mock-backends"))

	incident := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Minute)
	if v := os.Getenv("MOCK_INCIDENT"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			logger.Error("invalid MOCK_INCIDENT", slog.Any("error", err))
			os.Exit(1)
		}
		incident = t.UTC()
	}
	addr := os.Getenv("MOCK_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/rca/metrics", withWindow(logger, func(w http.ResponseWriter, win window) {
		writeJSON(logger, w, map[string]any{"series": metricSeries(win, incident)})
	}))
	mux.HandleFunc("/api/v1/rca/logs", withWindow(logger, func(w http.ResponseWriter, win window) {
		writeJSON(logger, w, map[string]any{"entries": logEntries(win, incident)})
	}))
	mux.HandleFunc("/api/v1/rca/traces", withWindow(logger, func(w http.ResponseWriter, win window) {
		writeJSON(logger, w, map[string]any{"spans": traceSpans(win, incident)})
	}))
	mux.HandleFunc("/api/v1/rca/service-graph", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		writeJSON(logger, w, map[string]any{
			"edges": []serviceGraphEdge{
				{Source: "frontend", Target: "checkout", CallRate: 410.0, ErrorRate: 0.01},
				{Source: "checkout", Target: "payments", CallRate: 320.0, ErrorRate: 0.07},
				{Source: "checkout", Target: "inventory", CallRate: 110.0, ErrorRate: 0.02},
			},
		})
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           logRequests(logger, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	logger.Info("listening", slog.String("address", addr), slog.Time("incident", incident))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.Any("error", err))
		os.Exit(1)
	}
}

func withWindow(logger *slog.Logger, next func(http.ResponseWriter, window)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req rangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		win, err := parseWindow(req)
		if err != nil {
			logger.Warn("bad request", slog.Any("error", err))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		next(w, win)
	}
}

func parseWindow(req rangeRequest) (window, error) {
	start, err := time.Parse(time.RFC3339, req.Start)
	if err != nil {
		return window{}, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, req.End)
	if err != nil {
		return window{}, fmt.Errorf("end: %w", err)
	}
	step, err := time.ParseDuration(req.Step)
	if err != nil || step <= 0 {
		step = 15 * time.Second
	}
	if !end.After(start) {
		return window{}, fmt.Errorf("empty window")
	}
	return window{service: req.Service, query: req.Query, start: start, end: end, step: step}, nil
}

// jitter is a deterministic value in [-1, 1] for a key and instant.
func jitter(key string, t time.Time) float64 {
	h := fnv.New32a()
	_, _ = fmt.Fprintf(h, "%s|%d", key, t.Unix())
	return float64(h.Sum32()%2001)/1000 - 1
}

func metricSeries(win window, incident time.Time) []seriesPoint {
	base, shift := 100.0, 0.0
	switch {
	case strings.Contains(win.query, "code=~\"5..\""):
		base, shift = 1, 9
	case strings.Contains(win.query, "duration"):
		base, shift = 0.25, 0.9
	case strings.Contains(win.query, "cpu"):
		base, shift = 0.6, 0.1
	case strings.Contains(win.query, "memory"):
		base = 512e6
	case strings.Contains(win.query, "http_requests_total"):
		shift = 60
	}
	var out []seriesPoint
	for t := win.start; t.Before(win.end); t = t.Add(win.step) {
		v := base * (1 + 0.02*jitter(win.query, t))
		if !t.Before(incident) {
			v += shift
		}
		out = append(out, seriesPoint{Timestamp: t, Value: math.Max(v, 0)})
	}
	return out
}

func logEntries(win window, incident time.Time) []logEntry {
	var out []logEntry
	for t := win.start.Truncate(10 * time.Second); t.Before(win.end); t = t.Add(10 * time.Second) {
		if t.Before(win.start) {
			continue
		}
		out = append(out, logEntry{Timestamp: t, Message: "request served", Severity: "info", Count: 5})
		if !t.Before(incident) && t.Before(incident.Add(2*time.Minute)) {
			out = append(out, logEntry{Timestamp: t.Add(time.Second), Message: win.service + " failed to reach payments", Severity: "error", Count: 40})
		}
	}
	return out
}

func traceSpans(win window, incident time.Time) []traceSpan {
	var out []traceSpan
	i := 0
	for t := win.start.Truncate(5 * time.Second); t.Before(win.end); t = t.Add(5 * time.Second) {
		if t.Before(win.start) {
			continue
		}
		i++
		duration, status := 120+40*jitter("span", t), "ok"
		if !t.Before(incident) {
			duration, status = 2400+300*jitter("span", t), "error"
			if i%3 != 0 {
				status = "ok"
			}
		}
		out = append(out, traceSpan{
			TraceID:    fmt.Sprintf("trace-%d", i),
			SpanID:     fmt.Sprintf("span-%d", i),
			Service:    win.service,
			Operation:  "HTTP POST /payments",
			DurationMs: duration,
			Status:     status,
			Timestamp:  t,
		})
	}
	return out
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Warn("encode error", slog.Any("error", err))
	}
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Debug("request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Int("status", rw.status), slog.Duration("elapsed", time.Since(start)))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
