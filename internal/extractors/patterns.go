package extractors

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

const (
	maxTemplateLen = 180
	maxSampleLen   = 300
	maxTokens      = 500
)

// logNoise matches the volatile parts of a line: uuids, timestamps, IPs,
// durations, hex literals and long numbers.
var logNoise = regexp.MustCompile(`(?i)\b(?:` +
	`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}` +
	`|\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:\d{2})?` +
	`|(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?` +
	`|\d+\.?\d*(?:ms|s|m|h|us|ns)\b` +
	`|0x[0-9a-f]+` +
	`|\d{4,}` +
	`)\b`)

var severityWords = []struct {
	sev models.Severity
	re  *regexp.Regexp
}{
	{models.SeverityCritical, regexp.MustCompile(`(?i)\b(fatal|panic|oom|killed|segfault|out of memory)\b`)},
	{models.SeverityHigh, regexp.MustCompile(`(?i)\b(error|err|exception|failed|failure|crash|timeout|unavailable|refused)\b`)},
	{models.SeverityMedium, regexp.MustCompile(`(?i)\b(warn|warning|slow|retry|retrying|degraded|circuit)\b`)},
}

// NormalizeLogLine reduces a line to its template.
func NormalizeLogLine(line string) string {
	t := strings.Join(strings.Fields(logNoise.ReplaceAllString(line, "<_>")), " ")
	return truncate(t, maxTemplateLen)
}

// ClassifyLogLine grades a line by the worst keyword it contains.
func ClassifyLogLine(line string) models.Severity {
	for _, w := range severityWords {
		if w.re.MatchString(line) {
			return w.sev
		}
	}
	return models.SeverityLow
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// LogPatternAnalyzer groups log lines by template.
type LogPatternAnalyzer struct {
	max int
}

// NewLogPatternAnalyzer keeps at most cfg.MaxPatterns templates per stream.
func NewLogPatternAnalyzer(cfg config.LogsConfig) *LogPatternAnalyzer {
	n := cfg.MaxPatterns
	if n <= 0 {
		n = 100
	}
	return &LogPatternAnalyzer{max: n}
}

type patternBucket struct {
	pattern models.LogPattern
	times   []time.Time
	tokens  []string
}

// Analyze mines templates from lines, worst severity first, then by count.
// Error-class templates that occur inside one of bursts are tied to the
// first such burst so they can join its evidence bundle.
func (a *LogPatternAnalyzer) Analyze(signalID string, lines []models.LogLine, bursts []models.LogBurst) []models.LogPattern {
	buckets := map[string]*patternBucket{}
	for _, l := range lines {
		key := NormalizeLogLine(l.Line)
		b, ok := buckets[key]
		if !ok {
			b = &patternBucket{pattern: models.LogPattern{
				SignalID:  signalID,
				Template:  key,
				Sample:    truncate(l.Line, maxSampleLen),
				FirstSeen: l.Time,
				LastSeen:  l.Time,
				Severity:  models.SeverityLow,
			}}
			buckets[key] = b
		}
		p := &b.pattern
		p.Count++
		if l.Time.Before(p.FirstSeen) {
			p.FirstSeen = l.Time
		}
		if l.Time.After(p.LastSeen) {
			p.LastSeen = l.Time
		}
		p.Severity = models.MaxSeverity(p.Severity, ClassifyLogLine(l.Line))
		b.times = append(b.times, l.Time)
		if len(b.tokens) < maxTokens {
			b.tokens = append(b.tokens, strings.Fields(key)...)
		}
	}

	out := make([]models.LogPattern, 0, len(buckets))
	for _, b := range buckets {
		p := b.pattern
		minutes := math.Max(p.LastSeen.Sub(p.FirstSeen).Seconds(), 1) / 60
		p.RatePerMinute = float64(p.Count) / minutes
		p.Entropy = entropy(b.tokens)
		p.ID = models.EventID(models.KindLogPattern, signalID, p.FirstSeen, p.Template)
		if p.Severity.Rank() >= models.SeverityHigh.Rank() {
			p.Burst, p.BurstCount = firstBurst(b.times, bursts)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Template < b.Template
	})
	if len(out) > a.max {
		out = out[:a.max]
	}
	return out
}

// firstBurst returns the span of times that fall in the earliest burst
// containing any of them.
func firstBurst(times []time.Time, bursts []models.LogBurst) (*models.Interval, int) {
	for _, b := range bursts {
		var (
			in    *models.Interval
			count int
		)
		for _, t := range times {
			if t.Before(b.Interval.Start) || t.After(b.Interval.End) {
				continue
			}
			count++
			switch {
			case in == nil:
				in = &models.Interval{Start: t, End: t}
			case t.Before(in.Start):
				in.Start = t
			case t.After(in.End):
				in.End = t
			}
		}
		if in != nil {
			return in, count
		}
	}
	return nil, 0
}

func entropy(tokens []string) float64 {
	if len(tokens) == 0 {
		return 0
	}
	counts := map[string]int{}
	for _, t := range tokens {
		counts[t]++
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	total := float64(len(tokens))
	var h float64
	for _, k := range keys {
		p := float64(counts[k]) / total
		h -= p * math.Log2(p)
	}
	return h
}
