package extractors

import (
	"sort"
	"time"

	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

// LogBurstDetector spots windows where log volume runs well above the
// average rate of the analysed range.
type LogBurstDetector struct {
	cfg config.LogsConfig
}

// NewLogBurstDetector constructs a log burst detector.
func NewLogBurstDetector(cfg config.LogsConfig) *LogBurstDetector {
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = 10 * time.Second
	}
	return &LogBurstDetector{cfg: cfg}
}

// Detect scans lines with windows anchored at each unconsumed entry. span is
// the analysed range; when it is empty the first-to-last line spacing is used.
func (d *LogBurstDetector) Detect(signalID string, lines []models.LogLine, span models.TimeRange) []models.LogBurst {
	if len(lines) == 0 {
		return nil
	}
	times := make([]time.Time, len(lines))
	for i, l := range lines {
		times[i] = l.Time
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	total := span.End.Sub(span.Start)
	if total <= 0 {
		total = times[len(times)-1].Sub(times[0])
	}
	if total < d.cfg.BurstWindow {
		total = d.cfg.BurstWindow
	}
	baseRate := float64(len(times)) / total.Seconds()
	window := d.cfg.BurstWindow

	var bursts []models.LogBurst
	for i := 0; i < len(times); {
		end := times[i].Add(window)
		j := i
		for j < len(times) && times[j].Before(end) {
			j++
		}
		count := j - i
		rate := float64(count) / window.Seconds()
		ratio := rate / baseRate
		if sev, ok := d.severity(ratio); ok {
			bursts = append(bursts, models.LogBurst{
				ID:           models.EventID(models.KindLogBurst, signalID, times[i], ""),
				SignalID:     signalID,
				Interval:     models.Interval{Start: times[i], End: times[j-1]},
				Rate:         rate,
				BaselineRate: baseRate,
				Ratio:        ratio,
				Count:        count,
				Severity:     sev,
			})
		}
		i += max(1, count)
	}
	return bursts
}

func (d *LogBurstDetector) severity(ratio float64) (models.Severity, bool) {
	switch {
	case ratio >= d.cfg.RatioCritical:
		return models.SeverityCritical, true
	case ratio >= d.cfg.RatioHigh:
		return models.SeverityHigh, true
	case ratio >= d.cfg.RatioMedium:
		return models.SeverityMedium, true
	}
	return "", false
}
