package patterns

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/observantio/becertain/internal/models"
)

// Miner mines frequency-based failure patterns from stored report summaries.
type Miner struct {
	minOccurrences int
	logger         *slog.Logger
}

// NewMiner constructs a Miner. Patterns seen fewer than minOccurrences times
// are dropped; values below 1 keep everything.
func NewMiner(logger *slog.Logger, minOccurrences int) *Miner {
	if logger == nil {
		logger = slog.Default()
	}
	if minOccurrences < 1 {
		minOccurrences = 1
	}
	return &Miner{minOccurrences: minOccurrences, logger: logger}
}

type aggregate struct {
	pattern    models.FailurePattern
	scoreTotal float64
}

// Mine groups reports by service, root signal and category. Prevalence is
// the share of reports with a hypothesis that the pattern accounts for.
func (m *Miner) Mine(tenant string, reports []models.ReportSummary) []models.FailurePattern {
	byKey := make(map[string]*aggregate)
	explained := 0
	for _, r := range reports {
		if r.RootSignal == "" {
			continue
		}
		explained++
		key := strings.Join([]string{r.Service, r.RootSignal, r.Category}, "|")
		agg, ok := byKey[key]
		if !ok {
			agg = &aggregate{pattern: models.FailurePattern{
				ID:         "pattern-" + strings.ReplaceAll(key, "|", "-"),
				Service:    r.Service,
				RootSignal: r.RootSignal,
				Category:   r.Category,
				FirstSeen:  r.CreatedAt,
				LastSeen:   r.CreatedAt,
			}}
			byKey[key] = agg
		}
		agg.pattern.Occurrences++
		agg.scoreTotal += r.RankScore
		agg.pattern.FirstSeen = earliest(agg.pattern.FirstSeen, r.CreatedAt)
		if r.CreatedAt.After(agg.pattern.LastSeen) {
			agg.pattern.LastSeen = r.CreatedAt
		}
	}

	patterns := make([]models.FailurePattern, 0, len(byKey))
	for _, agg := range byKey {
		p := agg.pattern
		if p.Occurrences < m.minOccurrences {
			continue
		}
		p.Prevalence = float64(p.Occurrences) / float64(explained)
		p.MeanScore = agg.scoreTotal / float64(p.Occurrences)
		patterns = append(patterns, p)
	}

	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Occurrences != patterns[j].Occurrences {
			return patterns[i].Occurrences > patterns[j].Occurrences
		}
		if !patterns[i].LastSeen.Equal(patterns[j].LastSeen) {
			return patterns[i].LastSeen.After(patterns[j].LastSeen)
		}
		return patterns[i].ID < patterns[j].ID
	})

	m.logger.Debug("patterns mined", slog.String("tenant", tenant), slog.Int("reports", len(reports)), slog.Int("patterns", len(patterns)))
	return patterns
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || b.Before(a) {
		return b
	}
	return a
}
