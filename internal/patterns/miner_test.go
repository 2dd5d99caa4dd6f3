package patterns

import (
	"testing"
	"time"

	"github.com/observantio/becertain/internal/models"
)

func TestMinerMinesPatterns(t *testing.T) {
	miner := NewMiner(nil, 2)

	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	reports := []models.ReportSummary{
		{ID: "r1", Service: "checkout", RootSignal: "cpu", Category: "resource_exhaustion", RankScore: 0.6, CreatedAt: now},
		{ID: "r2", Service: "checkout", RootSignal: "cpu", Category: "resource_exhaustion", RankScore: 0.8, CreatedAt: now.Add(time.Hour)},
		{ID: "r3", Service: "checkout", RootSignal: "logs", Category: "deployment", RankScore: 0.5, CreatedAt: now},
		{ID: "r4", Service: "checkout"},
	}

	patterns := miner.Mine("tenant", reports)
	if len(patterns) != 1 {
		t.Fatalf("expected one recurring pattern, got %+v", patterns)
	}
	p := patterns[0]
	if p.RootSignal != "cpu" || p.Occurrences != 2 {
		t.Fatalf("unexpected pattern: %+v", p)
	}
	if p.Prevalence != 2.0/3.0 {
		t.Fatalf("prevalence should count only explained reports, got %v", p.Prevalence)
	}
	if p.MeanScore < 0.699 || p.MeanScore > 0.701 {
		t.Fatalf("unexpected mean score: %v", p.MeanScore)
	}
	if !p.FirstSeen.Equal(now) || !p.LastSeen.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected seen range: %s..%s", p.FirstSeen, p.LastSeen)
	}
}

func TestMinerOrdersByOccurrence(t *testing.T) {
	miner := NewMiner(nil, 0)
	now := time.Now()
	reports := []models.ReportSummary{
		{Service: "a", RootSignal: "x", CreatedAt: now},
		{Service: "b", RootSignal: "y", CreatedAt: now},
		{Service: "b", RootSignal: "y", CreatedAt: now.Add(time.Minute)},
	}

	patterns := miner.Mine("tenant", reports)
	if len(patterns) != 2 || patterns[0].Service != "b" {
		t.Fatalf("expected most frequent pattern first, got %+v", patterns)
	}
	if len(miner.Mine("tenant", nil)) != 0 {
		t.Fatalf("expected no patterns without reports")
	}
}
