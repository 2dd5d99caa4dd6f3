package repo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

func report(id, tenant, service string, at time.Time) models.AnalysisReport {
	return models.AnalysisReport{
		ID:        id,
		Tenant:    tenant,
		Service:   service,
		CreatedAt: at,
		Hypotheses: []models.Hypothesis{
			{Rank: 1, RootSignal: "latency_p99", Category: config.CategoryDeployment, RankScore: 0.9},
		},
	}
}

// countingCache records writes on top of an in-process provider.
type countingCache struct {
	cache.Provider
	sets atomic.Int32
}

func (c *countingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.sets.Add(1)
	return c.Provider.Set(ctx, key, value, ttl)
}

func weaviateServer(t *testing.T, handler http.HandlerFunc) string {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestStoreFeedbackNoEndpoint(t *testing.T) {
	r := NewWeaviateRepo(config.WeaviateConfig{}, cache.NoopProvider{}, nil)
	fb := models.Feedback{Tenant: "tenant", ReportID: "r1", Correct: true, SubmittedAt: time.Now()}
	if err := r.StoreFeedback(context.Background(), fb); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}

func TestListReportsLocalFallback(t *testing.T) {
	r := NewWeaviateRepo(config.WeaviateConfig{}, nil, nil)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0).UTC()
	for i, id := range []string{"r1", "r2", "r3"} {
		if err := r.StoreReport(ctx, report(id, "tenant", "checkout", base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("store %s: %v", id, err)
		}
	}
	if err := r.StoreReport(ctx, report("other", "tenant-b", "checkout", base)); err != nil {
		t.Fatalf("store other: %v", err)
	}

	page, err := r.ListReports(ctx, models.ListReportsRequest{Tenant: "tenant", PageSize: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Reports) != 2 || page.Reports[0].ID != "r3" || page.Reports[1].ID != "r2" {
		t.Fatalf("unexpected first page: %+v", page.Reports)
	}
	if page.Reports[0].RootSignal != "latency_p99" || page.Reports[0].Hypotheses != 1 {
		t.Fatalf("summary not populated: %+v", page.Reports[0])
	}
	if page.NextPageToken != "2" {
		t.Fatalf("expected next token 2, got %q", page.NextPageToken)
	}

	next, err := r.ListReports(ctx, models.ListReportsRequest{Tenant: "tenant", PageSize: 2, PageToken: page.NextPageToken})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(next.Reports) != 1 || next.Reports[0].ID != "r1" || next.NextPageToken != "" {
		t.Fatalf("unexpected second page: %+v", next)
	}

	windowed, _ := r.ListReports(ctx, models.ListReportsRequest{Tenant: "tenant", Start: base.Add(30 * time.Second)})
	if len(windowed.Reports) != 2 {
		t.Fatalf("expected 2 reports after start, got %d", len(windowed.Reports))
	}
}

func TestStoreReportPostsObject(t *testing.T) {
	var body map[string]any
	endpoint := weaviateServer(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/objects" {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("unexpected auth header %q", got)
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = io.WriteString(w, `{}`)
	})
	r := NewWeaviateRepo(config.WeaviateConfig{Endpoint: endpoint + "/", APIKey: "secret"}, nil, nil)

	if err := r.StoreReport(context.Background(), report("r1", "tenant", "checkout", time.Now())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["class"] != reportClass || body["id"] != "r1" {
		t.Fatalf("unexpected payload: %+v", body)
	}
	props, ok := body["properties"].(map[string]any)
	if !ok || props["category"] != config.CategoryDeployment {
		t.Fatalf("unexpected properties: %+v", body["properties"])
	}
}

func TestStoreReportSurfacesServerError(t *testing.T) {
	endpoint := weaviateServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	r := NewWeaviateRepo(config.WeaviateConfig{Endpoint: endpoint}, nil, nil)
	err := r.StoreReport(context.Background(), report("r1", "tenant", "checkout", time.Now()))
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected server error, got %v", err)
	}
}

func TestListReportsCachesResults(t *testing.T) {
	var hits atomic.Int32
	endpoint := weaviateServer(t, func(w http.ResponseWriter, req *http.Request) {
		hits.Add(1)
		if req.URL.Path != "/v1/graphql" {
			t.Errorf("unexpected path: %s", req.URL.Path)
		}
		raw, _ := io.ReadAll(req.Body)
		if !strings.Contains(string(raw), `valueString: \"checkout\"`) {
			t.Errorf("service filter missing from query: %s", raw)
		}
		_, _ = io.WriteString(w, `{"data":{"Get":{"RCAReport":[{"reportId":"r-1","tenant":"tenant-a","service":"checkout","rootSignal":"cpu","category":"deployment","rankScore":0.8,"hypotheses":2,"createdAt":"2024-01-02T15:04:05Z"}]}}}`)
	})
	provider := &countingCache{Provider: cache.NewMemoryProvider(16, time.Minute)}
	r := NewWeaviateRepo(config.WeaviateConfig{Endpoint: endpoint, ReportTTL: time.Minute}, provider, nil)

	ctx := context.Background()
	req := models.ListReportsRequest{Tenant: "tenant-a", Service: "checkout", PageSize: 1}
	first, err := r.ListReports(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error on first call: %v", err)
	}
	if hits.Load() != 1 || provider.sets.Load() != 1 {
		t.Fatalf("expected one upstream call and one cache write, got %d/%d", hits.Load(), provider.sets.Load())
	}
	if len(first.Reports) != 1 || first.Reports[0].ID != "r-1" || first.NextPageToken != "1" {
		t.Fatalf("unexpected payload: %+v", first)
	}

	second, err := r.ListReports(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error on cached call: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("cache miss triggered network call; hits=%d", hits.Load())
	}
	if len(second.Reports) != 1 || second.Reports[0].Category != "deployment" {
		t.Fatalf("unexpected cached payload: %+v", second)
	}
}

func TestListReportsGraphQLError(t *testing.T) {
	endpoint := weaviateServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"errors":[{"message":"class RCAReport not found"}]}`)
	})
	r := NewWeaviateRepo(config.WeaviateConfig{Endpoint: endpoint}, nil, nil)
	if _, err := r.ListReports(context.Background(), models.ListReportsRequest{Tenant: "t"}); err == nil {
		t.Fatalf("expected graphql error")
	}
}
