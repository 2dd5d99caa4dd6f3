package repo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/observantio/becertain/internal/cache"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
)

const (
	reportClass   = "RCAReport"
	feedbackClass = "RCAFeedback"

	defaultPageSize = 20
	maxPageSize     = 100
	localReports    = 1024
)

// WeaviateRepo stores report summaries and operator feedback. Without an
// endpoint it keeps the most recent summaries in process.
type WeaviateRepo struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	cache      cache.Provider
	listTTL    time.Duration
	local      *lru.Cache[string, models.ReportSummary]
	logger     *slog.Logger
}

// NewWeaviateRepo constructs a Weaviate client.
func NewWeaviateRepo(cfg config.WeaviateConfig, cacheProvider cache.Provider, logger *slog.Logger) *WeaviateRepo {
	if cacheProvider == nil {
		cacheProvider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	listTTL := cfg.ReportTTL
	if listTTL < 0 {
		listTTL = 0
	}
	local, _ := lru.New[string, models.ReportSummary](localReports)
	return &WeaviateRepo{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		cache:      cacheProvider,
		listTTL:    listTTL,
		local:      local,
		logger:     logger,
	}
}

// StoreReport persists the summary of a finished analysis.
func (r *WeaviateRepo) StoreReport(ctx context.Context, report models.AnalysisReport) error {
	if r == nil {
		return fmt.Errorf("weaviate repo not initialised")
	}
	summary := report.Summarize()
	if r.endpoint == "" {
		r.local.Add(summary.ID, summary)
		return nil
	}

	payload := map[string]any{
		"class":      reportClass,
		"tenant":     report.Tenant,
		"properties": buildReportProperties(summary),
	}
	if report.ID != "" {
		payload["id"] = report.ID
	}
	if err := r.post(ctx, "/v1/objects", payload, nil); err != nil {
		return fmt.Errorf("store report %s: %w", report.ID, err)
	}
	return nil
}

// StoreFeedback persists operator feedback on a report.
func (r *WeaviateRepo) StoreFeedback(ctx context.Context, feedback models.Feedback) error {
	if r == nil {
		return fmt.Errorf("weaviate repo not initialised")
	}
	if r.endpoint == "" {
		return nil
	}

	payload := map[string]any{
		"class":      feedbackClass,
		"tenant":     feedback.Tenant,
		"properties": buildFeedbackProperties(feedback),
	}
	if err := r.post(ctx, "/v1/objects", payload, nil); err != nil {
		return fmt.Errorf("store feedback for %s: %w", feedback.ReportID, err)
	}
	return nil
}

// ListReports returns stored summaries filtered by tenant, service and time,
// newest first.
func (r *WeaviateRepo) ListReports(ctx context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error) {
	if r == nil {
		return models.ListReportsResponse{}, fmt.Errorf("weaviate repo not initialised")
	}

	limit := req.PageSize
	if limit <= 0 || limit > maxPageSize {
		limit = defaultPageSize
	}
	offset := 0
	if req.PageToken != "" {
		if v, err := strconv.Atoi(req.PageToken); err == nil && v >= 0 {
			offset = v
		}
	}

	if r.endpoint == "" {
		return r.listLocal(req, limit, offset), nil
	}

	key := cacheListKey(req, limit, offset)
	var cached models.ListReportsResponse
	if err := cache.GetJSON(ctx, r.cache, key, &cached); err == nil {
		return cached, nil
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		r.logger.Debug("report list cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	gql := fmt.Sprintf(`{
  Get {
    %s(
      limit: %d
      offset: %d
      %s
      sort: [{path: ["createdAt"], order: desc}]
    ) {
      reportId
      tenant
      service
      rootSignal
      category
      rankScore
      hypotheses
      partialFailure
      createdAt
    }
  }
}`, reportClass, limit, offset, buildReportWhere(req))

	var response struct {
		Data struct {
			Get map[string][]struct {
				ReportID       string  `json:"reportId"`
				Tenant         string  `json:"tenant"`
				Service        string  `json:"service"`
				RootSignal     string  `json:"rootSignal"`
				Category       string  `json:"category"`
				RankScore      float64 `json:"rankScore"`
				Hypotheses     int     `json:"hypotheses"`
				PartialFailure bool    `json:"partialFailure"`
				CreatedAt      string  `json:"createdAt"`
			} `json:"Get"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := r.post(ctx, "/v1/graphql", map[string]any{"query": gql}, &response); err != nil {
		return models.ListReportsResponse{}, fmt.Errorf("list reports: %w", err)
	}
	if len(response.Errors) > 0 {
		return models.ListReportsResponse{}, fmt.Errorf("list reports: %s", response.Errors[0].Message)
	}

	records := response.Data.Get[reportClass]
	out := models.ListReportsResponse{Reports: make([]models.ReportSummary, 0, len(records))}
	for _, rec := range records {
		createdAt, _ := time.Parse(time.RFC3339, rec.CreatedAt)
		out.Reports = append(out.Reports, models.ReportSummary{
			ID:             rec.ReportID,
			Tenant:         rec.Tenant,
			Service:        rec.Service,
			RootSignal:     rec.RootSignal,
			Category:       rec.Category,
			RankScore:      rec.RankScore,
			Hypotheses:     rec.Hypotheses,
			PartialFailure: rec.PartialFailure,
			CreatedAt:      createdAt.UTC(),
		})
	}
	if len(out.Reports) == limit {
		out.NextPageToken = strconv.Itoa(offset + limit)
	}

	if r.listTTL > 0 {
		if err := cache.SetJSON(ctx, r.cache, key, out, r.listTTL); err != nil {
			r.logger.Debug("report list cache write failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	return out, nil
}

func (r *WeaviateRepo) listLocal(req models.ListReportsRequest, limit, offset int) models.ListReportsResponse {
	var matched []models.ReportSummary
	for _, s := range r.local.Values() {
		if matchesReport(req, s) {
			matched = append(matched, s)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	out := models.ListReportsResponse{Reports: []models.ReportSummary{}}
	if offset >= len(matched) {
		return out
	}
	end := min(offset+limit, len(matched))
	out.Reports = append(out.Reports, matched[offset:end]...)
	if end < len(matched) {
		out.NextPageToken = strconv.Itoa(end)
	}
	return out
}

func matchesReport(req models.ListReportsRequest, s models.ReportSummary) bool {
	if s.Tenant != req.Tenant {
		return false
	}
	if req.Service != "" && s.Service != req.Service {
		return false
	}
	if !req.Start.IsZero() && s.CreatedAt.Before(req.Start) {
		return false
	}
	if !req.End.IsZero() && s.CreatedAt.After(req.End) {
		return false
	}
	return true
}

func (r *WeaviateRepo) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("weaviate %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func cacheListKey(req models.ListReportsRequest, limit, offset int) string {
	return fmt.Sprintf("weaviate:reports:%s:%s:%d:%d:%d:%d", req.Tenant, req.Service, req.Start.Unix(), req.End.Unix(), limit, offset)
}

func buildReportProperties(s models.ReportSummary) map[string]any {
	return map[string]any{
		"reportId":       s.ID,
		"tenant":         s.Tenant,
		"service":        s.Service,
		"rootSignal":     s.RootSignal,
		"category":       s.Category,
		"rankScore":      s.RankScore,
		"hypotheses":     s.Hypotheses,
		"partialFailure": s.PartialFailure,
		"createdAt":      s.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func buildFeedbackProperties(feedback models.Feedback) map[string]any {
	signals := make([]string, 0, len(feedback.Signals))
	for _, s := range feedback.Signals {
		signals = append(signals, string(s))
	}
	submitted := feedback.SubmittedAt
	if submitted.IsZero() {
		submitted = time.Now()
	}
	return map[string]any{
		"reportId":    feedback.ReportID,
		"tenant":      feedback.Tenant,
		"signals":     signals,
		"correct":     feedback.Correct,
		"notes":       feedback.Notes,
		"submittedAt": submitted.UTC().Format(time.RFC3339),
	}
}

func buildReportWhere(req models.ListReportsRequest) string {
	filters := []string{fmt.Sprintf(`{path: ["tenant"], operator: Equal, valueString: %q}`, req.Tenant)}

	if req.Service != "" {
		filters = append(filters, fmt.Sprintf(`{path: ["service"], operator: Equal, valueString: %q}`, req.Service))
	}
	if !req.Start.IsZero() {
		filters = append(filters, fmt.Sprintf(`{path: ["createdAt"], operator: GreaterThanEqual, valueDate: %q}`, req.Start.UTC().Format(time.RFC3339)))
	}
	if !req.End.IsZero() {
		filters = append(filters, fmt.Sprintf(`{path: ["createdAt"], operator: LessThanEqual, valueDate: %q}`, req.End.UTC().Format(time.RFC3339)))
	}

	return fmt.Sprintf("where: { operator: And, operands: [%s] }", strings.Join(filters, ","))
}
