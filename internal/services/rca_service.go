package services

import (
	"context"
	"log/slog"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/observantio/becertain/internal/api"
	"github.com/observantio/becertain/internal/metrics"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/patterns"
	"github.com/observantio/becertain/internal/repo"
	"github.com/observantio/becertain/internal/utils"
)

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req models.AnalyzeRequest) (models.AnalysisReport, error)
}

// ReportRepo persists reports and operator feedback.
type ReportRepo interface {
	StoreReport(ctx context.Context, report models.AnalysisReport) error
	StoreFeedback(ctx context.Context, feedback models.Feedback) error
	ListReports(ctx context.Context, req models.ListReportsRequest) (models.ListReportsResponse, error)
}

// WeightRegistry holds per-tenant signal weights.
type WeightRegistry interface {
	GetWeights(ctx context.Context, tenant string) (models.SignalWeights, bool, error)
	ProposeUpdate(ctx context.Context, proposal models.WeightProposal) error
}

// BaselineSink stores baselines computed by an analysis.
type BaselineSink interface {
	Save(ctx context.Context, tenant string, baselines []models.Baseline) error
}

// DeploymentRegistry records deployment events.
type DeploymentRegistry interface {
	Register(tenant string, ev models.DeploymentEvent)
}

// Dependencies wires the service. Pipeline is required for Analyze; the
// rest are optional and their operations degrade or refuse when unset.
type Dependencies struct {
	Pipeline  Analyzer
	Reports   ReportRepo
	Weights   WeightRegistry
	Baselines BaselineSink
	Events    DeploymentRegistry
	Alpha     float64
}

// RCAService implements the gRPC RCAEngine service.
type RCAService struct {
	logger    *slog.Logger
	deps      Dependencies
	latencies *utils.LatencyTracker
}

// NewRCAService constructs the RCA service facade.
func NewRCAService(logger *slog.Logger, deps Dependencies) *RCAService {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Alpha <= 0 || deps.Alpha > 1 {
		deps.Alpha = 0.2
	}
	return &RCAService{
		logger:    logger,
		deps:      deps,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Analyze runs the pipeline, then stores the report and its baselines. Store
// failures are logged; the caller still gets the report.
func (s *RCAService) Analyze(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Pipeline == nil {
		return nil, status.Error(codes.FailedPrecondition, "pipeline not configured")
	}
	req, err := api.FromStructAnalyzeRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	s.logger.Debug("Analyze called", slog.String("tenant", req.Tenant), slog.String("service", req.Service))

	start := time.Now()
	report, err := s.deps.Pipeline.Analyze(ctx, req)
	if err != nil {
		s.logger.Error("analysis failed", slog.String("tenant", req.Tenant), slog.Any("error", err))
		return nil, api.StatusFromError(err)
	}
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		sum := s.latencies.Summary()
		s.logger.Info("analysis latency", slog.Duration("p50", sum.P50), slog.Duration("p95", sum.P95), slog.Duration("p99", sum.P99), slog.Int("samples", sum.Count))
	}

	// A report finished past the request deadline is still worth keeping.
	persist := context.WithoutCancel(ctx)
	if s.deps.Reports != nil {
		if err := s.deps.Reports.StoreReport(persist, report); err != nil {
			s.logger.Warn("store report failed", slog.String("report", report.ID), slog.Any("error", err))
		}
	}
	if s.deps.Baselines != nil && len(report.Baselines) > 0 {
		if err := s.deps.Baselines.Save(persist, req.Tenant, report.Baselines); err != nil {
			s.logger.Warn("save baselines failed", slog.String("tenant", req.Tenant), slog.Any("error", err))
		}
	}

	out, err := api.Encode(report)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// SubmitFeedback records the verdict and returns the weight proposal derived
// from it. The proposal is forwarded to the weight registry, which owns the
// decision to apply it.
func (s *RCAService) SubmitFeedback(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	feedback, err := api.FromStructFeedback(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if s.deps.Weights == nil {
		return nil, status.Error(codes.FailedPrecondition, "weight registry not configured")
	}

	if s.deps.Reports != nil {
		if err := s.deps.Reports.StoreFeedback(ctx, feedback); err != nil {
			s.logger.Error("store feedback failed", slog.Any("error", err))
			return nil, status.Error(codes.Internal, "failed to persist feedback")
		}
	}

	current, _, err := s.deps.Weights.GetWeights(ctx, feedback.Tenant)
	if err != nil {
		s.logger.Error("read weights failed", slog.String("tenant", feedback.Tenant), slog.Any("error", err))
		return nil, api.StatusFromError(err)
	}
	proposal := repo.EMAProposal(feedback.Tenant, current, feedback.Signals, feedback.Correct, s.deps.Alpha)
	if err := s.deps.Weights.ProposeUpdate(ctx, proposal); err != nil {
		s.logger.Error("propose weights failed", slog.String("tenant", feedback.Tenant), slog.Any("error", err))
		return nil, api.StatusFromError(err)
	}
	metrics.ObserveFeedback(feedback.Correct)

	out, err := api.Encode(proposal)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ListReports returns one page of stored report summaries.
func (s *RCAService) ListReports(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Reports == nil {
		return nil, status.Error(codes.FailedPrecondition, "report repository not configured")
	}
	req, err := api.FromStructListReportsRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	resp, err := s.deps.Reports.ListReports(ctx, req)
	if err != nil {
		s.logger.Error("list reports failed", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list reports")
	}
	out, err := api.Encode(resp)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// RegisterDeployment adds a deployment event used as a causal prior.
func (s *RCAService) RegisterDeployment(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Events == nil {
		return nil, status.Error(codes.FailedPrecondition, "event registry not configured")
	}
	tenant, ev, err := api.FromStructDeployment(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	s.deps.Events.Register(tenant, ev)
	s.logger.Info("deployment registered", slog.String("tenant", tenant), slog.String("service", ev.Service), slog.String("version", ev.Version))

	out, err := api.Encode(api.Ack{Accepted: true})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

const (
	patternPageSize = 100
	patternMaxPages = 10
)

// GetPatterns mines recurring root causes from the tenant's stored reports.
// At most patternMaxPages pages are scanned, newest first as the repository
// returns them.
func (s *RCAService) GetPatterns(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.deps.Reports == nil {
		return nil, status.Error(codes.FailedPrecondition, "report repository not configured")
	}
	req, err := api.FromStructPatternsRequest(in)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	list := models.ListReportsRequest{
		Tenant:   req.Tenant,
		Service:  req.Service,
		Start:    req.Start,
		End:      req.End,
		PageSize: patternPageSize,
	}
	var summaries []models.ReportSummary
	for page := 0; page < patternMaxPages; page++ {
		resp, err := s.deps.Reports.ListReports(ctx, list)
		if err != nil {
			s.logger.Error("list reports for patterns failed", slog.Any("error", err))
			return nil, status.Error(codes.Internal, "failed to list reports")
		}
		summaries = append(summaries, resp.Reports...)
		if resp.NextPageToken == "" {
			break
		}
		list.PageToken = resp.NextPageToken
	}

	mined := patterns.NewMiner(s.logger, req.MinOccurrences).Mine(req.Tenant, summaries)
	out, err := api.Encode(models.PatternsResponse{Patterns: mined, ReportsScanned: len(summaries)})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// LatencyP95 returns the current p95 analysis latency.
func (s *RCAService) LatencyP95() time.Duration {
	if s.latencies == nil {
		return 0
	}
	return s.latencies.Percentile(95)
}
