package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/observantio/becertain/internal/api"
	"github.com/observantio/becertain/internal/config"
	"github.com/observantio/becertain/internal/models"
	"github.com/observantio/becertain/internal/utils"
)

var analyzeFlags struct {
	tenant  string
	service string
	start   string
	end     string
	since   time.Duration
	step    time.Duration
	addr    string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run one analysis and print the report as JSON",
	Long: `Analyze runs the full pipeline for one service and window and prints the
AnalysisReport on stdout. Logs go to stderr.

  rca-engine analyze --tenant acme --service checkout --since 30m
  rca-engine analyze --tenant acme --service checkout --start 2024-01-01T10:00:00Z --end 1704106800
  rca-engine analyze --addr localhost:50051 --tenant acme --service checkout

With --addr the request goes to a running engine instead of local backends.`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeFlags.tenant, "tenant", "", "Tenant id (required)")
	f.StringVar(&analyzeFlags.service, "service", "", "Service under investigation (required)")
	f.StringVar(&analyzeFlags.start, "start", "", "Window start, RFC3339 or unix seconds")
	f.StringVar(&analyzeFlags.end, "end", "", "Window end, RFC3339 or unix seconds (default: now)")
	f.DurationVar(&analyzeFlags.since, "since", time.Hour, "Window length when --start is not set")
	f.DurationVar(&analyzeFlags.step, "step", 0, "Evaluation step (default: analysis.step)")
	f.StringVar(&analyzeFlags.addr, "addr", "", "Address of a running rca-engine to call instead of analysing locally")
	_ = analyzeCmd.MarkFlagRequired("tenant")
	_ = analyzeCmd.MarkFlagRequired("service")
}

func analyzeWindow(now time.Time) (models.TimeRange, error) {
	end := now.UTC()
	if analyzeFlags.end != "" {
		t, err := utils.ParseTime(analyzeFlags.end)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("--end: %w", err)
		}
		end = t
	}
	start := end.Add(-analyzeFlags.since)
	if analyzeFlags.start != "" {
		t, err := utils.ParseTime(analyzeFlags.start)
		if err != nil {
			return models.TimeRange{}, fmt.Errorf("--start: %w", err)
		}
		start = t
	}
	return models.TimeRange{Start: start, End: end}, nil
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	window, err := analyzeWindow(time.Now())
	if err != nil {
		return err
	}
	req := models.AnalyzeRequest{
		Tenant:    analyzeFlags.tenant,
		Service:   analyzeFlags.service,
		TimeRange: window,
		Step:      analyzeFlags.step,
	}

	var report models.AnalysisReport
	if analyzeFlags.addr != "" {
		report, err = analyzeRemote(cmd.Context(), analyzeFlags.addr, req)
	} else {
		report, err = analyzeLocal(cmd.Context(), req)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func analyzeLocal(ctx context.Context, req models.AnalyzeRequest) (models.AnalysisReport, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return models.AnalysisReport{}, err
	}
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)

	c, err := buildComponents(cfg, logger)
	if err != nil {
		return models.AnalysisReport{}, err
	}
	defer c.Close()

	report, err := c.pipeline.Analyze(ctx, req)
	if err != nil {
		return models.AnalysisReport{}, err
	}
	if err := c.baselines.Save(ctx, req.Tenant, report.Baselines); err != nil {
		logger.Warn("save baselines failed", slog.Any("error", err))
	}
	return report, nil
}

func analyzeRemote(ctx context.Context, addr string, req models.AnalyzeRequest) (models.AnalysisReport, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return models.AnalysisReport{}, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	msg := api.AnalyzeMessage{
		Tenant:  req.Tenant,
		Service: req.Service,
		Start:   req.TimeRange.Start.Format(time.RFC3339Nano),
		End:     req.TimeRange.End.Format(time.RFC3339Nano),
	}
	if req.Step > 0 {
		msg.Step = req.Step.String()
	}
	in, err := api.Encode(msg)
	if err != nil {
		return models.AnalysisReport{}, err
	}
	out, err := api.NewClient(conn).Analyze(ctx, in)
	if err != nil {
		return models.AnalysisReport{}, err
	}
	var report models.AnalysisReport
	if err := api.Decode(out, &report); err != nil {
		return models.AnalysisReport{}, err
	}
	return report, nil
}
