package api

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/observantio/becertain/internal/config"
)

type echoServer struct{}

func (echoServer) Analyze(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return in, nil
}

func (echoServer) SubmitFeedback(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.InvalidArgument, "report_id is required")
}

func (echoServer) ListReports(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return Encode(map[string]any{"reports": []any{}})
}

func (echoServer) RegisterDeployment(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return Encode(Ack{Accepted: true})
}

func (echoServer) GetPatterns(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return Encode(map[string]any{"patterns": []any{}, "reports_scanned": 4})
}

func TestServerRoundTrip(t *testing.T) {
	srv, err := NewServer(config.ServerConfig{Address: "127.0.0.1:0", GracefulTimeout: time.Second}, echoServer{}, nil)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() { _ = srv.Start() }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), srv.GracefulTimeout())
		defer cancel()
		srv.Shutdown(ctx)
	}()

	conn, err := grpc.NewClient(srv.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := NewClient(conn)
	in, _ := structpb.NewStruct(map[string]any{"tenant": "t1"})
	out, err := client.Analyze(ctx, in)
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if out.GetFields()["tenant"].GetStringValue() != "t1" {
		t.Fatalf("unexpected echo: %v", out)
	}

	_, err = client.SubmitFeedback(ctx, in)
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("expected status to cross the wire, got %v", err)
	}

	ack, err := client.RegisterDeployment(ctx, in)
	if err != nil || !ack.GetFields()["accepted"].GetBoolValue() {
		t.Fatalf("register deployment: %v %v", ack, err)
	}

	patterns, err := client.GetPatterns(ctx, in)
	if err != nil || patterns.GetFields()["reports_scanned"].GetNumberValue() != 4 {
		t.Fatalf("get patterns: %v %v", patterns, err)
	}

	health, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected health status: %s", health.GetStatus())
	}
}
