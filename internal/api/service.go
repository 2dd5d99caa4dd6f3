package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "becertain.rca.v1.RCAEngine"

// RCAEngineServer is the server API for the RCA engine. Messages are
// structpb.Struct documents carrying the JSON shapes in handlers.go.
type RCAEngineServer interface {
	Analyze(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitFeedback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListReports(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RegisterDeployment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPatterns(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryCall func(RCAEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryCall) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RCAEngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(RCAEngineServer), ctx, req.(*structpb.Struct))
		})
	}
}

// ServiceDesc describes RCAEngine for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RCAEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Analyze", Handler: unaryHandler("Analyze", RCAEngineServer.Analyze)},
		{MethodName: "SubmitFeedback", Handler: unaryHandler("SubmitFeedback", RCAEngineServer.SubmitFeedback)},
		{MethodName: "ListReports", Handler: unaryHandler("ListReports", RCAEngineServer.ListReports)},
		{MethodName: "RegisterDeployment", Handler: unaryHandler("RegisterDeployment", RCAEngineServer.RegisterDeployment)},
		{MethodName: "GetPatterns", Handler: unaryHandler("GetPatterns", RCAEngineServer.GetPatterns)},
	},
	Streams: []grpc.StreamDesc{},
}

// RegisterRCAEngineServer registers srv on s.
func RegisterRCAEngineServer(s grpc.ServiceRegistrar, srv RCAEngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls a remote RCAEngine.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) invoke(ctx context.Context, method string, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Analyze(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "Analyze", in, opts...)
}

func (c *Client) SubmitFeedback(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "SubmitFeedback", in, opts...)
}

func (c *Client) ListReports(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "ListReports", in, opts...)
}

func (c *Client) RegisterDeployment(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "RegisterDeployment", in, opts...)
}

func (c *Client) GetPatterns(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, "GetPatterns", in, opts...)
}
