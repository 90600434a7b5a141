package registrypb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// AgentControl method names.
const (
	AgentControl_ServiceName = "devicelock.v1.AgentControl"

	AgentControl_Register_FullMethodName      = "/devicelock.v1.AgentControl/Register"
	AgentControl_LockScreen_FullMethodName    = "/devicelock.v1.AgentControl/LockScreen"
	AgentControl_OfflineUnlock_FullMethodName = "/devicelock.v1.AgentControl/OfflineUnlock"
	AgentControl_PaymentLink_FullMethodName   = "/devicelock.v1.AgentControl/PaymentLink"
	AgentControl_WatchState_FullMethodName    = "/devicelock.v1.AgentControl/WatchState"
)

// AgentControlClient is what the host UI layer talks to.
type AgentControlClient interface {
	Register(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	LockScreen(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error)
	OfflineUnlock(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error)
	PaymentLink(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error)
	WatchState(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
}

type agentControlClient struct {
	cc grpc.ClientConnInterface
}

// NewAgentControlClient wraps a connection.
func NewAgentControlClient(cc grpc.ClientConnInterface) AgentControlClient {
	return &agentControlClient{cc}
}

func (c *agentControlClient) Register(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, AgentControl_Register_FullMethodName, in, opts...)
}

func (c *agentControlClient) LockScreen(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, AgentControl_LockScreen_FullMethodName, in, opts...)
}

func (c *agentControlClient) OfflineUnlock(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*wrapperspb.BoolValue, error) {
	return invoke[wrapperspb.BoolValue](ctx, c.cc, AgentControl_OfflineUnlock_FullMethodName, in, opts...)
}

func (c *agentControlClient) PaymentLink(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	return invoke[wrapperspb.StringValue](ctx, c.cc, AgentControl_PaymentLink_FullMethodName, in, opts...)
}

func (c *agentControlClient) WatchState(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	return openServerStream[emptypb.Empty, structpb.Struct](ctx, c.cc, &AgentControl_ServiceDesc.Streams[0], AgentControl_WatchState_FullMethodName, in, opts...)
}

// AgentControlServer is implemented by the agent.
type AgentControlServer interface {
	Register(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	LockScreen(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	OfflineUnlock(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error)
	PaymentLink(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	WatchState(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error
	mustEmbedUnimplementedAgentControlServer()
}

// UnimplementedAgentControlServer returns Unimplemented for every method.
type UnimplementedAgentControlServer struct{}

func (UnimplementedAgentControlServer) Register(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method Register not implemented")
}
func (UnimplementedAgentControlServer) LockScreen(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method LockScreen not implemented")
}
func (UnimplementedAgentControlServer) OfflineUnlock(context.Context, *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	return nil, status.Error(codes.Unimplemented, "method OfflineUnlock not implemented")
}
func (UnimplementedAgentControlServer) PaymentLink(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error) {
	return nil, status.Error(codes.Unimplemented, "method PaymentLink not implemented")
}
func (UnimplementedAgentControlServer) WatchState(*emptypb.Empty, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method WatchState not implemented")
}
func (UnimplementedAgentControlServer) mustEmbedUnimplementedAgentControlServer() {}

// RegisterAgentControlServer registers srv on s.
func RegisterAgentControlServer(s grpc.ServiceRegistrar, srv AgentControlServer) {
	s.RegisterService(&AgentControl_ServiceDesc, srv)
}

func agent(srv any) AgentControlServer { return srv.(AgentControlServer) }

// AgentControl_ServiceDesc is the grpc.ServiceDesc for the agent host-UI surface.
var AgentControl_ServiceDesc = grpc.ServiceDesc{
	ServiceName: AgentControl_ServiceName,
	HandlerType: (*AgentControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: unaryHandler(AgentControl_Register_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
				return agent(srv).Register(ctx, in)
			}),
		},
		{
			MethodName: "LockScreen",
			Handler: unaryHandler(AgentControl_LockScreen_FullMethodName, func(srv any, ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error) {
				return agent(srv).LockScreen(ctx, in)
			}),
		},
		{
			MethodName: "OfflineUnlock",
			Handler: unaryHandler(AgentControl_OfflineUnlock_FullMethodName, func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
				return agent(srv).OfflineUnlock(ctx, in)
			}),
		},
		{
			MethodName: "PaymentLink",
			Handler: unaryHandler(AgentControl_PaymentLink_FullMethodName, func(srv any, ctx context.Context, in *emptypb.Empty) (*wrapperspb.StringValue, error) {
				return agent(srv).PaymentLink(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchState",
			Handler: serverStreamHandler(func(srv any, in *emptypb.Empty, stream grpc.ServerStreamingServer[structpb.Struct]) error {
				return agent(srv).WatchState(in, stream)
			}),
			ServerStreams: true,
		},
	},
}
