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

// DeviceRegistry method names.
const (
	DeviceRegistry_ServiceName = "devicelock.v1.DeviceRegistry"

	DeviceRegistry_RegisterOperator_FullMethodName   = "/devicelock.v1.DeviceRegistry/RegisterOperator"
	DeviceRegistry_Login_FullMethodName              = "/devicelock.v1.DeviceRegistry/Login"
	DeviceRegistry_GetDevice_FullMethodName          = "/devicelock.v1.DeviceRegistry/GetDevice"
	DeviceRegistry_PatchDevice_FullMethodName        = "/devicelock.v1.DeviceRegistry/PatchDevice"
	DeviceRegistry_SetDevice_FullMethodName          = "/devicelock.v1.DeviceRegistry/SetDevice"
	DeviceRegistry_WatchDevice_FullMethodName        = "/devicelock.v1.DeviceRegistry/WatchDevice"
	DeviceRegistry_SetDeviceFields_FullMethodName    = "/devicelock.v1.DeviceRegistry/SetDeviceFields"
	DeviceRegistry_ListDevices_FullMethodName        = "/devicelock.v1.DeviceRegistry/ListDevices"
	DeviceRegistry_BatchPatchAll_FullMethodName      = "/devicelock.v1.DeviceRegistry/BatchPatchAll"
	DeviceRegistry_PutLocationHistory_FullMethodName = "/devicelock.v1.DeviceRegistry/PutLocationHistory"
	DeviceRegistry_GetLocationHistory_FullMethodName = "/devicelock.v1.DeviceRegistry/GetLocationHistory"
)

// DeviceRegistryClient is the client API for the device registry.
//
// Device documents travel as Struct with a "deviceId" key; patch requests
// are Struct{deviceId, fields: Struct}.
type DeviceRegistryClient interface {
	RegisterOperator(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Login(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	GetDevice(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error)
	PatchDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	SetDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	WatchDevice(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error)
	SetDeviceFields(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	ListDevices(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error)
	BatchPatchAll(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	PutLocationHistory(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error)
	GetLocationHistory(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error)
}

type deviceRegistryClient struct {
	cc grpc.ClientConnInterface
}

// NewDeviceRegistryClient wraps a connection.
func NewDeviceRegistryClient(cc grpc.ClientConnInterface) DeviceRegistryClient {
	return &deviceRegistryClient{cc}
}

func (c *deviceRegistryClient) RegisterOperator(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, DeviceRegistry_RegisterOperator_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) Login(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, DeviceRegistry_Login_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) GetDevice(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, DeviceRegistry_GetDevice_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) PatchDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, DeviceRegistry_PatchDevice_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) SetDevice(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, DeviceRegistry_SetDevice_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) WatchDevice(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (grpc.ServerStreamingClient[structpb.Struct], error) {
	return openServerStream[wrapperspb.StringValue, structpb.Struct](ctx, c.cc, &DeviceRegistry_ServiceDesc.Streams[0], DeviceRegistry_WatchDevice_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) SetDeviceFields(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, DeviceRegistry_SetDeviceFields_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) ListDevices(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, DeviceRegistry_ListDevices_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) BatchPatchAll(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, DeviceRegistry_BatchPatchAll_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) PutLocationHistory(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, DeviceRegistry_PutLocationHistory_FullMethodName, in, opts...)
}

func (c *deviceRegistryClient) GetLocationHistory(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, DeviceRegistry_GetLocationHistory_FullMethodName, in, opts...)
}

// DeviceRegistryServer is the server API for the device registry.
// Implementations must embed UnimplementedDeviceRegistryServer.
type DeviceRegistryServer interface {
	RegisterOperator(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	PatchDevice(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetDevice(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	WatchDevice(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error
	SetDeviceFields(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListDevices(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	BatchPatchAll(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PutLocationHistory(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	GetLocationHistory(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	mustEmbedUnimplementedDeviceRegistryServer()
}

// UnimplementedDeviceRegistryServer returns Unimplemented for every method.
type UnimplementedDeviceRegistryServer struct{}

func (UnimplementedDeviceRegistryServer) RegisterOperator(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method RegisterOperator not implemented")
}
func (UnimplementedDeviceRegistryServer) Login(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Login not implemented")
}
func (UnimplementedDeviceRegistryServer) GetDevice(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method GetDevice not implemented")
}
func (UnimplementedDeviceRegistryServer) PatchDevice(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PatchDevice not implemented")
}
func (UnimplementedDeviceRegistryServer) SetDevice(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetDevice not implemented")
}
func (UnimplementedDeviceRegistryServer) WatchDevice(*wrapperspb.StringValue, grpc.ServerStreamingServer[structpb.Struct]) error {
	return status.Error(codes.Unimplemented, "method WatchDevice not implemented")
}
func (UnimplementedDeviceRegistryServer) SetDeviceFields(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method SetDeviceFields not implemented")
}
func (UnimplementedDeviceRegistryServer) ListDevices(context.Context, *emptypb.Empty) (*structpb.ListValue, error) {
	return nil, status.Error(codes.Unimplemented, "method ListDevices not implemented")
}
func (UnimplementedDeviceRegistryServer) BatchPatchAll(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method BatchPatchAll not implemented")
}
func (UnimplementedDeviceRegistryServer) PutLocationHistory(context.Context, *structpb.Struct) (*emptypb.Empty, error) {
	return nil, status.Error(codes.Unimplemented, "method PutLocationHistory not implemented")
}
func (UnimplementedDeviceRegistryServer) GetLocationHistory(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error) {
	return nil, status.Error(codes.Unimplemented, "method GetLocationHistory not implemented")
}
func (UnimplementedDeviceRegistryServer) mustEmbedUnimplementedDeviceRegistryServer() {}

// RegisterDeviceRegistryServer registers srv on s.
func RegisterDeviceRegistryServer(s grpc.ServiceRegistrar, srv DeviceRegistryServer) {
	s.RegisterService(&DeviceRegistry_ServiceDesc, srv)
}

func registry(srv any) DeviceRegistryServer { return srv.(DeviceRegistryServer) }

// DeviceRegistry_ServiceDesc is the grpc.ServiceDesc for the device registry.
var DeviceRegistry_ServiceDesc = grpc.ServiceDesc{
	ServiceName: DeviceRegistry_ServiceName,
	HandlerType: (*DeviceRegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RegisterOperator",
			Handler: unaryHandler(DeviceRegistry_RegisterOperator_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return registry(srv).RegisterOperator(ctx, in)
			}),
		},
		{
			MethodName: "Login",
			Handler: unaryHandler(DeviceRegistry_Login_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return registry(srv).Login(ctx, in)
			}),
		},
		{
			MethodName: "GetDevice",
			Handler: unaryHandler(DeviceRegistry_GetDevice_FullMethodName, func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return registry(srv).GetDevice(ctx, in)
			}),
		},
		{
			MethodName: "PatchDevice",
			Handler: unaryHandler(DeviceRegistry_PatchDevice_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
				return registry(srv).PatchDevice(ctx, in)
			}),
		},
		{
			MethodName: "SetDevice",
			Handler: unaryHandler(DeviceRegistry_SetDevice_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
				return registry(srv).SetDevice(ctx, in)
			}),
		},
		{
			MethodName: "SetDeviceFields",
			Handler: unaryHandler(DeviceRegistry_SetDeviceFields_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
				return registry(srv).SetDeviceFields(ctx, in)
			}),
		},
		{
			MethodName: "ListDevices",
			Handler: unaryHandler(DeviceRegistry_ListDevices_FullMethodName, func(srv any, ctx context.Context, in *emptypb.Empty) (*structpb.ListValue, error) {
				return registry(srv).ListDevices(ctx, in)
			}),
		},
		{
			MethodName: "BatchPatchAll",
			Handler: unaryHandler(DeviceRegistry_BatchPatchAll_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return registry(srv).BatchPatchAll(ctx, in)
			}),
		},
		{
			MethodName: "PutLocationHistory",
			Handler: unaryHandler(DeviceRegistry_PutLocationHistory_FullMethodName, func(srv any, ctx context.Context, in *structpb.Struct) (*emptypb.Empty, error) {
				return registry(srv).PutLocationHistory(ctx, in)
			}),
		},
		{
			MethodName: "GetLocationHistory",
			Handler: unaryHandler(DeviceRegistry_GetLocationHistory_FullMethodName, func(srv any, ctx context.Context, in *wrapperspb.StringValue) (*structpb.ListValue, error) {
				return registry(srv).GetLocationHistory(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchDevice",
			Handler: serverStreamHandler(func(srv any, in *wrapperspb.StringValue, stream grpc.ServerStreamingServer[structpb.Struct]) error {
				return registry(srv).WatchDevice(in, stream)
			}),
			ServerStreams: true,
		},
	},
}
