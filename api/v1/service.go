package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	Coordination_CreateSession_FullMethodName = "/turnstile.v1.Coordination/CreateSession"
	Coordination_Heartbeat_FullMethodName     = "/turnstile.v1.Coordination/Heartbeat"
	Coordination_CloseSession_FullMethodName  = "/turnstile.v1.Coordination/CloseSession"
	Coordination_CreateNode_FullMethodName    = "/turnstile.v1.Coordination/CreateNode"
	Coordination_DeleteNode_FullMethodName    = "/turnstile.v1.Coordination/DeleteNode"
	Coordination_Children_FullMethodName      = "/turnstile.v1.Coordination/Children"
	Coordination_SetData_FullMethodName       = "/turnstile.v1.Coordination/SetData"
	Coordination_WatchData_FullMethodName     = "/turnstile.v1.Coordination/WatchData"
	Coordination_GetStatus_FullMethodName     = "/turnstile.v1.Coordination/GetStatus"
	Coordination_Join_FullMethodName          = "/turnstile.v1.Coordination/Join"
)

// CoordinationClient is the client API for the Coordination service.
type CoordinationClient interface {
	CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*CreateSessionResponse, error)
	Heartbeat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[HeartbeatRequest, HeartbeatResponse], error)
	CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error)
	CreateNode(ctx context.Context, in *CreateNodeRequest, opts ...grpc.CallOption) (*CreateNodeResponse, error)
	DeleteNode(ctx context.Context, in *DeleteNodeRequest, opts ...grpc.CallOption) (*DeleteNodeResponse, error)
	Children(ctx context.Context, in *ChildrenRequest, opts ...grpc.CallOption) (*ChildrenResponse, error)
	SetData(ctx context.Context, in *SetDataRequest, opts ...grpc.CallOption) (*SetDataResponse, error)
	WatchData(ctx context.Context, in *WatchDataRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WatchDataResponse], error)
	GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error)
	Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error)
}

type coordinationClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinationClient(cc grpc.ClientConnInterface) CoordinationClient {
	return &coordinationClient{cc}
}

// every call is sent with the json codec
func callOptions(opts []grpc.CallOption) []grpc.CallOption {
	return append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
}

func invoke[Req, Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in *Req, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, method, in, out, callOptions(opts)...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *coordinationClient) CreateSession(ctx context.Context, in *CreateSessionRequest, opts ...grpc.CallOption) (*CreateSessionResponse, error) {
	return invoke[CreateSessionRequest, CreateSessionResponse](ctx, c.cc, Coordination_CreateSession_FullMethodName, in, opts)
}

func (c *coordinationClient) Heartbeat(ctx context.Context, opts ...grpc.CallOption) (grpc.BidiStreamingClient[HeartbeatRequest, HeartbeatResponse], error) {
	stream, err := c.cc.NewStream(ctx, &Coordination_ServiceDesc.Streams[0], Coordination_Heartbeat_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	return &grpc.GenericClientStream[HeartbeatRequest, HeartbeatResponse]{ClientStream: stream}, nil
}

func (c *coordinationClient) CloseSession(ctx context.Context, in *CloseSessionRequest, opts ...grpc.CallOption) (*CloseSessionResponse, error) {
	return invoke[CloseSessionRequest, CloseSessionResponse](ctx, c.cc, Coordination_CloseSession_FullMethodName, in, opts)
}

func (c *coordinationClient) CreateNode(ctx context.Context, in *CreateNodeRequest, opts ...grpc.CallOption) (*CreateNodeResponse, error) {
	return invoke[CreateNodeRequest, CreateNodeResponse](ctx, c.cc, Coordination_CreateNode_FullMethodName, in, opts)
}

func (c *coordinationClient) DeleteNode(ctx context.Context, in *DeleteNodeRequest, opts ...grpc.CallOption) (*DeleteNodeResponse, error) {
	return invoke[DeleteNodeRequest, DeleteNodeResponse](ctx, c.cc, Coordination_DeleteNode_FullMethodName, in, opts)
}

func (c *coordinationClient) Children(ctx context.Context, in *ChildrenRequest, opts ...grpc.CallOption) (*ChildrenResponse, error) {
	return invoke[ChildrenRequest, ChildrenResponse](ctx, c.cc, Coordination_Children_FullMethodName, in, opts)
}

func (c *coordinationClient) SetData(ctx context.Context, in *SetDataRequest, opts ...grpc.CallOption) (*SetDataResponse, error) {
	return invoke[SetDataRequest, SetDataResponse](ctx, c.cc, Coordination_SetData_FullMethodName, in, opts)
}

func (c *coordinationClient) WatchData(ctx context.Context, in *WatchDataRequest, opts ...grpc.CallOption) (grpc.ServerStreamingClient[WatchDataResponse], error) {
	stream, err := c.cc.NewStream(ctx, &Coordination_ServiceDesc.Streams[1], Coordination_WatchData_FullMethodName, callOptions(opts)...)
	if err != nil {
		return nil, err
	}
	x := &grpc.GenericClientStream[WatchDataRequest, WatchDataResponse]{ClientStream: stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

func (c *coordinationClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	return invoke[GetStatusRequest, GetStatusResponse](ctx, c.cc, Coordination_GetStatus_FullMethodName, in, opts)
}

func (c *coordinationClient) Join(ctx context.Context, in *JoinRequest, opts ...grpc.CallOption) (*JoinResponse, error) {
	return invoke[JoinRequest, JoinResponse](ctx, c.cc, Coordination_Join_FullMethodName, in, opts)
}

// CoordinationServer is the server API for the Coordination service.
// Implementations must embed UnimplementedCoordinationServer.
type CoordinationServer interface {
	CreateSession(context.Context, *CreateSessionRequest) (*CreateSessionResponse, error)
	Heartbeat(grpc.BidiStreamingServer[HeartbeatRequest, HeartbeatResponse]) error
	CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error)
	CreateNode(context.Context, *CreateNodeRequest) (*CreateNodeResponse, error)
	DeleteNode(context.Context, *DeleteNodeRequest) (*DeleteNodeResponse, error)
	Children(context.Context, *ChildrenRequest) (*ChildrenResponse, error)
	SetData(context.Context, *SetDataRequest) (*SetDataResponse, error)
	WatchData(*WatchDataRequest, grpc.ServerStreamingServer[WatchDataResponse]) error
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	Join(context.Context, *JoinRequest) (*JoinResponse, error)
	mustEmbedUnimplementedCoordinationServer()
}

type UnimplementedCoordinationServer struct{}

func (UnimplementedCoordinationServer) CreateSession(context.Context, *CreateSessionRequest) (*CreateSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateSession not implemented")
}
func (UnimplementedCoordinationServer) Heartbeat(grpc.BidiStreamingServer[HeartbeatRequest, HeartbeatResponse]) error {
	return status.Error(codes.Unimplemented, "method Heartbeat not implemented")
}
func (UnimplementedCoordinationServer) CloseSession(context.Context, *CloseSessionRequest) (*CloseSessionResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CloseSession not implemented")
}
func (UnimplementedCoordinationServer) CreateNode(context.Context, *CreateNodeRequest) (*CreateNodeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method CreateNode not implemented")
}
func (UnimplementedCoordinationServer) DeleteNode(context.Context, *DeleteNodeRequest) (*DeleteNodeResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method DeleteNode not implemented")
}
func (UnimplementedCoordinationServer) Children(context.Context, *ChildrenRequest) (*ChildrenResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Children not implemented")
}
func (UnimplementedCoordinationServer) SetData(context.Context, *SetDataRequest) (*SetDataResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method SetData not implemented")
}
func (UnimplementedCoordinationServer) WatchData(*WatchDataRequest, grpc.ServerStreamingServer[WatchDataResponse]) error {
	return status.Error(codes.Unimplemented, "method WatchData not implemented")
}
func (UnimplementedCoordinationServer) GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method GetStatus not implemented")
}
func (UnimplementedCoordinationServer) Join(context.Context, *JoinRequest) (*JoinResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method Join not implemented")
}
func (UnimplementedCoordinationServer) mustEmbedUnimplementedCoordinationServer() {}

func RegisterCoordinationServer(s grpc.ServiceRegistrar, srv CoordinationServer) {
	s.RegisterService(&Coordination_ServiceDesc, srv)
}

// unary builds the method handler for one RPC
func unary[Req, Resp any](method string, call func(CoordinationServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(CoordinationServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(CoordinationServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func _Coordination_Heartbeat_Handler(srv any, stream grpc.ServerStream) error {
	return srv.(CoordinationServer).Heartbeat(&grpc.GenericServerStream[HeartbeatRequest, HeartbeatResponse]{ServerStream: stream})
}

func _Coordination_WatchData_Handler(srv any, stream grpc.ServerStream) error {
	m := new(WatchDataRequest)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(CoordinationServer).WatchData(m, &grpc.GenericServerStream[WatchDataRequest, WatchDataResponse]{ServerStream: stream})
}

// Coordination_ServiceDesc is the grpc.ServiceDesc for the Coordination service.
var Coordination_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "turnstile.v1.Coordination",
	HandlerType: (*CoordinationServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateSession",
			Handler: unary(Coordination_CreateSession_FullMethodName, func(s CoordinationServer, ctx context.Context, in *CreateSessionRequest) (*CreateSessionResponse, error) {
				return s.CreateSession(ctx, in)
			}),
		},
		{
			MethodName: "CloseSession",
			Handler: unary(Coordination_CloseSession_FullMethodName, func(s CoordinationServer, ctx context.Context, in *CloseSessionRequest) (*CloseSessionResponse, error) {
				return s.CloseSession(ctx, in)
			}),
		},
		{
			MethodName: "CreateNode",
			Handler: unary(Coordination_CreateNode_FullMethodName, func(s CoordinationServer, ctx context.Context, in *CreateNodeRequest) (*CreateNodeResponse, error) {
				return s.CreateNode(ctx, in)
			}),
		},
		{
			MethodName: "DeleteNode",
			Handler: unary(Coordination_DeleteNode_FullMethodName, func(s CoordinationServer, ctx context.Context, in *DeleteNodeRequest) (*DeleteNodeResponse, error) {
				return s.DeleteNode(ctx, in)
			}),
		},
		{
			MethodName: "Children",
			Handler: unary(Coordination_Children_FullMethodName, func(s CoordinationServer, ctx context.Context, in *ChildrenRequest) (*ChildrenResponse, error) {
				return s.Children(ctx, in)
			}),
		},
		{
			MethodName: "SetData",
			Handler: unary(Coordination_SetData_FullMethodName, func(s CoordinationServer, ctx context.Context, in *SetDataRequest) (*SetDataResponse, error) {
				return s.SetData(ctx, in)
			}),
		},
		{
			MethodName: "GetStatus",
			Handler: unary(Coordination_GetStatus_FullMethodName, func(s CoordinationServer, ctx context.Context, in *GetStatusRequest) (*GetStatusResponse, error) {
				return s.GetStatus(ctx, in)
			}),
		},
		{
			MethodName: "Join",
			Handler: unary(Coordination_Join_FullMethodName, func(s CoordinationServer, ctx context.Context, in *JoinRequest) (*JoinResponse, error) {
				return s.Join(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Heartbeat",
			Handler:       _Coordination_Heartbeat_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
		{
			StreamName:    "WatchData",
			Handler:       _Coordination_WatchData_Handler,
			ServerStreams: true,
		},
	},
	Metadata: "turnstile/v1/coordination",
}

// stream aliases kept for callers that name the stream types
type (
	Coordination_HeartbeatClient = grpc.BidiStreamingClient[HeartbeatRequest, HeartbeatResponse]
	Coordination_HeartbeatServer = grpc.BidiStreamingServer[HeartbeatRequest, HeartbeatResponse]
	Coordination_WatchDataClient = grpc.ServerStreamingClient[WatchDataResponse]
	Coordination_WatchDataServer = grpc.ServerStreamingServer[WatchDataResponse]
)
