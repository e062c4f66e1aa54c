package grpcks

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
//
// FetchKey carries the canonical keyserver.Request and keyserver.Response
// encodings inside BytesValue, so no protoc step is needed.
const ServiceName = "sealgate.keyserver.v1.KeyServer"

const (
	methodPublicKey = "/" + ServiceName + "/PublicKey"
	methodFetchKey  = "/" + ServiceName + "/FetchKey"
)

// KeyServerServer is the server API for the KeyServer gRPC service.
type KeyServerServer interface {
	PublicKey(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error)
	FetchKey(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// UnimplementedKeyServerServer can be embedded to have forward compatible implementations.
type UnimplementedKeyServerServer struct{}

func (UnimplementedKeyServerServer) PublicKey(context.Context, *emptypb.Empty) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method PublicKey not implemented")
}
func (UnimplementedKeyServerServer) FetchKey(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return nil, status.Error(codes.Unimplemented, "method FetchKey not implemented")
}

// RegisterKeyServerServer registers the KeyServer service on a gRPC server.
func RegisterKeyServerServer(s grpc.ServiceRegistrar, srv KeyServerServer) {
	s.RegisterService(&KeyServer_ServiceDesc, srv)
}

// KeyServerClient is the client API for the KeyServer gRPC service.
type KeyServerClient interface {
	PublicKey(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
	FetchKey(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error)
}

type keyServerClient struct{ cc grpc.ClientConnInterface }

func NewKeyServerClient(cc grpc.ClientConnInterface) KeyServerClient {
	return &keyServerClient{cc: cc}
}

func (c *keyServerClient) PublicKey(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodPublicKey, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *keyServerClient) FetchKey(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*wrapperspb.BytesValue, error) {
	out := new(wrapperspb.BytesValue)
	if err := c.cc.Invoke(ctx, methodFetchKey, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func _KeyServer_PublicKey_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyServerServer).PublicKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodPublicKey}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KeyServerServer).PublicKey(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func _KeyServer_FetchKey_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KeyServerServer).FetchKey(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodFetchKey}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KeyServerServer).FetchKey(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// KeyServer_ServiceDesc is the grpc.ServiceDesc for KeyServer service.
var KeyServer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KeyServerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PublicKey", Handler: _KeyServer_PublicKey_Handler},
		{MethodName: "FetchKey", Handler: _KeyServer_FetchKey_Handler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "sealgate/keyserver/v1/keyserver.proto",
}
