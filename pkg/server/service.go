package server

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the gRPC service exposing the key-value engine
const ServiceName = "segkv.KVS"

const (
	methodGet    = "/" + ServiceName + "/Get"
	methodSet    = "/" + ServiceName + "/Set"
	methodRemove = "/" + ServiceName + "/Remove"
)

// GetRequest asks for the value of a key
type GetRequest struct {
	Key string `json:"key"`
}

// GetResponse carries a value; Found is false for an absent key
type GetResponse struct {
	Value string `json:"value,omitempty"`
	Found bool   `json:"found"`
}

// SetRequest stores a value
type SetRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SetResponse acknowledges a SetRequest
type SetResponse struct{}

// RemoveRequest deletes a key
type RemoveRequest struct {
	Key string `json:"key"`
}

// RemoveResponse acknowledges a RemoveRequest
type RemoveResponse struct{}

// KVSServiceServer is implemented by the server side of the KVS service
type KVSServiceServer interface {
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Set(context.Context, *SetRequest) (*SetResponse, error)
	Remove(context.Context, *RemoveRequest) (*RemoveResponse, error)
}

var kvsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*KVSServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Get", Handler: getHandler},
		{MethodName: "Set", Handler: setHandler},
		{MethodName: "Remove", Handler: removeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "segkv/kvs",
}

// RegisterKVSServiceServer registers srv with a gRPC server
func RegisterKVSServiceServer(s grpc.ServiceRegistrar, srv KVSServiceServer) {
	s.RegisterService(&kvsServiceDesc, srv)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVSServiceServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KVSServiceServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func setHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVSServiceServer).Set(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSet}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KVSServiceServer).Set(ctx, req.(*SetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func removeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RemoveRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVSServiceServer).Remove(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRemove}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(KVSServiceServer).Remove(ctx, req.(*RemoveRequest))
	}
	return interceptor(ctx, in, info, handler)
}
