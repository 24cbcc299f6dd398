package meshrpc

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "semanticmesh.v1.Mesh"

// jsonCodec carries messages as JSON instead of protobuf.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return "json" }

// MeshServer is the server API of the Mesh service.
type MeshServer interface {
	Get(context.Context, *KeyRequest) (*GetResponse, error)
	Set(context.Context, *SetRequest) (*BoolResponse, error)
	Delete(context.Context, *KeyRequest) (*BoolResponse, error)
	Exists(context.Context, *KeyRequest) (*BoolResponse, error)
	CompareAndSet(context.Context, *CompareAndSetRequest) (*BoolResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	GetVersion(context.Context, *KeyRequest) (*VersionResponse, error)
	Clear(context.Context, *ClearRequest) (*BoolResponse, error)
	Publish(context.Context, *PublishRequest) (*PublishResponse, error)
	Watch(*WatchRequest, grpc.ServerStream) error
}

func fullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary[Req, Resp any](method string, call func(MeshServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MeshServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MeshServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MeshServer).Watch(in, stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MeshServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Get", MeshServer.Get),
		unary("Set", MeshServer.Set),
		unary("Delete", MeshServer.Delete),
		unary("Exists", MeshServer.Exists),
		unary("CompareAndSet", MeshServer.CompareAndSet),
		unary("Snapshot", MeshServer.Snapshot),
		unary("GetVersion", MeshServer.GetVersion),
		unary("Clear", MeshServer.Clear),
		unary("Publish", MeshServer.Publish),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "semanticmesh/v1/mesh",
}
