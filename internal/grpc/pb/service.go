package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceName is the gRPC full service name, the hand-written
// equivalent of what protoc-gen-go-grpc would derive from a .proto
// package+service declaration.
const ServiceName = "gputrace.GpuTraceCollector"

// GpuTraceCollectorClient is the client side of the collector service.
type GpuTraceCollectorClient interface {
	SendBatch(ctx context.Context, in *Batch, opts ...grpc.CallOption) (*Ack, error)
}

type gpuTraceCollectorClient struct {
	cc grpc.ClientConnInterface
}

// NewGpuTraceCollectorClient wraps an established connection. Callers
// must dial with grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec()))
// (see internal/grpc.NewClient) so requests and responses use the JSON codec
// registered in this package's init.
func NewGpuTraceCollectorClient(cc grpc.ClientConnInterface) GpuTraceCollectorClient {
	return &gpuTraceCollectorClient{cc: cc}
}

func (c *gpuTraceCollectorClient) SendBatch(ctx context.Context, in *Batch, opts ...grpc.CallOption) (*Ack, error) {
	out := new(Ack)
	err := c.cc.Invoke(ctx, "/"+ServiceName+"/SendBatch", in, out, opts...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GpuTraceCollectorServer is the server side of the collector service.
type GpuTraceCollectorServer interface {
	SendBatch(ctx context.Context, in *Batch) (*Ack, error)
}

func sendBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Batch)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GpuTraceCollectorServer).SendBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/SendBatch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GpuTraceCollectorServer).SendBatch(ctx, req.(*Batch))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is the hand-written equivalent of the generated
// _GpuTraceCollector_serviceDesc.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GpuTraceCollectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SendBatch",
			Handler:    sendBatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gputrace.proto",
}

// RegisterGpuTraceCollectorServer registers srv on s.
func RegisterGpuTraceCollectorServer(s grpc.ServiceRegistrar, srv GpuTraceCollectorServer) {
	s.RegisterService(&ServiceDesc, srv)
}
