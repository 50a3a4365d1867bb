package rpcpeer

import (
	"context"

	"google.golang.org/grpc"
)

// SchedulerServer is the server-side contract a detock-scheduler process
// implements to receive ForwardTxn envelopes, remote-read results and
// Deadlock Resolver gossip from its peers (spec.md §6's envelope table).
// Hand-written in the shape protoc-gen-go-grpc would otherwise generate,
// since this tree has no protoc toolchain available to run.
type SchedulerServer interface {
	ForwardTxn(context.Context, *TxnEnvelope) (*Empty, error)
	PushRemoteRead(context.Context, *RemoteReadWire) (*Empty, error)
	PushGraph(context.Context, *GraphWire) (*Empty, error)
	PullGraphs(context.Context, *Empty) (*GraphsWire, error)
	Stats(context.Context, *Empty) (*StatsWire, error)
}

// RegisterSchedulerServer attaches srv's methods to s under the service
// descriptor below.
func RegisterSchedulerServer(s *grpc.Server, srv SchedulerServer) {
	s.RegisterService(&schedulerServiceDesc, srv)
}

func schedulerForwardTxnHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TxnEnvelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).ForwardTxn(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpcpeer.Scheduler/ForwardTxn"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).ForwardTxn(ctx, req.(*TxnEnvelope))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerPushRemoteReadHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RemoteReadWire)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).PushRemoteRead(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpcpeer.Scheduler/PushRemoteRead"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).PushRemoteRead(ctx, req.(*RemoteReadWire))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerPushGraphHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GraphWire)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).PushGraph(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpcpeer.Scheduler/PushGraph"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).PushGraph(ctx, req.(*GraphWire))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerPullGraphsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).PullGraphs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpcpeer.Scheduler/PullGraphs"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).PullGraphs(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func schedulerStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SchedulerServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/rpcpeer.Scheduler/Stats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SchedulerServer).Stats(ctx, req.(*Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var schedulerServiceDesc = grpc.ServiceDesc{
	ServiceName: "rpcpeer.Scheduler",
	HandlerType: (*SchedulerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ForwardTxn", Handler: schedulerForwardTxnHandler},
		{MethodName: "PushRemoteRead", Handler: schedulerPushRemoteReadHandler},
		{MethodName: "PushGraph", Handler: schedulerPushGraphHandler},
		{MethodName: "PullGraphs", Handler: schedulerPullGraphsHandler},
		{MethodName: "Stats", Handler: schedulerStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rpcpeer/scheduler.proto",
}

// SchedulerClient is the client-side stub, hand-written for the same reason
// as the server descriptor above.
type SchedulerClient struct {
	cc grpc.ClientConnInterface
}

func NewSchedulerClient(cc grpc.ClientConnInterface) *SchedulerClient {
	return &SchedulerClient{cc: cc}
}

func (c *SchedulerClient) ForwardTxn(ctx context.Context, in *TxnEnvelope) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/rpcpeer.Scheduler/ForwardTxn", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) PushRemoteRead(ctx context.Context, in *RemoteReadWire) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/rpcpeer.Scheduler/PushRemoteRead", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) PushGraph(ctx context.Context, in *GraphWire) (*Empty, error) {
	out := new(Empty)
	if err := c.cc.Invoke(ctx, "/rpcpeer.Scheduler/PushGraph", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) PullGraphs(ctx context.Context, in *Empty) (*GraphsWire, error) {
	out := new(GraphsWire)
	if err := c.cc.Invoke(ctx, "/rpcpeer.Scheduler/PullGraphs", in, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SchedulerClient) Stats(ctx context.Context, in *Empty) (*StatsWire, error) {
	out := new(StatsWire)
	if err := c.cc.Invoke(ctx, "/rpcpeer.Scheduler/Stats", in, out); err != nil {
		return nil, err
	}
	return out, nil
}
