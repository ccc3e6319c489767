package wire

import (
	"context"

	"google.golang.org/grpc"
)

const (
	ServiceName = "medic.wire.v1.Wire"

	subscribeMethod   = "/" + ServiceName + "/Subscribe"
	unsubscribeMethod = "/" + ServiceName + "/Unsubscribe"
	publishMethod     = "/" + ServiceName + "/Publish"
)

// WireServer 服务端接口
type WireServer interface {
	Subscribe(ctx context.Context, req *SubscribeRequest) (*SubscribeResponse, error)
	Unsubscribe(ctx context.Context, req *UnsubscribeRequest) (*UnsubscribeResponse, error)
	Publish(stream PublishServerStream) error
}

// PublishServerStream 服务端视角的双向流
type PublishServerStream interface {
	Recv() (*PublishMessage, error)
	Send(*PublishReply) error
	Context() context.Context
}

type publishServerStream struct {
	grpc.ServerStream
}

func (s publishServerStream) Recv() (*PublishMessage, error) {
	m := new(PublishMessage)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s publishServerStream) Send(r *PublishReply) error {
	return s.ServerStream.SendMsg(r)
}

func subscribeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SubscribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WireServer).Subscribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: subscribeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WireServer).Subscribe(ctx, req.(*SubscribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func unsubscribeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UnsubscribeRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(WireServer).Unsubscribe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: unsubscribeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(WireServer).Unsubscribe(ctx, req.(*UnsubscribeRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func publishHandler(srv any, stream grpc.ServerStream) error {
	return srv.(WireServer).Publish(publishServerStream{stream})
}

// serviceDesc 手写的服务描述，等价于 protoc 生成的代码
var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WireServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Subscribe", Handler: subscribeHandler},
		{MethodName: "Unsubscribe", Handler: unsubscribeHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Publish",
			Handler:       publishHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
}
