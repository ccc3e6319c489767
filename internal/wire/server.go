package wire

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"medic/internal/metrics"
)

// Handlers 服务端业务逻辑 (由 Hopper 实现)
type Handlers interface {
	HandleSubscribe(ctx context.Context, req *SubscribeRequest) *SubscribeResponse
	HandleUnsubscribe(ctx context.Context, req *UnsubscribeRequest)
	// HandlePublish 返回非 nil 表示拒收
	HandlePublish(msg *PublishMessage) *PublishReply
}

type handlerBox struct {
	h Handlers
}

// Server 进程级的 gRPC 服务
// 每次重建只替换 Handlers，监听端口和连接保持不变
type Server struct {
	handlers atomic.Pointer[handlerBox]
	grpc     *grpc.Server
	metrics  *metrics.Registry
	logger   *zap.Logger
}

var _ WireServer = (*Server)(nil)

// NewServer 构造函数
func NewServer(m *metrics.Registry, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:    grpc.NewServer(opts...),
		metrics: m,
		logger:  logger.Named("wire-server"),
	}
	s.grpc.RegisterService(&serviceDesc, s)
	return s
}

// Attach 挂上新的处理器
func (s *Server) Attach(h Handlers) {
	s.handlers.Store(&handlerBox{h: h})
}

// Detach 摘下处理器，之后的请求返回 Unavailable
func (s *Server) Detach() {
	s.handlers.Store(nil)
}

func (s *Server) current() (Handlers, error) {
	box := s.handlers.Load()
	if box == nil {
		return nil, status.Error(codes.Unavailable, "wire handlers detached")
	}
	return box.h, nil
}

// Serve 阻塞直到 Stop
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("wire server listening", zap.String("addr", lis.Addr().String()))
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop 优雅停止
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

func (s *Server) Subscribe(ctx context.Context, req *SubscribeRequest) (*SubscribeResponse, error) {
	h, err := s.current()
	if err != nil {
		return nil, err
	}
	s.metrics.MessagesReceived.WithLabelValues("SUBSCRIBE").Inc()
	return h.HandleSubscribe(ctx, req), nil
}

func (s *Server) Unsubscribe(ctx context.Context, req *UnsubscribeRequest) (*UnsubscribeResponse, error) {
	h, err := s.current()
	if err != nil {
		return nil, err
	}
	s.metrics.MessagesReceived.WithLabelValues("UNSUBSCRIBE").Inc()
	h.HandleUnsubscribe(ctx, req)
	return &UnsubscribeResponse{}, nil
}

// Publish 每条消息都重新取一次处理器：重建期间旧流收到的消息交给新处理器判断
func (s *Server) Publish(stream PublishServerStream) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		h, err := s.current()
		if err != nil {
			return err
		}
		s.metrics.MessagesReceived.WithLabelValues(string(msg.Kind)).Inc()
		if reply := h.HandlePublish(msg); reply != nil {
			if err := stream.Send(reply); err != nil {
				return err
			}
		}
	}
}
