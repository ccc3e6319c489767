package wire

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"medic/internal/metrics"
)

// ErrClientClosed 客户端已关闭
var ErrClientClosed = errors.New("wire client closed")

// RejectFunc 对端拒收推送时回调
type RejectFunc func(endpoint string, reply *PublishReply)

// Client 按对端地址缓存连接和推送流
type Client struct {
	dialOpts    []grpc.DialOption
	callTimeout time.Duration
	onReject    RejectFunc
	metrics     *metrics.Registry
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	conns   map[string]*grpc.ClientConn
	streams map[string]*publishStream
}

// publishStream 一条到订阅者的推送流，Send 需要串行
type publishStream struct {
	mu     sync.Mutex
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// NewClient 构造函数；opts 追加在默认拨号参数之后 (测试里替换 dialer)
func NewClient(callTimeout time.Duration, onReject RejectFunc, m *metrics.Registry, logger *zap.Logger, opts ...grpc.DialOption) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return &Client{
		dialOpts:    append(dialOpts, opts...),
		callTimeout: callTimeout,
		onReject:    onReject,
		metrics:     m,
		logger:      logger.Named("wire-client"),
		ctx:         ctx,
		cancel:      cancel,
		conns:       make(map[string]*grpc.ClientConn),
		streams:     make(map[string]*publishStream),
	}
}

// conn 懒加载连接；grpc.NewClient 不会立即拨号
func (c *Client) conn(endpoint string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if cc, ok := c.conns[endpoint]; ok {
		return cc, nil
	}
	cc, err := grpc.NewClient("passthrough:///"+endpoint, c.dialOpts...)
	if err != nil {
		return nil, err
	}
	c.conns[endpoint] = cc
	return cc, nil
}

// Subscribe 一元调用，带超时
func (c *Client) Subscribe(ctx context.Context, endpoint string, req *SubscribeRequest) (*SubscribeResponse, error) {
	cc, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	resp := new(SubscribeResponse)
	if err := cc.Invoke(ctx, subscribeMethod, req, resp); err != nil {
		return nil, err
	}
	c.metrics.MessagesSent.WithLabelValues("SUBSCRIBE").Inc()
	return resp, nil
}

// Unsubscribe 一元调用，带超时
func (c *Client) Unsubscribe(ctx context.Context, endpoint string, req *UnsubscribeRequest) error {
	cc, err := c.conn(endpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	if err := cc.Invoke(ctx, unsubscribeMethod, req, new(UnsubscribeResponse)); err != nil {
		return err
	}
	c.metrics.MessagesSent.WithLabelValues("UNSUBSCRIBE").Inc()
	return nil
}

// Send 通过到 endpoint 的推送流发送一条消息
// 发送失败时丢掉这条流，下次发送重新建立
func (c *Client) Send(endpoint string, msg *PublishMessage) error {
	ps, err := c.stream(endpoint)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	err = ps.stream.SendMsg(msg)
	ps.mu.Unlock()
	if err != nil {
		c.dropStream(endpoint, ps)
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
	return nil
}

func (c *Client) stream(endpoint string) (*publishStream, error) {
	cc, err := c.conn(endpoint)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if ps, ok := c.streams[endpoint]; ok {
		return ps, nil
	}

	ctx, cancel := context.WithCancel(c.ctx)
	s, err := cc.NewStream(ctx, &serviceDesc.Streams[0], publishMethod)
	if err != nil {
		cancel()
		return nil, err
	}
	ps := &publishStream{stream: s, cancel: cancel}
	c.streams[endpoint] = ps
	go c.readReplies(endpoint, ps)
	return ps, nil
}

// readReplies 读取对端的拒收消息直到流结束
func (c *Client) readReplies(endpoint string, ps *publishStream) {
	for {
		reply := new(PublishReply)
		err := ps.stream.RecvMsg(reply)
		if err != nil {
			if err != io.EOF && status.Code(err) != codes.Canceled {
				c.logger.Debug("publish stream closed", zap.String("endpoint", endpoint), zap.Error(err))
			}
			c.dropStream(endpoint, ps)
			return
		}
		if c.onReject != nil {
			c.onReject(endpoint, reply)
		}
	}
}

func (c *Client) dropStream(endpoint string, ps *publishStream) {
	c.mu.Lock()
	if cur, ok := c.streams[endpoint]; ok && cur == ps {
		delete(c.streams, endpoint)
	}
	c.mu.Unlock()
	ps.cancel()
}

// CloseStreams 半关闭全部推送流，对端读到 EOF
func (c *Client) CloseStreams() {
	c.mu.Lock()
	streams := c.streams
	c.streams = make(map[string]*publishStream)
	c.mu.Unlock()

	for endpoint, ps := range streams {
		ps.mu.Lock()
		if err := ps.stream.CloseSend(); err != nil {
			c.logger.Debug("close send failed", zap.String("endpoint", endpoint), zap.Error(err))
		}
		ps.mu.Unlock()
	}
}

// Close 取消所有流并关闭连接
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := c.conns
	c.conns = nil
	c.streams = nil
	c.mu.Unlock()

	c.cancel()
	var errs []error
	for _, cc := range conns {
		if err := cc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// errorKind 错误分类，作为 rpc_errors_total 的 kind 标签
func errorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return codes.DeadlineExceeded.String()
	}
	if errors.Is(err, ErrClientClosed) {
		return "ClientClosed"
	}
	if s, ok := status.FromError(err); ok {
		return s.Code().String()
	}
	return "Internal"
}
