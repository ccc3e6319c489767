package wire

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"medic/internal/fault"
	"medic/internal/metrics"
)

// envelope 一条待发送的消息
type envelope struct {
	endpoint string
	msg      *PublishMessage
}

// Sender 有界发送队列 + 固定数量的网络 worker
// 队列满了丢最旧的消息，调度器永远不会因为网络而阻塞
type Sender struct {
	client  *Client
	faults  *fault.Handler
	metrics *metrics.Registry
	logger  *zap.Logger
	errLog  rate.Sometimes

	workers int
	queue   chan envelope

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	stopNow chan struct{}
}

// NewSender 构造函数
func NewSender(client *Client, capacity, workers int, faults *fault.Handler, m *metrics.Registry, logger *zap.Logger) *Sender {
	if capacity < 1 {
		capacity = 1
	}
	if workers < 1 {
		workers = 1
	}
	return &Sender{
		client:  client,
		faults:  faults,
		metrics: m,
		logger:  logger.Named("wire-sender"),
		errLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
		workers: workers,
		queue:   make(chan envelope, capacity),
		stopNow: make(chan struct{}),
	}
}

// Start 启动 worker
func (s *Sender) Start() {
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.work()
		}()
	}
}

func (s *Sender) work() {
	for {
		select {
		case env, ok := <-s.queue:
			if !ok {
				return
			}
			s.send(env)
		case <-s.stopNow:
			return
		}
	}
}

func (s *Sender) send(env envelope) {
	run := func() {
		if err := s.client.Send(env.endpoint, env.msg); err != nil {
			kind := errorKind(err)
			s.metrics.RPCErrors.WithLabelValues("publish", kind).Inc()
			s.errLog.Do(func() {
				s.logger.Warn("publish failed",
					zap.String("endpoint", env.endpoint),
					zap.String("vertex", env.msg.Vertex),
					zap.String("kind", kind),
					zap.Error(err))
			})
		}
	}
	if s.faults != nil {
		s.faults.Guard("wire-sender", run)
		return
	}
	run()
}

// Enqueue 非阻塞入队；满了丢最旧的一条
func (s *Sender) Enqueue(endpoint string, msg *PublishMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	env := envelope{endpoint: endpoint, msg: msg}
	for {
		select {
		case s.queue <- env:
			return
		default:
		}
		select {
		case <-s.queue:
			s.metrics.OutboundDropped.Inc()
		default:
		}
	}
}

// Shutdown 停止接收新消息，给 grace 时间把队列发完，超时后强制停止
// 返回是否在 grace 内正常结束
func (s *Sender) Shutdown(grace time.Duration) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		s.logger.Warn("sender did not drain within grace period, forcing stop", zap.Duration("grace", grace))
		close(s.stopNow)
		// 取消流上阻塞中的发送
		_ = s.client.Close()
		<-done
		return false
	}
}
