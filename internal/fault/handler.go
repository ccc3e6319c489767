// Package fault 把具名 goroutine 中未捕获的 panic 汇集到一个处理协程。
package fault

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"medic/internal/metrics"
)

// Fault 一次未捕获的异常
type Fault struct {
	Kind  string // 协程种类: scheduler / poll-loop / wire-sender ...
	Err   error
	Stack []byte
}

// Handler 单个有界队列 + 专用处理协程
// 队列容量为 1：一次只处理一个故障，故障突发时上报方会阻塞，动作只是 "记录并继续"
type Handler struct {
	queue   chan Fault
	done    chan struct{}
	once    sync.Once
	metrics *metrics.Registry
	logger  *zap.Logger
}

// NewHandler 构造函数
func NewHandler(m *metrics.Registry, logger *zap.Logger) *Handler {
	return &Handler{
		queue:   make(chan Fault, 1),
		done:    make(chan struct{}),
		metrics: m,
		logger:  logger.Named("fault"),
	}
}

// Run 处理协程主循环，ctx 结束后退出
func (h *Handler) Run(ctx context.Context) {
	defer h.once.Do(func() { close(h.done) })
	for {
		select {
		case f := <-h.queue:
			h.handle(f)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handle(f Fault) {
	h.logger.Error("uncaught fault in worker",
		zap.String("kind", f.Kind),
		zap.Error(f.Err),
		zap.ByteString("stack", f.Stack),
	)
	h.metrics.WorkerFaults.WithLabelValues(f.Kind).Inc()
}

// Report 上报一个故障；处理协程已退出时直接丢弃
func (h *Handler) Report(f Fault) {
	select {
	case h.queue <- f:
	case <-h.done:
	}
}

// Go 在新协程里运行 fn，panic 会被捕获并上报
func (h *Handler) Go(kind string, fn func()) {
	go h.Guard(kind, fn)
}

// Guard 同步运行 fn 并捕获 panic
func (h *Handler) Guard(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.Report(Fault{
				Kind:  kind,
				Err:   fmt.Errorf("panic: %v", r),
				Stack: debug.Stack(),
			})
		}
	}()
	fn()
}
