package wire

import (
	"context"
	"sort"
	"sync"
	"time"

	"medic/pkg/model"
)

// InboundBuffer 每个上游顶点一个定长缓冲
// 满了丢最旧的一条；同时记录自上次 Drain 以来听到过哪些来源 (推送或心跳)
type InboundBuffer struct {
	capacity int

	mu     sync.Mutex
	units  map[string][]model.RemoteFlowUnit
	heard  map[string]map[model.NodeKey]struct{}
	notify chan struct{} // 每次有新消息时关闭并替换，用来唤醒 Await
}

// NewInboundBuffer 构造函数
func NewInboundBuffer(capacity int) *InboundBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &InboundBuffer{
		capacity: capacity,
		units:    make(map[string][]model.RemoteFlowUnit),
		heard:    make(map[string]map[model.NodeKey]struct{}),
		notify:   make(chan struct{}),
	}
}

// Append 追加一条远端输出，返回是否因为溢出丢弃了最旧的一条
func (b *InboundBuffer) Append(u model.RemoteFlowUnit) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf := b.units[u.Vertex]
	if len(buf) >= b.capacity {
		buf = buf[1:]
		dropped = true
	}
	b.units[u.Vertex] = append(buf, u)
	b.markLocked(u.Vertex, u.Source)
	return dropped
}

// MarkHeard 心跳：来源存活但没有数据
func (b *InboundBuffer) MarkHeard(vertex string, source model.NodeKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markLocked(vertex, source)
}

func (b *InboundBuffer) markLocked(vertex string, source model.NodeKey) {
	set, ok := b.heard[vertex]
	if !ok {
		set = make(map[model.NodeKey]struct{})
		b.heard[vertex] = set
	}
	set[source] = struct{}{}
	close(b.notify)
	b.notify = make(chan struct{})
}

// Drain 取走 vertex 的全部缓冲，并重置 "已听到" 集合
func (b *InboundBuffer) Drain(vertex string) []model.RemoteFlowUnit {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.units[vertex]
	delete(b.units, vertex)
	delete(b.heard, vertex)
	return out
}

// Len 当前缓冲条数
func (b *InboundBuffer) Len(vertex string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.units[vertex])
}

// Await 等到 expected 中每个顶点的全部来源都被听到，或者到 deadline / ctx 结束
// 返回仍有来源没到齐的顶点 (排序)
func (b *InboundBuffer) Await(ctx context.Context, expected map[string][]model.NodeKey, deadline time.Time) []string {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		b.mu.Lock()
		missing := b.missingLocked(expected)
		wake := b.notify
		b.mu.Unlock()

		if len(missing) == 0 {
			return nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return missing
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		}

		select {
		case <-wake:
		case <-timer.C:
			b.mu.Lock()
			missing = b.missingLocked(expected)
			b.mu.Unlock()
			return missing
		case <-ctx.Done():
			return missing
		}
	}
}

func (b *InboundBuffer) missingLocked(expected map[string][]model.NodeKey) []string {
	var missing []string
	for vertex, sources := range expected {
		heard := b.heard[vertex]
		for _, src := range sources {
			if _, ok := heard[src]; !ok {
				missing = append(missing, vertex)
				break
			}
		}
	}
	sort.Strings(missing)
	return missing
}

// Clear 丢弃全部缓冲
func (b *InboundBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.units = make(map[string][]model.RemoteFlowUnit)
	b.heard = make(map[string]map[model.NodeKey]struct{})
}
