package decision

import "sync"

// Gate 决策频率闸门
// 每次评估都推进计数，只有 counter % frequency == 0 时放行
type Gate struct {
	mu        sync.Mutex
	counter   uint64
	frequency uint64
}

// NewGate frequency 小于 1 时按 1 处理
func NewGate(frequency int) *Gate {
	g := &Gate{}
	g.SetFrequency(frequency)
	return g
}

// SetFrequency 不重置计数
func (g *Gate) SetFrequency(frequency int) {
	if frequency < 1 {
		frequency = 1
	}
	g.mu.Lock()
	g.frequency = uint64(frequency)
	g.mu.Unlock()
}

// Due 推进计数并判断本次是否放行
func (g *Gate) Due() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counter++
	return g.counter%g.frequency == 0
}

// Counter 当前计数
func (g *Gate) Counter() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.counter
}
