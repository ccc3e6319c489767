package decision

import (
	"sync"
	"sync/atomic"
	"time"

	"medic/pkg/model"
)

// TimedFlipFlopDetector 记录每个节点最近应用过的影响向量
// 同一节点上不同的向量各自独立计时，过期后不再参与判断
type TimedFlipFlopDetector struct {
	expiry atomic.Int64 // time.Duration
	now    func() time.Time
	nodes  sync.Map // model.NodeKey -> *nodeHistory
}

type nodeHistory struct {
	mu      sync.Mutex
	applied map[model.ImpactVector]time.Time
}

// NewTimedFlipFlopDetector 构造函数
func NewTimedFlipFlopDetector(expiry time.Duration) *TimedFlipFlopDetector {
	d := &TimedFlipFlopDetector{now: time.Now}
	d.SetExpiry(expiry)
	return d
}

func (d *TimedFlipFlopDetector) SetExpiry(expiry time.Duration) {
	d.expiry.Store(int64(expiry))
}

func (d *TimedFlipFlopDetector) history(node model.NodeKey) *nodeHistory {
	if h, ok := d.nodes.Load(node); ok {
		return h.(*nodeHistory)
	}
	h, _ := d.nodes.LoadOrStore(node, &nodeHistory{applied: make(map[model.ImpactVector]time.Time)})
	return h.(*nodeHistory)
}

// IsFlipFlop 候选动作是否会反转某个节点上仍在生效的减压动作
func (d *TimedFlipFlopDetector) IsFlipFlop(a model.Action) bool {
	now := d.now()
	expiry := time.Duration(d.expiry.Load())

	for node, vec := range a.Impact() {
		v, ok := d.nodes.Load(node)
		if !ok {
			continue
		}
		h := v.(*nodeHistory)
		h.mu.Lock()
		flip := false
		for prev, at := range h.applied {
			if now.Sub(at) >= expiry {
				delete(h.applied, prev)
				continue
			}
			if model.IsFlipFlop(prev, vec) {
				flip = true
			}
		}
		h.mu.Unlock()
		if flip {
			return true
		}
	}
	return false
}

// Record 记录已发布的动作：相同向量刷新时间，否则新增一条
func (d *TimedFlipFlopDetector) Record(a model.Action) {
	now := d.now()
	for node, vec := range a.Impact() {
		h := d.history(node)
		h.mu.Lock()
		h.applied[vec] = now
		h.mu.Unlock()
	}
}

// Tracked 节点上尚未过期的向量数
func (d *TimedFlipFlopDetector) Tracked(node model.NodeKey) int {
	v, ok := d.nodes.Load(node)
	if !ok {
		return 0
	}
	h := v.(*nodeHistory)
	now := d.now()
	expiry := time.Duration(d.expiry.Load())

	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, at := range h.applied {
		if now.Sub(at) < expiry {
			n++
		}
	}
	return n
}
