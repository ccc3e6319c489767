package wire

import (
	"sort"
	"sync"
	"time"

	"medic/pkg/model"
)

// NodeStateTracker 记录每个远端节点最后一次被听到的时间
// 超过 staleAfter 没有任何消息 (推送或心跳) 即视为失联
type NodeStateTracker struct {
	last       sync.Map // model.NodeKey -> time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// NewNodeStateTracker 构造函数
func NewNodeStateTracker(staleAfter time.Duration) *NodeStateTracker {
	return &NodeStateTracker{staleAfter: staleAfter, now: time.Now}
}

// Heard 更新最后听到的时间
func (t *NodeStateTracker) Heard(node model.NodeKey) {
	t.last.Store(node, t.now())
}

// LastHeard 最后听到的时间
func (t *NodeStateTracker) LastHeard(node model.NodeKey) (time.Time, bool) {
	v, ok := t.last.Load(node)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// IsStale 从未听到过的节点不算失联
func (t *NodeStateTracker) IsStale(node model.NodeKey) bool {
	last, ok := t.LastHeard(node)
	return ok && t.now().Sub(last) > t.staleAfter
}

// StaleNodes 排序后的失联节点
func (t *NodeStateTracker) StaleNodes() []model.NodeKey {
	now := t.now()
	var out []model.NodeKey
	t.last.Range(func(k, v any) bool {
		if now.Sub(v.(time.Time)) > t.staleAfter {
			out = append(out, k.(model.NodeKey))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Forget 节点离开集群
func (t *NodeStateTracker) Forget(node model.NodeKey) {
	t.last.Delete(node)
}

func (t *NodeStateTracker) Clear() {
	t.last.Range(func(k, _ any) bool {
		t.last.Delete(k)
		return true
	})
}
