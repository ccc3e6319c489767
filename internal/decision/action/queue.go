package action

import (
	"fmt"
	"math"
	"time"

	"medic/internal/config"
	"medic/pkg/model"
)

// ModifyQueueCapacityAction 调整线程池队列容量
type ModifyQueueCapacityAction struct {
	node      model.NodeKey
	resource  model.ResourceKind
	current   int
	desired   int
	increase  bool
	canUpdate bool
	coolOff   time.Duration
	muted     bool
}

var _ model.Action = (*ModifyQueueCapacityAction)(nil)

func (a *ModifyQueueCapacityAction) Name() string                 { return NameModifyQueueCapacity }
func (a *ModifyQueueCapacityAction) CanUpdate() bool              { return a.canUpdate }
func (a *ModifyQueueCapacityAction) CoolOffPeriod() time.Duration { return a.coolOff }
func (a *ModifyQueueCapacityAction) Resource() model.ResourceKind { return a.resource }
func (a *ModifyQueueCapacityAction) IsMuted() bool                { return a.muted }
func (a *ModifyQueueCapacityAction) Current() int                 { return a.current }
func (a *ModifyQueueCapacityAction) Desired() int                 { return a.desired }

func (a *ModifyQueueCapacityAction) ImpactedNodes() []model.NodeKey {
	return []model.NodeKey{a.node}
}

// Impact 队列变长：排队的请求占堆，也会消耗更多 CPU
func (a *ModifyQueueCapacityAction) Impact() map[model.NodeKey]model.ImpactVector {
	return map[model.NodeKey]model.ImpactVector{
		a.node: impactFor(a.increase, model.DimensionHeap, model.DimensionCPU),
	}
}

func (a *ModifyQueueCapacityAction) Summary() string {
	return summary{
		Name:      NameModifyQueueCapacity,
		Node:      a.node,
		Resource:  a.resource,
		Current:   float64(a.current),
		Desired:   float64(a.desired),
		Increase:  a.increase,
		CoolOffMs: a.coolOff.Milliseconds(),
		CanUpdate: a.canUpdate,
	}.encode()
}

func (a *ModifyQueueCapacityAction) String() string {
	return fmt.Sprintf("%s[%s %s %d -> %d]", NameModifyQueueCapacity, a.node, a.resource, a.current, a.desired)
}

// ModifyQueueCapacityFromSummary 从摘要还原动作
func ModifyQueueCapacityFromSummary(raw string) (*ModifyQueueCapacityAction, error) {
	s, err := decodeSummary(raw, NameModifyQueueCapacity)
	if err != nil {
		return nil, err
	}
	if !s.Resource.IsQueue() {
		return nil, fmt.Errorf("%w: %s is not a queue", ErrBadSummary, s.Resource)
	}
	return &ModifyQueueCapacityAction{
		node:      s.Node,
		resource:  s.Resource,
		current:   int(s.Current),
		desired:   int(s.Desired),
		increase:  s.Increase,
		canUpdate: s.CanUpdate,
		coolOff:   s.coolOff(),
	}, nil
}

// QueueActionBuilder 构造 ModifyQueueCapacityAction；边界为绝对值
type QueueActionBuilder struct {
	node     model.NodeKey
	resource model.ResourceKind
	cache    *NodeConfigCache
	cfg      config.QueueActionConfig
	increase bool
	target   target
	muted    bool
}

// NewQueueActionBuilder 默认方向为调大
func NewQueueActionBuilder(node model.NodeKey, resource model.ResourceKind, cache *NodeConfigCache, cfg config.QueueActionConfig) *QueueActionBuilder {
	return &QueueActionBuilder{node: node, resource: resource, cache: cache, cfg: cfg, increase: true}
}

func (b *QueueActionBuilder) Increase(increase bool) *QueueActionBuilder {
	b.increase = increase
	return b
}

func (b *QueueActionBuilder) DesiredToMax() *QueueActionBuilder {
	b.target = targetMax
	return b
}

func (b *QueueActionBuilder) DesiredToMin() *QueueActionBuilder {
	b.target = targetMin
	return b
}

func (b *QueueActionBuilder) Muted(muted bool) *QueueActionBuilder {
	b.muted = muted
	return b
}

func (b *QueueActionBuilder) Build() *ModifyQueueCapacityAction {
	a := &ModifyQueueCapacityAction{
		node:     b.node,
		resource: b.resource,
		increase: b.increase,
		coolOff:  b.cfg.CoolOff,
		muted:    b.muted,
	}

	var bounds config.Bounds
	switch b.resource {
	case model.ResourceWriteThreadPool:
		bounds = b.cfg.Write
	case model.ResourceSearchThreadPool:
		bounds = b.cfg.Search
	default:
		return a
	}
	current, ok := b.cache.Get(b.node, b.resource)
	if !ok {
		return a
	}

	// 容量是整数：边界向区间内取整
	lo, hi := int(math.Ceil(bounds.Lower)), int(math.Floor(bounds.Upper))
	a.current = int(math.Round(current))
	if lo > hi {
		a.desired = a.current
		return a
	}

	desired, _ := desiredValue(current, float64(b.cfg.StepSize), bounds, b.increase, b.target)
	a.desired = min(max(int(math.Round(desired)), lo), hi)
	if b.increase {
		a.canUpdate = a.desired > a.current
	} else {
		a.canUpdate = a.desired < a.current
	}
	return a
}
