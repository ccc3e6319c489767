package action

import (
	"fmt"
	"time"

	"medic/internal/config"
	"medic/pkg/model"
)

// ModifyCacheMaxSizeAction 调整节点上某个缓存的上限 (字节)
type ModifyCacheMaxSizeAction struct {
	node      model.NodeKey
	resource  model.ResourceKind
	current   float64
	desired   float64
	heapMax   float64
	increase  bool
	canUpdate bool
	coolOff   time.Duration
	muted     bool
}

var _ model.Action = (*ModifyCacheMaxSizeAction)(nil)

func (a *ModifyCacheMaxSizeAction) Name() string                 { return NameModifyCacheMaxSize }
func (a *ModifyCacheMaxSizeAction) CanUpdate() bool              { return a.canUpdate }
func (a *ModifyCacheMaxSizeAction) CoolOffPeriod() time.Duration { return a.coolOff }
func (a *ModifyCacheMaxSizeAction) Resource() model.ResourceKind { return a.resource }
func (a *ModifyCacheMaxSizeAction) IsMuted() bool                { return a.muted }
func (a *ModifyCacheMaxSizeAction) Current() float64             { return a.current }
func (a *ModifyCacheMaxSizeAction) Desired() float64             { return a.desired }
func (a *ModifyCacheMaxSizeAction) HeapMax() float64             { return a.heapMax }

func (a *ModifyCacheMaxSizeAction) ImpactedNodes() []model.NodeKey {
	return []model.NodeKey{a.node}
}

// Impact 缓存变大占用更多堆
func (a *ModifyCacheMaxSizeAction) Impact() map[model.NodeKey]model.ImpactVector {
	return map[model.NodeKey]model.ImpactVector{a.node: impactFor(a.increase, model.DimensionHeap)}
}

func (a *ModifyCacheMaxSizeAction) Summary() string {
	return summary{
		Name:      NameModifyCacheMaxSize,
		Node:      a.node,
		Resource:  a.resource,
		Current:   a.current,
		Desired:   a.desired,
		Increase:  a.increase,
		HeapMax:   a.heapMax,
		CoolOffMs: a.coolOff.Milliseconds(),
		CanUpdate: a.canUpdate,
	}.encode()
}

func (a *ModifyCacheMaxSizeAction) String() string {
	return fmt.Sprintf("%s[%s %s %.0f -> %.0f]", NameModifyCacheMaxSize, a.node, a.resource, a.current, a.desired)
}

// ModifyCacheMaxSizeFromSummary 从摘要还原动作 (mute 标志不参与序列化)
func ModifyCacheMaxSizeFromSummary(raw string) (*ModifyCacheMaxSizeAction, error) {
	s, err := decodeSummary(raw, NameModifyCacheMaxSize)
	if err != nil {
		return nil, err
	}
	if !s.Resource.IsCache() {
		return nil, fmt.Errorf("%w: %s is not a cache", ErrBadSummary, s.Resource)
	}
	return &ModifyCacheMaxSizeAction{
		node:      s.Node,
		resource:  s.Resource,
		current:   s.Current,
		desired:   s.Desired,
		heapMax:   s.HeapMax,
		increase:  s.Increase,
		canUpdate: s.CanUpdate,
		coolOff:   s.coolOff(),
	}, nil
}

// CacheActionBuilder 构造 ModifyCacheMaxSizeAction
// 边界是堆上限的比例
type CacheActionBuilder struct {
	node     model.NodeKey
	resource model.ResourceKind
	cache    *NodeConfigCache
	cfg      config.CacheActionConfig
	increase bool
	target   target
	muted    bool
}

// NewCacheActionBuilder 默认方向为调大
func NewCacheActionBuilder(node model.NodeKey, resource model.ResourceKind, cache *NodeConfigCache, cfg config.CacheActionConfig) *CacheActionBuilder {
	return &CacheActionBuilder{node: node, resource: resource, cache: cache, cfg: cfg, increase: true}
}

func (b *CacheActionBuilder) Increase(increase bool) *CacheActionBuilder {
	b.increase = increase
	return b
}

// DesiredToMax 直接调到上界
func (b *CacheActionBuilder) DesiredToMax() *CacheActionBuilder {
	b.target = targetMax
	return b
}

// DesiredToMin 直接调到下界
func (b *CacheActionBuilder) DesiredToMin() *CacheActionBuilder {
	b.target = targetMin
	return b
}

func (b *CacheActionBuilder) Muted(muted bool) *CacheActionBuilder {
	b.muted = muted
	return b
}

func (b *CacheActionBuilder) bounds() (config.Bounds, bool) {
	switch b.resource {
	case model.ResourceFieldDataCache:
		return b.cfg.FieldData, true
	case model.ResourceShardRequestCache:
		return b.cfg.ShardRequest, true
	default:
		return config.Bounds{}, false
	}
}

// Build 当前值、堆上限或边界缺失时返回不可执行的动作
func (b *CacheActionBuilder) Build() *ModifyCacheMaxSizeAction {
	a := &ModifyCacheMaxSizeAction{
		node:     b.node,
		resource: b.resource,
		increase: b.increase,
		coolOff:  b.cfg.CoolOff,
		muted:    b.muted,
	}

	current, okCurrent := b.cache.Get(b.node, b.resource)
	heapMax, okHeap := b.cache.Get(b.node, model.ResourceHeap)
	ratio, okBounds := b.bounds()
	if !okCurrent || !okHeap || !okBounds || heapMax <= 0 {
		return a
	}

	abs := config.Bounds{Lower: ratio.Lower * heapMax, Upper: ratio.Upper * heapMax}
	a.current = current
	a.heapMax = heapMax
	a.desired, a.canUpdate = desiredValue(current, b.cfg.StepSizePercent*heapMax, abs, b.increase, b.target)
	return a
}
