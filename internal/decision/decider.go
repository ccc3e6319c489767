// Package decision 把集群级 RCA 的结论变成调节动作：
// decider 提出候选动作，collator 按 (节点, 资源) 去重，publisher 做 mute / cooloff / flip-flop 检查后通知监听者。
package decision

import (
	"context"
	"sync/atomic"

	"medic/internal/config"
	"medic/internal/decision/action"
	"medic/internal/graph"
	"medic/pkg/model"
)

// 顶点类型名，图配置里使用
const (
	KindCacheHealthDecider = "cache_health_decider"
	KindQueueHealthDecider = "queue_health_decider"
	KindHeapHealthDecider  = "heap_health_decider"
	KindCollator           = "collator"
	KindPublisher          = "publisher"
)

// proposeFunc 闸门放行时根据不健康的节点提出动作
type proposeFunc func(issues []nodeIssue, cfg *config.Analysis, snap *config.Snapshot) []model.Action

// Decider 带频率闸门的决策顶点
// 不放行时返回空 Decision，计数照常推进
type Decider struct {
	name      string
	gate      *Gate
	cfg       atomic.Pointer[config.Analysis]
	frequency func(config.DeciderConfig) int
	propose   proposeFunc
}

var (
	_ graph.Vertex       = (*Decider)(nil)
	_ graph.ConfigReader = (*Decider)(nil)
)

func newDecider(name string, frequency func(config.DeciderConfig) int, propose proposeFunc) *Decider {
	defaults := config.Defaults()
	d := &Decider{
		name:      name,
		gate:      NewGate(frequency(defaults.Deciders)),
		frequency: frequency,
		propose:   propose,
	}
	d.cfg.Store(&defaults)
	return d
}

// Name decider 名称 (即顶点名)
func (d *Decider) Name() string { return d.name }

// ReadConfig 更新频率和动作参数
func (d *Decider) ReadConfig(cfg *config.Analysis) {
	if cfg == nil {
		return
	}
	d.cfg.Store(cfg)
	d.gate.SetFrequency(d.frequency(cfg.Deciders))
}

func (d *Decider) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	decision := model.NewDecision(d.name)
	if !d.gate.Due() {
		return model.NewDecisionFlowUnit(in.Now, decision), nil
	}

	issues := unhealthyNodes(in)
	if len(issues) == 0 {
		return model.NewDecisionFlowUnit(in.Now, decision), nil
	}
	actions := d.propose(issues, d.cfg.Load(), in.Config)
	return model.NewDecisionFlowUnit(in.Now, decision.With(actions...)), nil
}

// nodeIssue 一个节点上不健康的资源，按上游出现顺序
type nodeIssue struct {
	node      model.NodeKey
	resources []model.ResourceKind
}

func (n nodeIssue) has(r model.ResourceKind) bool {
	for _, x := range n.resources {
		if x == r {
			return true
		}
	}
	return false
}

// unhealthyNodes 汇总全部上游中标记为不健康的 (节点, 资源)
// 失联节点的旧结论不再处理
func unhealthyNodes(in graph.Inputs) []nodeIssue {
	var out []nodeIssue
	index := make(map[model.NodeKey]int)

	for _, up := range in.Upstreams {
		for _, unit := range in.Units(up) {
			if unit.Context != model.ContextUnhealthy || unit.Summary == nil {
				continue
			}
			for _, ns := range unit.Summary.Nodes {
				if in.IsStale(ns.Node) {
					continue
				}
				for _, rs := range ns.Resources {
					if rs.Healthy {
						continue
					}
					i, ok := index[ns.Node]
					if !ok {
						i = len(out)
						index[ns.Node] = i
						out = append(out, nodeIssue{node: ns.Node})
					}
					if !out[i].has(rs.Resource) {
						out[i].resources = append(out[i].resources, rs.Resource)
					}
				}
			}
		}
	}
	return out
}

// cachePriority 缓存调大的优先顺序
var cachePriority = []model.ResourceKind{
	model.ResourceShardRequestCache,
	model.ResourceFieldDataCache,
}

// NewCacheHealthDecider 缓存驱逐过多的节点把缓存上限直接调到上界
// 每个节点最多一个动作，shard request cache 优先
func NewCacheHealthDecider(name string, cache *action.NodeConfigCache) *Decider {
	return newDecider(name,
		func(c config.DeciderConfig) int { return c.CacheFrequency },
		func(issues []nodeIssue, cfg *config.Analysis, snap *config.Snapshot) []model.Action {
			var actions []model.Action
			for _, issue := range issues {
				for _, r := range cachePriority {
					if !issue.has(r) {
						continue
					}
					a := action.NewCacheActionBuilder(issue.node, r, cache, cfg.Actions.Cache).
						Increase(true).
						DesiredToMax().
						Muted(snap.ActionMuted(action.NameModifyCacheMaxSize)).
						Build()
					if a.CanUpdate() {
						actions = append(actions, a)
						break
					}
				}
			}
			return actions
		})
}

// NewQueueHealthDecider 出现拒绝的线程池调大队列
func NewQueueHealthDecider(name string, cache *action.NodeConfigCache) *Decider {
	return newDecider(name,
		func(c config.DeciderConfig) int { return c.QueueFrequency },
		func(issues []nodeIssue, cfg *config.Analysis, snap *config.Snapshot) []model.Action {
			var actions []model.Action
			for _, issue := range issues {
				for _, r := range []model.ResourceKind{model.ResourceWriteThreadPool, model.ResourceSearchThreadPool} {
					if !issue.has(r) {
						continue
					}
					a := action.NewQueueActionBuilder(issue.node, r, cache, cfg.Actions.Queue).
						Increase(true).
						Muted(snap.ActionMuted(action.NameModifyQueueCapacity)).
						Build()
					if a.CanUpdate() {
						actions = append(actions, a)
					}
				}
			}
			return actions
		})
}

// NewHeapHealthDecider 堆压力大的节点把两种缓存都调小一步
func NewHeapHealthDecider(name string, cache *action.NodeConfigCache) *Decider {
	return newDecider(name,
		func(c config.DeciderConfig) int { return c.HeapFrequency },
		func(issues []nodeIssue, cfg *config.Analysis, snap *config.Snapshot) []model.Action {
			var actions []model.Action
			for _, issue := range issues {
				if !issue.has(model.ResourceHeap) {
					continue
				}
				for _, r := range cachePriority {
					a := action.NewCacheActionBuilder(issue.node, r, cache, cfg.Actions.Cache).
						Increase(false).
						Muted(snap.ActionMuted(action.NameModifyCacheMaxSize)).
						Build()
					if a.CanUpdate() {
						actions = append(actions, a)
					}
				}
			}
			return actions
		})
}
