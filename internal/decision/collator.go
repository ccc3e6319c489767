package decision

import (
	"context"

	"medic/internal/graph"
	"medic/pkg/model"
)

// Collator 合并本 tick 全部 decider 的决策
// 上游顺序即优先级：同一 (节点, 资源) 只保留最先出现的动作
type Collator struct {
	name string
}

var _ graph.Vertex = (*Collator)(nil)

func NewCollator(name string) *Collator {
	return &Collator{name: name}
}

type resourceKey struct {
	node     model.NodeKey
	resource model.ResourceKind
}

func (c *Collator) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	var decisions []*model.Decision
	for _, up := range in.Upstreams {
		if u, ok := in.Local[up]; ok && u.Decision != nil {
			decisions = append(decisions, u.Decision)
		}
	}
	return model.NewDecisionFlowUnit(in.Now, Collate(c.name, decisions...)), nil
}

// Collate 按传入顺序挑选动作
// 一个动作影响多个节点时，任一 (节点, 资源) 已被占用就整体丢弃
func Collate(name string, decisions ...*model.Decision) *model.Decision {
	out := model.NewDecision(name)
	taken := make(map[resourceKey]struct{})

	var picked []model.Action
	for _, d := range decisions {
		if d.IsEmpty() {
			continue
		}
		for _, a := range d.Actions {
			if conflicts(taken, a) {
				continue
			}
			for _, n := range a.ImpactedNodes() {
				taken[resourceKey{node: n, resource: a.Resource()}] = struct{}{}
			}
			picked = append(picked, a)
		}
	}
	return out.With(picked...)
}

func conflicts(taken map[resourceKey]struct{}, a model.Action) bool {
	for _, n := range a.ImpactedNodes() {
		if _, ok := taken[resourceKey{node: n, resource: a.Resource()}]; ok {
			return true
		}
	}
	return false
}
