package rca

import (
	"context"
	"sort"

	"medic/internal/graph"
	"medic/pkg/model"
)

// ClusterVertex 在协调节点上汇总每个节点的最新结论
// 失联节点的旧结论不计入；任一节点不健康则整体不健康
type ClusterVertex struct{}

var _ graph.Vertex = (*ClusterVertex)(nil)

func (ClusterVertex) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	perNode := make(map[model.NodeKey]*model.NodeSummary)
	unhealthy := false
	seen := false

	for _, up := range in.Upstreams {
		for src, unit := range in.BySource(up) {
			if in.IsStale(src) || unit.Summary == nil {
				continue
			}
			seen = true
			if unit.Context == model.ContextUnhealthy {
				unhealthy = true
			}
			for _, ns := range unit.Summary.Nodes {
				node := ns.Node
				if node.IsZero() {
					node = src
				}
				agg, ok := perNode[node]
				if !ok {
					agg = &model.NodeSummary{Node: node}
					perNode[node] = agg
				}
				agg.Resources = append(agg.Resources, ns.Resources...)
			}
		}
	}
	if !seen {
		return model.EmptyFlowUnit(in.Now), nil
	}

	nodes := make([]model.NodeSummary, 0, len(perNode))
	for _, ns := range perNode {
		nodes = append(nodes, *ns)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Node.String() < nodes[j].Node.String() })

	ctx := model.ContextHealthy
	if unhealthy {
		ctx = model.ContextUnhealthy
	}
	return model.NewFlowUnit(in.Now, ctx, &model.Summary{Nodes: nodes}), nil
}
