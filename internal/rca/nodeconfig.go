package rca

import (
	"context"

	"medic/internal/decision/action"
	"medic/internal/graph"
	"medic/pkg/model"
)

// 节点配置值的记录名称
const (
	RecordHeapMax              = "heap_max"
	RecordFieldDataCacheMax    = "field_data_cache_max_size"
	RecordShardRequestCacheMax = "shard_request_cache_max_size"
	RecordWriteQueueCapacity   = "write_queue_capacity"
	RecordSearchQueueCapacity  = "search_queue_capacity"
)

var configRecords = []struct {
	name     string
	resource model.ResourceKind
	metric   string
}{
	{RecordHeapMax, model.ResourceHeap, model.MetricMaxSize},
	{RecordFieldDataCacheMax, model.ResourceFieldDataCache, model.MetricMaxSize},
	{RecordShardRequestCacheMax, model.ResourceShardRequestCache, model.MetricMaxSize},
	{RecordWriteQueueCapacity, model.ResourceWriteThreadPool, model.MetricCapacity},
	{RecordSearchQueueCapacity, model.ResourceSearchThreadPool, model.MetricCapacity},
}

// NodeConfigVertex 把本节点的配置记录转成节点摘要
type NodeConfigVertex struct{}

var _ graph.Vertex = NodeConfigVertex{}

func (NodeConfigVertex) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	latest := make(map[string]float64)
	for _, r := range upstreamRecords(in) {
		latest[r.Name] = r.Value
	}

	ns := model.NodeSummary{Node: in.Self}
	for _, c := range configRecords {
		if v, ok := latest[c.name]; ok {
			ns.Resources = append(ns.Resources, model.ResourceSummary{
				Resource: c.resource,
				Metric:   c.metric,
				Value:    v,
				Healthy:  true,
			})
		}
	}
	if len(ns.Resources) == 0 {
		return model.EmptyFlowUnit(in.Now), nil
	}
	return model.NewFlowUnit(in.Now, model.ContextHealthy, &model.Summary{Nodes: []model.NodeSummary{ns}}), nil
}

// NodeConfigClusterVertex 协调节点上把各节点的配置写入 NodeConfigCache
// 失联节点的配置被清除，动作构造器因此不会再为它们给出可执行的动作
type NodeConfigClusterVertex struct {
	cache *action.NodeConfigCache
}

var _ graph.Vertex = (*NodeConfigClusterVertex)(nil)

func NewNodeConfigClusterVertex(cache *action.NodeConfigCache) *NodeConfigClusterVertex {
	return &NodeConfigClusterVertex{cache: cache}
}

func (v *NodeConfigClusterVertex) Evaluate(ctx context.Context, in graph.Inputs) (model.FlowUnit, error) {
	for _, n := range in.StaleNodes {
		v.cache.Forget(n)
	}

	unit, err := ClusterVertex{}.Evaluate(ctx, in)
	if err != nil || unit.Summary == nil {
		return unit, err
	}
	for _, ns := range unit.Summary.Nodes {
		for _, rs := range ns.Resources {
			v.cache.Put(ns.Node, rs.Resource, rs.Value)
		}
	}
	return unit, nil
}
