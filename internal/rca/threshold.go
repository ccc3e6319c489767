package rca

import (
	"context"
	"fmt"

	"medic/internal/graph"
	"medic/pkg/model"
)

// ThresholdVertex 单资源阈值判断
// 取上游中名为 Metric 的记录的最大值，超过 (或低于) 阈值即不健康
type ThresholdVertex struct {
	Resource  model.ResourceKind
	Metric    string
	Threshold float64
	// Below 为 true 时低于阈值才算不健康
	Below bool
}

var _ graph.Vertex = (*ThresholdVertex)(nil)

func (v *ThresholdVertex) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	var (
		value float64
		found bool
	)
	for _, r := range upstreamRecords(in) {
		if r.Name != v.Metric {
			continue
		}
		if !found || r.Value > value {
			value = r.Value
		}
		found = true
	}
	if !found {
		return model.EmptyFlowUnit(in.Now), nil
	}

	healthy := value <= v.Threshold
	if v.Below {
		healthy = value >= v.Threshold
	}
	ctx := model.ContextHealthy
	if !healthy {
		ctx = model.ContextUnhealthy
	}
	return model.NewFlowUnit(in.Now, ctx, &model.Summary{Nodes: []model.NodeSummary{{
		Node: in.Self,
		Resources: []model.ResourceSummary{{
			Resource:  v.Resource,
			Metric:    v.Metric,
			Threshold: v.Threshold,
			Value:     value,
			Healthy:   healthy,
		}},
	}}}), nil
}

func (v *ThresholdVertex) String() string {
	op := ">"
	if v.Below {
		op = "<"
	}
	return fmt.Sprintf("%s: %s %s %v", v.Resource, v.Metric, op, v.Threshold)
}
