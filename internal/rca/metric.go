// Package rca 提供图配置里使用的通用顶点：
// metric 从指标来源读取记录，threshold 判断单个资源是否健康，
// cluster 在协调节点上汇总各节点的结论，node_config / node_config_cluster 收集各节点的当前配置值。
package rca

import (
	"context"
	"errors"
	"strings"

	"medic/internal/graph"
	"medic/internal/source"
	"medic/pkg/model"
)

// MetricVertex 叶子顶点，没有数据时输出空
type MetricVertex struct {
	src   source.Source
	names map[string]struct{} // 为空表示不过滤
}

var _ graph.Vertex = (*MetricVertex)(nil)

// NewMetricVertex names 只保留这些记录
func NewMetricVertex(src source.Source, names ...string) *MetricVertex {
	v := &MetricVertex{src: src}
	if len(names) > 0 {
		v.names = make(map[string]struct{}, len(names))
		for _, n := range names {
			v.names[n] = struct{}{}
		}
	}
	return v
}

func (v *MetricVertex) Evaluate(ctx context.Context, in graph.Inputs) (model.FlowUnit, error) {
	records, err := v.src.ProduceLatest(ctx, in.Tick)
	if errors.Is(err, source.ErrNoData) {
		return model.EmptyFlowUnit(in.Now), nil
	}
	if err != nil {
		return model.FlowUnit{}, err
	}
	if v.names != nil {
		kept := records[:0:0]
		for _, r := range records {
			if _, ok := v.names[r.Name]; ok {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	return model.NewRecordFlowUnit(in.Now, records), nil
}

// splitList "a, b,c" -> [a b c]
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// upstreamRecords 全部上游的记录，按上游声明顺序
func upstreamRecords(in graph.Inputs) []model.Record {
	var out []model.Record
	for _, up := range in.Upstreams {
		for _, u := range in.Units(up) {
			out = append(out, u.Records...)
		}
	}
	return out
}
