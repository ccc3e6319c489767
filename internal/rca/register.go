package rca

import (
	"fmt"
	"strconv"

	"medic/internal/decision/action"
	"medic/internal/graph"
	"medic/internal/source"
	"medic/pkg/model"
)

// 顶点类型名
const (
	KindMetric            = "metric"
	KindThreshold         = "threshold"
	KindCluster           = "cluster"
	KindNodeConfig        = "node_config"
	KindNodeConfigCluster = "node_config_cluster"
)

// Deps 顶点构造需要的依赖
type Deps struct {
	// Sources 按名称引用的指标来源，metric 顶点的 source 参数
	Sources map[string]source.Source
	Cache   *action.NodeConfigCache
}

// Register 把通用顶点注册到 registry
func Register(reg *graph.Registry, deps Deps) {
	reg.Register(KindMetric, func(d graph.Descriptor) (graph.Vertex, error) {
		name := d.Param("source", "default")
		src, ok := deps.Sources[name]
		if !ok {
			return nil, fmt.Errorf("unknown metric source %q", name)
		}
		return NewMetricVertex(src, splitList(d.Param("records", ""))...), nil
	})

	reg.Register(KindThreshold, func(d graph.Descriptor) (graph.Vertex, error) {
		resource := d.Param("resource", "")
		metric := d.Param("metric", "")
		if resource == "" || metric == "" {
			return nil, fmt.Errorf("threshold vertex needs resource and metric params")
		}
		threshold, err := strconv.ParseFloat(d.Param("threshold", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("threshold param: %w", err)
		}
		below, err := strconv.ParseBool(d.Param("below", "false"))
		if err != nil {
			return nil, fmt.Errorf("below param: %w", err)
		}
		return &ThresholdVertex{
			Resource:  model.ResourceKind(resource),
			Metric:    metric,
			Threshold: threshold,
			Below:     below,
		}, nil
	})

	reg.Register(KindCluster, func(graph.Descriptor) (graph.Vertex, error) {
		return ClusterVertex{}, nil
	})
	reg.Register(KindNodeConfig, func(graph.Descriptor) (graph.Vertex, error) {
		return NodeConfigVertex{}, nil
	})
	reg.Register(KindNodeConfigCluster, func(graph.Descriptor) (graph.Vertex, error) {
		if deps.Cache == nil {
			return nil, fmt.Errorf("node_config_cluster needs a config cache")
		}
		return NewNodeConfigClusterVertex(deps.Cache), nil
	})
}
