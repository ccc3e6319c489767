package model

import "time"

// ResourceContext 一次评估得出的资源健康状态
type ResourceContext string

const (
	ContextNone      ResourceContext = ""
	ContextHealthy   ResourceContext = "HEALTHY"
	ContextUnhealthy ResourceContext = "UNHEALTHY"
)

// Record 叶子 metric 顶点产出的单条记录
type Record struct {
	Name       string            `json:"name"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Value      float64           `json:"value"`
}

// ShardSummary 分片级摘要
type ShardSummary struct {
	Index   string  `json:"index"`
	ShardID int     `json:"shard_id"`
	Value   float64 `json:"value"`
}

// ResourceSummary 单个资源的诊断摘要
type ResourceSummary struct {
	Resource  ResourceKind   `json:"resource"`
	Metric    string         `json:"metric"`
	Threshold float64        `json:"threshold"`
	Value     float64        `json:"value"`
	Healthy   bool           `json:"healthy"`
	Shards    []ShardSummary `json:"shards,omitempty"`
}

// NodeSummary 节点摘要 -> 嵌套的资源/分片摘要
type NodeSummary struct {
	Node      NodeKey           `json:"node"`
	Resources []ResourceSummary `json:"resources,omitempty"`
}

// Find 按资源类型查找
func (n NodeSummary) Find(resource ResourceKind) (ResourceSummary, bool) {
	for _, r := range n.Resources {
		if r.Resource == resource {
			return r, true
		}
	}
	return ResourceSummary{}, false
}

// Summary 树形 payload 的根
// 节点级 RCA 只有一个 NodeSummary，集群级 RCA 每个节点一个
type Summary struct {
	Nodes []NodeSummary `json:"nodes"`
}

// FlowUnit 一次顶点评估的不可变输出
// Empty 表示 "本 tick 没有要报告的"，与失败不同
type FlowUnit struct {
	Timestamp time.Time       `json:"timestamp"`
	Context   ResourceContext `json:"context,omitempty"`
	Summary   *Summary        `json:"summary,omitempty"`
	Records   []Record        `json:"records,omitempty"`

	// Decision 只在本地决策流水线内部流转，不上 wire
	Decision *Decision `json:"-"`
}

// EmptyFlowUnit 空输出
func EmptyFlowUnit(ts time.Time) FlowUnit {
	return FlowUnit{Timestamp: ts}
}

// NewFlowUnit 带摘要的输出
func NewFlowUnit(ts time.Time, ctx ResourceContext, summary *Summary) FlowUnit {
	return FlowUnit{Timestamp: ts, Context: ctx, Summary: summary}
}

// NewRecordFlowUnit metric 顶点的输出，没有记录时为空
func NewRecordFlowUnit(ts time.Time, records []Record) FlowUnit {
	if len(records) == 0 {
		return EmptyFlowUnit(ts)
	}
	return FlowUnit{Timestamp: ts, Records: records}
}

// NewDecisionFlowUnit 决策流水线的输出
func NewDecisionFlowUnit(ts time.Time, d *Decision) FlowUnit {
	return FlowUnit{Timestamp: ts, Decision: d}
}

// IsEmpty 是否没有任何内容
func (f FlowUnit) IsEmpty() bool {
	return f.Context == ContextNone &&
		f.Summary == nil &&
		len(f.Records) == 0 &&
		(f.Decision == nil || f.Decision.IsEmpty())
}

// RemoteFlowUnit 从其他节点收到的输出
type RemoteFlowUnit struct {
	Vertex string   `json:"vertex"`
	Source NodeKey  `json:"source"`
	Unit   FlowUnit `json:"unit"`
}
