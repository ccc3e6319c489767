package graph

import (
	"context"
	"sort"
	"time"

	"medic/internal/config"
	"medic/pkg/model"
)

// Locus 顶点的放置标签：哪个角色负责执行
type Locus string

const (
	LocusLocal   Locus = "local"   // 每个节点都执行
	LocusCluster Locus = "cluster" // 只在选举出的协调节点执行
)

// RunsOn 该标签的顶点是否在 role 上本地执行
// 其他取值表示具体角色名
func (l Locus) RunsOn(role model.Role) bool {
	if role == model.RoleUnknown {
		return false
	}
	switch l {
	case LocusLocal, "":
		return true
	case LocusCluster:
		return role == model.RoleCoordinator
	default:
		return string(l) == string(role)
	}
}

// Matches 成员 n 是否承担该标签 (订阅时用来挑选远端主机)
func (l Locus) Matches(n model.Node) bool {
	return l.RunsOn(n.Role)
}

// Need 本节点需要从远端订阅的上游：在承担 Locus 的其他节点上订阅 Vertex
type Need struct {
	Vertex string
	Locus  Locus
}

// Inputs 一次评估能看到的全部输入
type Inputs struct {
	Tick   uint64
	Now    time.Time
	Self   model.NodeKey
	Config *config.Snapshot

	// Upstreams 按声明顺序
	Upstreams []string
	// Local 本 tick 在本节点评估过的上游输出
	Local map[string]model.FlowUnit
	// Remote 从其他节点收到的上游输出 (来自 inbound buffer)
	Remote map[string][]model.RemoteFlowUnit
	// StaleNodes 长时间没有上报的远端节点
	StaleNodes []model.NodeKey
}

// Units 上游 name 的全部非空输出：本地在前，远端在后
func (in Inputs) Units(name string) []model.FlowUnit {
	var out []model.FlowUnit
	if u, ok := in.Local[name]; ok && !u.IsEmpty() {
		out = append(out, u)
	}
	for _, r := range in.Remote[name] {
		if !r.Unit.IsEmpty() {
			out = append(out, r.Unit)
		}
	}
	return out
}

// BySource 上游 name 每个来源节点最新的一份非空输出
func (in Inputs) BySource(name string) map[model.NodeKey]model.FlowUnit {
	out := make(map[model.NodeKey]model.FlowUnit)
	if u, ok := in.Local[name]; ok && !u.IsEmpty() {
		out[in.Self] = u
	}
	for _, r := range in.Remote[name] {
		if r.Unit.IsEmpty() {
			continue
		}
		if prev, ok := out[r.Source]; ok && prev.Timestamp.After(r.Unit.Timestamp) {
			continue
		}
		out[r.Source] = r.Unit
	}
	return out
}

// IsStale 节点是否被标记为失联
func (in Inputs) IsStale(node model.NodeKey) bool {
	for _, n := range in.StaleNodes {
		if n == node {
			return true
		}
	}
	return false
}

// Vertex 计算单元
// Evaluate 可以返回空 FlowUnit；返回的 error 和 panic 都由 scheduler 转为空输出并计数
type Vertex interface {
	Evaluate(ctx context.Context, in Inputs) (model.FlowUnit, error)
}

// ConfigReader 可选能力：配置版本变化时重新读取参数
type ConfigReader interface {
	ReadConfig(cfg *config.Analysis)
}

// Descriptor 顶点的静态描述
type Descriptor struct {
	Name      string
	Kind      string
	Period    int
	Locus     Locus
	Upstreams []string
	Params    map[string]string
}

// Param 读取参数，不存在时返回默认值
func (d Descriptor) Param(key, def string) string {
	if v, ok := d.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// FromSpecs 把配置中的顶点描述转为 Descriptor
func FromSpecs(specs []config.VertexSpec) []Descriptor {
	out := make([]Descriptor, 0, len(specs))
	for _, s := range specs {
		period := s.Period
		if period == 0 {
			period = 1
		}
		locus := Locus(s.Locus)
		if locus == "" {
			locus = LocusLocal
		}
		out = append(out, Descriptor{
			Name:      s.Name,
			Kind:      s.Kind,
			Period:    period,
			Locus:     locus,
			Upstreams: append([]string(nil), s.Upstreams...),
			Params:    s.Params,
		})
	}
	return out
}

// Constructor 按 Descriptor 创建具体顶点
type Constructor func(d Descriptor) (Vertex, error)

// Registry kind -> 构造函数
type Registry struct {
	ctors map[string]Constructor
}

// NewRegistry 构造函数
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register 注册一种顶点
func (r *Registry) Register(kind string, ctor Constructor) {
	r.ctors[kind] = ctor
}

// Kinds 已注册的类型
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
