package controller

import (
	"medic/internal/config"
	"medic/internal/decision"
	"medic/internal/graph"
	"medic/internal/rca"
)

// GraphBuilder 从配置编译整张图，每次 start 调用一次
type GraphBuilder func(cfg *config.Analysis) (*graph.Graph, error)

// NewGraphBuilder 注册全部已知顶点类型
// 每次构建都是新的 registry，决策顶点的状态不会跨越重建
func NewGraphBuilder(rcaDeps rca.Deps, decisionDeps decision.Deps) GraphBuilder {
	return func(cfg *config.Analysis) (*graph.Graph, error) {
		reg := graph.NewRegistry()
		rca.Register(reg, rcaDeps)
		decision.Register(reg, decisionDeps)
		return graph.Compile(graph.FromSpecs(cfg.Graph), reg)
	}
}
