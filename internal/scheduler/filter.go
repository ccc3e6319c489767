package scheduler

import (
	"go.uber.org/zap"

	"medic/internal/config"
	"medic/internal/graph"
	"medic/pkg/model"
)

// dueNodes 遍历一层顶点，返回本 tick 需要评估的
func (s *Scheduler) dueNodes(level []*graph.Node, tick uint64, snap *config.Snapshot) []*graph.Node {
	due := make([]*graph.Node, 0, len(level))
	for _, n := range level {
		if s.checkNode(n, tick, snap) {
			due = append(due, n)
		}
	}
	return due
}

// checkNode 执行具体的过滤条件
func (s *Scheduler) checkNode(n *graph.Node, tick uint64, snap *config.Snapshot) bool {
	// 1. 放置标签：不在本角色上执行的顶点跳过，下游会等远端数据
	if !n.Locus.RunsOn(s.cfg.Role) {
		return false
	}

	// 2. 周期
	if tick%uint64(n.Period) != 0 {
		return false
	}

	// 3. mute
	if snap.VertexMuted(n.Name) {
		s.logger.Debug("vertex muted, skipping", zap.String("vertex", n.Name))
		return false
	}
	return true
}

// remoteUpstreams n 的上游中需要从其他节点获取输出的
func (s *Scheduler) remoteUpstreams(n *graph.Node) []string {
	var out []string
	for _, up := range n.Upstreams {
		parent, ok := s.graph.Node(up)
		if ok && graph.IsRemoteEdge(parent, n) {
			out = append(out, up)
		}
	}
	return out
}

// subscriptionNeeds 本角色要执行的顶点所依赖的远端上游
func subscriptionNeeds(g *graph.Graph, role model.Role) []graph.Need {
	var needs []graph.Need
	seen := make(map[string]struct{})
	for _, e := range g.RemoteEdges() {
		to, _ := g.Node(e.To)
		from, _ := g.Node(e.From)
		if !to.Locus.RunsOn(role) {
			continue
		}
		if _, dup := seen[e.From]; dup {
			continue
		}
		seen[e.From] = struct{}{}
		needs = append(needs, graph.Need{Vertex: e.From, Locus: from.Locus})
	}
	return needs
}
