// Package graph 把静态顶点描述编译成不可变的邻接结构：
// 划分弱连通分量，并在分量内按拓扑层次排好顺序。
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

var (
	ErrEmptyGraph      = errors.New("graph has no vertices")
	ErrDuplicateVertex = errors.New("duplicate vertex")
	ErrUnknownUpstream = errors.New("unknown upstream vertex")
	ErrUnknownKind     = errors.New("unknown vertex kind")
	ErrInvalidPeriod   = errors.New("vertex period must be >= 1")
	ErrCycle           = errors.New("graph contains a cycle")
)

// Node 编译后的顶点
type Node struct {
	Descriptor
	Vertex      Vertex
	Downstreams []string
	Component   int

	evaluations atomic.Uint64
}

// Evaluations 已评估次数
func (n *Node) Evaluations() uint64 { return n.evaluations.Load() }

// MarkEvaluated 评估计数 +1
func (n *Node) MarkEvaluated() { n.evaluations.Add(1) }

// Component 一个弱连通分量，Levels 为拓扑层次 (层内名称有序)
type Component struct {
	ID     int
	Levels [][]*Node
}

// Size 分量内顶点数
func (c *Component) Size() int {
	n := 0
	for _, l := range c.Levels {
		n += len(l)
	}
	return n
}

// Edge 一条依赖边 From -> To
type Edge struct {
	From string
	To   string
}

// Graph 不可变的图
type Graph struct {
	nodes      map[string]*Node
	components []*Component
	order      []string
}

// Compile 校验并编译
func Compile(descs []Descriptor, reg *Registry) (*Graph, error) {
	if len(descs) == 0 {
		return nil, ErrEmptyGraph
	}

	nodes := make(map[string]*Node, len(descs))
	for _, d := range descs {
		if _, dup := nodes[d.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVertex, d.Name)
		}
		if d.Period < 1 {
			return nil, fmt.Errorf("%w: %s has period %d", ErrInvalidPeriod, d.Name, d.Period)
		}
		nodes[d.Name] = &Node{Descriptor: d}
	}

	for _, n := range nodes {
		for _, up := range n.Upstreams {
			parent, ok := nodes[up]
			if !ok {
				return nil, fmt.Errorf("%w: %s <- %s", ErrUnknownUpstream, n.Name, up)
			}
			parent.Downstreams = append(parent.Downstreams, n.Name)
		}
	}
	for _, n := range nodes {
		sort.Strings(n.Downstreams)
	}

	levels, err := topoLevels(nodes)
	if err != nil {
		return nil, err
	}

	// 拓扑校验通过后再实例化顶点，避免构造有副作用的顶点被浪费
	for _, n := range nodes {
		ctor, ok := reg.ctors[n.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: %s (vertex %s)", ErrUnknownKind, n.Kind, n.Name)
		}
		v, err := ctor(n.Descriptor)
		if err != nil {
			return nil, fmt.Errorf("build vertex %s: %w", n.Name, err)
		}
		n.Vertex = v
	}

	g := &Graph{nodes: nodes}
	g.partition(levels)
	return g, nil
}

// topoLevels Kahn 算法分层；剩余未处理的顶点即成环
func topoLevels(nodes map[string]*Node) ([][]string, error) {
	indegree := make(map[string]int, len(nodes))
	for name, n := range nodes {
		indegree[name] = len(n.Upstreams)
	}

	var current []string
	for name, d := range indegree {
		if d == 0 {
			current = append(current, name)
		}
	}

	var levels [][]string
	visited := 0
	for len(current) > 0 {
		sort.Strings(current)
		levels = append(levels, current)
		visited += len(current)

		var next []string
		for _, name := range current {
			for _, down := range nodes[name].Downstreams {
				indegree[down]--
				if indegree[down] == 0 {
					next = append(next, down)
				}
			}
		}
		current = next
	}

	if visited != len(nodes) {
		var stuck []string
		for name, d := range indegree {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(stuck, ", "))
	}
	return levels, nil
}

// partition 用并查集划分弱连通分量，每个分量保留全局层次的相对顺序
func (g *Graph) partition(levels [][]string) {
	parent := make(map[string]string, len(g.nodes))
	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	for name := range g.nodes {
		parent[name] = name
	}
	for name, n := range g.nodes {
		for _, up := range n.Upstreams {
			ra, rb := find(name), find(up)
			if ra != rb {
				if ra < rb {
					parent[rb] = ra
				} else {
					parent[ra] = rb
				}
			}
		}
	}

	byRoot := make(map[string]*Component)
	var roots []string
	for _, level := range levels {
		perComp := make(map[string][]*Node)
		for _, name := range level {
			root := find(name)
			if _, ok := byRoot[root]; !ok {
				byRoot[root] = &Component{}
				roots = append(roots, root)
			}
			perComp[root] = append(perComp[root], g.nodes[name])
			g.order = append(g.order, name)
		}
		for root, ns := range perComp {
			c := byRoot[root]
			c.Levels = append(c.Levels, ns)
		}
	}

	sort.Strings(roots)
	for i, root := range roots {
		c := byRoot[root]
		c.ID = i
		for _, level := range c.Levels {
			for _, n := range level {
				n.Component = i
			}
		}
		g.components = append(g.components, c)
	}
}

// Components 全部弱连通分量
func (g *Graph) Components() []*Component { return g.components }

// Node 按名称查找
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Names 拓扑序的顶点名称
func (g *Graph) Names() []string {
	return append([]string(nil), g.order...)
}

// Len 顶点数
func (g *Graph) Len() int { return len(g.nodes) }

// IsRemoteEdge 放置标签不同的边：下游要消费上游在其他节点上的输出
func IsRemoteEdge(from, to *Node) bool {
	return from.Locus != to.Locus
}

// RemoteEdges 全部跨节点的依赖边 (按拓扑序)
func (g *Graph) RemoteEdges() []Edge {
	var edges []Edge
	for _, name := range g.order {
		n := g.nodes[name]
		for _, up := range n.Upstreams {
			if IsRemoteEdge(g.nodes[up], n) {
				edges = append(edges, Edge{From: up, To: name})
			}
		}
	}
	return edges
}
