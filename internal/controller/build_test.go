package controller

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medic/internal/config"
	"medic/internal/decision"
	"medic/internal/decision/action"
	"medic/internal/metrics"
	"medic/internal/rca"
	"medic/internal/source"
	"medic/pkg/model"
)

func TestGraphBuilder_ShippedConfig(t *testing.T) {
	data, err := os.ReadFile("../../configs/rca.yaml")
	require.NoError(t, err)
	cfg, err := config.Parse(data)
	require.NoError(t, err)

	cache := action.NewNodeConfigCache()
	build := NewGraphBuilder(
		rca.Deps{Sources: map[string]source.Source{"default": source.NewStaticSource()}, Cache: cache},
		decision.Deps{Cache: cache, Metrics: metrics.New(), Logger: zaptest.NewLogger(t)},
	)
	g, err := build(cfg)
	require.NoError(t, err)
	assert.Equal(t, len(cfg.Graph), g.Len())

	// 本地 RCA 的输出跨节点送到协调节点
	var remote []string
	for _, e := range g.RemoteEdges() {
		remote = append(remote, e.From+"->"+e.To)
	}
	assert.Contains(t, remote, "heap_rca->heap_cluster_rca")
	assert.Contains(t, remote, "node_config->node_config_cluster")

	pub, ok := g.Node("publisher")
	require.True(t, ok)
	assert.True(t, pub.Locus.RunsOn(model.RoleCoordinator))
	assert.False(t, pub.Locus.RunsOn(model.RoleData))
}

func TestGraphBuilder_FreshVerticesPerBuild(t *testing.T) {
	cfg := config.Defaults()
	cfg.Graph = []config.VertexSpec{{Name: "publisher", Kind: decision.KindPublisher, Period: 1, Locus: "cluster"}}

	build := NewGraphBuilder(rca.Deps{}, decision.Deps{Metrics: metrics.New(), Logger: zaptest.NewLogger(t)})
	g1, err := build(&cfg)
	require.NoError(t, err)
	g2, err := build(&cfg)
	require.NoError(t, err)

	n1, _ := g1.Node("publisher")
	n2, _ := g2.Node("publisher")
	assert.NotSame(t, n1.Vertex, n2.Vertex)
}
