package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medic/internal/config"
	"medic/pkg/model"
)

type nopVertex struct{}

func (nopVertex) Evaluate(_ context.Context, in Inputs) (model.FlowUnit, error) {
	return model.EmptyFlowUnit(in.Now), nil
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("nop", func(Descriptor) (Vertex, error) { return nopVertex{}, nil })
	reg.Register("broken", func(d Descriptor) (Vertex, error) { return nil, errors.New("bad params") })
	return reg
}

func d(name string, ups ...string) Descriptor {
	return Descriptor{Name: name, Kind: "nop", Period: 1, Locus: LocusLocal, Upstreams: ups}
}

func TestCompile_LevelsAndComponents(t *testing.T) {
	g, err := Compile([]Descriptor{
		d("rca", "cpu", "heap"),
		d("cpu"),
		d("heap"),
		d("decider", "rca"),
		d("island"),
	}, testRegistry())
	require.NoError(t, err)

	require.Len(t, g.Components(), 2)
	assert.Equal(t, 5, g.Len())

	var main *Component
	for _, c := range g.Components() {
		if c.Size() == 4 {
			main = c
		}
	}
	require.NotNil(t, main)
	require.Len(t, main.Levels, 3)

	names := func(ns []*Node) []string {
		var out []string
		for _, n := range ns {
			out = append(out, n.Name)
		}
		return out
	}
	assert.Equal(t, []string{"cpu", "heap"}, names(main.Levels[0]))
	assert.Equal(t, []string{"rca"}, names(main.Levels[1]))
	assert.Equal(t, []string{"decider"}, names(main.Levels[2]))

	cpu, ok := g.Node("cpu")
	require.True(t, ok)
	assert.Equal(t, []string{"rca"}, cpu.Downstreams)
	assert.NotNil(t, cpu.Vertex)
}

func TestCompile_OrderIndependent(t *testing.T) {
	a, err := Compile([]Descriptor{d("a"), d("b", "a"), d("c", "a")}, testRegistry())
	require.NoError(t, err)
	b, err := Compile([]Descriptor{d("c", "a"), d("b", "a"), d("a")}, testRegistry())
	require.NoError(t, err)

	assert.Equal(t, a.Names(), b.Names())
}

func TestCompile_Errors(t *testing.T) {
	testCases := []struct {
		name  string
		descs []Descriptor
		want  error
	}{
		{"empty", nil, ErrEmptyGraph},
		{"duplicate", []Descriptor{d("a"), d("a")}, ErrDuplicateVertex},
		{"unknown upstream", []Descriptor{d("a", "ghost")}, ErrUnknownUpstream},
		{"cycle", []Descriptor{d("a", "c"), d("b", "a"), d("c", "b")}, ErrCycle},
		{"self loop", []Descriptor{d("a", "a")}, ErrCycle},
		{"bad period", []Descriptor{{Name: "a", Kind: "nop", Period: 0}}, ErrInvalidPeriod},
		{"unknown kind", []Descriptor{{Name: "a", Kind: "mystery", Period: 1}}, ErrUnknownKind},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.descs, testRegistry())
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestCompile_ConstructorError(t *testing.T) {
	_, err := Compile([]Descriptor{{Name: "a", Kind: "broken", Period: 1}}, testRegistry())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad params")
}

func TestRemoteEdges(t *testing.T) {
	g, err := Compile([]Descriptor{
		{Name: "cpu", Kind: "nop", Period: 1, Locus: LocusLocal},
		{Name: "cpu_rca", Kind: "nop", Period: 1, Locus: LocusLocal, Upstreams: []string{"cpu"}},
		{Name: "cluster_cpu", Kind: "nop", Period: 1, Locus: LocusCluster, Upstreams: []string{"cpu_rca"}},
	}, testRegistry())
	require.NoError(t, err)

	assert.Equal(t, []Edge{{From: "cpu_rca", To: "cluster_cpu"}}, g.RemoteEdges())
}

func TestLocus_RunsOn(t *testing.T) {
	assert.True(t, LocusLocal.RunsOn(model.RoleData))
	assert.True(t, LocusLocal.RunsOn(model.RoleCoordinator))
	assert.False(t, LocusLocal.RunsOn(model.RoleUnknown))
	assert.False(t, LocusCluster.RunsOn(model.RoleData))
	assert.True(t, LocusCluster.RunsOn(model.RoleCoordinator))
	assert.True(t, Locus("data").RunsOn(model.RoleData))
	assert.False(t, Locus("data").RunsOn(model.RoleCoordinator))
}

func TestInputs_UnitsAndBySource(t *testing.T) {
	self := model.NodeKey{NodeID: "self", HostAddress: "10.0.0.1"}
	peer := model.NodeKey{NodeID: "peer", HostAddress: "10.0.0.2"}
	t0 := time.Unix(100, 0)

	in := Inputs{
		Self:  self,
		Local: map[string]model.FlowUnit{"rca": model.NewFlowUnit(t0, model.ContextHealthy, nil)},
		Remote: map[string][]model.RemoteFlowUnit{"rca": {
			{Vertex: "rca", Source: peer, Unit: model.NewFlowUnit(t0, model.ContextUnhealthy, nil)},
			{Vertex: "rca", Source: peer, Unit: model.NewFlowUnit(t0.Add(time.Second), model.ContextHealthy, nil)},
			{Vertex: "rca", Source: peer, Unit: model.EmptyFlowUnit(t0)},
		}},
		StaleNodes: []model.NodeKey{peer},
	}

	assert.Len(t, in.Units("rca"), 3)
	assert.Empty(t, in.Units("other"))

	by := in.BySource("rca")
	require.Len(t, by, 2)
	assert.Equal(t, model.ContextHealthy, by[peer].Context)
	assert.Equal(t, t0.Add(time.Second), by[peer].Timestamp)
	assert.True(t, in.IsStale(peer))
	assert.False(t, in.IsStale(self))
}

func TestFromSpecs_Defaults(t *testing.T) {
	ds := FromSpecs([]config.VertexSpec{{Name: "a", Kind: "nop"}})
	require.Len(t, ds, 1)
	assert.Equal(t, 1, ds[0].Period)
	assert.Equal(t, LocusLocal, ds[0].Locus)
	assert.Equal(t, "x", ds[0].Param("missing", "x"))
}
