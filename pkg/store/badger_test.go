package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medic/pkg/model"
)

type stubAction struct {
	name string
	node model.NodeKey
}

func (a stubAction) Name() string                 { return a.name }
func (a stubAction) CanUpdate() bool              { return true }
func (a stubAction) CoolOffPeriod() time.Duration { return time.Minute }
func (a stubAction) ImpactedNodes() []model.NodeKey {
	return []model.NodeKey{a.node}
}
func (a stubAction) Impact() map[model.NodeKey]model.ImpactVector {
	return map[model.NodeKey]model.ImpactVector{a.node: model.NewImpactVector()}
}
func (a stubAction) Resource() model.ResourceKind { return model.ResourceHeap }
func (a stubAction) Summary() string              { return `{"stub":true}` }
func (a stubAction) IsMuted() bool                { return false }

func openTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := OpenBadger(BadgerConfig{InMemory: true, Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBadgerStore_FlowUnitsQueryInTimeOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 5; i++ {
		unit := model.NewFlowUnit(base.Add(time.Duration(i)*time.Second), model.ContextHealthy, nil)
		require.NoError(t, s.PersistFlowUnit(ctx, "heap_rca", unit))
	}
	// 另一个顶点、前缀相近
	require.NoError(t, s.PersistFlowUnit(ctx, "heap_rca_cluster",
		model.NewFlowUnit(base, model.ContextUnhealthy, nil)))

	rows, err := s.Query(ctx, "heap_rca", Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 5)
	for i, r := range rows {
		assert.Equal(t, base.Add(time.Duration(i)*time.Second).UnixNano(), r.Timestamp.UnixNano())
		var unit model.FlowUnit
		require.NoError(t, json.Unmarshal(r.Data, &unit))
		assert.Equal(t, model.ContextHealthy, unit.Context)
	}

	rows, err = s.Query(ctx, "heap_rca", Filter{Since: base.Add(2 * time.Second), Limit: 2})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, base.Add(3*time.Second).UnixNano(), rows[0].Timestamp.UnixNano())
	assert.Equal(t, base.Add(4*time.Second).UnixNano(), rows[1].Timestamp.UnixNano())

	rows, err = s.Query(ctx, "heap_rca", Filter{Until: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestBadgerStore_SkipsEmptyUnits(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.PersistFlowUnit(ctx, "v", model.EmptyFlowUnit(time.Now())))
	rows, err := s.Query(ctx, "v", Filter{})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBadgerStore_Actions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	node := model.NodeKey{NodeID: "n1", HostAddress: "10.0.0.1"}

	require.NoError(t, s.PersistAction(ctx, stubAction{name: "ModifyCacheMaxSize", node: node}))
	require.NoError(t, s.PersistAction(ctx, stubAction{name: "ModifyQueueCapacity", node: node}))

	rows, err := s.Query(ctx, ActionsTable, Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	var rec ActionRecord
	require.NoError(t, json.Unmarshal(rows[0].Data, &rec))
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, []model.NodeKey{node}, rec.Nodes)
	assert.Equal(t, `{"stub":true}`, rec.Summary)
}

func TestBadgerStore_CloseTwice(t *testing.T) {
	s, err := OpenBadger(BadgerConfig{InMemory: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())
}
