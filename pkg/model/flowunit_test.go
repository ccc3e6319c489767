package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlowUnit_IsEmpty(t *testing.T) {
	now := time.Now()

	assert.True(t, EmptyFlowUnit(now).IsEmpty())
	assert.True(t, NewRecordFlowUnit(now, nil).IsEmpty())
	assert.True(t, NewDecisionFlowUnit(now, NewDecision("d")).IsEmpty())

	assert.False(t, NewRecordFlowUnit(now, []Record{{Name: "cpu", Value: 1}}).IsEmpty())
	assert.False(t, NewFlowUnit(now, ContextHealthy, nil).IsEmpty())
	assert.False(t, NewFlowUnit(now, ContextNone, &Summary{}).IsEmpty())
}

func TestNodeKey_ValueEquality(t *testing.T) {
	m := map[NodeKey]string{}
	m[NodeKey{NodeID: "n1", HostAddress: "10.0.0.1"}] = "a"
	m[NodeKey{NodeID: "n1", HostAddress: "10.0.0.1"}] = "b"

	assert.Len(t, m, 1)
	assert.Equal(t, "b", m[NodeKey{NodeID: "n1", HostAddress: "10.0.0.1"}])
	assert.Equal(t, "n1@10.0.0.1", NodeKey{NodeID: "n1", HostAddress: "10.0.0.1"}.String())
}

func TestNodeSummary_Find(t *testing.T) {
	ns := NodeSummary{Resources: []ResourceSummary{
		{Resource: ResourceHeap, Value: 0.9},
		{Resource: ResourceCPU, Value: 0.3},
	}}

	r, ok := ns.Find(ResourceCPU)
	assert.True(t, ok)
	assert.Equal(t, 0.3, r.Value)

	_, ok = ns.Find(ResourceFieldDataCache)
	assert.False(t, ok)
}
