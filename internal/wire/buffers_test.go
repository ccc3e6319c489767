package wire

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medic/internal/metrics"
	"medic/pkg/model"
)

var (
	nodeA = model.NodeKey{NodeID: "a", HostAddress: "node-a"}
	nodeB = model.NodeKey{NodeID: "b", HostAddress: "node-b"}
)

func remoteUnit(vertex string, src model.NodeKey, sec int64) model.RemoteFlowUnit {
	return model.RemoteFlowUnit{
		Vertex: vertex,
		Source: src,
		Unit:   model.NewFlowUnit(time.Unix(sec, 0), model.ContextHealthy, nil),
	}
}

func TestInboundBuffer_DropsOldestOnOverflow(t *testing.T) {
	b := NewInboundBuffer(3)

	var dropped int
	for i := int64(1); i <= 5; i++ {
		if b.Append(remoteUnit("v", nodeA, i)) {
			dropped++
		}
	}
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 3, b.Len("v"))

	units := b.Drain("v")
	require.Len(t, units, 3)
	assert.Equal(t, int64(3), units[0].Unit.Timestamp.Unix())
	assert.Equal(t, int64(5), units[2].Unit.Timestamp.Unix())

	assert.Empty(t, b.Drain("v"))
}

func TestInboundBuffer_Await(t *testing.T) {
	b := NewInboundBuffer(10)
	expected := map[string][]model.NodeKey{"v": {nodeA, nodeB}}

	t.Run("times out with missing sources", func(t *testing.T) {
		b.Append(remoteUnit("v", nodeA, 1))
		start := time.Now()
		missing := b.Await(context.Background(), expected, time.Now().Add(20*time.Millisecond))
		assert.Equal(t, []string{"v"}, missing)
		assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	})

	t.Run("wakes when last source reports", func(t *testing.T) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			b.MarkHeard("v", nodeB)
		}()
		missing := b.Await(context.Background(), expected, time.Now().Add(2*time.Second))
		assert.Empty(t, missing)
	})

	t.Run("drain resets heard sources", func(t *testing.T) {
		b.Drain("v")
		missing := b.Await(context.Background(), expected, time.Now())
		assert.Equal(t, []string{"v"}, missing)
	})

	t.Run("context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		missing := b.Await(ctx, expected, time.Now().Add(time.Hour))
		assert.Equal(t, []string{"v"}, missing)
	})
}

func TestNodeStateTracker(t *testing.T) {
	now := time.Unix(1000, 0)
	tr := NewNodeStateTracker(3 * time.Second)
	tr.now = func() time.Time { return now }

	assert.False(t, tr.IsStale(nodeA), "never heard is not stale")

	tr.Heard(nodeA)
	tr.Heard(nodeB)
	now = now.Add(2 * time.Second)
	assert.Empty(t, tr.StaleNodes())

	now = now.Add(2 * time.Second)
	tr.Heard(nodeB)
	assert.Equal(t, []model.NodeKey{nodeA}, tr.StaleNodes())
	assert.True(t, tr.IsStale(nodeA))

	// 再次听到即恢复
	tr.Heard(nodeA)
	assert.Empty(t, tr.StaleNodes())

	tr.Forget(nodeA)
	_, ok := tr.LastHeard(nodeA)
	assert.False(t, ok)
}

func TestSubscriptionManager(t *testing.T) {
	m := NewSubscriptionManager()

	m.AddSubscriber("v", Subscriber{Node: nodeB, Endpoint: "node-b:1"})
	m.AddSubscriber("v", Subscriber{Node: nodeB, Endpoint: "node-b:2"})
	m.AddSubscriber("v", Subscriber{Node: nodeA, Endpoint: "node-a:1"})
	subs := m.Subscribers("v")
	require.Len(t, subs, 2)
	assert.Equal(t, nodeA, subs[0].Node)
	assert.Equal(t, "node-b:2", subs[1].Endpoint)

	m.RemoveSubscriberEndpoint("v", "node-a:1")
	assert.Equal(t, 1, m.SubscriberCount())

	m.AddPublisher("up", nodeA, "node-a:1")
	assert.True(t, m.IsPublisher("up", nodeA))
	assert.False(t, m.IsPublisher("up", nodeB))
	assert.Equal(t, map[string][]string{"up": {"node-a:1"}}, m.PublisherEndpoints())

	m.Clear()
	assert.Zero(t, m.SubscriberCount())
	assert.Empty(t, m.Publishers("up"))
}

func TestSender_DropsOldestWhenFull(t *testing.T) {
	m := metrics.New()
	logger := zaptest.NewLogger(t)
	client := NewClient(time.Second, nil, m, logger)
	defer client.Close()

	// 不启动 worker，只看队列
	s := NewSender(client, 2, 1, nil, m, logger)
	for _, v := range []string{"first", "second", "third"} {
		s.Enqueue("node-b:1", &PublishMessage{Kind: KindPush, Vertex: v})
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.OutboundDropped))
	assert.Equal(t, "second", (<-s.queue).msg.Vertex)
	assert.Equal(t, "third", (<-s.queue).msg.Vertex)

	s.Start()
	assert.True(t, s.Shutdown(time.Second))
	// 关闭后的入队被忽略
	s.Enqueue("node-b:1", &PublishMessage{Kind: KindPush, Vertex: "late"})
}
