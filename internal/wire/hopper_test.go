package wire

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"medic/internal/graph"
	"medic/internal/metrics"
	"medic/internal/scheduler"
	"medic/pkg/model"
)

var _ scheduler.Distributor = (*Hopper)(nil)

type staticMembers []*model.Node

func (s staticMembers) ListNodes(context.Context) ([]*model.Node, error) { return s, nil }

type nopVertex struct{}

func (nopVertex) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	return model.EmptyFlowUnit(in.Now), nil
}

func testGraph(t *testing.T) *graph.Graph {
	t.Helper()
	reg := graph.NewRegistry()
	reg.Register("nop", func(graph.Descriptor) (graph.Vertex, error) { return nopVertex{}, nil })
	g, err := graph.Compile([]graph.Descriptor{
		{Name: "node_rca", Kind: "nop", Period: 1, Locus: graph.LocusLocal},
		{Name: "cluster_rca", Kind: "nop", Period: 1, Locus: graph.LocusCluster, Upstreams: []string{"node_rca"}},
	}, reg)
	require.NoError(t, err)
	return g
}

// testNode 一个 bufconn 上的节点：server + hopper
type testNode struct {
	info    *model.Node
	server  *Server
	hopper  *Hopper
	metrics *metrics.Registry
}

// cluster 启动两个节点：a 为数据节点，b 为协调节点
func cluster(t *testing.T) (a, b *testNode) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	infoA := &model.Node{ID: "a", IP: "node-a", RPCPort: 9650, Role: model.RoleData}
	infoB := &model.Node{ID: "b", IP: "node-b", RPCPort: 9650, Role: model.RoleCoordinator}
	members := staticMembers{infoA, infoB}

	listeners := map[string]*bufconn.Listener{
		infoA.Endpoint(): bufconn.Listen(1 << 20),
		infoB.Endpoint(): bufconn.Listen(1 << 20),
	}
	dialer := grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		lis, ok := listeners[addr]
		if !ok {
			return nil, &net.AddrError{Err: "unknown test endpoint", Addr: addr}
		}
		return lis.DialContext(ctx)
	})

	start := func(info *model.Node) *testNode {
		m := metrics.New()
		cfg := DefaultHopperConfig(*info, 50*time.Millisecond)
		h := NewHopper(cfg, testGraph(t), members, nil, m, logger, dialer)
		h.Start()

		srv := NewServer(m, logger)
		srv.Attach(h)
		go func() { _ = srv.Serve(listeners[info.Endpoint()]) }()

		return &testNode{info: info, server: srv, hopper: h, metrics: m}
	}
	a, b = start(infoA), start(infoB)

	// 先停两边的 hopper (关闭推送流)，再停 server
	t.Cleanup(func() {
		b.hopper.Stop(context.Background())
		a.hopper.Stop(context.Background())
		b.server.Stop()
		a.server.Stop()
	})
	return a, b
}

func TestHopper_SubscribeAndPush(t *testing.T) {
	a, b := cluster(t)
	ctx := context.Background()

	// 协调节点订阅所有数据节点上的 node_rca
	b.hopper.Negotiate(ctx, []graph.Need{{Vertex: "node_rca", Locus: graph.LocusLocal}})
	require.Equal(t, []model.NodeKey{a.info.Key()}, b.hopper.subs.Publishers("node_rca"))
	require.Len(t, a.hopper.subs.Subscribers("node_rca"), 1)

	unit := model.NewFlowUnit(time.Now().Truncate(time.Millisecond), model.ContextUnhealthy, &model.Summary{
		Nodes: []model.NodeSummary{{Node: a.info.Key(), Resources: []model.ResourceSummary{
			{Resource: model.ResourceHeap, Metric: model.MetricUsage, Value: 0.93, Threshold: 0.9},
		}}},
	})
	a.hopper.Publish("node_rca", unit)

	missing := b.hopper.AwaitRemote(ctx, []string{"node_rca"}, time.Now().Add(2*time.Second))
	assert.Empty(t, missing)

	got := b.hopper.DrainRemote("node_rca")
	require.Len(t, got, 1)
	assert.Equal(t, a.info.Key(), got[0].Source)
	assert.Equal(t, model.ContextUnhealthy, got[0].Unit.Context)
	require.NotNil(t, got[0].Unit.Summary)
	assert.Equal(t, 0.93, got[0].Unit.Summary.Nodes[0].Resources[0].Value)

	// 空输出只发心跳：来源算作已上报，但没有数据
	a.hopper.Heartbeat("node_rca")
	missing = b.hopper.AwaitRemote(ctx, []string{"node_rca"}, time.Now().Add(2*time.Second))
	assert.Empty(t, missing)
	assert.Empty(t, b.hopper.DrainRemote("node_rca"))

	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.MessagesReceived.WithLabelValues(string(KindPush))))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.MessagesReceived.WithLabelValues(string(KindHeartbeat))))
}

func TestHopper_TagMismatch(t *testing.T) {
	a, b := cluster(t)

	resp, err := b.hopper.client.Subscribe(context.Background(), a.info.Endpoint(), &SubscribeRequest{
		RequestID: "r1",
		Vertex:    "cluster_rca",
		Requester: b.info.Key(),
		Endpoint:  b.info.Endpoint(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTagMismatch, resp.Status)
	assert.Equal(t, "r1", resp.RequestID)
	assert.Equal(t, a.info.Key(), resp.Responder)

	resp, err = b.hopper.client.Subscribe(context.Background(), a.info.Endpoint(), &SubscribeRequest{
		Vertex: "no_such_vertex", Requester: b.info.Key(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusTagMismatch, resp.Status)
	assert.Empty(t, a.hopper.subs.Subscribers("cluster_rca"))
}

func TestHopper_RejectedPushDropsSubscriber(t *testing.T) {
	a, b := cluster(t)
	ctx := context.Background()

	b.hopper.Negotiate(ctx, []graph.Need{{Vertex: "node_rca", Locus: graph.LocusLocal}})
	require.Len(t, a.hopper.subs.Subscribers("node_rca"), 1)

	// 订阅方重建，丢掉了订阅关系
	b.hopper.subs.Clear()
	a.hopper.Publish("node_rca", model.NewFlowUnit(time.Now(), model.ContextHealthy, nil))

	assert.Eventually(t, func() bool {
		return len(a.hopper.subs.Subscribers("node_rca")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, b.hopper.inbound.Len("node_rca"))
}

func TestHopper_StaleSourcesAreNotAwaited(t *testing.T) {
	a, b := cluster(t)
	ctx := context.Background()

	b.hopper.Negotiate(ctx, []graph.Need{{Vertex: "node_rca", Locus: graph.LocusLocal}})

	now := time.Now()
	b.hopper.nodes.now = func() time.Time { return now.Add(time.Hour) }
	assert.Equal(t, []model.NodeKey{a.info.Key()}, b.hopper.StaleNodes())
	assert.Equal(t, 1.0, testutil.ToFloat64(b.metrics.StaleNodes))

	start := time.Now()
	missing := b.hopper.AwaitRemote(ctx, []string{"node_rca"}, time.Now().Add(time.Second))
	assert.Empty(t, missing)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestStaleWindow_ScalesWithSlowestRemoteProducer(t *testing.T) {
	reg := graph.NewRegistry()
	reg.Register("nop", func(graph.Descriptor) (graph.Vertex, error) { return nopVertex{}, nil })
	g, err := graph.Compile([]graph.Descriptor{
		{Name: "fast_rca", Kind: "nop", Period: 1, Locus: graph.LocusLocal},
		{Name: "slow_rca", Kind: "nop", Period: 5, Locus: graph.LocusLocal},
		{Name: "local_only", Kind: "nop", Period: 12, Locus: graph.LocusLocal, Upstreams: []string{"slow_rca"}},
		{Name: "cluster_rca", Kind: "nop", Period: 5, Locus: graph.LocusCluster, Upstreams: []string{"fast_rca", "slow_rca"}},
	}, reg)
	require.NoError(t, err)

	self := model.Node{ID: "a", IP: "node-a", RPCPort: 9650, Role: model.RoleData}
	cfg := DefaultHopperConfig(self, time.Second)
	assert.Equal(t, 15*time.Second, staleWindow(cfg, g))

	cfg.StaleAfterPeriods = 2
	h := NewHopper(cfg, g, staticMembers{&self}, nil, metrics.New(), zaptest.NewLogger(t))
	assert.Equal(t, 10*time.Second, h.nodes.staleAfter)

	// 没有远端边时按一个周期算
	assert.Equal(t, 3*time.Second, staleWindow(DefaultHopperConfig(self, time.Second), testGraphLocal(t)))
}

func testGraphLocal(t *testing.T) *graph.Graph {
	t.Helper()
	reg := graph.NewRegistry()
	reg.Register("nop", func(graph.Descriptor) (graph.Vertex, error) { return nopVertex{}, nil })
	g, err := graph.Compile([]graph.Descriptor{
		{Name: "node_rca", Kind: "nop", Period: 7, Locus: graph.LocusLocal},
	}, reg)
	require.NoError(t, err)
	return g
}

func TestServer_DetachedAnswersUnavailable(t *testing.T) {
	a, b := cluster(t)
	a.server.Detach()

	_, err := b.hopper.client.Subscribe(context.Background(), a.info.Endpoint(), &SubscribeRequest{
		Vertex: "node_rca", Requester: b.info.Key(),
	})
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	// 重新挂上后恢复
	a.server.Attach(a.hopper)
	resp, err := b.hopper.client.Subscribe(context.Background(), a.info.Endpoint(), &SubscribeRequest{
		Vertex: "node_rca", Requester: b.info.Key(), Endpoint: b.info.Endpoint(),
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resp.Status)
}
