package wire

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"medic/internal/fault"
	"medic/internal/graph"
	"medic/internal/metrics"
	"medic/pkg/model"
)

// Membership 集群成员来源 (etcd)
type Membership interface {
	ListNodes(ctx context.Context) ([]*model.Node, error)
}

// HopperConfig 分发层参数
type HopperConfig struct {
	Self model.Node // 包含角色和 wire 地址
	Tick time.Duration
	// StaleAfterPeriods 连续多少个周期没有消息视为失联
	StaleAfterPeriods int
	InboundCapacity   int
	OutboundCapacity  int
	NetworkWorkers    int
	CallTimeout       time.Duration
	ShutdownGrace     time.Duration
}

// DefaultHopperConfig 默认参数
func DefaultHopperConfig(self model.Node, tick time.Duration) HopperConfig {
	return HopperConfig{
		Self:              self,
		Tick:              tick,
		StaleAfterPeriods: 3,
		InboundCapacity:   200,
		OutboundCapacity:  1000,
		NetworkWorkers:    4,
		CallTimeout:       2 * time.Second,
		ShutdownGrace:     2 * time.Second,
	}
}

// staleWindow 失联判定窗口：StaleAfterPeriods 个最慢远端生产者的周期
func staleWindow(cfg HopperConfig, g *graph.Graph) time.Duration {
	period := 1
	if g != nil {
		for _, e := range g.RemoteEdges() {
			if n, ok := g.Node(e.From); ok && n.Period > period {
				period = n.Period
			}
		}
	}
	return time.Duration(cfg.StaleAfterPeriods*period) * cfg.Tick
}

// Hopper 分发层门面：对调度器实现 Distributor，对 wire 服务端实现 Handlers
type Hopper struct {
	cfg     HopperConfig
	self    model.NodeKey
	graph   *graph.Graph
	members Membership

	client  *Client
	sender  *Sender
	subs    *SubscriptionManager
	inbound *InboundBuffer
	nodes   *NodeStateTracker

	metrics *metrics.Registry
	logger  *zap.Logger
	errLog  rate.Sometimes
}

var _ Handlers = (*Hopper)(nil)

// NewHopper 构造函数；opts 传给 gRPC 客户端
func NewHopper(cfg HopperConfig, g *graph.Graph, members Membership, faults *fault.Handler,
	m *metrics.Registry, logger *zap.Logger, opts ...grpc.DialOption) *Hopper {
	h := &Hopper{
		cfg:     cfg,
		self:    cfg.Self.Key(),
		graph:   g,
		members: members,
		subs:    NewSubscriptionManager(),
		inbound: NewInboundBuffer(cfg.InboundCapacity),
		nodes:   NewNodeStateTracker(staleWindow(cfg, g)),
		metrics: m,
		logger:  logger.Named("hopper"),
		errLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	h.client = NewClient(cfg.CallTimeout, h.onReject, m, logger, opts...)
	h.sender = NewSender(h.client, cfg.OutboundCapacity, cfg.NetworkWorkers, faults, m, logger)
	return h
}

// Start 启动网络 worker
func (h *Hopper) Start() {
	h.sender.Start()
}

// ---------------------------------------------------------
// Distributor (调度器侧)
// ---------------------------------------------------------

func (h *Hopper) Publish(vertex string, unit model.FlowUnit) {
	u := unit
	h.broadcast(vertex, &PublishMessage{Kind: KindPush, Vertex: vertex, Source: h.self, Unit: &u})
}

func (h *Hopper) Heartbeat(vertex string) {
	h.broadcast(vertex, &PublishMessage{Kind: KindHeartbeat, Vertex: vertex, Source: h.self})
}

func (h *Hopper) broadcast(vertex string, msg *PublishMessage) {
	subs := h.subs.Subscribers(vertex)
	if len(subs) == 0 {
		return
	}
	msg.SentAt = time.Now()
	for _, s := range subs {
		h.sender.Enqueue(s.Endpoint, msg)
	}
}

// Negotiate 对每个需求，向承担该标签的其他节点发起订阅
// 对端已有的订阅会被覆盖，所以重复调用是安全的
func (h *Hopper) Negotiate(ctx context.Context, needs []graph.Need) {
	if len(needs) == 0 {
		return
	}
	peers, err := h.members.ListNodes(ctx)
	if err != nil {
		h.metrics.RPCErrors.WithLabelValues("membership", errorKind(err)).Inc()
		h.logger.Warn("list cluster members failed, keeping current subscriptions", zap.Error(err))
		return
	}

	alive := make(map[model.NodeKey]struct{}, len(peers))
	for _, p := range peers {
		alive[p.Key()] = struct{}{}
	}

	for _, need := range needs {
		// 已离开集群的来源不再等待
		for _, src := range h.subs.Publishers(need.Vertex) {
			if _, ok := alive[src]; !ok {
				h.subs.RemovePublisher(need.Vertex, src)
				h.nodes.Forget(src)
			}
		}

		for _, p := range peers {
			if p.Key() == h.self || !need.Locus.Matches(*p) {
				continue
			}
			h.subscribe(ctx, need, p)
		}
	}
}

func (h *Hopper) subscribe(ctx context.Context, need graph.Need, peer *model.Node) {
	req := &SubscribeRequest{
		RequestID: uuid.NewString(),
		Vertex:    need.Vertex,
		Locus:     string(need.Locus),
		Requester: h.self,
		Endpoint:  h.cfg.Self.Endpoint(),
	}
	resp, err := h.client.Subscribe(ctx, peer.Endpoint(), req)
	if err != nil {
		h.metrics.RPCErrors.WithLabelValues("subscribe", errorKind(err)).Inc()
		h.errLog.Do(func() {
			h.logger.Warn("subscribe failed",
				zap.String("vertex", need.Vertex),
				zap.Stringer("peer", peer.Key()),
				zap.Error(err))
		})
		return
	}

	switch resp.Status {
	case StatusSuccess:
		if !h.subs.IsPublisher(need.Vertex, peer.Key()) {
			// 从订阅成功开始计算失联
			h.nodes.Heard(peer.Key())
			h.logger.Debug("subscribed",
				zap.String("vertex", need.Vertex), zap.Stringer("peer", peer.Key()))
		}
		h.subs.AddPublisher(need.Vertex, peer.Key(), peer.Endpoint())
	default:
		h.subs.RemovePublisher(need.Vertex, peer.Key())
		h.logger.Debug("subscription rejected",
			zap.String("vertex", need.Vertex),
			zap.Stringer("peer", peer.Key()),
			zap.String("status", string(resp.Status)))
	}
}

// AwaitRemote 失联节点不在等待范围内
func (h *Hopper) AwaitRemote(ctx context.Context, vertices []string, deadline time.Time) []string {
	expected := make(map[string][]model.NodeKey, len(vertices))
	for _, v := range vertices {
		var sources []model.NodeKey
		for _, src := range h.subs.Publishers(v) {
			if !h.nodes.IsStale(src) {
				sources = append(sources, src)
			}
		}
		if len(sources) > 0 {
			expected[v] = sources
		}
	}
	if len(expected) == 0 {
		return nil
	}
	return h.inbound.Await(ctx, expected, deadline)
}

func (h *Hopper) DrainRemote(vertex string) []model.RemoteFlowUnit {
	return h.inbound.Drain(vertex)
}

func (h *Hopper) StaleNodes() []model.NodeKey {
	stale := h.nodes.StaleNodes()
	h.metrics.StaleNodes.Set(float64(len(stale)))
	return stale
}

// ---------------------------------------------------------
// Handlers (wire 服务端侧)
// ---------------------------------------------------------

// HandleSubscribe 只有顶点存在且在本角色上执行时才接受
func (h *Hopper) HandleSubscribe(_ context.Context, req *SubscribeRequest) *SubscribeResponse {
	resp := &SubscribeResponse{RequestID: req.RequestID, Responder: h.self, Status: StatusTagMismatch}

	n, ok := h.graph.Node(req.Vertex)
	if !ok || !n.Locus.RunsOn(h.cfg.Self.Role) {
		return resp
	}
	h.subs.AddSubscriber(req.Vertex, Subscriber{Node: req.Requester, Endpoint: req.Endpoint})
	h.metrics.Subscribers.Set(float64(h.subs.SubscriberCount()))
	resp.Status = StatusSuccess
	return resp
}

func (h *Hopper) HandleUnsubscribe(_ context.Context, req *UnsubscribeRequest) {
	h.subs.RemoveSubscriber(req.Vertex, req.Requester)
	h.metrics.Subscribers.Set(float64(h.subs.SubscriberCount()))
}

// HandlePublish 只接受本节点订阅过的来源
func (h *Hopper) HandlePublish(msg *PublishMessage) *PublishReply {
	if !h.subs.IsPublisher(msg.Vertex, msg.Source) {
		return &PublishReply{Vertex: msg.Vertex, Responder: h.self, Reason: "not subscribed"}
	}
	h.nodes.Heard(msg.Source)

	switch msg.Kind {
	case KindPush:
		if msg.Unit == nil {
			h.metrics.RPCErrors.WithLabelValues("receive", "EmptyPush").Inc()
			return nil
		}
		dropped := h.inbound.Append(model.RemoteFlowUnit{Vertex: msg.Vertex, Source: msg.Source, Unit: *msg.Unit})
		if dropped {
			h.metrics.InboundDropped.WithLabelValues(msg.Vertex).Inc()
		}
	case KindHeartbeat:
		h.inbound.MarkHeard(msg.Vertex, msg.Source)
	default:
		h.metrics.RPCErrors.WithLabelValues("receive", "UnknownKind").Inc()
	}
	return nil
}

// onReject 订阅者已不再需要这个顶点
func (h *Hopper) onReject(endpoint string, reply *PublishReply) {
	h.logger.Debug("subscriber rejected push, dropping subscription",
		zap.String("vertex", reply.Vertex),
		zap.Stringer("subscriber", reply.Responder),
		zap.String("reason", reply.Reason))
	if reply.Responder.IsZero() {
		h.subs.RemoveSubscriberEndpoint(reply.Vertex, endpoint)
	} else {
		h.subs.RemoveSubscriber(reply.Vertex, reply.Responder)
	}
	h.metrics.Subscribers.Set(float64(h.subs.SubscriberCount()))
}

// ---------------------------------------------------------
// 生命周期
// ---------------------------------------------------------

// Stop 尽力退订、半关闭推送流、排空发送队列 (超时强制)、清空缓冲
func (h *Hopper) Stop(ctx context.Context) {
	for vertex, endpoints := range h.subs.PublisherEndpoints() {
		for _, ep := range endpoints {
			err := h.client.Unsubscribe(ctx, ep, &UnsubscribeRequest{Vertex: vertex, Requester: h.self})
			if err != nil {
				h.metrics.RPCErrors.WithLabelValues("unsubscribe", errorKind(err)).Inc()
				h.logger.Debug("unsubscribe failed", zap.String("vertex", vertex), zap.String("endpoint", ep), zap.Error(err))
			}
		}
	}

	if !h.sender.Shutdown(h.cfg.ShutdownGrace) {
		h.logger.Warn("outbound queue not drained before shutdown")
	}
	h.client.CloseStreams()
	if err := h.client.Close(); err != nil {
		h.logger.Debug("close wire client", zap.Error(err))
	}

	h.inbound.Clear()
	h.subs.Clear()
	h.nodes.Clear()
	h.metrics.Subscribers.Set(0)
	h.metrics.StaleNodes.Set(0)
	h.logger.Info("hopper stopped")
}
