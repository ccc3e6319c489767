package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medic/internal/config"
	"medic/internal/graph"
	"medic/internal/metrics"
	"medic/pkg/model"
)

// State 调度器生命周期
type State int32

const (
	NotStarted State = iota
	Started
	Stopped
	StoppedDueToException
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Started:
		return "STARTED"
	case Stopped:
		return "STOPPED"
	case StoppedDueToException:
		return "STOPPED_DUE_TO_EXCEPTION"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrNilGraph    = errors.New("scheduler needs a compiled graph")
	ErrInvalidTick = errors.New("scheduler tick must be positive")
)

// Distributor 跨节点分发层 (wire.Hopper)
// 所有方法都不能阻塞 tick 太久，错误在内部消化
type Distributor interface {
	// Publish 把非空输出推给远端订阅者，不等确认
	Publish(vertex string, unit model.FlowUnit)
	// Heartbeat 空输出时告诉订阅者 "我还活着，只是没有数据"
	Heartbeat(vertex string)
	// Negotiate 向承担对应角色的节点发起订阅 (幂等)
	Negotiate(ctx context.Context, needs []graph.Need)
	// AwaitRemote 等待每个上游的全部预期来源上报，最迟到 deadline；返回没到齐的上游
	AwaitRemote(ctx context.Context, vertices []string, deadline time.Time) []string
	// DrainRemote 取走并清空某个上游的远端输出
	DrainRemote(vertex string) []model.RemoteFlowUnit
	StaleNodes() []model.NodeKey
}

// Persister 只需要写 flow unit
type Persister interface {
	PersistFlowUnit(ctx context.Context, vertex string, unit model.FlowUnit) error
}

// Config 调度参数
type Config struct {
	Tick       time.Duration // 基础周期
	RemoteWait time.Duration // 每个 tick 等远端数据的总预算
	Workers    int           // 同层并发上限
	Role       model.Role
	Self       model.NodeKey
	// RenegotiateEvery 每隔多少 tick 重新订阅一次，用来发现新加入的节点
	RenegotiateEvery uint64
}

// Scheduler 周期性地按拓扑顺序评估整张图
type Scheduler struct {
	cfg     Config
	graph   *graph.Graph
	live    *config.Live
	dist    Distributor
	persist Persister
	metrics *metrics.Registry
	logger  *zap.Logger
	now     func() time.Time

	state   atomic.Int32
	started chan struct{}

	tick        uint64
	lastVersion int64
	needs       []graph.Need
}

// New 构造函数；persist 可以为 nil
func New(cfg Config, g *graph.Graph, live *config.Live, dist Distributor, persist Persister,
	m *metrics.Registry, logger *zap.Logger) (*Scheduler, error) {
	if g == nil {
		return nil, ErrNilGraph
	}
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTick, cfg.Tick)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.RenegotiateEvery == 0 {
		cfg.RenegotiateEvery = 60
	}
	if live == nil {
		live = config.NewLive(nil)
	}

	s := &Scheduler{
		cfg:         cfg,
		graph:       g,
		live:        live,
		dist:        dist,
		persist:     persist,
		metrics:     m,
		logger:      logger.Named("scheduler"),
		now:         time.Now,
		started:     make(chan struct{}),
		lastVersion: -1,
	}
	s.needs = subscriptionNeeds(g, cfg.Role)
	return s, nil
}

// State 当前状态
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Started 进入 STARTED 时关闭
func (s *Scheduler) Started() <-chan struct{} { return s.started }

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	s.metrics.SchedulerState.Set(float64(st))
	if st == Started {
		close(s.started)
	}
}

// Run 启动调度主循环，直到 ctx 结束或出现致命错误
// 返回非 nil 错误时状态为 STOPPED_DUE_TO_EXCEPTION，不会自行重试
func (s *Scheduler) Run(ctx context.Context) (err error) {
	if s.State() != NotStarted {
		return fmt.Errorf("scheduler already %s", s.State())
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler panic: %v", r)
			s.logger.Error("scheduler stopped due to exception",
				zap.Error(err), zap.ByteString("stack", debug.Stack()))
			s.setState(StoppedDueToException)
		}
	}()

	s.setState(Started)
	s.logger.Info("scheduler started",
		zap.Stringer("tick", s.cfg.Tick),
		zap.String("role", string(s.cfg.Role)),
		zap.Int("vertices", s.graph.Len()),
		zap.Int("components", len(s.graph.Components())),
	)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		s.Step(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.setState(Stopped)
			s.logger.Info("scheduler stopped", zap.Uint64("ticks", s.tick))
			return nil
		}
	}
}

// Step 执行一个 tick
func (s *Scheduler) Step(ctx context.Context) {
	start := s.now()
	tick := s.tick
	s.tick++
	defer func() {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if s.dist != nil && len(s.needs) > 0 && tick%s.cfg.RenegotiateEvery == 0 {
		s.dist.Negotiate(ctx, s.needs)
	}

	snap := s.live.Load()
	s.refreshConfig(snap)

	t := &tickState{
		tick:     tick,
		start:    start,
		deadline: start.Add(s.cfg.RemoteWait),
		snap:     snap,
		outputs:  make(map[string]model.FlowUnit),
		remote:   make(map[string][]model.RemoteFlowUnit),
	}
	if s.dist != nil {
		t.stale = s.dist.StaleNodes()
	}

	for _, comp := range s.graph.Components() {
		for _, level := range comp.Levels {
			if ctx.Err() != nil {
				return
			}
			s.runLevel(ctx, t, level)
		}
	}
}

// tickState 一个 tick 内共享的数据，只在层与层之间由调度协程修改
type tickState struct {
	tick     uint64
	start    time.Time
	deadline time.Time
	snap     *config.Snapshot
	stale    []model.NodeKey

	outputs map[string]model.FlowUnit
	remote  map[string][]model.RemoteFlowUnit
}

// refreshConfig 配置版本前进时通知所有 ConfigReader 顶点
func (s *Scheduler) refreshConfig(snap *config.Snapshot) {
	if snap == nil || snap.Analysis == nil || snap.Version() == s.lastVersion {
		return
	}
	s.lastVersion = snap.Version()
	for _, name := range s.graph.Names() {
		n, _ := s.graph.Node(name)
		if r, ok := n.Vertex.(graph.ConfigReader); ok {
			r.ReadConfig(snap.Analysis)
		}
	}
}

func (s *Scheduler) runLevel(ctx context.Context, t *tickState, level []*graph.Node) {
	due := s.dueNodes(level, t.tick, t.snap)
	if len(due) == 0 {
		return
	}
	s.collectRemote(ctx, t, due)

	results := make([]model.FlowUnit, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for i, n := range due {
		in := s.inputsFor(t, n)
		g.Go(func() error {
			results[i] = s.evaluate(gctx, n, in)
			return nil
		})
	}
	_ = g.Wait()

	for i, n := range due {
		unit := results[i]
		t.outputs[n.Name] = unit
		s.forward(ctx, n.Name, unit)
	}
}

// collectRemote 等待并取出本层需要的远端输出
// 整个 tick 共用一个 deadline，所以每个 tick 最多等 RemoteWait
func (s *Scheduler) collectRemote(ctx context.Context, t *tickState, due []*graph.Node) {
	if s.dist == nil {
		return
	}
	var pending []string
	for _, n := range due {
		for _, up := range s.remoteUpstreams(n) {
			if _, done := t.remote[up]; !done && !contains(pending, up) {
				pending = append(pending, up)
			}
		}
	}
	if len(pending) == 0 {
		return
	}

	missing := s.dist.AwaitRemote(ctx, pending, t.deadline)
	for _, up := range missing {
		s.metrics.RemoteWaitTimeout.WithLabelValues(up).Inc()
	}
	if len(missing) > 0 {
		s.logger.Debug("proceeding without all remote sources",
			zap.Uint64("tick", t.tick), zap.Strings("upstreams", missing))
	}
	for _, up := range pending {
		t.remote[up] = s.dist.DrainRemote(up)
	}
}

func (s *Scheduler) inputsFor(t *tickState, n *graph.Node) graph.Inputs {
	in := graph.Inputs{
		Tick:       t.tick,
		Now:        t.start,
		Self:       s.cfg.Self,
		Config:     t.snap,
		Upstreams:  n.Upstreams,
		Local:      make(map[string]model.FlowUnit, len(n.Upstreams)),
		Remote:     make(map[string][]model.RemoteFlowUnit),
		StaleNodes: t.stale,
	}
	for _, up := range n.Upstreams {
		if u, ok := t.outputs[up]; ok {
			in.Local[up] = u
		}
		if r, ok := t.remote[up]; ok {
			in.Remote[up] = r
		}
	}
	return in
}

// evaluate 隔离单个顶点的失败：error 和 panic 都变成空输出
func (s *Scheduler) evaluate(ctx context.Context, n *graph.Node, in graph.Inputs) (unit model.FlowUnit) {
	start := time.Now()
	n.MarkEvaluated()
	s.metrics.VertexEvaluations.WithLabelValues(n.Name).Inc()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("vertex panicked",
				zap.String("vertex", n.Name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			s.metrics.VertexFailures.WithLabelValues(n.Name).Inc()
			unit = model.EmptyFlowUnit(in.Now)
		}
		s.metrics.VertexLatency.WithLabelValues(n.Name).Observe(time.Since(start).Seconds())
	}()

	u, err := n.Vertex.Evaluate(ctx, in)
	if err != nil {
		s.logger.Warn("vertex evaluation failed",
			zap.String("vertex", n.Name), zap.Uint64("tick", in.Tick), zap.Error(err))
		s.metrics.VertexFailures.WithLabelValues(n.Name).Inc()
		return model.EmptyFlowUnit(in.Now)
	}
	return u
}

// forward 持久化并推送给远端订阅者；决策输出只在本地流转
func (s *Scheduler) forward(ctx context.Context, vertex string, unit model.FlowUnit) {
	if unit.Decision != nil {
		return
	}
	if unit.IsEmpty() {
		if s.dist != nil {
			s.dist.Heartbeat(vertex)
		}
		return
	}
	if s.persist != nil {
		if err := s.persist.PersistFlowUnit(ctx, vertex, unit); err != nil {
			s.metrics.PersistErrors.WithLabelValues("flowunit").Inc()
			s.logger.Warn("persist flow unit failed", zap.String("vertex", vertex), zap.Error(err))
		}
	}
	if s.dist != nil {
		s.dist.Publish(vertex, unit)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
