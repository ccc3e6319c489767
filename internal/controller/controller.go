// Package controller 负责诊断流水线的生命周期：
// 轮询启用开关、角色和配置，按需启动、停止或整体重启调度器和分发层。
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"medic/internal/config"
	"medic/internal/decision/action"
	"medic/internal/fault"
	"medic/internal/graph"
	"medic/internal/metrics"
	"medic/internal/scheduler"
	"medic/internal/wire"
	"medic/pkg/model"
	"medic/pkg/store"
)

// State 控制器状态
type State int32

const (
	Stopped State = iota
	Starting
	Started
	Restarting
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "STOPPED"
	case Starting:
		return "STARTING"
	case Started:
		return "STARTED"
	case Restarting:
		return "RESTARTING"
	default:
		return "UNKNOWN"
	}
}

// ErrNoConfig 还没有可用的分析配置
var ErrNoConfig = errors.New("no analysis config loaded")

// Registrar 心跳时写入成员信息
type Registrar interface {
	RegisterNode(ctx context.Context, node *model.Node) error
}

// Config 控制器参数
type Config struct {
	Self         model.Node // 角色在运行时填入
	PollInterval time.Duration
	StartTimeout time.Duration
	StopTimeout  time.Duration
	// EnabledFile 为空表示总是启用
	EnabledFile    string
	DefaultEnabled bool

	Tick       time.Duration
	RemoteWait time.Duration
	Workers    int

	// 以下为 wire 分发层参数，0 表示用默认值
	StaleAfterPeriods int
	InboundCapacity   int
	OutboundCapacity  int
	NetworkWorkers    int
}

// hopperConfig 默认参数叠加非零的覆盖项
func (c Config) hopperConfig(self model.Node) wire.HopperConfig {
	hc := wire.DefaultHopperConfig(self, c.Tick)
	if c.StaleAfterPeriods > 0 {
		hc.StaleAfterPeriods = c.StaleAfterPeriods
	}
	if c.InboundCapacity > 0 {
		hc.InboundCapacity = c.InboundCapacity
	}
	if c.OutboundCapacity > 0 {
		hc.OutboundCapacity = c.OutboundCapacity
	}
	if c.NetworkWorkers > 0 {
		hc.NetworkWorkers = c.NetworkWorkers
	}
	return hc
}

// Deps 控制器的协作方
type Deps struct {
	Provider  config.Provider
	Roles     RoleResolver
	Registrar Registrar
	Members   wire.Membership
	Build     GraphBuilder
	Server    *wire.Server
	Persist   store.Persistence
	Live      *config.Live
	Faults    *fault.Handler
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	// DialOptions 传给 wire 客户端 (测试里替换 dialer)
	DialOptions []grpc.DialOption
}

// runtime 一次 start 建立的全部组件
type runtime struct {
	role   model.Role
	cfg    *config.Analysis
	graph  *graph.Graph
	sched  *scheduler.Scheduler
	hopper *wire.Hopper
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller 单写者：所有状态只在 poll 循环里修改
type Controller struct {
	cfg  Config
	deps Deps

	logger *zap.Logger
	state  atomic.Int32

	// 以下字段只由 poll 循环访问
	enabled     bool
	enabledRead bool
	role        model.Role
	analysis    *config.Analysis
	rt          *runtime
	// faulted 调度器异常退出后，直到角色或开关变化前不再自动启动
	faulted bool

	mu       sync.Mutex
	lastErr  error
	lastPoll time.Time
	status   atomic.Pointer[pollStatus]

	wake chan struct{}
}

// New 构造函数
func New(cfg Config, deps Deps) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if deps.Live == nil {
		deps.Live = config.NewLive(nil)
	}
	return &Controller{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.Named("controller"),
		wake:   make(chan struct{}, 1),
	}
}

// State 当前状态
func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.deps.Metrics.ControllerState.Set(float64(s))
}

// pollStatus poll 循环发布给读者的副本
type pollStatus struct {
	scheduler string
	role      model.Role
	enabled   bool
}

func (c *Controller) publishStatus() {
	st := &pollStatus{scheduler: scheduler.NotStarted.String(), role: c.role, enabled: c.enabled}
	if c.rt != nil {
		st.scheduler = c.rt.sched.State().String()
	}
	c.status.Store(st)
	c.mu.Lock()
	c.lastPoll = time.Now()
	c.mu.Unlock()
}

// Health 最近一次轮询的结果
type Health struct {
	State          string    `json:"state"`
	SchedulerState string    `json:"scheduler_state"`
	Role           string    `json:"role"`
	Enabled        bool      `json:"enabled"`
	ConfigVersion  int64     `json:"config_version"`
	LastPoll       time.Time `json:"last_poll"`
	LastError      string    `json:"last_error,omitempty"`
}

// Health 只读快照，HTTP 接口调用
func (c *Controller) Health() Health {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := Health{State: c.State().String(), LastPoll: c.lastPoll}
	if c.lastErr != nil {
		h.LastError = c.lastErr.Error()
	}
	snap := c.deps.Live.Load()
	h.ConfigVersion = snap.Version()
	if st := c.status.Load(); st != nil {
		h.SchedulerState = st.scheduler
		h.Role = string(st.role)
		h.Enabled = st.enabled
	}
	return h
}

// Wake 请求尽快轮询一次 (配置文件或 etcd 配置变化)
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run 轮询主循环，ctx 结束时停止流水线后返回
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("controller started",
		zap.Stringer("node", c.cfg.Self.Key()),
		zap.Duration("poll_interval", c.cfg.PollInterval))

	for {
		c.deps.Faults.Guard("poll-loop", func() { c.Poll(ctx) })

		select {
		case <-ticker.C:
		case <-c.wake:
		case <-ctx.Done():
			c.stop()
			c.setState(Stopped)
			c.logger.Info("controller stopped")
			return
		}
	}
}

// Poll 执行一轮：开关 -> 角色 -> 配置 -> 状态迁移
func (c *Controller) Poll(ctx context.Context) {
	defer c.publishStatus()

	prevEnabled := c.enabled
	enabled := c.readEnabled()
	if !enabled {
		if c.rt != nil {
			c.logger.Info("medic disabled, stopping pipeline")
			c.stop()
		}
		c.faulted = false
		c.setState(Stopped)
		return
	}

	// 解析失败或暂时没有 leader 时沿用上一次的角色
	role, err := c.deps.Roles.Role(ctx)
	switch {
	case err != nil:
		c.recordErr(fmt.Errorf("resolve role: %w", err))
		role = c.role
	case role == model.RoleUnknown:
		role = c.role
	default:
		c.clearErr()
	}
	roleChanged := role != c.role
	if roleChanged {
		c.logger.Info("node role changed",
			zap.String("from", string(c.role)), zap.String("to", string(role)))
		c.role = role
	}
	c.heartbeat(ctx)
	if role == model.RoleUnknown {
		return
	}

	c.reloadConfig(ctx, role, roleChanged)

	// 有新证据 (角色或开关变化) 才重新尝试异常退出的调度器
	if c.faulted && (roleChanged || !prevEnabled) {
		c.faulted = false
	}
	if c.rt != nil && c.rt.sched.State() == scheduler.StoppedDueToException {
		c.logger.Error("scheduler stopped due to exception, waiting for role or enabled flag change")
		c.stop()
		c.faulted = true
		c.setState(Stopped)
	}
	if c.faulted {
		return
	}

	switch {
	case c.analysis == nil:
		c.recordErr(ErrNoConfig)
	case c.rt == nil:
		c.setState(Starting)
		if err := c.start(ctx, role); err != nil {
			c.recordErr(err)
			c.setState(Stopped)
			return
		}
		c.setState(Started)
	case roleChanged || !c.analysis.SameGraph(c.rt.cfg):
		c.restart(ctx, role)
	}
}

// readEnabled 读失败时保留上一次的值，第一次读失败用默认值
func (c *Controller) readEnabled() bool {
	if c.cfg.EnabledFile == "" {
		c.enabled, c.enabledRead = true, true
		return true
	}
	v, err := config.ReadEnabledFlag(c.cfg.EnabledFile)
	if err != nil {
		if !c.enabledRead {
			c.enabled, c.enabledRead = c.cfg.DefaultEnabled, true
		}
		c.logger.Warn("read enabled flag failed, keeping previous value",
			zap.String("path", c.cfg.EnabledFile),
			zap.Bool("enabled", c.enabled),
			zap.Error(err))
		return c.enabled
	}
	c.enabled, c.enabledRead = v, true
	return v
}

func (c *Controller) heartbeat(ctx context.Context) {
	if c.deps.Registrar == nil {
		return
	}
	node := c.cfg.Self
	node.Role = c.role
	node.Status = model.NodeReady
	node.LastHeartbeat = time.Now().Unix()
	if err := c.deps.Registrar.RegisterNode(ctx, &node); err != nil {
		c.logger.Warn("register node failed", zap.Error(err))
	}
}

// reloadConfig 版本前进 (或角色变化) 时重新加载，并应用 mute 列表
func (c *Controller) reloadConfig(ctx context.Context, role model.Role, roleChanged bool) {
	version, err := c.deps.Provider.Version(ctx, role)
	if err != nil {
		c.deps.Metrics.ConfigReloads.WithLabelValues("error").Inc()
		c.recordErr(fmt.Errorf("config version: %w", err))
		return
	}
	if !roleChanged && c.analysis != nil && version == c.analysis.Version {
		return
	}

	cfg, err := c.deps.Provider.Load(ctx, role)
	if err != nil {
		c.deps.Metrics.ConfigReloads.WithLabelValues("error").Inc()
		c.recordErr(fmt.Errorf("load config: %w", err))
		c.logger.Warn("analysis config reload failed, keeping previous", zap.Error(err))
		return
	}
	c.deps.Metrics.ConfigReloads.WithLabelValues("ok").Inc()
	c.logger.Info("analysis config loaded",
		zap.String("role", string(role)),
		zap.Int64("version", cfg.Version),
		zap.Int("vertices", len(cfg.Graph)))

	first := c.analysis == nil
	c.analysis = cfg
	c.applyMutes(cfg, first)
}

// applyMutes 第一次加载时非法列表被忽略；之后的非法更新被拒绝，保留原来的 mute
func (c *Controller) applyMutes(cfg *config.Analysis, first bool) {
	prev := c.deps.Live.Load()

	resolve := func(kind string, requested []string, known map[string]struct{}, current []string) []string {
		valid, invalid, ok := config.ResolveMutes(requested, known)
		if len(invalid) > 0 {
			c.logger.Warn("ignoring unknown names in mute list",
				zap.String("kind", kind), zap.Strings("names", invalid))
		}
		if ok {
			return valid
		}
		if first {
			return nil
		}
		c.logger.Warn("rejecting mute update with no valid names, keeping previous",
			zap.String("kind", kind), zap.Strings("current", current))
		return current
	}

	vertices := resolve("vertex", cfg.MutedVertices, cfg.VertexNames(), prev.MutedVertices())
	actions := resolve("action", cfg.MutedActions, action.Names(), prev.MutedActions())
	c.deps.Live.Store(config.NewSnapshot(cfg, vertices, actions))
}

// start 编译图、建立分发层和调度器，等调度器进入 STARTED
func (c *Controller) start(ctx context.Context, role model.Role) error {
	cfg := c.analysis
	g, err := c.deps.Build(cfg)
	if err != nil {
		return fmt.Errorf("build graph: %w", err)
	}

	self := c.cfg.Self
	self.Role = role

	hopper := wire.NewHopper(c.cfg.hopperConfig(self), g, c.deps.Members,
		c.deps.Faults, c.deps.Metrics, c.deps.Logger, c.deps.DialOptions...)

	var persist scheduler.Persister
	if c.deps.Persist != nil {
		persist = c.deps.Persist
	}
	sched, err := scheduler.New(scheduler.Config{
		Tick:       c.cfg.Tick,
		RemoteWait: c.cfg.RemoteWait,
		Workers:    c.cfg.Workers,
		Role:       role,
		Self:       self.Key(),
	}, g, c.deps.Live, hopper, persist, c.deps.Metrics, c.deps.Logger)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	hopper.Start()
	if c.deps.Server != nil {
		c.deps.Server.Attach(hopper)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.deps.Faults.Go("scheduler", func() {
		defer close(done)
		if err := sched.Run(runCtx); err != nil {
			c.logger.Error("scheduler exited", zap.Error(err))
		}
	})

	c.rt = &runtime{role: role, cfg: cfg, graph: g, sched: sched, hopper: hopper, cancel: cancel, done: done}

	select {
	case <-sched.Started():
		c.logger.Info("pipeline started",
			zap.String("role", string(role)),
			zap.Int("vertices", g.Len()),
			zap.Int64("config_version", cfg.Version))
	case <-time.After(c.cfg.StartTimeout):
		c.logger.Warn("scheduler did not report STARTED in time", zap.Duration("timeout", c.cfg.StartTimeout))
	}
	return nil
}

// stop 停调度器、摘掉 wire handler、停分发层
// 可以和进行中的 tick 并发：取消后等当前 tick 结束
func (c *Controller) stop() {
	rt := c.rt
	if rt == nil {
		return
	}
	c.rt = nil

	rt.cancel()
	select {
	case <-rt.done:
	case <-time.After(c.cfg.StopTimeout):
		c.logger.Warn("scheduler did not stop in time", zap.Duration("timeout", c.cfg.StopTimeout))
	}

	if c.deps.Server != nil {
		c.deps.Server.Detach()
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	rt.hopper.Stop(ctx)
	c.logger.Info("pipeline stopped", zap.String("role", string(rt.role)))
}

// restart 总是整体 stop + start，不做增量
func (c *Controller) restart(ctx context.Context, role model.Role) {
	c.setState(Restarting)
	c.logger.Info("restarting pipeline", zap.String("role", string(role)))
	c.stop()
	if err := c.start(ctx, role); err != nil {
		c.recordErr(err)
		c.setState(Stopped)
		return
	}
	c.setState(Started)
}

func (c *Controller) clearErr() {
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Controller) recordErr(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
	c.logger.Debug("poll error", zap.Error(err))
}
