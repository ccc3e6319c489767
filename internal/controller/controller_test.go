package controller

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

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

type nopVertex struct{}

func (nopVertex) Evaluate(_ context.Context, in graph.Inputs) (model.FlowUnit, error) {
	return model.EmptyFlowUnit(in.Now), nil
}

// panicVertex 读配置时 panic，调度器进入 STOPPED_DUE_TO_EXCEPTION
type panicVertex struct{ nopVertex }

func (panicVertex) ReadConfig(*config.Analysis) { panic("bad config reader") }

type fakeProvider struct {
	mu   sync.Mutex
	cfg  *config.Analysis
	err  error
	load int
}

func (p *fakeProvider) set(cfg *config.Analysis) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = cfg
}

func (p *fakeProvider) Version(context.Context, model.Role) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return 0, p.err
	}
	return p.cfg.Version, nil
}

func (p *fakeProvider) Load(context.Context, model.Role) (*config.Analysis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.load++
	if p.err != nil {
		return nil, p.err
	}
	cp := *p.cfg
	return &cp, nil
}

type fakeRoles struct{ role atomic.Value }

func newFakeRoles(r model.Role) *fakeRoles {
	f := &fakeRoles{}
	f.role.Store(r)
	return f
}

func (f *fakeRoles) Role(context.Context) (model.Role, error) { return f.role.Load().(model.Role), nil }

type fakeRegistrar struct {
	mu    sync.Mutex
	nodes []model.Node
}

func (f *fakeRegistrar) RegisterNode(_ context.Context, n *model.Node) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = append(f.nodes, *n)
	return nil
}

func (f *fakeRegistrar) last() model.Node {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[len(f.nodes)-1]
}

type selfOnly struct{ node *model.Node }

func (s selfOnly) ListNodes(context.Context) ([]*model.Node, error) { return []*model.Node{s.node}, nil }

func analysis(version int64, kinds ...string) *config.Analysis {
	cfg := config.Defaults()
	cfg.Version = version
	for i, k := range kinds {
		cfg.Graph = append(cfg.Graph, config.VertexSpec{
			Name: k + string(rune('a'+i)), Kind: k, Period: 1, Locus: "local",
		})
	}
	return &cfg
}

type harness struct {
	ctl       *Controller
	provider  *fakeProvider
	roles     *fakeRoles
	registrar *fakeRegistrar
	metrics   *metrics.Registry
	builds    atomic.Int32
}

func newHarness(t *testing.T, cfg *config.Analysis, tweak func(*Config)) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	m := metrics.New()

	ctx, cancel := context.WithCancel(context.Background())
	faults := fault.NewHandler(m, logger)
	go faults.Run(ctx)

	self := model.Node{ID: "n1", IP: "127.0.0.1", RPCPort: 9650}
	h := &harness{
		provider:  &fakeProvider{cfg: cfg},
		roles:     newFakeRoles(model.RoleData),
		registrar: &fakeRegistrar{},
		metrics:   m,
	}

	build := func(a *config.Analysis) (*graph.Graph, error) {
		h.builds.Add(1)
		reg := graph.NewRegistry()
		reg.Register("nop", func(graph.Descriptor) (graph.Vertex, error) { return nopVertex{}, nil })
		reg.Register("panic", func(graph.Descriptor) (graph.Vertex, error) { return panicVertex{}, nil })
		return graph.Compile(graph.FromSpecs(a.Graph), reg)
	}

	c := Config{
		Self:         self,
		PollInterval: time.Hour,
		StartTimeout: time.Second,
		StopTimeout:  time.Second,
		Tick:         20 * time.Millisecond,
		RemoteWait:   5 * time.Millisecond,
		Workers:      2,
	}
	if tweak != nil {
		tweak(&c)
	}
	h.ctl = New(c, Deps{
		Provider:  h.provider,
		Roles:     h.roles,
		Registrar: h.registrar,
		Members:   selfOnly{node: &self},
		Build:     build,
		Live:      config.NewLive(nil),
		Faults:    faults,
		Metrics:   m,
		Logger:    logger,
	})
	t.Cleanup(func() {
		h.ctl.stop()
		cancel()
	})
	return h
}

func TestController_StartsAndRestartsOnRoleChange(t *testing.T) {
	h := newHarness(t, analysis(1, "nop"), nil)
	ctx := context.Background()

	h.ctl.Poll(ctx)
	require.Equal(t, Started, h.ctl.State())
	assert.Equal(t, float64(Started), testutil.ToFloat64(h.metrics.ControllerState))
	assert.Equal(t, model.RoleData, h.ctl.rt.role)
	assert.Equal(t, model.RoleData, h.registrar.last().Role)
	assert.Equal(t, int32(1), h.builds.Load())

	// 什么都没变：不重建
	h.ctl.Poll(ctx)
	assert.Equal(t, int32(1), h.builds.Load())
	assert.Equal(t, 1, h.provider.load)

	h.roles.role.Store(model.RoleCoordinator)
	h.ctl.Poll(ctx)
	require.Equal(t, Started, h.ctl.State())
	assert.Equal(t, model.RoleCoordinator, h.ctl.rt.role)
	assert.Equal(t, int32(2), h.builds.Load())
	assert.Equal(t, model.RoleCoordinator, h.registrar.last().Role)
}

func TestController_UnknownRoleKeepsPrevious(t *testing.T) {
	h := newHarness(t, analysis(1, "nop"), nil)
	ctx := context.Background()

	h.roles.role.Store(model.RoleUnknown)
	h.ctl.Poll(ctx)
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Zero(t, h.builds.Load())

	h.roles.role.Store(model.RoleData)
	h.ctl.Poll(ctx)
	require.Equal(t, Started, h.ctl.State())

	// 选举期间短暂没有 leader，不触发重启
	h.roles.role.Store(model.RoleUnknown)
	h.ctl.Poll(ctx)
	assert.Equal(t, Started, h.ctl.State())
	assert.Equal(t, int32(1), h.builds.Load())
}

func TestController_GraphChangeRebuildsParamChangeDoesNot(t *testing.T) {
	h := newHarness(t, analysis(1, "nop"), nil)
	ctx := context.Background()

	h.ctl.Poll(ctx)
	require.Equal(t, Started, h.ctl.State())

	// 只改参数：快照更新，图不重建
	cfg := analysis(2, "nop")
	cfg.Deciders.CacheFrequency = 3
	h.provider.set(cfg)
	h.ctl.Poll(ctx)
	assert.Equal(t, int32(1), h.builds.Load())
	assert.Equal(t, int64(2), h.ctl.deps.Live.Load().Version())
	assert.Equal(t, 3, h.ctl.deps.Live.Load().Analysis.Deciders.CacheFrequency)

	// 增加顶点：整图重建
	h.provider.set(analysis(3, "nop", "nop"))
	h.ctl.Poll(ctx)
	assert.Equal(t, Started, h.ctl.State())
	assert.Equal(t, int32(2), h.builds.Load())
	assert.Equal(t, 2, h.ctl.rt.graph.Len())
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.ConfigReloads.WithLabelValues("ok")))
}

func TestController_MuteLists(t *testing.T) {
	cfg := analysis(1, "nop")
	cfg.MutedActions = []string{"NoSuchAction"}
	h := newHarness(t, cfg, nil)
	ctx := context.Background()

	// 第一次加载：非法列表被忽略
	h.ctl.Poll(ctx)
	require.Equal(t, Started, h.ctl.State())
	assert.Empty(t, h.ctl.deps.Live.Load().MutedActions())

	cfg = analysis(2, "nop")
	cfg.MutedActions = []string{action.NameModifyQueueCapacity, "typo"}
	cfg.MutedVertices = []string{"nopa"}
	h.provider.set(cfg)
	h.ctl.Poll(ctx)
	snap := h.ctl.deps.Live.Load()
	assert.Equal(t, []string{action.NameModifyQueueCapacity}, snap.MutedActions())
	assert.True(t, snap.VertexMuted("nopa"))

	// 之后的非法更新被拒绝，保留原来的 mute
	cfg = analysis(3, "nop")
	cfg.MutedActions = []string{"typo"}
	cfg.MutedVertices = []string{"nopa"}
	h.provider.set(cfg)
	h.ctl.Poll(ctx)
	snap = h.ctl.deps.Live.Load()
	assert.Equal(t, int64(3), snap.Version())
	assert.Equal(t, []string{action.NameModifyQueueCapacity}, snap.MutedActions())

	// 空列表是合法的：解除全部
	h.provider.set(analysis(4, "nop"))
	h.ctl.Poll(ctx)
	assert.Empty(t, h.ctl.deps.Live.Load().MutedActions())
	assert.Empty(t, h.ctl.deps.Live.Load().MutedVertices())
}

func TestController_EnabledFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medic.enabled")
	h := newHarness(t, analysis(1, "nop"), func(c *Config) {
		c.EnabledFile = path
		c.DefaultEnabled = false
	})
	ctx := context.Background()

	// 文件不存在：第一次用默认值
	h.ctl.Poll(ctx)
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Zero(t, h.builds.Load())

	require.NoError(t, config.WriteEnabledFlag(path, true))
	h.ctl.Poll(ctx)
	require.Equal(t, Started, h.ctl.State())

	// 读失败保留上一次的值
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))
	h.ctl.Poll(ctx)
	assert.Equal(t, Started, h.ctl.State())
	assert.True(t, h.ctl.Health().Enabled)

	require.NoError(t, config.WriteEnabledFlag(path, false))
	h.ctl.Poll(ctx)
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Nil(t, h.ctl.rt)
}

func TestController_FaultedSchedulerWaitsForNewEvidence(t *testing.T) {
	h := newHarness(t, analysis(1, "panic"), nil)
	ctx := context.Background()

	h.ctl.Poll(ctx)
	require.NotNil(t, h.ctl.rt)
	sched := h.ctl.rt.sched
	require.Eventually(t, func() bool {
		return sched.State() == scheduler.StoppedDueToException
	}, 2*time.Second, 10*time.Millisecond)

	h.ctl.Poll(ctx)
	assert.Equal(t, Stopped, h.ctl.State())
	assert.True(t, h.ctl.faulted)

	// 没有新证据不重启
	h.ctl.Poll(ctx)
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Equal(t, int32(1), h.builds.Load())

	// 角色变化后重新尝试
	h.provider.set(analysis(2, "nop"))
	h.roles.role.Store(model.RoleCoordinator)
	h.ctl.Poll(ctx)
	assert.Equal(t, Started, h.ctl.State())
	assert.False(t, h.ctl.faulted)
	assert.Equal(t, int32(2), h.builds.Load())
}

func TestController_MissingConfig(t *testing.T) {
	h := newHarness(t, analysis(1, "nop"), nil)
	h.provider.err = store.ErrNotFound

	h.ctl.Poll(context.Background())
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ConfigReloads.WithLabelValues("error")))

	health := h.ctl.Health()
	assert.Equal(t, "STOPPED", health.State)
	assert.Contains(t, health.LastError, ErrNoConfig.Error())
}

func TestController_BuildFailureStaysStopped(t *testing.T) {
	h := newHarness(t, analysis(1, "unknown_kind"), nil)

	h.ctl.Poll(context.Background())
	assert.Equal(t, Stopped, h.ctl.State())
	assert.Nil(t, h.ctl.rt)
	assert.Contains(t, h.ctl.Health().LastError, "build graph")
}

func TestController_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, analysis(1, "nop"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.ctl.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return h.ctl.Health().State == "STARTED" },
		2*time.Second, 10*time.Millisecond)

	// 配置变化后 Wake 立即触发一轮
	h.provider.set(analysis(2, "nop", "nop"))
	h.ctl.Wake()
	require.Eventually(t, func() bool { return h.ctl.Health().ConfigVersion == 2 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.Equal(t, Stopped, h.ctl.State())
}

func TestConfig_HopperOverrides(t *testing.T) {
	self := model.Node{ID: "n1", IP: "127.0.0.1", RPCPort: 9650, Role: model.RoleData}

	defaults := Config{Tick: time.Second}.hopperConfig(self)
	assert.Equal(t, wire.DefaultHopperConfig(self, time.Second), defaults)

	hc := Config{
		Tick:              2 * time.Second,
		StaleAfterPeriods: 6,
		InboundCapacity:   64,
		OutboundCapacity:  4096,
		NetworkWorkers:    8,
	}.hopperConfig(self)
	assert.Equal(t, 2*time.Second, hc.Tick)
	assert.Equal(t, 6, hc.StaleAfterPeriods)
	assert.Equal(t, 64, hc.InboundCapacity)
	assert.Equal(t, 4096, hc.OutboundCapacity)
	assert.Equal(t, 8, hc.NetworkWorkers)
	assert.Equal(t, defaults.CallTimeout, hc.CallTimeout)
	assert.Equal(t, self, hc.Self)
}

func TestWatchFiles_WakesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rca.yaml")
	require.NoError(t, os.WriteFile(path, []byte("graph: []\n"), 0o644))
	h := newHarness(t, analysis(1, "nop"), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.ctl.WatchFiles(ctx, path))

	require.NoError(t, os.WriteFile(path, []byte("graph: []\n# edit\n"), 0o644))
	select {
	case <-h.ctl.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake after write")
	}
}

func TestWatchRemote_Wakes(t *testing.T) {
	h := newHarness(t, analysis(1, "nop"), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan struct{}, 1)
	h.ctl.WatchRemote(ctx, changes)
	changes <- struct{}{}

	select {
	case <-h.ctl.wake:
	case <-time.After(2 * time.Second):
		t.Fatal("no wake after remote change")
	}
}

var _ RoleResolver = StaticRole(model.RoleData)
