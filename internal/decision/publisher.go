package decision

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"medic/internal/config"
	"medic/internal/graph"
	"medic/internal/metrics"
	"medic/pkg/model"
)

// 动作被丢弃的原因，actions_suppressed_total 的 reason 标签
const (
	ReasonNotActionable = "not_actionable"
	ReasonMuted         = "muted"
	ReasonCoolOff       = "cool_off"
	ReasonFlipFlop      = "flip_flop"
)

// ActionPersister 只需要写动作
type ActionPersister interface {
	PersistAction(ctx context.Context, a model.Action) error
}

// Publisher 决策流水线的终点
// 依次检查：不可执行、mute、cooloff、flip-flop；通过的动作记录、持久化并通知监听者
type Publisher struct {
	name      string
	flipflop  *TimedFlipFlopDetector
	persist   ActionPersister
	listeners []Listener
	metrics   *metrics.Registry
	logger    *zap.Logger
	now       func() time.Time

	mu        sync.Mutex
	lastFired map[string]time.Time // model.ActionKey -> 上次发布时间
}

var (
	_ graph.Vertex       = (*Publisher)(nil)
	_ graph.ConfigReader = (*Publisher)(nil)
)

// NewPublisher persist 可以为 nil
func NewPublisher(name string, persist ActionPersister, listeners []Listener, m *metrics.Registry, logger *zap.Logger) *Publisher {
	return &Publisher{
		name:      name,
		flipflop:  NewTimedFlipFlopDetector(config.Defaults().Publisher.FlipFlopExpiry),
		persist:   persist,
		listeners: listeners,
		metrics:   m,
		logger:    logger.Named("publisher"),
		now:       time.Now,
		lastFired: make(map[string]time.Time),
	}
}

func (p *Publisher) ReadConfig(cfg *config.Analysis) {
	if cfg != nil && cfg.Publisher.FlipFlopExpiry > 0 {
		p.flipflop.SetExpiry(cfg.Publisher.FlipFlopExpiry)
	}
}

// Evaluate 输出本 tick 实际发布的动作 (只在本地流转)
func (p *Publisher) Evaluate(ctx context.Context, in graph.Inputs) (model.FlowUnit, error) {
	var candidates []model.Action
	for _, up := range in.Upstreams {
		if u, ok := in.Local[up]; ok && !u.Decision.IsEmpty() {
			candidates = append(candidates, u.Decision.Actions...)
		}
	}
	published := p.Publish(ctx, in.Config, candidates)
	return model.NewDecisionFlowUnit(in.Now, model.NewDecision(p.name).With(published...)), nil
}

// Publish 逐个检查候选动作，返回通过的动作
func (p *Publisher) Publish(ctx context.Context, snap *config.Snapshot, candidates []model.Action) []model.Action {
	var published []model.Action
	for _, a := range candidates {
		if reason, ok := p.admit(snap, a); !ok {
			p.metrics.ActionsSuppressed.WithLabelValues(a.Name(), reason).Inc()
			p.logger.Debug("action suppressed",
				zap.String("action", a.Name()),
				zap.Any("nodes", a.ImpactedNodes()),
				zap.String("reason", reason))
			continue
		}
		p.record(a)
		p.notify(ctx, a)
		p.metrics.ActionsPublished.WithLabelValues(a.Name()).Inc()
		published = append(published, a)
	}
	return published
}

// admit 检查顺序不能调换：被 mute 的动作不会进入 cooloff / flip-flop 的记录
func (p *Publisher) admit(snap *config.Snapshot, a model.Action) (string, bool) {
	if !a.CanUpdate() {
		return ReasonNotActionable, false
	}
	if a.IsMuted() || snap.ActionMuted(a.Name()) {
		return ReasonMuted, false
	}
	if p.coolingOff(a) {
		return ReasonCoolOff, false
	}
	if p.flipflop.IsFlipFlop(a) {
		return ReasonFlipFlop, false
	}
	return "", true
}

func (p *Publisher) coolingOff(a model.Action) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last, ok := p.lastFired[model.ActionKey(a)]
	if !ok {
		return false
	}
	return p.now().Sub(last) < a.CoolOffPeriod()
}

func (p *Publisher) record(a model.Action) {
	p.flipflop.Record(a)
	p.mu.Lock()
	p.lastFired[model.ActionKey(a)] = p.now()
	p.mu.Unlock()
}

func (p *Publisher) notify(ctx context.Context, a model.Action) {
	if p.persist != nil {
		if err := p.persist.PersistAction(ctx, a); err != nil {
			p.metrics.PersistErrors.WithLabelValues("action").Inc()
			p.logger.Warn("persist action failed", zap.String("action", a.Name()), zap.Error(err))
		}
	}
	for _, l := range p.listeners {
		if err := l.ActionPublished(ctx, a); err != nil {
			p.metrics.ListenerErrors.WithLabelValues(l.Name()).Inc()
			p.logger.Warn("action listener failed",
				zap.String("listener", l.Name()),
				zap.String("action", a.Name()),
				zap.Error(err))
		}
	}
}
