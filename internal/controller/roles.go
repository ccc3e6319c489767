package controller

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"medic/pkg/model"
	"medic/pkg/store"
)

// RoleResolver 本节点当前的角色
type RoleResolver interface {
	Role(ctx context.Context) (model.Role, error)
}

// Election etcd 选举的子集
type Election interface {
	Campaign(ctx context.Context, node *model.Node) error
	Leader(ctx context.Context) (model.NodeKey, error)
}

// ElectionRoles 选举 leader 为协调节点，其余为数据节点
type ElectionRoles struct {
	election Election
	self     model.Node
	recheck  time.Duration
	logger   *zap.Logger
}

func NewElectionRoles(e Election, self model.Node, recheck time.Duration, logger *zap.Logger) *ElectionRoles {
	if recheck <= 0 {
		recheck = 5 * time.Second
	}
	return &ElectionRoles{election: e, self: self, recheck: recheck, logger: logger.Named("election")}
}

// Role 还没有 leader 时角色未知
func (r *ElectionRoles) Role(ctx context.Context) (model.Role, error) {
	leader, err := r.election.Leader(ctx)
	if errors.Is(err, store.ErrNoLeader) {
		return model.RoleUnknown, nil
	}
	if err != nil {
		return model.RoleUnknown, err
	}
	if leader == r.self.Key() {
		return model.RoleCoordinator, nil
	}
	return model.RoleData, nil
}

// Campaign 持续参选直到 ctx 结束
// 当选后定期确认自己仍是 leader，会话过期丢失领导权时重新参选
func (r *ElectionRoles) Campaign(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		if err := r.election.Campaign(ctx, &r.self); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("campaign failed", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second
		r.logger.Info("elected as coordinator", zap.Stringer("node", r.self.Key()))
		r.holdLeadership(ctx)
	}
}

func (r *ElectionRoles) holdLeadership(ctx context.Context) {
	ticker := time.NewTicker(r.recheck)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			leader, err := r.election.Leader(ctx)
			if err == nil && leader != r.self.Key() {
				r.logger.Warn("lost coordinator leadership", zap.Stringer("leader", leader))
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// StaticRole 固定角色 (单机部署和测试)
type StaticRole model.Role

func (s StaticRole) Role(context.Context) (model.Role, error) { return model.Role(s), nil }
