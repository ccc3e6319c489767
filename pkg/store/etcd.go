package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"

	"medic/pkg/model"
)

// 定义 Key 的前缀 (Schema Design)
const (
	NodeKeyPrefix   = "/medic/nodes/"
	ConfigKeyPrefix = "/medic/config/"
	ActionKeyPrefix = "/medic/actions/"
	ElectionPrefix  = "/medic/election"
)

const (
	nodeLeaseTTL    = 15 // 秒，约 5 个心跳周期
	electionTTL     = 10
	maxActionMirror = 1000
)

type EtcdManager struct {
	client *clientv3.Client
	logger *zap.Logger

	mu       sync.Mutex
	lease    clientv3.LeaseID
	session  *concurrency.Session
	election *concurrency.Election
}

var _ Cluster = (*EtcdManager)(nil)

// NewEtcdManager 初始化 Etcd 连接
func NewEtcdManager(endpoints []string, logger *zap.Logger) (*EtcdManager, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, err
	}
	return &EtcdManager{client: cli, logger: logger.Named("etcd")}, nil
}

// Close 释放选举会话和连接
func (e *EtcdManager) Close() error {
	e.mu.Lock()
	if e.session != nil {
		e.session.Close()
		e.session = nil
		e.election = nil
	}
	e.mu.Unlock()
	return e.client.Close()
}

// ---------------------------------------------------------
// Node 相关实现
// ---------------------------------------------------------

// RegisterNode 带租约写入；租约续期失败 (过期) 时重新申请
func (e *EtcdManager) RegisterNode(ctx context.Context, node *model.Node) error {
	lease, err := e.ensureLease(ctx)
	if err != nil {
		return err
	}
	key := NodeKeyPrefix + node.ID
	return e.putValue(ctx, key, node, clientv3.WithLease(lease))
}

func (e *EtcdManager) ensureLease(ctx context.Context) (clientv3.LeaseID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lease != clientv3.NoLease {
		if _, err := e.client.KeepAliveOnce(ctx, e.lease); err == nil {
			return e.lease, nil
		}
		e.logger.Warn("node lease expired, granting a new one", zap.Int64("lease", int64(e.lease)))
	}
	resp, err := e.client.Grant(ctx, nodeLeaseTTL)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("grant node lease: %w", err)
	}
	e.lease = resp.ID
	return e.lease, nil
}

func (e *EtcdManager) ListNodes(ctx context.Context) ([]*model.Node, error) {
	// 获取 /medic/nodes/ 下的所有 Key
	resp, err := e.client.Get(ctx, NodeKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]*model.Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node model.Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			e.logger.Warn("failed to unmarshal node", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		nodes = append(nodes, &node)
	}
	return nodes, nil
}

// ---------------------------------------------------------
// 选举：协调节点 = 选举 leader
// ---------------------------------------------------------

func (e *EtcdManager) electionFor(ctx context.Context) (*concurrency.Election, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session != nil {
		select {
		case <-e.session.Done():
			// 会话过期，重建
			e.session = nil
			e.election = nil
		default:
			return e.election, nil
		}
	}
	s, err := concurrency.NewSession(e.client, concurrency.WithTTL(electionTTL), concurrency.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("create election session: %w", err)
	}
	e.session = s
	e.election = concurrency.NewElection(s, ElectionPrefix)
	return e.election, nil
}

func (e *EtcdManager) Campaign(ctx context.Context, node *model.Node) error {
	election, err := e.electionFor(ctx)
	if err != nil {
		return err
	}
	val, err := json.Marshal(node.Key())
	if err != nil {
		return err
	}
	return election.Campaign(ctx, string(val))
}

func (e *EtcdManager) Leader(ctx context.Context) (model.NodeKey, error) {
	resp, err := e.client.Get(ctx, ElectionPrefix+"/", clientv3.WithFirstCreate()...)
	if err != nil {
		return model.NodeKey{}, err
	}
	if len(resp.Kvs) == 0 {
		return model.NodeKey{}, ErrNoLeader
	}
	var key model.NodeKey
	if err := json.Unmarshal(resp.Kvs[0].Value, &key); err != nil {
		return model.NodeKey{}, fmt.Errorf("decode leader: %w", err)
	}
	return key, nil
}

// ---------------------------------------------------------
// 配置
// ---------------------------------------------------------

func (e *EtcdManager) GetConfig(ctx context.Context, role model.Role) ([]byte, int64, error) {
	for _, key := range []string{ConfigKeyPrefix + string(role), ConfigKeyPrefix + "default"} {
		resp, err := e.client.Get(ctx, key)
		if err != nil {
			return nil, 0, err
		}
		if len(resp.Kvs) > 0 {
			return resp.Kvs[0].Value, resp.Kvs[0].ModRevision, nil
		}
	}
	return nil, 0, fmt.Errorf("config for role %q: %w", role, ErrNotFound)
}

func (e *EtcdManager) PutConfig(ctx context.Context, role model.Role, data []byte) error {
	name := string(role)
	if name == "" {
		name = "default"
	}
	_, err := e.client.Put(ctx, ConfigKeyPrefix+name, string(data))
	return err
}

// WatchConfig 将 Etcd 的 Watch 转换为通知 Channel
func (e *EtcdManager) WatchConfig(ctx context.Context) <-chan struct{} {
	notify := make(chan struct{}, 1)

	go func() {
		defer close(notify)
		watchChan := e.client.Watch(ctx, ConfigKeyPrefix, clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				e.logger.Warn("config watch error", zap.Error(err))
				continue
			}
			if len(resp.Events) == 0 {
				continue
			}
			// 合并通知，不阻塞 watch
			select {
			case notify <- struct{}{}:
			default:
			}
		}
	}()

	return notify
}

// ---------------------------------------------------------
// 动作镜像
// ---------------------------------------------------------

func (e *EtcdManager) SaveAction(ctx context.Context, rec ActionRecord) error {
	key := fmt.Sprintf("%s%020d-%s", ActionKeyPrefix, rec.Timestamp.UnixNano(), rec.ID)
	if err := e.putValue(ctx, key, rec); err != nil {
		return err
	}
	return e.trimActions(ctx)
}

// trimActions 只保留最新的 maxActionMirror 条
func (e *EtcdManager) trimActions(ctx context.Context) error {
	resp, err := e.client.Get(ctx, ActionKeyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return err
	}
	excess := resp.Count - maxActionMirror
	if excess <= 0 {
		return nil
	}
	old, err := e.client.Get(ctx, ActionKeyPrefix, clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(excess), clientv3.WithKeysOnly())
	if err != nil {
		return err
	}
	for _, kv := range old.Kvs {
		if _, err := e.client.Delete(ctx, string(kv.Key)); err != nil {
			return err
		}
	}
	return nil
}

func (e *EtcdManager) ListActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	opts := []clientv3.OpOption{
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
	}
	if limit > 0 {
		opts = append(opts, clientv3.WithLimit(int64(limit)))
	}
	resp, err := e.client.Get(ctx, ActionKeyPrefix, opts...)
	if err != nil {
		return nil, err
	}

	records := make([]ActionRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var rec ActionRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			e.logger.Warn("failed to unmarshal action", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// ---------------------------------------------------------
// 辅助方法 (Helpers)
// ---------------------------------------------------------

// putValue 封装通用的 JSON 序列化 + Put 操作
func (e *EtcdManager) putValue(ctx context.Context, key string, val interface{}, opts ...clientv3.OpOption) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return err
	}
	_, err = e.client.Put(ctx, key, string(bytes), opts...)
	return err
}

// IsNotFound 判断错误是否为 key 不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
