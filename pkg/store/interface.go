package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"medic/pkg/model"
)

var (
	// ErrNotFound key 不存在
	ErrNotFound = errors.New("not found")
	// ErrNoLeader 当前没有选举出协调节点
	ErrNoLeader = errors.New("no elected coordinator")
)

// ActionsTable 查询已发布动作时使用的表名
const ActionsTable = "actions"

// Filter 查询条件，零值表示不限制
type Filter struct {
	Since time.Time
	Until time.Time
	Limit int // 只返回最新的 Limit 条
}

// Row 一条持久化记录
type Row struct {
	Key       string          `json:"key"`
	Vertex    string          `json:"vertex"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ActionRecord 已发布动作的持久化形式
type ActionRecord struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Resource  string          `json:"resource"`
	Nodes     []model.NodeKey `json:"nodes"`
	Summary   string          `json:"summary"`
	Timestamp time.Time       `json:"timestamp"`
}

// Persistence 本地持久化协作方
// 写路径给 scheduler / publisher 用，读路径给运维查询接口用
type Persistence interface {
	PersistFlowUnit(ctx context.Context, vertex string, unit model.FlowUnit) error
	PersistAction(ctx context.Context, action model.Action) error
	Query(ctx context.Context, vertex string, f Filter) ([]Row, error)
	Close() error
}

// Cluster 集群协调存储 (etcd)：成员、选举、配置、动作镜像
type Cluster interface {
	// --- 成员 ---

	// RegisterNode 心跳时写入本节点信息 (带租约，过期自动删除)
	RegisterNode(ctx context.Context, node *model.Node) error
	// ListNodes 当前存活的全部节点
	ListNodes(ctx context.Context) ([]*model.Node, error)

	// --- 选举 ---

	// Campaign 阻塞直到当选或 ctx 结束
	Campaign(ctx context.Context, node *model.Node) error
	// Leader 当前协调节点
	Leader(ctx context.Context) (model.NodeKey, error)

	// --- 配置 ---

	GetConfig(ctx context.Context, role model.Role) ([]byte, int64, error)
	PutConfig(ctx context.Context, role model.Role, data []byte) error
	// WatchConfig 配置变化时发出通知
	WatchConfig(ctx context.Context) <-chan struct{}

	// --- 动作镜像 (CLI 查看) ---

	SaveAction(ctx context.Context, rec ActionRecord) error
	ListActions(ctx context.Context, limit int) ([]ActionRecord, error)
}

// NewActionRecord 从动作构造记录
func NewActionRecord(id string, a model.Action, ts time.Time) ActionRecord {
	return ActionRecord{
		ID:        id,
		Name:      a.Name(),
		Resource:  string(a.Resource()),
		Nodes:     a.ImpactedNodes(),
		Summary:   a.Summary(),
		Timestamp: ts,
	}
}
