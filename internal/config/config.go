// Package config 定义按角色区分的分析配置 (图结构、阈值、步长、边界、mute 列表)
// 以及它的加载、校验和原子快照。
package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig 配置校验失败
	ErrInvalidConfig = errors.New("invalid analysis config")
	// ErrNotFound 该角色没有配置
	ErrNotFound = errors.New("analysis config not found")
)

// VertexSpec 图中一个顶点的静态描述
type VertexSpec struct {
	Name      string            `yaml:"name"`
	Kind      string            `yaml:"kind"`
	Period    int               `yaml:"period"`
	Locus     string            `yaml:"locus"`
	Upstreams []string          `yaml:"upstreams,omitempty"`
	Params    map[string]string `yaml:"params,omitempty"`
}

// Bounds 闭区间 [Lower, Upper]
type Bounds struct {
	Lower float64 `yaml:"lower"`
	Upper float64 `yaml:"upper"`
}

// Clamp 把 v 限制在区间内
func (b Bounds) Clamp(v float64) float64 {
	if v > b.Upper {
		v = b.Upper
	}
	if v < b.Lower {
		v = b.Lower
	}
	return v
}

// CacheActionConfig 缓存上限调节；边界为堆上限的比例
type CacheActionConfig struct {
	StepSizePercent float64       `yaml:"step-size-percent"`
	CoolOff         time.Duration `yaml:"cool-off"`
	FieldData       Bounds        `yaml:"field-data"`
	ShardRequest    Bounds        `yaml:"shard-request"`
}

// QueueActionConfig 队列容量调节；边界为绝对值
type QueueActionConfig struct {
	StepSize int           `yaml:"step-size"`
	CoolOff  time.Duration `yaml:"cool-off"`
	Write    Bounds        `yaml:"write"`
	Search   Bounds        `yaml:"search"`
}

// ActionConfig 各类动作的参数
type ActionConfig struct {
	Cache CacheActionConfig `yaml:"cache"`
	Queue QueueActionConfig `yaml:"queue"`
}

// DeciderConfig 各 decider 的执行频率 (每 N 次评估动作一次)
type DeciderConfig struct {
	CacheFrequency int `yaml:"cache-frequency"`
	QueueFrequency int `yaml:"queue-frequency"`
	HeapFrequency  int `yaml:"heap-frequency"`
}

// PublisherConfig 发布端防抖参数
type PublisherConfig struct {
	FlipFlopExpiry time.Duration `yaml:"flip-flop-expiry"`
}

// Analysis 一个角色的完整分析配置
type Analysis struct {
	Graph         []VertexSpec    `yaml:"graph"`
	MutedVertices []string        `yaml:"muted-vertices,omitempty"`
	MutedActions  []string        `yaml:"muted-actions,omitempty"`
	Deciders      DeciderConfig   `yaml:"deciders"`
	Actions       ActionConfig    `yaml:"actions"`
	Publisher     PublisherConfig `yaml:"publisher"`

	// Version 来自 provider (文件 mtime 或 etcd revision)，不在 yaml 中
	Version int64 `yaml:"-"`
}

// Defaults 返回默认参数 (没有图)
func Defaults() Analysis {
	return Analysis{
		Deciders: DeciderConfig{
			CacheFrequency: 12,
			QueueFrequency: 12,
			HeapFrequency:  12,
		},
		Actions: ActionConfig{
			Cache: CacheActionConfig{
				StepSizePercent: 0.05,
				CoolOff:         300 * time.Second,
				FieldData:       Bounds{Lower: 0.10, Upper: 0.40},
				ShardRequest:    Bounds{Lower: 0.01, Upper: 0.05},
			},
			Queue: QueueActionConfig{
				StepSize: 50,
				CoolOff:  300 * time.Second,
				Write:    Bounds{Lower: 100, Upper: 1000},
				Search:   Bounds{Lower: 1000, Upper: 3000},
			},
		},
		Publisher: PublisherConfig{
			FlipFlopExpiry: time.Hour,
		},
	}
}

// Parse 解析 yaml，缺省字段用 Defaults 补齐，然后校验
func Parse(data []byte) (*Analysis, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Marshal 序列化为 yaml (CLI 修改 mute 列表后回写)
func (a *Analysis) Marshal() ([]byte, error) {
	return yaml.Marshal(a)
}

// Validate 只做与图无关的参数校验；图结构在 graph.Compile 里校验
func (a *Analysis) Validate() error {
	if a.Deciders.CacheFrequency < 1 || a.Deciders.QueueFrequency < 1 || a.Deciders.HeapFrequency < 1 {
		return fmt.Errorf("%w: decider frequency must be >= 1", ErrInvalidConfig)
	}
	for name, b := range map[string]Bounds{
		"cache.field-data":    a.Actions.Cache.FieldData,
		"cache.shard-request": a.Actions.Cache.ShardRequest,
		"queue.write":         a.Actions.Queue.Write,
		"queue.search":        a.Actions.Queue.Search,
	} {
		if b.Lower < 0 || b.Lower > b.Upper {
			return fmt.Errorf("%w: bounds %s [%v, %v]", ErrInvalidConfig, name, b.Lower, b.Upper)
		}
	}
	if a.Actions.Cache.FieldData.Upper > 1 || a.Actions.Cache.ShardRequest.Upper > 1 {
		return fmt.Errorf("%w: cache bounds are fractions of heap and must be <= 1", ErrInvalidConfig)
	}
	if a.Publisher.FlipFlopExpiry <= 0 {
		return fmt.Errorf("%w: flip-flop-expiry must be positive", ErrInvalidConfig)
	}
	seen := make(map[string]struct{}, len(a.Graph))
	for _, v := range a.Graph {
		if v.Name == "" {
			return fmt.Errorf("%w: vertex without name", ErrInvalidConfig)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("%w: duplicate vertex %q", ErrInvalidConfig, v.Name)
		}
		seen[v.Name] = struct{}{}
	}
	return nil
}

// VertexNames 图中全部顶点名称
func (a *Analysis) VertexNames() map[string]struct{} {
	names := make(map[string]struct{}, len(a.Graph))
	for _, v := range a.Graph {
		names[v.Name] = struct{}{}
	}
	return names
}

// SameGraph 两份配置的图结构是否一致 (不一致需要整图重建)
func (a *Analysis) SameGraph(other *Analysis) bool {
	if a == nil || other == nil || len(a.Graph) != len(other.Graph) {
		return false
	}
	for i := range a.Graph {
		x, y := a.Graph[i], other.Graph[i]
		if x.Name != y.Name || x.Kind != y.Kind || x.Period != y.Period || x.Locus != y.Locus {
			return false
		}
		if !equalStrings(x.Upstreams, y.Upstreams) || !equalParams(x.Params, y.Params) {
			return false
		}
	}
	return true
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalParams(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}
