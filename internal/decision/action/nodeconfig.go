// Package action 包含具体的调节动作及其构造器。
// 构造器从 NodeConfigCache 读取当前值和堆上限，按步长计算目标值并裁剪到边界内；
// 输入缺失时返回不可执行的动作，而不是错误。
package action

import (
	"sync"

	"medic/pkg/model"
)

// ConfigKey (节点, 资源)
type ConfigKey struct {
	Node     model.NodeKey
	Resource model.ResourceKind
}

// NodeConfigCache 各节点当前配置值的并发缓存
// 堆上限以 ResourceHeap 为 key 存放
type NodeConfigCache struct {
	m sync.Map // ConfigKey -> float64
}

// NewNodeConfigCache 构造函数
func NewNodeConfigCache() *NodeConfigCache {
	return &NodeConfigCache{}
}

func (c *NodeConfigCache) Put(node model.NodeKey, resource model.ResourceKind, value float64) {
	c.m.Store(ConfigKey{Node: node, Resource: resource}, value)
}

func (c *NodeConfigCache) Get(node model.NodeKey, resource model.ResourceKind) (float64, bool) {
	v, ok := c.m.Load(ConfigKey{Node: node, Resource: resource})
	if !ok {
		return 0, false
	}
	return v.(float64), true
}

// Forget 删除节点的全部配置 (节点离开集群)
func (c *NodeConfigCache) Forget(node model.NodeKey) {
	c.m.Range(func(k, _ any) bool {
		if k.(ConfigKey).Node == node {
			c.m.Delete(k)
		}
		return true
	})
}

// Nodes 缓存中出现过的节点
func (c *NodeConfigCache) Nodes() []model.NodeKey {
	seen := make(map[model.NodeKey]struct{})
	var out []model.NodeKey
	c.m.Range(func(k, _ any) bool {
		n := k.(ConfigKey).Node
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			out = append(out, n)
		}
		return true
	})
	return out
}
