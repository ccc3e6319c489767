package model

import (
	"sort"
	"strings"
	"time"
)

// Action 不可变的调节建议
type Action interface {
	// Name 动作名称，mute 和 cooloff 都按名称匹配
	Name() string
	// CanUpdate 是否可执行 (输入缺失或已到边界时为 false)
	CanUpdate() bool
	CoolOffPeriod() time.Duration
	ImpactedNodes() []NodeKey
	// Impact 每个受影响节点的压力向量
	Impact() map[NodeKey]ImpactVector
	// Resource 调节的资源，collator 以 (node, resource) 去重
	Resource() ResourceKind
	// Summary 可序列化摘要，用于持久化和网络回放
	Summary() string
	IsMuted() bool
}

// ActionKey 返回 "名称 + 受影响节点" 组成的 key (cooloff 用)
func ActionKey(a Action) string {
	nodes := a.ImpactedNodes()
	keys := make([]string, 0, len(nodes))
	for _, n := range nodes {
		keys = append(keys, n.String())
	}
	sort.Strings(keys)
	return a.Name() + "|" + strings.Join(keys, ",")
}
