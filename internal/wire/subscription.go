package wire

import (
	"sort"
	"sync"

	"medic/pkg/model"
)

// Subscriber 订阅了本地顶点的远端节点
type Subscriber struct {
	Node     model.NodeKey
	Endpoint string
}

// SubscriptionManager 记录两个方向的订阅关系
//   - subscribers: 本地顶点 -> 订阅它的远端节点 (推送目标)
//   - publishers:  上游顶点 -> 本节点已订阅成功的远端来源 (等待对象)
//
// 图重建时整体清空
type SubscriptionManager struct {
	mu          sync.RWMutex
	subscribers map[string]map[model.NodeKey]Subscriber
	publishers  map[string]map[model.NodeKey]string // -> endpoint
}

// NewSubscriptionManager 构造函数
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscribers: make(map[string]map[model.NodeKey]Subscriber),
		publishers:  make(map[string]map[model.NodeKey]string),
	}
}

// AddSubscriber 重复添加只更新地址
func (m *SubscriptionManager) AddSubscriber(vertex string, sub Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subscribers[vertex]
	if !ok {
		set = make(map[model.NodeKey]Subscriber)
		m.subscribers[vertex] = set
	}
	set[sub.Node] = sub
}

func (m *SubscriptionManager) RemoveSubscriber(vertex string, node model.NodeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subscribers[vertex]; ok {
		delete(set, node)
		if len(set) == 0 {
			delete(m.subscribers, vertex)
		}
	}
}

// RemoveSubscriberEndpoint 按地址删除 (对端拒收时只知道地址)
func (m *SubscriptionManager) RemoveSubscriberEndpoint(vertex, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.subscribers[vertex]
	for key, sub := range set {
		if sub.Endpoint == endpoint {
			delete(set, key)
		}
	}
	if len(set) == 0 {
		delete(m.subscribers, vertex)
	}
}

// Subscribers 按节点排序
func (m *SubscriptionManager) Subscribers(vertex string) []Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.subscribers[vertex]
	out := make([]Subscriber, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Node.String() < out[j].Node.String() })
	return out
}

// SubscriberCount 全部顶点的订阅者总数
func (m *SubscriptionManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.subscribers {
		n += len(set)
	}
	return n
}

func (m *SubscriptionManager) AddPublisher(vertex string, node model.NodeKey, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.publishers[vertex]
	if !ok {
		set = make(map[model.NodeKey]string)
		m.publishers[vertex] = set
	}
	set[node] = endpoint
}

func (m *SubscriptionManager) RemovePublisher(vertex string, node model.NodeKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.publishers[vertex]; ok {
		delete(set, node)
		if len(set) == 0 {
			delete(m.publishers, vertex)
		}
	}
}

// IsPublisher node 是否是本节点订阅的 vertex 来源
func (m *SubscriptionManager) IsPublisher(vertex string, node model.NodeKey) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.publishers[vertex][node]
	return ok
}

// Publishers vertex 的预期来源
func (m *SubscriptionManager) Publishers(vertex string) []model.NodeKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.publishers[vertex]
	out := make([]model.NodeKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// PublisherEndpoints 全部已订阅的 (vertex, endpoint)，停止时逐个退订
func (m *SubscriptionManager) PublisherEndpoints() map[string][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(m.publishers))
	for vertex, set := range m.publishers {
		for _, ep := range set {
			out[vertex] = append(out[vertex], ep)
		}
		sort.Strings(out[vertex])
	}
	return out
}

// Clear 重建时丢弃全部订阅关系
func (m *SubscriptionManager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = make(map[string]map[model.NodeKey]Subscriber)
	m.publishers = make(map[string]map[model.NodeKey]string)
}
