package model

import "fmt"

// Role 节点在集群中的角色
type Role string

const (
	RoleUnknown     Role = ""
	RoleData        Role = "data"
	RoleCoordinator Role = "coordinator" // 当前选举出的协调节点
)

// NodeKey 集群成员身份 (nodeId, hostAddress)
// 作为所有按节点维护状态的 map key (config cache、flip-flop 历史、node state)
type NodeKey struct {
	NodeID      string `json:"node_id"`
	HostAddress string `json:"host_address"`
}

func (k NodeKey) String() string {
	return fmt.Sprintf("%s@%s", k.NodeID, k.HostAddress)
}

// IsZero 判断是否为空 key
func (k NodeKey) IsZero() bool {
	return k.NodeID == "" && k.HostAddress == ""
}

// NodeStatus 节点健康状态
type NodeStatus string

const (
	NodeReady   NodeStatus = "READY"
	NodeOffline NodeStatus = "OFFLINE" // 心跳超时
)

// Node 成员注册信息 (sidecar 心跳时写入 etcd)
type Node struct {
	ID      string `json:"id"`       // 唯一标识，通常是 hostname
	IP      string `json:"ip"`       // 对外地址
	RPCPort int    `json:"rpc_port"` // wire 服务端口
	Version string `json:"version"`

	Role          Role       `json:"role"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat int64      `json:"last_heartbeat"` // Unix 时间戳
}

// Key 返回节点身份
func (n *Node) Key() NodeKey {
	return NodeKey{NodeID: n.ID, HostAddress: n.IP}
}

// Endpoint 返回 gRPC 拨号地址
func (n *Node) Endpoint() string {
	return fmt.Sprintf("%s:%d", n.IP, n.RPCPort)
}
