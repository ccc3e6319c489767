package wire

import (
	"time"

	"medic/pkg/model"
)

// SubscriptionStatus 订阅握手结果
type SubscriptionStatus string

const (
	StatusSuccess     SubscriptionStatus = "SUCCESS"
	StatusTagMismatch SubscriptionStatus = "TAG_MISMATCH" // 对方角色不执行该顶点
)

// MessageKind 推送消息类型
type MessageKind string

const (
	KindPush      MessageKind = "PUSH"
	KindHeartbeat MessageKind = "HEARTBEAT" // 本周期没有数据，但来源仍然存活
)

// SubscribeRequest 订阅者 -> 生产者
type SubscribeRequest struct {
	RequestID string        `json:"request_id"`
	Vertex    string        `json:"vertex"`
	Locus     string        `json:"locus"`
	Requester model.NodeKey `json:"requester"`
	// Endpoint 生产者推送时拨号的地址
	Endpoint string `json:"endpoint"`
}

type SubscribeResponse struct {
	RequestID string             `json:"request_id"`
	Status    SubscriptionStatus `json:"status"`
	Responder model.NodeKey      `json:"responder"`
}

type UnsubscribeRequest struct {
	Vertex    string        `json:"vertex"`
	Requester model.NodeKey `json:"requester"`
}

type UnsubscribeResponse struct{}

// PublishMessage 生产者 -> 订阅者
type PublishMessage struct {
	Kind   MessageKind     `json:"kind"`
	Vertex string          `json:"vertex"`
	Source model.NodeKey   `json:"source"`
	Unit   *model.FlowUnit `json:"unit,omitempty"`
	SentAt time.Time       `json:"sent_at"`
}

// PublishReply 订阅者拒收时回给生产者 (例如重建后已不再订阅)
type PublishReply struct {
	Vertex    string        `json:"vertex"`
	Responder model.NodeKey `json:"responder"`
	Reason    string        `json:"reason"`
}
