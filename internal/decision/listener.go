package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"medic/pkg/model"
	"medic/pkg/store"
)

// Listener 动作发布后的同步回调，按注册顺序调用
// 返回错误只计数和记录，不影响其他监听者
type Listener interface {
	Name() string
	ActionPublished(ctx context.Context, a model.Action) error
}

// LogListener 把动作写进日志
type LogListener struct {
	logger *zap.Logger
}

func NewLogListener(logger *zap.Logger) *LogListener {
	return &LogListener{logger: logger.Named("actions")}
}

func (l *LogListener) Name() string { return "log" }

func (l *LogListener) ActionPublished(_ context.Context, a model.Action) error {
	l.logger.Info("action published",
		zap.String("action", a.Name()),
		zap.String("resource", string(a.Resource())),
		zap.Any("nodes", a.ImpactedNodes()),
		zap.String("summary", a.Summary()),
	)
	return nil
}

// MessageWriter kafka.Writer 的子集
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaConfig 动作推送到 kafka 的参数
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// NewKafkaWriter 同步写，按 key 哈希分区，保证同一动作的消息有序
func NewKafkaWriter(cfg KafkaConfig) (*kafka.Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
	}, nil
}

// KafkaListener 把动作记录写到 kafka topic，key 为动作名 + 节点
type KafkaListener struct {
	writer  MessageWriter
	timeout time.Duration
}

func NewKafkaListener(w MessageWriter, timeout time.Duration) *KafkaListener {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaListener{writer: w, timeout: timeout}
}

func (l *KafkaListener) Name() string { return "kafka" }

func (l *KafkaListener) ActionPublished(ctx context.Context, a model.Action) error {
	now := time.Now().UTC()
	value, err := json.Marshal(store.NewActionRecord(uuid.NewString(), a, now))
	if err != nil {
		return fmt.Errorf("marshal action record: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(model.ActionKey(a)),
		Value: value,
		Time:  now,
	})
}

// ActionSink etcd 动作镜像
type ActionSink interface {
	SaveAction(ctx context.Context, rec store.ActionRecord) error
}

// EtcdListener 把动作镜像到 etcd，供 CLI 查看
type EtcdListener struct {
	sink ActionSink
}

func NewEtcdListener(sink ActionSink) *EtcdListener {
	return &EtcdListener{sink: sink}
}

func (l *EtcdListener) Name() string { return "etcd" }

func (l *EtcdListener) ActionPublished(ctx context.Context, a model.Action) error {
	return l.sink.SaveAction(ctx, store.NewActionRecord(uuid.NewString(), a, time.Now()))
}
