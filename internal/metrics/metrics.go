// Package metrics 持有显式构造的 prometheus registry。
// 所有计数器都挂在 Registry 值上，通过构造函数传给各组件，没有全局状态。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "medic"

// Registry 进程内所有指标
type Registry struct {
	reg *prometheus.Registry

	// scheduler
	VertexEvaluations *prometheus.CounterVec   // vertex
	VertexFailures    *prometheus.CounterVec   // vertex
	VertexLatency     *prometheus.HistogramVec // vertex
	TickDuration      prometheus.Histogram
	SchedulerState    prometheus.Gauge
	RemoteWaitTimeout *prometheus.CounterVec // vertex

	// wire
	RPCErrors        *prometheus.CounterVec // op, kind
	MessagesSent     *prometheus.CounterVec // kind
	MessagesReceived *prometheus.CounterVec // kind
	InboundDropped   *prometheus.CounterVec // vertex
	OutboundDropped  prometheus.Counter
	StaleNodes       prometheus.Gauge
	Subscribers      prometheus.Gauge

	// decision
	ActionsPublished  *prometheus.CounterVec // action
	ActionsSuppressed *prometheus.CounterVec // action, reason
	ListenerErrors    *prometheus.CounterVec // listener

	// persistence / controller / fault
	PersistErrors   *prometheus.CounterVec // kind
	ControllerState prometheus.Gauge
	ConfigReloads   *prometheus.CounterVec // result
	WorkerFaults    *prometheus.CounterVec // kind
}

// New 创建并注册全部指标
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.VertexEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "vertex_evaluations_total",
		Help: "Vertex evaluations by vertex name",
	}, []string{"vertex"})
	r.VertexFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "vertex_failures_total",
		Help: "Vertex evaluations that failed and were replaced by an empty flow unit",
	}, []string{"vertex"})
	r.VertexLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "vertex_duration_seconds",
		Help:    "Vertex evaluation latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"vertex"})
	r.TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "tick_duration_seconds",
		Help:    "Wall time of one scheduler tick",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	r.SchedulerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "state",
		Help: "Scheduler state (0 not started, 1 started, 2 stopped, 3 stopped due to exception)",
	})
	r.RemoteWaitTimeout = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "scheduler", Name: "remote_wait_timeouts_total",
		Help: "Ticks that proceeded before all remote sources of an upstream reported",
	}, []string{"vertex"})

	r.RPCErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wire", Name: "rpc_errors_total",
		Help: "Wire RPC errors by operation and error kind",
	}, []string{"op", "kind"})
	r.MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wire", Name: "messages_sent_total",
		Help: "Wire messages sent by kind",
	}, []string{"kind"})
	r.MessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wire", Name: "messages_received_total",
		Help: "Wire messages received by kind",
	}, []string{"kind"})
	r.InboundDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wire", Name: "inbound_dropped_total",
		Help: "Inbound flow units dropped because the vertex buffer was full",
	}, []string{"vertex"})
	r.OutboundDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "wire", Name: "outbound_dropped_total",
		Help: "Outbound messages dropped because the network queue was full",
	})
	r.StaleNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "wire", Name: "stale_nodes",
		Help: "Remote nodes that missed too many reporting periods",
	})
	r.Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "wire", Name: "subscribers",
		Help: "Remote subscriptions registered against local vertices",
	})

	r.ActionsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "decision", Name: "actions_published_total",
		Help: "Actions that passed all publisher guards",
	}, []string{"action"})
	r.ActionsSuppressed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "decision", Name: "actions_suppressed_total",
		Help: "Actions dropped by the publisher by reason",
	}, []string{"action", "reason"})
	r.ListenerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "decision", Name: "listener_errors_total",
		Help: "Action listener failures",
	}, []string{"listener"})

	r.PersistErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "store", Name: "persist_errors_total",
		Help: "Persistence write failures",
	}, []string{"kind"})
	r.ControllerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "controller", Name: "state",
		Help: "Controller state (0 stopped, 1 starting, 2 started, 3 restarting)",
	})
	r.ConfigReloads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "controller", Name: "config_reloads_total",
		Help: "Analysis config reloads by result",
	}, []string{"result"})
	r.WorkerFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "fault", Name: "worker_faults_total",
		Help: "Uncaught faults in named worker goroutines",
	}, []string{"kind"})

	r.reg.MustRegister(
		r.VertexEvaluations, r.VertexFailures, r.VertexLatency, r.TickDuration,
		r.SchedulerState, r.RemoteWaitTimeout,
		r.RPCErrors, r.MessagesSent, r.MessagesReceived, r.InboundDropped,
		r.OutboundDropped, r.StaleNodes, r.Subscribers,
		r.ActionsPublished, r.ActionsSuppressed, r.ListenerErrors,
		r.PersistErrors, r.ControllerState, r.ConfigReloads, r.WorkerFaults,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Gatherer 给 HTTP 暴露用
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
