package decision

import (
	"go.uber.org/zap"

	"medic/internal/decision/action"
	"medic/internal/graph"
	"medic/internal/metrics"
)

// Deps 决策顶点共享的依赖
type Deps struct {
	Cache     *action.NodeConfigCache
	Persist   ActionPersister
	Listeners []Listener
	Metrics   *metrics.Registry
	Logger    *zap.Logger
}

// Register 把决策顶点注册到 registry
// 每次图重建都会重新构造，cooloff 和 flip-flop 记录随之清空
func Register(reg *graph.Registry, deps Deps) {
	cache := deps.Cache
	if cache == nil {
		cache = action.NewNodeConfigCache()
	}

	reg.Register(KindCacheHealthDecider, func(d graph.Descriptor) (graph.Vertex, error) {
		return NewCacheHealthDecider(d.Name, cache), nil
	})
	reg.Register(KindQueueHealthDecider, func(d graph.Descriptor) (graph.Vertex, error) {
		return NewQueueHealthDecider(d.Name, cache), nil
	})
	reg.Register(KindHeapHealthDecider, func(d graph.Descriptor) (graph.Vertex, error) {
		return NewHeapHealthDecider(d.Name, cache), nil
	})
	reg.Register(KindCollator, func(d graph.Descriptor) (graph.Vertex, error) {
		return NewCollator(d.Name), nil
	})
	reg.Register(KindPublisher, func(d graph.Descriptor) (graph.Vertex, error) {
		return NewPublisher(d.Name, deps.Persist, deps.Listeners, deps.Metrics, deps.Logger), nil
	})
}
