package model

// ResourceKind 被诊断/调节的资源
type ResourceKind string

const (
	ResourceHeap              ResourceKind = "HEAP"
	ResourceCPU               ResourceKind = "CPU"
	ResourceFieldDataCache    ResourceKind = "FIELD_DATA_CACHE"
	ResourceShardRequestCache ResourceKind = "SHARD_REQUEST_CACHE"
	ResourceWriteThreadPool   ResourceKind = "WRITE_THREADPOOL"
	ResourceSearchThreadPool  ResourceKind = "SEARCH_THREADPOOL"
)

// IsCache 是否为缓存类资源
func (r ResourceKind) IsCache() bool {
	return r == ResourceFieldDataCache || r == ResourceShardRequestCache
}

// IsQueue 是否为线程池队列
func (r ResourceKind) IsQueue() bool {
	return r == ResourceWriteThreadPool || r == ResourceSearchThreadPool
}

// 常用的 metric 名称，ResourceSummary.Metric 使用
const (
	MetricUsage      = "usage"
	MetricMaxSize    = "max_size"
	MetricCapacity   = "capacity"
	MetricRejections = "rejections"
	MetricEvictions  = "evictions"
)
