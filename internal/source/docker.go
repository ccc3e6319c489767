package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"medic/pkg/model"
)

// 容器指标名称
const (
	RecordCPUUsage          = "cpu_usage"          // 占全部 CPU 的比例
	RecordMemoryUsage       = "memory_usage"       // 字节，不含 page cache
	RecordMemoryLimit       = "memory_limit"       // 字节
	RecordMemoryUtilization = "memory_utilization" // usage / limit
)

// StatsAPI docker client 的子集
type StatsAPI interface {
	ContainerStats(ctx context.Context, containerID string, stream bool) (types.ContainerStats, error)
}

// DockerSource 读取被监控容器的一次性统计
type DockerSource struct {
	api       StatsAPI
	container string
}

// NewDockerSource 从环境变量或默认路径连接本地 Docker
func NewDockerSource(container string) (*DockerSource, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithVersion("1.44"))
	if err != nil {
		return nil, err
	}
	return NewDockerSourceWithAPI(cli, container), nil
}

func NewDockerSourceWithAPI(api StatsAPI, container string) *DockerSource {
	return &DockerSource{api: api, container: container}
}

func (d *DockerSource) ProduceLatest(ctx context.Context, _ uint64) ([]model.Record, error) {
	resp, err := d.api.ContainerStats(ctx, d.container, false)
	if err != nil {
		// 容器还没起来不算失败
		if errdefs.IsNotFound(err) {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("container stats %s: %w", d.container, err)
	}
	defer resp.Body.Close()

	var stats types.StatsJSON
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		if err == io.EOF {
			return nil, ErrNoData
		}
		return nil, fmt.Errorf("decode stats %s: %w", d.container, err)
	}
	return statsRecords(d.container, &stats), nil
}

func statsRecords(container string, s *types.StatsJSON) []model.Record {
	dims := map[string]string{"container": container}
	var records []model.Record

	if cpu, ok := cpuUsage(s); ok {
		records = append(records, model.Record{Name: RecordCPUUsage, Dimensions: dims, Value: cpu})
	}

	mem := s.MemoryStats
	if mem.Usage > 0 {
		used := float64(memoryUsed(mem))
		records = append(records, model.Record{Name: RecordMemoryUsage, Dimensions: dims, Value: used})
		if mem.Limit > 0 {
			records = append(records,
				model.Record{Name: RecordMemoryLimit, Dimensions: dims, Value: float64(mem.Limit)},
				model.Record{Name: RecordMemoryUtilization, Dimensions: dims, Value: used / float64(mem.Limit)},
			)
		}
	}
	return records
}

// cpuUsage 与 docker stats 相同的算法，结果除以 CPU 数得到 0~1
func cpuUsage(s *types.StatsJSON) (float64, bool) {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta < 0 || sysDelta <= 0 {
		return 0, false
	}
	return cpuDelta / sysDelta, true
}

// memoryUsed 扣掉可回收的 page cache (cgroup v1 是 cache，v2 是 inactive_file)
func memoryUsed(mem types.MemoryStats) uint64 {
	for _, key := range []string{"inactive_file", "total_inactive_file", "cache"} {
		if v, ok := mem.Stats[key]; ok && v < mem.Usage {
			return mem.Usage - v
		}
	}
	return mem.Usage
}
