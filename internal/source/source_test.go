package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/errdefs"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medic/pkg/model"
)

func TestStaticSource(t *testing.T) {
	s := NewStaticSource()
	_, err := s.ProduceLatest(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoData)

	s.Set(model.Record{Name: "heap_max", Value: 1024})
	got, err := s.ProduceLatest(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []model.Record{{Name: "heap_max", Value: 1024}}, got)

	// 返回的是副本
	got[0].Value = 0
	again, _ := s.ProduceLatest(context.Background(), 3)
	assert.Equal(t, 1024.0, again[0].Value)
}

type fakeStats struct {
	stats *types.StatsJSON
	err   error
}

func (f fakeStats) ContainerStats(context.Context, string, bool) (types.ContainerStats, error) {
	if f.err != nil {
		return types.ContainerStats{}, f.err
	}
	b, _ := json.Marshal(f.stats)
	return types.ContainerStats{Body: io.NopCloser(bytes.NewReader(b))}, nil
}

func TestDockerSource_Records(t *testing.T) {
	stats := &types.StatsJSON{}
	stats.CPUStats.CPUUsage.TotalUsage = 3000
	stats.CPUStats.SystemUsage = 20000
	stats.PreCPUStats.CPUUsage.TotalUsage = 1000
	stats.PreCPUStats.SystemUsage = 10000
	stats.MemoryStats.Usage = 900
	stats.MemoryStats.Limit = 1000
	stats.MemoryStats.Stats = map[string]uint64{"inactive_file": 100}

	src := NewDockerSourceWithAPI(fakeStats{stats: stats}, "search")
	records, err := src.ProduceLatest(context.Background(), 1)
	require.NoError(t, err)

	byName := make(map[string]float64)
	for _, r := range records {
		byName[r.Name] = r.Value
		assert.Equal(t, "search", r.Dimensions["container"])
	}
	assert.InDelta(t, 0.2, byName[RecordCPUUsage], 1e-9)
	assert.Equal(t, 800.0, byName[RecordMemoryUsage])
	assert.Equal(t, 1000.0, byName[RecordMemoryLimit])
	assert.InDelta(t, 0.8, byName[RecordMemoryUtilization], 1e-9)
}

func TestDockerSource_Errors(t *testing.T) {
	src := NewDockerSourceWithAPI(fakeStats{err: errdefs.NotFound(errors.New("no such container"))}, "search")
	_, err := src.ProduceLatest(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoData)

	src = NewDockerSourceWithAPI(fakeStats{err: errors.New("daemon down")}, "search")
	_, err = src.ProduceLatest(context.Background(), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoData)

	// 第一次采样没有上一次的 CPU 数据
	src = NewDockerSourceWithAPI(fakeStats{stats: &types.StatsJSON{}}, "search")
	records, err := src.ProduceLatest(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, records)
}

type fakeQuerier struct {
	csv   string
	query string
}

func (f *fakeQuerier) Query(_ context.Context, q string) (*api.QueryTableResult, error) {
	f.query = q
	return api.NewQueryTableResult(io.NopCloser(strings.NewReader(f.csv))), nil
}

const influxCSV = `#datatype,string,long,dateTime:RFC3339,dateTime:RFC3339,dateTime:RFC3339,double,string,string,string
#group,false,false,true,true,false,false,true,true,true
#default,_result,,,,,,,,
,result,table,_start,_stop,_time,_value,_field,_measurement,host
,,0,2026-01-01T00:00:00Z,2026-01-01T00:01:00Z,2026-01-01T00:00:30Z,0.93,heap_used_ratio,node_stats,node-a
,,1,2026-01-01T00:00:00Z,2026-01-01T00:01:00Z,2026-01-01T00:00:30Z,12,write_rejections,node_stats,node-a

`

func TestInfluxSource(t *testing.T) {
	q := &fakeQuerier{csv: influxCSV}
	src := NewInfluxSourceWithQuerier(q, InfluxConfig{
		Bucket:      "metrics",
		Measurement: "node_stats",
		Tags:        map[string]string{"host": "node-a"},
		Lookback:    2 * time.Minute,
	})

	records, err := src.ProduceLatest(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, q.query, `from(bucket: "metrics")`)
	assert.Contains(t, q.query, `range(start: -120s)`)
	assert.Contains(t, q.query, `r["host"] == "node-a"`)

	require.Len(t, records, 2)
	assert.Equal(t, "heap_used_ratio", records[0].Name)
	assert.Equal(t, 0.93, records[0].Value)
	assert.Equal(t, "node-a", records[0].Dimensions["host"])
	assert.Equal(t, "write_rejections", records[1].Name)
	assert.Equal(t, 12.0, records[1].Value)

	empty := NewInfluxSourceWithQuerier(&fakeQuerier{csv: ""}, InfluxConfig{Bucket: "b", Measurement: "m"})
	_, err = empty.ProduceLatest(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestNewInfluxSource_Validation(t *testing.T) {
	_, err := NewInfluxSource(InfluxConfig{URL: "http://localhost:8086"})
	assert.Error(t, err)
}
