package source

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"medic/pkg/model"
)

// Querier api.QueryAPI 的子集
type Querier interface {
	Query(ctx context.Context, query string) (*api.QueryTableResult, error)
}

// InfluxConfig 时序库里节点指标的位置
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	// Tags 额外的过滤条件，通常是 host
	Tags map[string]string
	// Lookback 只看最近这段时间内的点
	Lookback time.Duration
}

// InfluxSource 每个 field 取最新的一个点
type InfluxSource struct {
	client  influxdb2.Client
	querier Querier
	query   string
}

// NewInfluxSource 连接 InfluxDB v2
func NewInfluxSource(cfg InfluxConfig) (*InfluxSource, error) {
	if cfg.URL == "" || cfg.Bucket == "" || cfg.Measurement == "" {
		return nil, fmt.Errorf("influx source needs url, bucket and measurement")
	}
	c := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := NewInfluxSourceWithQuerier(c.QueryAPI(cfg.Org), cfg)
	s.client = c
	return s, nil
}

func NewInfluxSourceWithQuerier(q Querier, cfg InfluxConfig) *InfluxSource {
	return &InfluxSource{querier: q, query: buildFlux(cfg)}
}

func buildFlux(cfg InfluxConfig) string {
	lookback := cfg.Lookback
	if lookback <= 0 {
		lookback = time.Minute
	}

	filters := []string{fmt.Sprintf("r._measurement == %q", cfg.Measurement)}
	keys := make([]string, 0, len(cfg.Tags))
	for k := range cfg.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		filters = append(filters, fmt.Sprintf("r[%q] == %q", k, cfg.Tags[k]))
	}

	return fmt.Sprintf(`from(bucket: %q)
  |> range(start: -%ds)
  |> filter(fn: (r) => %s)
  |> last()`, cfg.Bucket, int64(lookback.Seconds()), strings.Join(filters, " and "))
}

func (s *InfluxSource) ProduceLatest(ctx context.Context, _ uint64) ([]model.Record, error) {
	result, err := s.querier.Query(ctx, s.query)
	if err != nil {
		return nil, fmt.Errorf("influx query: %w", err)
	}
	defer result.Close()

	var records []model.Record
	for result.Next() {
		rec := result.Record()
		v, ok := toFloat(rec.Value())
		if !ok {
			continue
		}
		dims := make(map[string]string)
		for k, val := range rec.Values() {
			if strings.HasPrefix(k, "_") || k == "result" || k == "table" {
				continue
			}
			if str, ok := val.(string); ok {
				dims[k] = str
			}
		}
		records = append(records, model.Record{Name: rec.Field(), Dimensions: dims, Value: v})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("influx result: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrNoData
	}
	return records, nil
}

// Close 释放 HTTP 连接
func (s *InfluxSource) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
