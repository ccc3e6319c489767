// Package source 提供叶子 metric 顶点读取的指标来源。
// 没有数据时返回 ErrNoData，调用方把它当作空输出而不是失败。
package source

import (
	"context"
	"errors"
	"sync"

	"medic/pkg/model"
)

// ErrNoData 本次没有可用数据
var ErrNoData = errors.New("no data")

// Source 指标来源
type Source interface {
	ProduceLatest(ctx context.Context, tick uint64) ([]model.Record, error)
}

// StaticSource 内存中的固定记录，Set 之后每次都返回同一组
type StaticSource struct {
	mu      sync.RWMutex
	records []model.Record
}

func NewStaticSource(records ...model.Record) *StaticSource {
	s := &StaticSource{}
	s.Set(records...)
	return s
}

func (s *StaticSource) Set(records ...model.Record) {
	s.mu.Lock()
	s.records = append([]model.Record(nil), records...)
	s.mu.Unlock()
}

func (s *StaticSource) ProduceLatest(context.Context, uint64) ([]model.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, ErrNoData
	}
	return append([]model.Record(nil), s.records...), nil
}
