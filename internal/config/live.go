package config

import (
	"sort"
	"sync/atomic"
)

// Snapshot 不可变的运行时配置快照
// 由 poll 循环整体替换，读者永远看不到半更新的状态
type Snapshot struct {
	Analysis      *Analysis
	mutedVertices map[string]struct{}
	mutedActions  map[string]struct{}
}

// NewSnapshot 构造快照
func NewSnapshot(a *Analysis, mutedVertices, mutedActions []string) *Snapshot {
	return &Snapshot{
		Analysis:      a,
		mutedVertices: toSet(mutedVertices),
		mutedActions:  toSet(mutedActions),
	}
}

// Version 配置版本
func (s *Snapshot) Version() int64 {
	if s == nil || s.Analysis == nil {
		return 0
	}
	return s.Analysis.Version
}

func (s *Snapshot) VertexMuted(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.mutedVertices[name]
	return ok
}

func (s *Snapshot) ActionMuted(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.mutedActions[name]
	return ok
}

// MutedVertices 排序后的列表
func (s *Snapshot) MutedVertices() []string {
	if s == nil {
		return nil
	}
	return fromSet(s.mutedVertices)
}

// MutedActions 排序后的列表
func (s *Snapshot) MutedActions() []string {
	if s == nil {
		return nil
	}
	return fromSet(s.mutedActions)
}

// WithMutes 复制一份，替换 mute 集合
func (s *Snapshot) WithMutes(mutedVertices, mutedActions []string) *Snapshot {
	return NewSnapshot(s.Analysis, mutedVertices, mutedActions)
}

// Live 原子替换的快照引用：一个写者 (poll 循环)，多个读者
type Live struct {
	p atomic.Pointer[Snapshot]
}

// NewLive 构造函数
func NewLive(s *Snapshot) *Live {
	l := &Live{}
	l.p.Store(s)
	return l
}

func (l *Live) Load() *Snapshot   { return l.p.Load() }
func (l *Live) Store(s *Snapshot) { l.p.Store(s) }

// ResolveMutes 过滤出合法名称
// requested 非空但一个合法名称都没有时 ok=false，调用方决定是忽略还是拒绝
func ResolveMutes(requested []string, known map[string]struct{}) (valid, invalid []string, ok bool) {
	for _, name := range requested {
		if _, exists := known[name]; exists {
			valid = append(valid, name)
		} else {
			invalid = append(invalid, name)
		}
	}
	if len(requested) > 0 && len(valid) == 0 {
		return nil, invalid, false
	}
	return valid, invalid, true
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func fromSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
