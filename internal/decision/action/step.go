package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"medic/internal/config"
	"medic/pkg/model"
)

// 动作名称，mute 列表按名称匹配
const (
	NameModifyCacheMaxSize  = "ModifyCacheMaxSize"
	NameModifyQueueCapacity = "ModifyQueueCapacity"
)

// Names 全部已知的动作名称 (校验 mute 列表用)
func Names() map[string]struct{} {
	return map[string]struct{}{
		NameModifyCacheMaxSize:  {},
		NameModifyQueueCapacity: {},
	}
}

// ErrBadSummary 摘要无法还原为动作
var ErrBadSummary = errors.New("invalid action summary")

// target 目标值计算方式
type target int

const (
	targetStep target = iota
	targetMax
	targetMin
)

// desiredValue 计算目标值并裁剪；可执行当且仅当目标值朝请求方向移动
func desiredValue(current, step float64, b config.Bounds, increase bool, t target) (float64, bool) {
	var desired float64
	switch t {
	case targetMax:
		desired = b.Upper
	case targetMin:
		desired = b.Lower
	default:
		if increase {
			desired = current + step
		} else {
			desired = current - step
		}
	}
	desired = b.Clamp(desired)

	if increase {
		return desired, desired > current
	}
	return desired, desired < current
}

// summary 两种动作共用的序列化格式
type summary struct {
	Name     string             `json:"name"`
	Node     model.NodeKey      `json:"node"`
	Resource model.ResourceKind `json:"resource"`
	Current  float64            `json:"current"`
	Desired  float64            `json:"desired"`
	Increase bool               `json:"increase"`
	// HeapMax 只有缓存动作有
	HeapMax   float64 `json:"heap_max,omitempty"`
	CoolOffMs int64   `json:"cool_off_ms"`
	CanUpdate bool    `json:"can_update"`
}

func (s summary) encode() string {
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeSummary(raw, name string) (summary, error) {
	var s summary
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrBadSummary, err)
	}
	if s.Name != name {
		return s, fmt.Errorf("%w: expected %s, got %q", ErrBadSummary, name, s.Name)
	}
	return s, nil
}

func (s summary) coolOff() time.Duration {
	return time.Duration(s.CoolOffMs) * time.Millisecond
}

// impactFor 调大 = 对 dims 加压，调小 = 减压
func impactFor(increase bool, dims ...model.Dimension) model.ImpactVector {
	if increase {
		return model.NewImpactVector().IncreasesPressure(dims...)
	}
	return model.NewImpactVector().DecreasesPressure(dims...)
}
