package model

// Dimension ImpactVector 的固定维度
type Dimension int

const (
	DimensionHeap Dimension = iota
	DimensionCPU
	DimensionRAM
	DimensionDisk
	DimensionNetwork
	DimensionAdmissionControl

	numDimensions
)

// Dimensions 全部维度，按定义顺序
var Dimensions = []Dimension{
	DimensionHeap,
	DimensionCPU,
	DimensionRAM,
	DimensionDisk,
	DimensionNetwork,
	DimensionAdmissionControl,
}

func (d Dimension) String() string {
	switch d {
	case DimensionHeap:
		return "HEAP"
	case DimensionCPU:
		return "CPU"
	case DimensionRAM:
		return "RAM"
	case DimensionDisk:
		return "DISK"
	case DimensionNetwork:
		return "NETWORK"
	case DimensionAdmissionControl:
		return "ADMISSION_CONTROL"
	default:
		return "UNKNOWN"
	}
}

// Impact 某个维度上的压力方向
type Impact int

const (
	NoImpact Impact = iota // 零值即 NO_IMPACT
	IncreasesPressure
	DecreasesPressure
)

func (i Impact) String() string {
	switch i {
	case IncreasesPressure:
		return "INCREASES_PRESSURE"
	case DecreasesPressure:
		return "DECREASES_PRESSURE"
	default:
		return "NO_IMPACT"
	}
}

// ImpactVector 固定维度上的全映射
// 用定长数组实现：零值全部是 NO_IMPACT，且可以直接用 == 做结构化比较
type ImpactVector struct {
	impacts [numDimensions]Impact
}

// NewImpactVector 全部维度 NO_IMPACT
func NewImpactVector() ImpactVector {
	return ImpactVector{}
}

// With 返回修改了指定维度的新向量 (值语义，原向量不变)
func (v ImpactVector) With(impact Impact, dims ...Dimension) ImpactVector {
	for _, d := range dims {
		if d >= 0 && d < numDimensions {
			v.impacts[d] = impact
		}
	}
	return v
}

// IncreasesPressure 标记维度为加压
func (v ImpactVector) IncreasesPressure(dims ...Dimension) ImpactVector {
	return v.With(IncreasesPressure, dims...)
}

// DecreasesPressure 标记维度为减压
func (v ImpactVector) DecreasesPressure(dims ...Dimension) ImpactVector {
	return v.With(DecreasesPressure, dims...)
}

// Get 读取单个维度
func (v ImpactVector) Get(d Dimension) Impact {
	if d < 0 || d >= numDimensions {
		return NoImpact
	}
	return v.impacts[d]
}

// Impacts 以 map 形式返回 (每个维度都有值)
func (v ImpactVector) Impacts() map[Dimension]Impact {
	m := make(map[Dimension]Impact, numDimensions)
	for _, d := range Dimensions {
		m[d] = v.impacts[d]
	}
	return m
}

// Equal 结构化相等
func (v ImpactVector) Equal(other ImpactVector) bool {
	return v == other
}

// IsFlipFlop 判断在 prev 之后应用 curr 是否构成来回翻转
// 只有 "已记录 DECREASES_PRESSURE 之后候选 INCREASES_PRESSURE" 这一种顺序算
func IsFlipFlop(prev, curr ImpactVector) bool {
	for _, d := range Dimensions {
		if prev.impacts[d] == DecreasesPressure && curr.impacts[d] == IncreasesPressure {
			return true
		}
	}
	return false
}
