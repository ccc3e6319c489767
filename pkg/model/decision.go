package model

// Decision 一个 decider 在一次评估中给出的有序动作列表
type Decision struct {
	Decider string
	Actions []Action
}

// NewDecision 创建空决策
func NewDecision(decider string) *Decision {
	return &Decision{Decider: decider}
}

// IsEmpty 没有动作
func (d *Decision) IsEmpty() bool {
	return d == nil || len(d.Actions) == 0
}

// With 返回追加了动作的新决策
func (d *Decision) With(actions ...Action) *Decision {
	out := &Decision{Decider: d.Decider}
	out.Actions = make([]Action, 0, len(d.Actions)+len(actions))
	out.Actions = append(out.Actions, d.Actions...)
	out.Actions = append(out.Actions, actions...)
	return out
}
