package coremodel

import "fmt"

// InboxStatus 收件箱条目状态
type InboxStatus string

const (
	InboxPending      InboxStatus = "pending"
	InboxDelivered    InboxStatus = "delivered"
	InboxAcknowledged InboxStatus = "acknowledged"
	InboxFailed       InboxStatus = "failed"
)

// inboxTransitions 合法迁移表：key 为目标状态，value 为允许的来源状态
var inboxTransitions = map[InboxStatus][]InboxStatus{
	InboxDelivered:    {InboxPending},
	InboxFailed:       {InboxPending},
	InboxAcknowledged: {InboxPending, InboxDelivered},
}

// Valid 是否为已知状态
func (s InboxStatus) Valid() bool {
	switch s {
	case InboxPending, InboxDelivered, InboxAcknowledged, InboxFailed:
		return true
	}
	return false
}

// Terminal failed 与 acknowledged 为终态
func (s InboxStatus) Terminal() bool {
	return s == InboxFailed || s == InboxAcknowledged
}

// CanTransition 判断 s -> to 是否合法
func (s InboxStatus) CanTransition(to InboxStatus) bool {
	for _, from := range inboxTransitions[to] {
		if from == s {
			return true
		}
	}
	return false
}

// SourcesFor 返回迁移到 to 允许的来源状态，存储层用于 CAS 条件
func SourcesFor(to InboxStatus) []InboxStatus {
	src := inboxTransitions[to]
	out := make([]InboxStatus, len(src))
	copy(out, src)
	return out
}

// TransitionError 构造非法迁移错误
func TransitionError(entryID int64, from, to InboxStatus) error {
	return fmt.Errorf("%w: inbox entry %d cannot move from %s to %s", ErrInvalidState, entryID, from, to)
}
