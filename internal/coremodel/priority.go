package coremodel

// 投递优先级定义
// 注意: 数值越小=优先级越高（Redis ZPOPMIN / ORDER BY priority ASC）
const (
	// PriorityAlarm 告警消息（pa/pm/service）
	PriorityAlarm = 1

	// PriorityAlert 提醒消息（sensor/panic/...）
	PriorityAlert = 3
)

// Priorities 全部优先级，按服务顺序排列
func Priorities() []int {
	return []int{PriorityAlarm, PriorityAlert}
}

// MessagePriority 根据消息类别返回投递优先级
func MessagePriority(class MessageClass) int {
	if class.IsAlarm() {
		return PriorityAlarm
	}
	return PriorityAlert
}
