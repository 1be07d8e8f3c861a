package coremodel

import (
	"encoding/json"
	"strconv"
	"time"
)

// DeliveryTask 持久化投递任务；ID 即收件箱条目 ID，入队幂等
type DeliveryTask struct {
	ID         string          `json:"id"`
	EntryID    int64           `json:"entry_id"`
	DeviceID   int64           `json:"device_id"`
	Priority   int             `json:"priority"`
	Envelope   WebhookEnvelope `json:"envelope"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// TaskID 由条目 ID 生成任务 ID
func TaskID(entryID int64) string {
	return strconv.FormatInt(entryID, 10)
}

// NewDeliveryTask 构造投递任务，优先级由消息类别决定
func NewDeliveryTask(entryID, deviceID int64, class MessageClass, env WebhookEnvelope, now time.Time) DeliveryTask {
	return DeliveryTask{
		ID:         TaskID(entryID),
		EntryID:    entryID,
		DeviceID:   deviceID,
		Priority:   MessagePriority(class),
		Envelope:   env,
		EnqueuedAt: now,
	}
}

// WebhookEnvelope Webhook POST 报文
type WebhookEnvelope struct {
	MessageID       int64           `json:"message_id"`
	Type            MessageClass    `json:"type"`
	AlertType       *string         `json:"alert_type,omitempty"`
	AlarmType       *string         `json:"alarm_type,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       string          `json:"timestamp"`
	SourceDeviceHID string          `json:"source_device_hid"`
	User            *string         `json:"user"`
}

// QueueStats 队列深度快照
type QueueStats struct {
	// Ready 各优先级就绪（含延迟）任务数
	Ready    map[int]int64 `json:"ready"`
	InFlight int64         `json:"in_flight"`
	// Overdue 已到期但尚未被取走的任务数，持续偏高说明 worker 跟不上
	Overdue int64      `json:"overdue"`
	Pool    *PoolUsage `json:"pool,omitempty"`
}

// PoolUsage 队列后端连接池占用
type PoolUsage struct {
	InUse    int64 `json:"in_use"`
	Idle     int64 `json:"idle"`
	Max      int64 `json:"max"`
	Timeouts int64 `json:"timeouts"`
}

// Saturated 连接全部被占用
func (p *PoolUsage) Saturated() bool {
	return p != nil && p.Max > 0 && p.InUse >= p.Max
}

// Total 任务总数
func (s QueueStats) Total() int64 {
	n := s.InFlight
	for _, v := range s.Ready {
		n += v
	}
	return n
}
