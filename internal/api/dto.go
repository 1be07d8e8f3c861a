package api

import (
	"time"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// CreateMessageRequest 设备上报消息
type CreateMessageRequest struct {
	Type      string `json:"type" binding:"required" example:"alert"`
	AlertType string `json:"alert_type,omitempty" example:"sensor"`
	AlarmType string `json:"alarm_type,omitempty"`
	// Payload 任意 JSON 对象；position.latitude/longitude 会更新来源设备位置
	Payload map[string]any `json:"payload" swaggertype:"object"`
	// NID 字符串或非负整数
	NID  any    `json:"nid,omitempty" swaggertype:"string" example:"0x1F"`
	User string `json:"user,omitempty"`
}

// CreateMessageResponse 上报结果
type CreateMessageResponse struct {
	MessageID        int64    `json:"message_id"`
	Status           string   `json:"status" example:"routed"`
	TargetDevices    int      `json:"target_devices"`
	InboxEntries     []int64  `json:"inbox_entries"`
	TargetDeviceHIDs []string `json:"target_device_hids,omitempty"`
	Skipped          int      `json:"skipped,omitempty"`
	Enqueued         int      `json:"enqueued"`
	MessageType      string   `json:"message_type"`
	SourceDevice     string   `json:"source_device"`
	Warning          string   `json:"warning,omitempty"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	// 路由失败时仍返回已创建的消息
	MessageID *int64 `json:"message_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

// InboxEntryView 收件箱条目
type InboxEntryView struct {
	ID               int64                     `json:"id"`
	MessageID        int64                     `json:"message_id"`
	Status           coremodel.InboxStatus     `json:"status"`
	DeliveryAttempts int                       `json:"delivery_attempts"`
	LastError        *string                   `json:"last_error,omitempty"`
	CreatedAt        time.Time                 `json:"created_at"`
	DeliveredAt      *time.Time                `json:"delivered_at,omitempty"`
	AcknowledgedAt   *time.Time                `json:"acknowledged_at,omitempty"`
	Message          *coremodel.WebhookEnvelope `json:"message,omitempty"`
}

// InboxResponse 轮询结果
type InboxResponse struct {
	DeviceHID string           `json:"device_hid"`
	Count     int              `json:"count"`
	Entries   []InboxEntryView `json:"entries"`
}

// NetworkDeviceView 网络范围内的设备
type NetworkDeviceView struct {
	HID       string   `json:"hid"`
	Name      *string  `json:"name,omitempty"`
	NID       *string  `json:"nid,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Webhook   bool     `json:"webhook"`
}

// NetworkResponse 网络范围预览
type NetworkResponse struct {
	DeviceHID string              `json:"device_hid"`
	GroupID   int64               `json:"group_id"`
	Count     int                 `json:"count"`
	Devices   []NetworkDeviceView `json:"devices"`
}

// OwnerView 所有者摘要
type OwnerView struct {
	ID       int64    `json:"id"`
	Name     string   `json:"name"`
	RadiusKm *float64 `json:"radius_km,omitempty"`
}

// NetworkOwnersResponse 所有者网络范围预览
type NetworkOwnersResponse struct {
	OwnerID int64       `json:"owner_id"`
	Count   int         `json:"count"`
	Owners  []OwnerView `json:"owners"`
}

// DeliveryStatsResponse 投递队列深度
type DeliveryStatsResponse struct {
	Ready    map[string]int64 `json:"ready"`
	InFlight int64            `json:"in_flight"`
	Overdue  int64            `json:"overdue"`
	Total    int64            `json:"total"`
}

func entryView(e models.InboxEntry, env *coremodel.WebhookEnvelope) InboxEntryView {
	return InboxEntryView{
		ID:               e.ID,
		MessageID:        e.MessageID,
		Status:           e.Status,
		DeliveryAttempts: e.DeliveryAttempts,
		LastError:        e.LastError,
		CreatedAt:        e.CreatedAt,
		DeliveredAt:      e.DeliveredAt,
		AcknowledgedAt:   e.AcknowledgedAt,
		Message:          env,
	}
}

func networkView(d models.Device) NetworkDeviceView {
	return NetworkDeviceView{
		HID:       d.HID,
		Name:      d.Name,
		NID:       d.NID,
		Latitude:  d.Latitude,
		Longitude: d.Longitude,
		Webhook:   d.HasWebhook(),
	}
}
