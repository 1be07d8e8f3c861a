package models

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/taoyao-code/iot-router/internal/coremodel"
)

// 注意：
// - 保持与 db/migrations/*_up.sql 完全对齐
// - 不使用 gorm.Model，显式声明每个字段，避免隐式 DeletedAt
// - devices.location 为 PostGIS 生成列，由 latitude/longitude 派生，模型中不映射

// Group 映射 groups 表
type Group struct {
	ID   int64               `gorm:"column:id;primaryKey;autoIncrement"`
	Name string              `gorm:"column:name;type:text;not null;uniqueIndex"`
	Type coremodel.GroupType `gorm:"column:group_type;type:text;not null"`
	// 群组信息性 NID（规范化存储），不参与路由
	NID *string `gorm:"column:nid;type:text"`
	// 半径（公里），距离类群组必填
	RadiusKm    *float64  `gorm:"column:radius_km"`
	Description *string   `gorm:"column:description;type:text"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Group) TableName() string { return "groups" }

// RadiusMeters 半径换算为米；未配置返回 ok=false
func (g *Group) RadiusMeters() (float64, bool) {
	if g.RadiusKm == nil || *g.RadiusKm <= 0 {
		return 0, false
	}
	return *g.RadiusKm * 1000, true
}

// Owner 映射 owners 表（设备所有者）
type Owner struct {
	ID    int64   `gorm:"column:id;primaryKey;autoIncrement"`
	Name  string  `gorm:"column:name;type:text;not null"`
	Email *string `gorm:"column:email;type:text;uniqueIndex"`
	// 所有者级路由半径（公里），设置后优先于群组半径
	RadiusKm  *float64  `gorm:"column:radius_km"`
	Active    bool      `gorm:"column:active;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Owner) TableName() string { return "owners" }

// RadiusMeters 所有者半径换算为米；未配置返回 ok=false
func (o *Owner) RadiusMeters() (float64, bool) {
	if o.RadiusKm == nil || *o.RadiusKm <= 0 {
		return 0, false
	}
	return *o.RadiusKm * 1000, true
}

// Device 映射 devices 表
type Device struct {
	ID int64 `gorm:"column:id;primaryKey;autoIncrement"`
	// 硬件唯一标识
	HID  string  `gorm:"column:hid;type:text;not null;uniqueIndex"`
	Name *string `gorm:"column:name;type:text"`
	// 规范化 NID，可空
	NID     *string `gorm:"column:nid;type:text"`
	GroupID int64   `gorm:"column:group_id;not null;index"`
	// 坐标（WGS84），二者同时为空或同时非空
	Latitude   *float64 `gorm:"column:latitude"`
	Longitude  *float64 `gorm:"column:longitude"`
	WebhookURL *string  `gorm:"column:webhook_url;type:text"`
	// RetryLimit 与 Active 不声明 gorm default，零值（0 / false）按原值写入
	RetryLimit int      `gorm:"column:retry_limit;not null"`
	Active     bool     `gorm:"column:active;not null"`
	OwnerID    *int64   `gorm:"column:owner_id"`
	// 审计字段
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Device) TableName() string { return "devices" }

// HasLocation 设备是否有已知坐标
func (d *Device) HasLocation() bool {
	return d.Latitude != nil && d.Longitude != nil
}

// HasWebhook 设备是否配置了 webhook
func (d *Device) HasWebhook() bool {
	return d.WebhookURL != nil && *d.WebhookURL != ""
}

// EffectiveRetryLimit 至少尝试一次投递
func (d *Device) EffectiveRetryLimit() int {
	if d.RetryLimit < 1 {
		return 1
	}
	return d.RetryLimit
}

// DeviceUser 映射 device_users 表（设备关联用户，上限 coremodel.MaxDeviceUsers）
type DeviceUser struct {
	DeviceID  int64     `gorm:"column:device_id;primaryKey"`
	UserName  string    `gorm:"column:user_name;type:text;primaryKey"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (DeviceUser) TableName() string { return "device_users" }

// Message 映射 messages 表；创建后不可变
type Message struct {
	ID             int64                  `gorm:"column:id;primaryKey;autoIncrement"`
	SourceDeviceID int64                  `gorm:"column:source_device_id;not null;index"`
	Class          coremodel.MessageClass `gorm:"column:type;type:text;not null"`
	Subtype        string                 `gorm:"column:subtype;type:text;not null"`
	Payload        datatypes.JSON         `gorm:"column:payload;type:jsonb;not null"`
	// 消息携带的规范化 NID
	NID       *string   `gorm:"column:nid;type:text"`
	User      *string   `gorm:"column:user_tag;type:text"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Message) TableName() string { return "messages" }

// Envelope 构造 webhook 报文，子类型写入 alert_type 或 alarm_type
func (m *Message) Envelope(sourceHID string) coremodel.WebhookEnvelope {
	env := coremodel.WebhookEnvelope{
		MessageID:       m.ID,
		Type:            m.Class,
		Payload:         json.RawMessage(m.Payload),
		Timestamp:       m.CreatedAt.UTC().Format(time.RFC3339),
		SourceDeviceHID: sourceHID,
		User:            m.User,
	}
	if len(env.Payload) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	sub := m.Subtype
	if m.Class == coremodel.ClassAlarm {
		env.AlarmType = &sub
	} else {
		env.AlertType = &sub
	}
	return env
}

// InboxEntry 映射 device_inbox 表，(device_id, message_id) 唯一
type InboxEntry struct {
	ID               int64                 `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID         int64                 `gorm:"column:device_id;not null;uniqueIndex:uq_inbox_device_message,priority:1"`
	MessageID        int64                 `gorm:"column:message_id;not null;uniqueIndex:uq_inbox_device_message,priority:2"`
	Status           coremodel.InboxStatus `gorm:"column:status;type:text;not null;default:pending"`
	DeliveryAttempts int                   `gorm:"column:delivery_attempts;not null;default:0"`
	LastError        *string               `gorm:"column:last_error;type:text"`
	CreatedAt        time.Time             `gorm:"column:created_at;autoCreateTime"`
	DeliveredAt      *time.Time            `gorm:"column:delivered_at"`
	AcknowledgedAt   *time.Time            `gorm:"column:acknowledged_at"`
	UpdatedAt        time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

func (InboxEntry) TableName() string { return "device_inbox" }

// InboxItem 轮询结果：条目 + 消息 + 来源设备 HID
type InboxItem struct {
	Entry     InboxEntry
	Message   Message
	SourceHID string
}

// MessageReceipt 映射 message_receipts 表：设备确认后的已读回执
type MessageReceipt struct {
	MessageID  int64      `gorm:"column:message_id;primaryKey"`
	DeviceID   int64      `gorm:"column:device_id;primaryKey"`
	Read       bool       `gorm:"column:read;not null;default:false"`
	LastReadAt *time.Time `gorm:"column:last_read_at"`
	AckStatus  string     `gorm:"column:ack_status;type:text;not null;default:PENDING"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (MessageReceipt) TableName() string { return "message_receipts" }
