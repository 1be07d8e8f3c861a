package storage

import (
	"context"
	"time"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// InboxFilter 收件箱轮询过滤条件
type InboxFilter struct {
	// NID 规范化后的消息 NID，为空不过滤
	NID *string
	// User 消息用户标签，为空不过滤
	User *string
	// IncludeDelivered 同时返回已投递但未确认的条目
	IncludeDelivered bool
	// Limit <=0 表示不限制
	Limit int
}

// DeliveryCandidate 对账扫描结果：待投递条目及其优先级
type DeliveryCandidate struct {
	Entry     models.InboxEntry
	Device    models.Device
	Message   models.Message
	SourceHID string
}

// CoreRepo 面向路由与投递核心的存储抽象。
// 约束：
// - 上层不直接写 SQL，统一通过本接口访问
// - 实现需要提供事务封装 WithTx，保证路由路径原子性
// - 查询不到返回 coremodel.ErrNotFound，连接类错误返回 coremodel.ErrInfrastructure
type CoreRepo interface {
	// ---------- 事务 ----------
	// WithTx 在单个事务中执行 fn，fn 内使用 repo 执行的所有读写都在同一事务中。
	// 嵌套调用复用当前事务。
	WithTx(ctx context.Context, fn func(repo CoreRepo) error) error

	// ---------- 群组 ----------
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id int64) (*models.Group, error)
	CountGroups(ctx context.Context) (int64, error)

	// ---------- 所有者 ----------
	CreateOwner(ctx context.Context, o *models.Owner) error
	GetOwner(ctx context.Context, id int64) (*models.Owner, error)
	// ListOwnersByIDs 按 ID 升序返回存在的所有者，不存在的 ID 忽略
	ListOwnersByIDs(ctx context.Context, ids []int64) ([]models.Owner, error)
	// ListActiveOwnerDevices 所有者名下全部 active 设备
	ListActiveOwnerDevices(ctx context.Context, ownerID int64) ([]models.Device, error)

	// ---------- 设备 ----------
	// CreateDevice 创建设备，NID 由调用方预先规范化
	CreateDevice(ctx context.Context, d *models.Device) error
	GetDevice(ctx context.Context, id int64) (*models.Device, error)
	GetDeviceByHID(ctx context.Context, hid string) (*models.Device, error)
	// UpdateDeviceLocation 更新坐标
	UpdateDeviceLocation(ctx context.Context, deviceID int64, lat, lon float64) error
	// AddDeviceUser 关联用户；已关联为 no-op，超过上限返回 ErrValidation
	AddDeviceUser(ctx context.Context, deviceID int64, userName string) error
	// ListActiveDevicesInGroup 群组内全部 active 设备
	ListActiveDevicesInGroup(ctx context.Context, groupID int64) ([]models.Device, error)
	// WithinRadius 群组内与原点距离不超过 meters 的 active 设备；无坐标设备不返回
	WithinRadius(ctx context.Context, groupID int64, lat, lon, meters float64) ([]models.Device, error)

	// ---------- 消息 ----------
	CreateMessage(ctx context.Context, m *models.Message) error
	GetMessage(ctx context.Context, id int64) (*models.Message, error)

	// ---------- 收件箱 ----------
	// CreatePendingEntry 插入 pending 条目；(device, message) 已存在时返回现有条目且 created=false
	CreatePendingEntry(ctx context.Context, deviceID, messageID int64) (entry *models.InboxEntry, created bool, err error)
	GetEntry(ctx context.Context, id int64) (*models.InboxEntry, error)
	// ListEntries 按 created_at 升序返回设备条目（pending，可选 delivered）
	ListEntries(ctx context.Context, deviceID int64, f InboxFilter) ([]models.InboxItem, error)
	// TransitionEntry CAS 状态迁移：仅当当前状态属于 from 时更新为 to，返回是否更新
	TransitionEntry(ctx context.Context, id int64, from []coremodel.InboxStatus, to coremodel.InboxStatus, at time.Time) (bool, error)
	// IncrementAttempts 仅对 pending 条目累加尝试次数并记录错误，返回累加后的次数；ok=false 表示条目已不是 pending
	IncrementAttempts(ctx context.Context, id int64, lastError string) (attempts int, ok bool, err error)
	// UpsertReceipt 写入已读回执
	UpsertReceipt(ctx context.Context, messageID, deviceID int64, at time.Time) error
	// ListStalePending 早于 before 且 ID 大于 afterID 的 pending 条目（设备需配置 webhook），
	// 按 ID 升序，用于对账分页扫描
	ListStalePending(ctx context.Context, before time.Time, afterID int64, limit int) ([]DeliveryCandidate, error)
}
