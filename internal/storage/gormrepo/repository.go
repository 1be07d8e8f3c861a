package gormrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// Repository 基于 GORM 的 CoreRepo 实现（PostgreSQL + PostGIS）。
// 使用 isTx 标记区分事务上下文，避免嵌套事务重复 Begin/Commit。
type Repository struct {
	db   *gorm.DB
	isTx bool
}

var _ storage.CoreRepo = (*Repository)(nil)

// New 返回一个使用给定 *gorm.DB 的 CoreRepo 实例。
func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// WithTx 复用现有事务或开启新事务执行 fn。
func (r *Repository) WithTx(ctx context.Context, fn func(storage.CoreRepo) error) error {
	if r.isTx {
		return fn(r)
	}

	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return coremodel.Infra("begin tx", tx.Error)
	}

	child := &Repository{db: tx, isTx: true}
	if err := fn(child); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return coremodel.Infra("commit tx", err)
	}
	return nil
}

// mapErr 将 gorm/pg 错误映射到核心错误分类
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", coremodel.ErrNotFound, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%w: %s: %s", coremodel.ErrValidation, op, pgErr.Detail)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%w: %s: %s", coremodel.ErrNotFound, op, pgErr.Detail)
		case "23514", "22P02": // check_violation, invalid_text_representation
			return fmt.Errorf("%w: %s: %s", coremodel.ErrValidation, op, pgErr.Message)
		}
	}
	return coremodel.Infra(op, err)
}

// ---------- 群组 ----------

// CreateGroup 创建群组。
func (r *Repository) CreateGroup(ctx context.Context, g *models.Group) error {
	return mapErr("create group", r.db.WithContext(ctx).Create(g).Error)
}

// GetGroup 按 ID 查询群组。
func (r *Repository) GetGroup(ctx context.Context, id int64) (*models.Group, error) {
	var g models.Group
	if err := r.db.WithContext(ctx).First(&g, id).Error; err != nil {
		return nil, mapErr(fmt.Sprintf("group %d", id), err)
	}
	return &g, nil
}

// CountGroups 群组总数。
func (r *Repository) CountGroups(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Group{}).Count(&n).Error; err != nil {
		return 0, mapErr("count groups", err)
	}
	return n, nil
}

// ---------- 所有者 ----------

// CreateOwner 创建所有者。
func (r *Repository) CreateOwner(ctx context.Context, o *models.Owner) error {
	return mapErr("create owner", r.db.WithContext(ctx).Create(o).Error)
}

// GetOwner 按 ID 查询所有者。
func (r *Repository) GetOwner(ctx context.Context, id int64) (*models.Owner, error) {
	var o models.Owner
	if err := r.db.WithContext(ctx).First(&o, id).Error; err != nil {
		return nil, mapErr(fmt.Sprintf("owner %d", id), err)
	}
	return &o, nil
}

// ListOwnersByIDs 批量查询所有者。
func (r *Repository) ListOwnersByIDs(ctx context.Context, ids []int64) ([]models.Owner, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var owners []models.Owner
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("id ASC").Find(&owners).Error; err != nil {
		return nil, mapErr("list owners", err)
	}
	return owners, nil
}

// ListActiveOwnerDevices 所有者名下 active 设备。
func (r *Repository) ListActiveOwnerDevices(ctx context.Context, ownerID int64) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).
		Where("owner_id = ? AND active", ownerID).
		Order("id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, mapErr("list owner devices", err)
	}
	return devices, nil
}

// ---------- 设备 ----------

// CreateDevice 创建设备。
func (r *Repository) CreateDevice(ctx context.Context, d *models.Device) error {
	return mapErr("create device", r.db.WithContext(ctx).Create(d).Error)
}

// GetDevice 按 ID 查询设备。
func (r *Repository) GetDevice(ctx context.Context, id int64) (*models.Device, error) {
	var d models.Device
	if err := r.db.WithContext(ctx).First(&d, id).Error; err != nil {
		return nil, mapErr(fmt.Sprintf("device %d", id), err)
	}
	return &d, nil
}

// GetDeviceByHID 按硬件 ID 查询设备。
func (r *Repository) GetDeviceByHID(ctx context.Context, hid string) (*models.Device, error) {
	var d models.Device
	if err := r.db.WithContext(ctx).Where("hid = ?", hid).First(&d).Error; err != nil {
		return nil, mapErr(fmt.Sprintf("device %q", hid), err)
	}
	return &d, nil
}

// UpdateDeviceLocation 更新坐标，location 生成列随之刷新。
func (r *Repository) UpdateDeviceLocation(ctx context.Context, deviceID int64, lat, lon float64) error {
	res := r.db.WithContext(ctx).
		Model(&models.Device{}).
		Where("id = ?", deviceID).
		Updates(map[string]interface{}{
			"latitude":   lat,
			"longitude":  lon,
			"updated_at": gorm.Expr("NOW()"),
		})
	if res.Error != nil {
		return mapErr("update device location", res.Error)
	}
	if res.RowsAffected == 0 {
		return coremodel.NotFound("device", deviceID)
	}
	return nil
}

// AddDeviceUser 关联用户；锁定设备行后检查上限。
func (r *Repository) AddDeviceUser(ctx context.Context, deviceID int64, userName string) error {
	return r.WithTx(ctx, func(repo storage.CoreRepo) error {
		tx := repo.(*Repository).db.WithContext(ctx)

		var d models.Device
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&d, deviceID).Error; err != nil {
			return mapErr(fmt.Sprintf("device %d", deviceID), err)
		}

		var exists int64
		if err := tx.Model(&models.DeviceUser{}).
			Where("device_id = ? AND user_name = ?", deviceID, userName).
			Count(&exists).Error; err != nil {
			return mapErr("count device users", err)
		}
		if exists > 0 {
			return nil
		}

		var n int64
		if err := tx.Model(&models.DeviceUser{}).Where("device_id = ?", deviceID).Count(&n).Error; err != nil {
			return mapErr("count device users", err)
		}
		if n >= coremodel.MaxDeviceUsers {
			return fmt.Errorf("%w: device %d already has %d users", coremodel.ErrValidation, deviceID, coremodel.MaxDeviceUsers)
		}
		return mapErr("add device user", tx.Create(&models.DeviceUser{DeviceID: deviceID, UserName: userName}).Error)
	})
}

// ListActiveDevicesInGroup 群组内 active 设备。
func (r *Repository) ListActiveDevicesInGroup(ctx context.Context, groupID int64) ([]models.Device, error) {
	var devices []models.Device
	err := r.db.WithContext(ctx).
		Where("group_id = ? AND active", groupID).
		Order("id ASC").
		Find(&devices).Error
	if err != nil {
		return nil, mapErr("list group devices", err)
	}
	return devices, nil
}

// WithinRadius PostGIS 球面距离查询，meters 为米。
func (r *Repository) WithinRadius(ctx context.Context, groupID int64, lat, lon, meters float64) ([]models.Device, error) {
	const within = `
SELECT id, hid, name, nid, group_id, latitude, longitude, webhook_url, retry_limit, active, owner_id, created_at, updated_at
FROM devices
WHERE group_id = ?
  AND active
  AND location IS NOT NULL
  AND ST_DWithin(location, ST_SetSRID(ST_MakePoint(?, ?), 4326)::geography, ?)
ORDER BY id ASC`
	var devices []models.Device
	if err := r.db.WithContext(ctx).Raw(within, groupID, lon, lat, meters).Scan(&devices).Error; err != nil {
		return nil, mapErr("within radius", err)
	}
	return devices, nil
}

// ---------- 消息 ----------

// CreateMessage 持久化消息。
func (r *Repository) CreateMessage(ctx context.Context, m *models.Message) error {
	return mapErr("create message", r.db.WithContext(ctx).Create(m).Error)
}

// GetMessage 按 ID 查询消息。
func (r *Repository) GetMessage(ctx context.Context, id int64) (*models.Message, error) {
	var m models.Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, mapErr(fmt.Sprintf("message %d", id), err)
	}
	return &m, nil
}

// ---------- 收件箱 ----------

// CreatePendingEntry ON CONFLICT DO NOTHING 插入，冲突时返回已有条目。
func (r *Repository) CreatePendingEntry(ctx context.Context, deviceID, messageID int64) (*models.InboxEntry, bool, error) {
	entry := &models.InboxEntry{
		DeviceID:  deviceID,
		MessageID: messageID,
		Status:    coremodel.InboxPending,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "device_id"}, {Name: "message_id"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return nil, false, mapErr("create inbox entry", res.Error)
	}
	if res.RowsAffected > 0 {
		return entry, true, nil
	}

	var existing models.InboxEntry
	err := r.db.WithContext(ctx).
		Where("device_id = ? AND message_id = ?", deviceID, messageID).
		First(&existing).Error
	if err != nil {
		return nil, false, mapErr("load inbox entry", err)
	}
	return &existing, false, nil
}

// GetEntry 按 ID 查询条目。
func (r *Repository) GetEntry(ctx context.Context, id int64) (*models.InboxEntry, error) {
	var e models.InboxEntry
	if err := r.db.WithContext(ctx).First(&e, id).Error; err != nil {
		return nil, mapErr(fmt.Sprintf("inbox entry %d", id), err)
	}
	return &e, nil
}

// ListEntries 按 created_at 升序返回设备收件箱。
func (r *Repository) ListEntries(ctx context.Context, deviceID int64, f storage.InboxFilter) ([]models.InboxItem, error) {
	statuses := []coremodel.InboxStatus{coremodel.InboxPending}
	if f.IncludeDelivered {
		statuses = append(statuses, coremodel.InboxDelivered)
	}

	q := r.db.WithContext(ctx).
		Model(&models.InboxEntry{}).
		Select("device_inbox.*").
		Joins("JOIN messages m ON m.id = device_inbox.message_id").
		Where("device_inbox.device_id = ? AND device_inbox.status IN ?", deviceID, statuses)
	if f.NID != nil {
		q = q.Where("m.nid = ?", *f.NID)
	}
	if f.User != nil {
		q = q.Where("m.user_tag = ?", *f.User)
	}
	q = q.Order("device_inbox.created_at ASC, device_inbox.id ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var entries []models.InboxEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, mapErr("list inbox", err)
	}

	msgs, hids, err := r.loadMessages(ctx, entries)
	if err != nil {
		return nil, err
	}
	items := make([]models.InboxItem, 0, len(entries))
	for _, e := range entries {
		m := msgs[e.MessageID]
		items = append(items, models.InboxItem{Entry: e, Message: m, SourceHID: hids[m.SourceDeviceID]})
	}
	return items, nil
}

// loadMessages 批量加载条目对应的消息与来源设备 HID
func (r *Repository) loadMessages(ctx context.Context, entries []models.InboxEntry) (map[int64]models.Message, map[int64]string, error) {
	msgs := make(map[int64]models.Message, len(entries))
	hids := make(map[int64]string)
	if len(entries) == 0 {
		return msgs, hids, nil
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.MessageID)
	}
	var list []models.Message
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&list).Error; err != nil {
		return nil, nil, mapErr("load messages", err)
	}

	srcIDs := make([]int64, 0, len(list))
	for _, m := range list {
		msgs[m.ID] = m
		srcIDs = append(srcIDs, m.SourceDeviceID)
	}
	var sources []models.Device
	if err := r.db.WithContext(ctx).Select("id", "hid").Where("id IN ?", srcIDs).Find(&sources).Error; err != nil {
		return nil, nil, mapErr("load source devices", err)
	}
	for _, d := range sources {
		hids[d.ID] = d.HID
	}
	return msgs, hids, nil
}

// TransitionEntry 条件更新：WHERE id = ? AND status IN (from)。
func (r *Repository) TransitionEntry(ctx context.Context, id int64, from []coremodel.InboxStatus, to coremodel.InboxStatus, at time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": at,
	}
	switch to {
	case coremodel.InboxDelivered:
		updates["delivered_at"] = at
	case coremodel.InboxAcknowledged:
		updates["acknowledged_at"] = at
	}

	res := r.db.WithContext(ctx).
		Model(&models.InboxEntry{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, mapErr("transition inbox entry", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// IncrementAttempts 仅对 pending 条目累加尝试次数。
func (r *Repository) IncrementAttempts(ctx context.Context, id int64, lastError string) (int, bool, error) {
	const incr = `
UPDATE device_inbox
SET delivery_attempts = delivery_attempts + 1,
    last_error        = NULLIF(?, ''),
    updated_at        = NOW()
WHERE id = ? AND status = 'pending'
RETURNING delivery_attempts`
	var rows []struct {
		DeliveryAttempts int
	}
	if err := r.db.WithContext(ctx).Raw(incr, lastError, id).Scan(&rows).Error; err != nil {
		return 0, false, mapErr("increment attempts", err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[0].DeliveryAttempts, true, nil
}

// UpsertReceipt 写入已读回执，首次阅读时间保持不变。
func (r *Repository) UpsertReceipt(ctx context.Context, messageID, deviceID int64, at time.Time) error {
	receipt := &models.MessageReceipt{
		MessageID:  messageID,
		DeviceID:   deviceID,
		Read:       true,
		LastReadAt: &at,
		AckStatus:  "YES",
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "message_id"}, {Name: "device_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"read":         true,
				"last_read_at": gorm.Expr("COALESCE(message_receipts.last_read_at, excluded.last_read_at)"),
				"ack_status":   "YES",
				"updated_at":   gorm.Expr("NOW()"),
			}),
		}).
		Create(receipt).Error
	return mapErr("upsert receipt", err)
}

// ListStalePending 早于 before 且设备配置了 webhook 的 pending 条目，从 afterID 之后按 ID 翻页。
func (r *Repository) ListStalePending(ctx context.Context, before time.Time, afterID int64, limit int) ([]storage.DeliveryCandidate, error) {
	q := r.db.WithContext(ctx).
		Model(&models.InboxEntry{}).
		Select("device_inbox.*").
		Joins("JOIN devices d ON d.id = device_inbox.device_id").
		Where("device_inbox.status = ? AND device_inbox.created_at < ?", coremodel.InboxPending, before).
		Where("d.webhook_url IS NOT NULL AND d.webhook_url <> ''").
		Where("device_inbox.id > ?", afterID).
		Order("device_inbox.id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []models.InboxEntry
	if err := q.Find(&entries).Error; err != nil {
		return nil, mapErr("list stale pending", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	msgs, hids, err := r.loadMessages(ctx, entries)
	if err != nil {
		return nil, err
	}
	deviceIDs := make([]int64, 0, len(entries))
	for _, e := range entries {
		deviceIDs = append(deviceIDs, e.DeviceID)
	}
	var devices []models.Device
	if err := r.db.WithContext(ctx).Where("id IN ?", deviceIDs).Find(&devices).Error; err != nil {
		return nil, mapErr("load target devices", err)
	}
	byID := make(map[int64]models.Device, len(devices))
	for _, d := range devices {
		byID[d.ID] = d
	}

	out := make([]storage.DeliveryCandidate, 0, len(entries))
	for _, e := range entries {
		m := msgs[e.MessageID]
		out = append(out, storage.DeliveryCandidate{
			Entry:     e,
			Device:    byID[e.DeviceID],
			Message:   m,
			SourceHID: hids[m.SourceDeviceID],
		})
	}
	return out, nil
}
