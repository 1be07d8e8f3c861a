// Package memory 提供进程内 CoreRepo 实现，用于单元测试与本地调试。
// 距离查询使用 haversine 公式，与 PostGIS geography 的球面距离足够接近。
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

const earthRadiusMeters = 6371008.8

type tables struct {
	owners   map[int64]models.Owner
	groups   map[int64]models.Group
	devices  map[int64]models.Device
	users    map[int64][]string
	messages map[int64]models.Message
	entries  map[int64]models.InboxEntry
	receipts map[[2]int64]models.MessageReceipt
	seq      int64
}

func (t *tables) clone() *tables {
	c := &tables{
		owners:   make(map[int64]models.Owner, len(t.owners)),
		groups:   make(map[int64]models.Group, len(t.groups)),
		devices:  make(map[int64]models.Device, len(t.devices)),
		users:    make(map[int64][]string, len(t.users)),
		messages: make(map[int64]models.Message, len(t.messages)),
		entries:  make(map[int64]models.InboxEntry, len(t.entries)),
		receipts: make(map[[2]int64]models.MessageReceipt, len(t.receipts)),
		seq:      t.seq,
	}
	for k, v := range t.owners {
		c.owners[k] = v
	}
	for k, v := range t.groups {
		c.groups[k] = v
	}
	for k, v := range t.devices {
		c.devices[k] = v
	}
	for k, v := range t.users {
		c.users[k] = append([]string(nil), v...)
	}
	for k, v := range t.messages {
		c.messages[k] = v
	}
	for k, v := range t.entries {
		c.entries[k] = v
	}
	for k, v := range t.receipts {
		c.receipts[k] = v
	}
	return c
}

type db struct {
	// txMu 串行化写事务；mu 保护 data
	txMu sync.Mutex
	mu   sync.Mutex
	data *tables
	fail func(op string) error
	now  func() time.Time
}

// Store 内存存储
type Store struct {
	db   *db
	inTx bool
}

var _ storage.CoreRepo = (*Store)(nil)

// New 创建空的内存存储
func New() *Store {
	return &Store{db: &db{
		data: &tables{
			owners:   map[int64]models.Owner{},
			groups:   map[int64]models.Group{},
			devices:  map[int64]models.Device{},
			users:    map[int64][]string{},
			messages: map[int64]models.Message{},
			entries:  map[int64]models.InboxEntry{},
			receipts: map[[2]int64]models.MessageReceipt{},
		},
		now: time.Now,
	}}
}

// SetFailure 注入故障：fn 对操作名返回非 nil 时该操作以基础设施错误失败
func (s *Store) SetFailure(fn func(op string) error) {
	s.db.mu.Lock()
	s.db.fail = fn
	s.db.mu.Unlock()
}

// SetClock 替换时间源
func (s *Store) SetClock(now func() time.Time) {
	s.db.mu.Lock()
	s.db.now = now
	s.db.mu.Unlock()
}

// lock 获取数据锁并检查故障注入；写操作在事务外时同时串行化在 txMu 上
func (s *Store) lock(op string, write bool) (func(), error) {
	if write && !s.inTx {
		s.db.txMu.Lock()
	}
	s.db.mu.Lock()
	unlock := func() {
		s.db.mu.Unlock()
		if write && !s.inTx {
			s.db.txMu.Unlock()
		}
	}
	if s.db.fail != nil {
		if err := s.db.fail(op); err != nil {
			unlock()
			return nil, coremodel.Infra(op, err)
		}
	}
	return unlock, nil
}

func (s *Store) nextID() int64 {
	s.db.data.seq++
	return s.db.data.seq
}

// WithTx 快照-回滚式事务；嵌套调用复用当前事务
func (s *Store) WithTx(ctx context.Context, fn func(repo storage.CoreRepo) error) error {
	if s.inTx {
		return fn(s)
	}
	if err := ctx.Err(); err != nil {
		return coremodel.Infra("begin tx", err)
	}
	s.db.txMu.Lock()
	defer s.db.txMu.Unlock()

	s.db.mu.Lock()
	snapshot := s.db.data.clone()
	s.db.mu.Unlock()

	if err := fn(&Store{db: s.db, inTx: true}); err != nil {
		s.db.mu.Lock()
		s.db.data = snapshot
		s.db.mu.Unlock()
		return err
	}
	return nil
}

// ---------- 群组 ----------

func (s *Store) CreateGroup(_ context.Context, g *models.Group) error {
	unlock, err := s.lock("create_group", true)
	if err != nil {
		return err
	}
	defer unlock()
	for _, existing := range s.db.data.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("%w: group name %q already exists", coremodel.ErrValidation, g.Name)
		}
	}
	g.ID = s.nextID()
	g.CreatedAt = s.db.now()
	s.db.data.groups[g.ID] = *g
	return nil
}

func (s *Store) GetGroup(_ context.Context, id int64) (*models.Group, error) {
	unlock, err := s.lock("get_group", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	g, ok := s.db.data.groups[id]
	if !ok {
		return nil, coremodel.NotFound("group", id)
	}
	return &g, nil
}

func (s *Store) CountGroups(_ context.Context) (int64, error) {
	unlock, err := s.lock("count_groups", false)
	if err != nil {
		return 0, err
	}
	defer unlock()
	return int64(len(s.db.data.groups)), nil
}

// ---------- 所有者 ----------

func (s *Store) CreateOwner(_ context.Context, o *models.Owner) error {
	unlock, err := s.lock("create_owner", true)
	if err != nil {
		return err
	}
	defer unlock()
	if o.Email != nil {
		for _, existing := range s.db.data.owners {
			if existing.Email != nil && *existing.Email == *o.Email {
				return fmt.Errorf("%w: owner email %q already exists", coremodel.ErrValidation, *o.Email)
			}
		}
	}
	o.ID = s.nextID()
	now := s.db.now()
	o.CreatedAt, o.UpdatedAt = now, now
	s.db.data.owners[o.ID] = *o
	return nil
}

func (s *Store) GetOwner(_ context.Context, id int64) (*models.Owner, error) {
	unlock, err := s.lock("get_owner", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	o, ok := s.db.data.owners[id]
	if !ok {
		return nil, coremodel.NotFound("owner", id)
	}
	return &o, nil
}

func (s *Store) ListOwnersByIDs(_ context.Context, ids []int64) ([]models.Owner, error) {
	unlock, err := s.lock("list_owners", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]models.Owner, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if o, ok := s.db.data.owners[id]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListActiveOwnerDevices(_ context.Context, ownerID int64) ([]models.Device, error) {
	unlock, err := s.lock("list_owner_devices", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]models.Device, 0)
	for _, d := range s.db.data.devices {
		if d.OwnerID != nil && *d.OwnerID == ownerID && d.Active {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

// ---------- 设备 ----------

func (s *Store) CreateDevice(_ context.Context, d *models.Device) error {
	unlock, err := s.lock("create_device", true)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := s.db.data.groups[d.GroupID]; !ok {
		return coremodel.NotFound("group", d.GroupID)
	}
	if d.OwnerID != nil {
		if _, ok := s.db.data.owners[*d.OwnerID]; !ok {
			return coremodel.NotFound("owner", *d.OwnerID)
		}
	}
	for _, existing := range s.db.data.devices {
		if existing.HID == d.HID {
			return fmt.Errorf("%w: device hid %q already exists", coremodel.ErrValidation, d.HID)
		}
	}
	d.ID = s.nextID()
	now := s.db.now()
	d.CreatedAt, d.UpdatedAt = now, now
	s.db.data.devices[d.ID] = *d
	return nil
}

func (s *Store) GetDevice(_ context.Context, id int64) (*models.Device, error) {
	unlock, err := s.lock("get_device", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	d, ok := s.db.data.devices[id]
	if !ok {
		return nil, coremodel.NotFound("device", id)
	}
	return &d, nil
}

func (s *Store) GetDeviceByHID(_ context.Context, hid string) (*models.Device, error) {
	unlock, err := s.lock("get_device_by_hid", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, d := range s.db.data.devices {
		if d.HID == hid {
			return &d, nil
		}
	}
	return nil, coremodel.NotFound("device", hid)
}

func (s *Store) UpdateDeviceLocation(_ context.Context, deviceID int64, lat, lon float64) error {
	unlock, err := s.lock("update_device_location", true)
	if err != nil {
		return err
	}
	defer unlock()
	d, ok := s.db.data.devices[deviceID]
	if !ok {
		return coremodel.NotFound("device", deviceID)
	}
	d.Latitude, d.Longitude = &lat, &lon
	d.UpdatedAt = s.db.now()
	s.db.data.devices[deviceID] = d
	return nil
}

func (s *Store) AddDeviceUser(_ context.Context, deviceID int64, userName string) error {
	unlock, err := s.lock("add_device_user", true)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := s.db.data.devices[deviceID]; !ok {
		return coremodel.NotFound("device", deviceID)
	}
	users := s.db.data.users[deviceID]
	for _, u := range users {
		if u == userName {
			return nil
		}
	}
	if len(users) >= coremodel.MaxDeviceUsers {
		return fmt.Errorf("%w: device %d already has %d users", coremodel.ErrValidation, deviceID, coremodel.MaxDeviceUsers)
	}
	s.db.data.users[deviceID] = append(users, userName)
	return nil
}

func (s *Store) ListActiveDevicesInGroup(_ context.Context, groupID int64) ([]models.Device, error) {
	unlock, err := s.lock("list_group_devices", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]models.Device, 0)
	for _, d := range s.db.data.devices {
		if d.GroupID == groupID && d.Active {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

func (s *Store) WithinRadius(_ context.Context, groupID int64, lat, lon, meters float64) ([]models.Device, error) {
	unlock, err := s.lock("within_radius", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]models.Device, 0)
	for _, d := range s.db.data.devices {
		if d.GroupID != groupID || !d.Active || !d.HasLocation() {
			continue
		}
		if Haversine(lat, lon, *d.Latitude, *d.Longitude) <= meters {
			out = append(out, d)
		}
	}
	sortDevices(out)
	return out, nil
}

// ---------- 消息 ----------

func (s *Store) CreateMessage(_ context.Context, m *models.Message) error {
	unlock, err := s.lock("create_message", true)
	if err != nil {
		return err
	}
	defer unlock()
	if _, ok := s.db.data.devices[m.SourceDeviceID]; !ok {
		return coremodel.NotFound("device", m.SourceDeviceID)
	}
	m.ID = s.nextID()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.db.now()
	}
	s.db.data.messages[m.ID] = *m
	return nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (*models.Message, error) {
	unlock, err := s.lock("get_message", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	m, ok := s.db.data.messages[id]
	if !ok {
		return nil, coremodel.NotFound("message", id)
	}
	return &m, nil
}

// ---------- 收件箱 ----------

func (s *Store) CreatePendingEntry(_ context.Context, deviceID, messageID int64) (*models.InboxEntry, bool, error) {
	unlock, err := s.lock("create_pending_entry", true)
	if err != nil {
		return nil, false, err
	}
	defer unlock()
	if _, ok := s.db.data.devices[deviceID]; !ok {
		return nil, false, coremodel.NotFound("device", deviceID)
	}
	if _, ok := s.db.data.messages[messageID]; !ok {
		return nil, false, coremodel.NotFound("message", messageID)
	}
	for _, e := range s.db.data.entries {
		if e.DeviceID == deviceID && e.MessageID == messageID {
			return &e, false, nil
		}
	}
	now := s.db.now()
	e := models.InboxEntry{
		ID:        s.nextID(),
		DeviceID:  deviceID,
		MessageID: messageID,
		Status:    coremodel.InboxPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.db.data.entries[e.ID] = e
	return &e, true, nil
}

func (s *Store) GetEntry(_ context.Context, id int64) (*models.InboxEntry, error) {
	unlock, err := s.lock("get_entry", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	e, ok := s.db.data.entries[id]
	if !ok {
		return nil, coremodel.NotFound("inbox entry", id)
	}
	return &e, nil
}

func (s *Store) ListEntries(_ context.Context, deviceID int64, f storage.InboxFilter) ([]models.InboxItem, error) {
	unlock, err := s.lock("list_entries", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]models.InboxItem, 0)
	for _, e := range s.db.data.entries {
		if e.DeviceID != deviceID {
			continue
		}
		if e.Status != coremodel.InboxPending && !(f.IncludeDelivered && e.Status == coremodel.InboxDelivered) {
			continue
		}
		m := s.db.data.messages[e.MessageID]
		if f.NID != nil && (m.NID == nil || *m.NID != *f.NID) {
			continue
		}
		if f.User != nil && (m.User == nil || *m.User != *f.User) {
			continue
		}
		out = append(out, models.InboxItem{
			Entry:     e,
			Message:   m,
			SourceHID: s.db.data.devices[m.SourceDeviceID].HID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Entry, out[j].Entry
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) TransitionEntry(_ context.Context, id int64, from []coremodel.InboxStatus, to coremodel.InboxStatus, at time.Time) (bool, error) {
	unlock, err := s.lock("transition_entry", true)
	if err != nil {
		return false, err
	}
	defer unlock()
	e, ok := s.db.data.entries[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range from {
		if e.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	e.Status = to
	switch to {
	case coremodel.InboxDelivered:
		e.DeliveredAt = &at
	case coremodel.InboxAcknowledged:
		e.AcknowledgedAt = &at
	}
	e.UpdatedAt = at
	s.db.data.entries[id] = e
	return true, nil
}

func (s *Store) IncrementAttempts(_ context.Context, id int64, lastError string) (int, bool, error) {
	unlock, err := s.lock("increment_attempts", true)
	if err != nil {
		return 0, false, err
	}
	defer unlock()
	e, ok := s.db.data.entries[id]
	if !ok || e.Status != coremodel.InboxPending {
		return 0, false, nil
	}
	e.DeliveryAttempts++
	if lastError != "" {
		le := lastError
		e.LastError = &le
	}
	e.UpdatedAt = s.db.now()
	s.db.data.entries[id] = e
	return e.DeliveryAttempts, true, nil
}

func (s *Store) UpsertReceipt(_ context.Context, messageID, deviceID int64, at time.Time) error {
	unlock, err := s.lock("upsert_receipt", true)
	if err != nil {
		return err
	}
	defer unlock()
	key := [2]int64{messageID, deviceID}
	r, ok := s.db.data.receipts[key]
	if !ok {
		r = models.MessageReceipt{MessageID: messageID, DeviceID: deviceID}
	}
	r.Read = true
	if r.LastReadAt == nil {
		r.LastReadAt = &at
	}
	r.AckStatus = "YES"
	r.UpdatedAt = at
	s.db.data.receipts[key] = r
	return nil
}

// Receipt 读取回执（测试辅助）
func (s *Store) Receipt(messageID, deviceID int64) (models.MessageReceipt, bool) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.data.receipts[[2]int64{messageID, deviceID}]
	return r, ok
}

// EntryCount 条目总数（测试辅助）
func (s *Store) EntryCount() int {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	return len(s.db.data.entries)
}

func (s *Store) ListStalePending(_ context.Context, before time.Time, afterID int64, limit int) ([]storage.DeliveryCandidate, error) {
	unlock, err := s.lock("list_stale_pending", false)
	if err != nil {
		return nil, err
	}
	defer unlock()
	out := make([]storage.DeliveryCandidate, 0)
	for _, e := range s.db.data.entries {
		if e.ID <= afterID || e.Status != coremodel.InboxPending || !e.CreatedAt.Before(before) {
			continue
		}
		d := s.db.data.devices[e.DeviceID]
		if !d.HasWebhook() {
			continue
		}
		m := s.db.data.messages[e.MessageID]
		out = append(out, storage.DeliveryCandidate{
			Entry:     e,
			Device:    d,
			Message:   m,
			SourceHID: s.db.data.devices[m.SourceDeviceID].HID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entry.ID < out[j].Entry.ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Haversine 两点球面距离（米）
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}

func sortDevices(ds []models.Device) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}
