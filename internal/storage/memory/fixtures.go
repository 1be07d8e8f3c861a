package memory

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// DeviceOpt 测试设备可选项
type DeviceOpt func(*models.Device)

// WithNID 设置并规范化 NID
func WithNID(nid string) DeviceOpt {
	return func(d *models.Device) {
		d.NID = coremodel.CanonicalNIDPtr(&nid)
	}
}

// At 设置坐标
func At(lat, lon float64) DeviceOpt {
	return func(d *models.Device) {
		d.Latitude, d.Longitude = &lat, &lon
	}
}

// WithWebhook 设置 webhook 与重试上限
func WithWebhook(url string, retryLimit int) DeviceOpt {
	return func(d *models.Device) {
		d.WebhookURL = &url
		d.RetryLimit = retryLimit
	}
}

// OwnedBy 设置所有者
func OwnedBy(ownerID int64) DeviceOpt {
	return func(d *models.Device) { d.OwnerID = &ownerID }
}

// Inactive 标记为未激活
func Inactive() DeviceOpt {
	return func(d *models.Device) { d.Active = false }
}

// MustGroup 创建测试群组
func (s *Store) MustGroup(t testing.TB, name string, typ coremodel.GroupType, radiusKm *float64) *models.Group {
	t.Helper()
	g := &models.Group{Name: name, Type: typ, RadiusKm: radiusKm}
	if err := s.CreateGroup(context.Background(), g); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return g
}

// MustOwner 创建测试所有者；radiusKm 为 nil 表示沿用群组半径
func (s *Store) MustOwner(t testing.TB, name string, radiusKm *float64) *models.Owner {
	t.Helper()
	o := &models.Owner{Name: name, RadiusKm: radiusKm, Active: true}
	if err := s.CreateOwner(context.Background(), o); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	return o
}

// MustDevice 创建测试设备（默认 active，retry_limit=3）
func (s *Store) MustDevice(t testing.TB, hid string, groupID int64, opts ...DeviceOpt) *models.Device {
	t.Helper()
	d := &models.Device{HID: hid, GroupID: groupID, Active: true, RetryLimit: 3}
	for _, opt := range opts {
		opt(d)
	}
	if err := s.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("create device: %v", err)
	}
	return d
}

// MustMessage 创建测试消息；nid 为空表示不携带
func (s *Store) MustMessage(t testing.TB, sourceID int64, class coremodel.MessageClass, subtype, nid string) *models.Message {
	t.Helper()
	m := &models.Message{
		SourceDeviceID: sourceID,
		Class:          class,
		Subtype:        subtype,
		Payload:        datatypes.JSON(`{"k":"v"}`),
	}
	if nid != "" {
		m.NID = coremodel.CanonicalNIDPtr(&nid)
	}
	if err := s.CreateMessage(context.Background(), m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	return m
}
