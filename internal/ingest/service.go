// Package ingest 接收设备上报的消息：校验、持久化、触发路由。
// HTTP 与 MQTT 两种入口共用同一个 Service。
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/metrics"
	"github.com/taoyao-code/iot-router/internal/routing"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// ErrRoutingFailed 消息已落库但路由失败；errors.Is 同时可匹配底层原因
var ErrRoutingFailed = errors.New("message created but routing failed")

// 接入通道
const (
	ChannelHTTP = "http"
	ChannelMQTT = "mqtt"
)

// Request 一条上报消息（原始输入）
type Request struct {
	SourceHID string
	Class     string
	// Subtype 为空时从 payload.type 推断
	Subtype string
	Payload json.RawMessage
	// NID 显式 NID，优先于 payload.nid 与来源设备 NID
	NID string
	// User 为空时取 payload.user
	User    string
	Channel string
}

// Result 接入结果
type Result struct {
	Message *models.Message
	Source  *models.Device
	Routing routing.RoutingResult
}

// Router 路由入口
type Router interface {
	Route(ctx context.Context, messageID int64) (routing.RoutingResult, error)
}

// Service 消息接入服务
type Service struct {
	repo    storage.CoreRepo
	router  Router
	logger  *zap.Logger
	metrics *metrics.AppMetrics
}

// NewService 创建接入服务
func NewService(repo storage.CoreRepo, router Router, logger *zap.Logger, m *metrics.AppMetrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, router: router, logger: logger.With(zap.String("component", "ingest")), metrics: m}
}

// Ingest 校验并持久化消息，然后路由。
// 校验失败返回 ErrValidation，不落库；路由失败时返回已创建的消息与 ErrRoutingFailed。
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	channel := req.Channel
	if channel == "" {
		channel = ChannelHTTP
	}
	res, err := s.ingest(ctx, req)
	switch {
	case err == nil:
		s.metrics.RecordIngest(channel, "ok")
	case errors.Is(err, ErrRoutingFailed):
		s.metrics.RecordIngest(channel, "route_failed")
	case errors.Is(err, coremodel.ErrValidation):
		s.metrics.RecordIngest(channel, "invalid")
	default:
		s.metrics.RecordIngest(channel, "error")
	}
	return res, err
}

func (s *Service) ingest(ctx context.Context, req Request) (*Result, error) {
	class, err := coremodel.ParseMessageClass(strings.ToLower(strings.TrimSpace(req.Class)))
	if err != nil {
		return nil, err
	}

	raw, payload, err := normalizePayload(req.Payload)
	if err != nil {
		return nil, err
	}

	subtype := strings.ToLower(strings.TrimSpace(req.Subtype))
	if subtype == "" {
		subtype = subtypeFromPayload(class, payload)
	}
	if subtype == "" {
		return nil, fmt.Errorf("%w: %s is required", coremodel.ErrValidation, class.SubtypeField())
	}
	if err := class.ValidateSubtype(subtype); err != nil {
		return nil, err
	}

	hid := strings.TrimSpace(req.SourceHID)
	if hid == "" {
		return nil, fmt.Errorf("%w: source device hid is required", coremodel.ErrValidation)
	}
	source, err := s.repo.GetDeviceByHID(ctx, hid)
	if err != nil {
		return nil, err
	}
	if !source.Active {
		return nil, fmt.Errorf("%w: source device %s is inactive", coremodel.ErrValidation, hid)
	}

	nid, err := resolveNID(req.NID, payload, source)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		SourceDeviceID: source.ID,
		Class:          class,
		Subtype:        subtype,
		Payload:        datatypes.JSON(raw),
		NID:            nid,
		User:           resolveUser(req.User, payload),
	}

	lat, lon, hasPos := positionFromPayload(payload)
	moved := hasPos && (!source.HasLocation() || *source.Latitude != lat || *source.Longitude != lon)

	// 位置更新在路由之前提交，距离过滤使用最新位置
	err = s.repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		if moved {
			if err := tx.UpdateDeviceLocation(ctx, source.ID, lat, lon); err != nil {
				return err
			}
		}
		return tx.CreateMessage(ctx, msg)
	})
	if err != nil {
		s.logger.Warn("persist message failed", zap.String("hid", hid), zap.Error(err))
		return nil, err
	}
	if moved {
		source.Latitude, source.Longitude = &lat, &lon
		s.logger.Debug("source location updated", zap.String("hid", hid), zap.Float64("lat", lat), zap.Float64("lon", lon))
	}

	out := &Result{Message: msg, Source: source}
	rr, err := s.router.Route(ctx, msg.ID)
	if err != nil {
		s.logger.Error("message created but routing failed",
			zap.Int64("message_id", msg.ID), zap.String("hid", hid), zap.Error(err))
		return out, fmt.Errorf("%w: %w", ErrRoutingFailed, err)
	}
	out.Routing = rr
	return out, nil
}

// normalizePayload 要求 JSON 对象；空载荷视为 {}
func normalizePayload(in json.RawMessage) ([]byte, map[string]any, error) {
	trimmed := bytes.TrimSpace(in)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return []byte("{}"), map[string]any{}, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(trimmed, &obj); err != nil || obj == nil {
		return nil, nil, fmt.Errorf("%w: payload must be a JSON object", coremodel.ErrValidation)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return nil, nil, fmt.Errorf("%w: payload must be a JSON object", coremodel.ErrValidation)
	}
	return buf.Bytes(), obj, nil
}

// subtypeFromPayload 从 payload.type 推断子类型：
// alert 接受 ns_panic 写法，alarm 取 "-" 之前的部分（SERVICE-CHILDCARE → service）
func subtypeFromPayload(class coremodel.MessageClass, payload map[string]any) string {
	t, _ := payload["type"].(string)
	t = strings.ToLower(strings.TrimSpace(t))
	if t == "" {
		return ""
	}
	if class.IsAlarm() {
		if i := strings.IndexByte(t, '-'); i > 0 {
			t = t[:i]
		}
		return t
	}
	return strings.ReplaceAll(t, "_", "-")
}

// resolveNID 显式 NID → payload.nid → 来源设备 NID
func resolveNID(explicit string, payload map[string]any, source *models.Device) (*string, error) {
	if strings.TrimSpace(explicit) != "" {
		c, ok := coremodel.CanonicalNID(explicit)
		if !ok {
			return nil, fmt.Errorf("%w: invalid nid %q", coremodel.ErrValidation, explicit)
		}
		return &c, nil
	}
	if v, ok := payload["nid"]; ok && v != nil {
		if c, ok := coremodel.NIDFromAny(v); ok {
			return &c, nil
		}
		return nil, fmt.Errorf("%w: invalid payload nid %v", coremodel.ErrValidation, v)
	}
	if source.NID != nil {
		c := *source.NID
		return &c, nil
	}
	return nil, nil
}

func resolveUser(explicit string, payload map[string]any) *string {
	u := strings.TrimSpace(explicit)
	if u == "" {
		if pu, ok := payload["user"].(string); ok {
			u = strings.TrimSpace(pu)
		}
	}
	if u == "" {
		return nil
	}
	return &u
}

// positionFromPayload 读取 payload.position.latitude/longitude，越界视为无位置
func positionFromPayload(payload map[string]any) (float64, float64, bool) {
	pos, ok := payload["position"].(map[string]any)
	if !ok {
		return 0, 0, false
	}
	lat, okLat := pos["latitude"].(float64)
	lon, okLon := pos["longitude"].(float64)
	if !okLat || !okLon {
		return 0, 0, false
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return 0, 0, false
	}
	return lat, lon, true
}

// ParseNID 请求体中的 nid 可为字符串或非负整数（JSON number）
func ParseNID(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case float64:
		if x < 0 || x != math.Trunc(x) || x >= 1<<53 {
			return "", fmt.Errorf("%w: nid must be a non-negative integer", coremodel.ErrValidation)
		}
		return strconv.FormatUint(uint64(x), 10), nil
	default:
		return "", fmt.Errorf("%w: nid must be a string or integer", coremodel.ErrValidation)
	}
}
