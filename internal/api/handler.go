// Package api 对外 HTTP API：消息上报、收件箱轮询与确认、网络范围预览、投递队列统计。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/api/middleware"
	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/inbox"
	"github.com/taoyao-code/iot-router/internal/ingest"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// Ingester 消息接入
type Ingester interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Result, error)
}

// NetworkPreviewer 网络范围计算
type NetworkPreviewer interface {
	NetworkDevices(ctx context.Context, source *models.Device) ([]models.Device, error)
	NetworkOwners(ctx context.Context, ownerID int64) ([]models.Owner, error)
}

// StatsSource 投递队列统计
type StatsSource interface {
	Stats(ctx context.Context) (coremodel.QueueStats, error)
}

// Handler API 处理器
type Handler struct {
	repo    storage.CoreRepo
	ingest  Ingester
	inbox   *inbox.Manager
	network NetworkPreviewer
	queue   StatsSource
	logger  *zap.Logger
}

// NewHandler 创建处理器
func NewHandler(repo storage.CoreRepo, ing Ingester, mgr *inbox.Manager, network NetworkPreviewer, queue StatsSource, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, ingest: ing, inbox: mgr, network: network, queue: queue, logger: logger}
}

// CreateMessage 设备上报消息
// @Summary 上报消息
// @Description 持久化消息并路由到目标设备收件箱，webhook 异步投递
// @Tags messages
// @Accept json
// @Produce json
// @Security ApiKeyAuth
// @Param hid path string true "来源设备 HID"
// @Param request body CreateMessageRequest true "消息"
// @Success 201 {object} CreateMessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/devices/{hid}/messages [post]
func (h *Handler) CreateMessage(c *gin.Context) {
	hid := c.Param("hid")

	var req CreateMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fmt.Errorf("%w: invalid request body: %v", coremodel.ErrValidation, err))
		return
	}
	nid, err := ingest.ParseNID(req.NID)
	if err != nil {
		h.fail(c, err)
		return
	}
	var payload json.RawMessage
	if req.Payload != nil {
		payload, err = json.Marshal(req.Payload)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: invalid payload: %v", coremodel.ErrValidation, err))
			return
		}
	}
	subtype := req.AlertType
	if req.AlarmType != "" {
		subtype = req.AlarmType
	}

	res, err := h.ingest.Ingest(c.Request.Context(), ingest.Request{
		SourceHID: hid,
		Class:     req.Type,
		Subtype:   subtype,
		Payload:   payload,
		NID:       nid,
		User:      req.User,
		Channel:   ingest.ChannelHTTP,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrRoutingFailed) && res != nil && res.Message != nil {
			id := res.Message.ID
			c.JSON(statusFor(err), ErrorResponse{
				Error:     "routing_failed",
				Message:   err.Error(),
				RequestID: c.GetString(middleware.RequestIDKey),
				MessageID: &id,
				Status:    "created_but_routing_failed",
			})
			return
		}
		h.fail(c, err)
		return
	}

	rr := res.Routing
	resp := CreateMessageResponse{
		MessageID:        res.Message.ID,
		Status:           "routed",
		TargetDevices:    rr.TargetCount,
		InboxEntries:     rr.EntryIDs,
		TargetDeviceHIDs: rr.TargetHIDs,
		Skipped:          rr.Skipped,
		Enqueued:         rr.Enqueued,
		MessageType:      string(res.Message.Class),
		SourceDevice:     res.Source.HID,
	}
	if rr.TargetCount == 0 {
		resp.Status = "created"
		resp.Warning = "no target devices matched"
	}
	c.JSON(http.StatusCreated, resp)
}

// ListInbox 轮询设备收件箱
// @Summary 轮询收件箱
// @Description 按创建时间升序返回 pending 条目（include_delivered=true 时包含已投递未确认）
// @Tags inbox
// @Produce json
// @Security ApiKeyAuth
// @Param hid path string true "设备 HID"
// @Param nid query string false "按消息 NID 过滤"
// @Param user query string false "按消息 user 过滤"
// @Param include_delivered query bool false "包含已投递未确认条目"
// @Param limit query int false "条数上限"
// @Success 200 {object} InboxResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/devices/{hid}/inbox [get]
func (h *Handler) ListInbox(c *gin.Context) {
	ctx := c.Request.Context()
	device, err := h.activeDevice(ctx, c.Param("hid"))
	if err != nil {
		h.fail(c, err)
		return
	}

	f := inbox.Filter{NID: c.Query("nid"), User: c.Query("user")}
	if v := c.Query("include_delivered"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			h.fail(c, fmt.Errorf("%w: include_delivered must be a boolean", coremodel.ErrValidation))
			return
		}
		f.IncludeDelivered = &b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.fail(c, fmt.Errorf("%w: limit must be a non-negative integer", coremodel.ErrValidation))
			return
		}
		f.Limit = n
	}

	items, err := h.inbox.ListPending(ctx, device.ID, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := InboxResponse{DeviceHID: device.HID, Count: len(items), Entries: make([]InboxEntryView, 0, len(items))}
	for _, it := range items {
		env := it.Message.Envelope(it.SourceHID)
		resp.Entries = append(resp.Entries, entryView(it.Entry, &env))
	}
	c.JSON(http.StatusOK, resp)
}

// AckEntry 确认收件箱条目
// @Summary 确认条目
// @Description pending|delivered -> acknowledged，并写入已读回执
// @Tags inbox
// @Produce json
// @Security ApiKeyAuth
// @Param hid path string true "设备 HID"
// @Param entryId path int true "条目 ID"
// @Success 200 {object} InboxEntryView
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /api/devices/{hid}/inbox/{entryId}/ack [post]
func (h *Handler) AckEntry(c *gin.Context) {
	ctx := c.Request.Context()
	entryID, err := strconv.ParseInt(c.Param("entryId"), 10, 64)
	if err != nil || entryID <= 0 {
		h.fail(c, fmt.Errorf("%w: entryId must be a positive integer", coremodel.ErrValidation))
		return
	}
	device, err := h.activeDevice(ctx, c.Param("hid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	entry, err := h.inbox.Acknowledge(ctx, device.ID, entryID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entryView(*entry, nil))
}

// NetworkDevices 网络范围预览
// @Summary 网络范围预览
// @Description 返回同群组中按 NID/距离规则可达的设备，不创建条目
// @Tags network
// @Produce json
// @Security ApiKeyAuth
// @Param hid path string true "设备 HID"
// @Success 200 {object} NetworkResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/devices/{hid}/network [get]
func (h *Handler) NetworkDevices(c *gin.Context) {
	ctx := c.Request.Context()
	device, err := h.activeDevice(ctx, c.Param("hid"))
	if err != nil {
		h.fail(c, err)
		return
	}
	devices, err := h.network.NetworkDevices(ctx, device)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := NetworkResponse{DeviceHID: device.HID, GroupID: device.GroupID, Count: len(devices), Devices: make([]NetworkDeviceView, 0, len(devices))}
	for _, d := range devices {
		resp.Devices = append(resp.Devices, networkView(d))
	}
	c.JSON(http.StatusOK, resp)
}

// NetworkOwners 所有者网络范围预览
// @Summary 所有者网络范围预览
// @Description 返回该所有者任一 active 设备网络范围内设备所属的所有者
// @Tags network
// @Produce json
// @Security ApiKeyAuth
// @Param ownerId path int true "所有者 ID"
// @Success 200 {object} NetworkOwnersResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/owners/{ownerId}/network [get]
func (h *Handler) NetworkOwners(c *gin.Context) {
	ownerID, err := strconv.ParseInt(c.Param("ownerId"), 10, 64)
	if err != nil || ownerID <= 0 {
		h.fail(c, fmt.Errorf("%w: ownerId must be a positive integer", coremodel.ErrValidation))
		return
	}
	owners, err := h.network.NetworkOwners(c.Request.Context(), ownerID)
	if err != nil {
		h.fail(c, err)
		return
	}
	resp := NetworkOwnersResponse{OwnerID: ownerID, Count: len(owners), Owners: make([]OwnerView, 0, len(owners))}
	for _, o := range owners {
		resp.Owners = append(resp.Owners, OwnerView{ID: o.ID, Name: o.Name, RadiusKm: o.RadiusKm})
	}
	c.JSON(http.StatusOK, resp)
}

// DeliveryStats 投递队列深度
// @Summary 投递队列统计
// @Tags delivery
// @Produce json
// @Security ApiKeyAuth
// @Success 200 {object} DeliveryStatsResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/delivery/stats [get]
func (h *Handler) DeliveryStats(c *gin.Context) {
	st, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.fail(c, coremodel.Infra("queue stats", err))
		return
	}
	resp := DeliveryStatsResponse{
		Ready:    map[string]int64{"alarm": st.Ready[coremodel.PriorityAlarm], "alert": st.Ready[coremodel.PriorityAlert]},
		InFlight: st.InFlight,
		Overdue:  st.Overdue,
		Total:    st.Total(),
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) activeDevice(ctx context.Context, hid string) (*models.Device, error) {
	d, err := h.repo.GetDeviceByHID(ctx, hid)
	if err != nil {
		return nil, err
	}
	if !d.Active {
		return nil, coremodel.NotFound("device", hid)
	}
	return d, nil
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("api request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(middleware.RequestIDKey)),
			zap.Error(err))
	}
	c.JSON(status, ErrorResponse{
		Error:     errorCode(status),
		Message:   err.Error(),
		RequestID: c.GetString(middleware.RequestIDKey),
	})
}

// statusFor 错误分类映射到 HTTP 状态码
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, coremodel.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, coremodel.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coremodel.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, coremodel.ErrInfrastructure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation_error"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "invalid_state"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "internal_error"
	}
}
