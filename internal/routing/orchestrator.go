package routing

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/inbox"
	"github.com/taoyao-code/iot-router/internal/metrics"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// Enqueuer 投递任务入队（delivery.Queue 的子集）
type Enqueuer interface {
	Enqueue(ctx context.Context, task coremodel.DeliveryTask, due time.Time) (bool, error)
}

// RoutingResult 一次路由的结果
type RoutingResult struct {
	// TargetCount 解析出的目标设备数
	TargetCount int `json:"target_count"`
	// EntryIDs 本次新建的条目 ID
	EntryIDs []int64 `json:"entry_ids"`
	// Skipped 条目已存在（重复路由）的目标数
	Skipped int `json:"skipped"`
	// Enqueued 成功入队的投递任务数
	Enqueued int `json:"enqueued"`
	// TargetHIDs 新建条目对应的设备 HID
	TargetHIDs []string `json:"target_hids"`
}

// Orchestrator 路由编排：解析 + 建条目在同一事务内，提交后按优先级入队投递任务
type Orchestrator struct {
	repo     storage.CoreRepo
	resolver *Resolver
	inbox    *inbox.Manager
	queue    Enqueuer
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
	now      func() time.Time
}

// NewOrchestrator 创建编排器；queue 为 nil 时只建条目不投递
func NewOrchestrator(repo storage.CoreRepo, resolver *Resolver, mgr *inbox.Manager, queue Enqueuer, logger *zap.Logger, m *metrics.AppMetrics) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		repo:     repo,
		resolver: resolver,
		inbox:    mgr,
		queue:    queue,
		logger:   logger.With(zap.String("component", "orchestrator")),
		metrics:  m,
		now:      time.Now,
	}
}

type pendingDelivery struct {
	entryID int64
	device  models.Device
}

// Route 路由一条已持久化的消息。
// 解析或建条目失败时不留下任何条目；入队失败只记录日志，由对账任务补投。
func (o *Orchestrator) Route(ctx context.Context, messageID int64) (RoutingResult, error) {
	var (
		res       RoutingResult
		msg       *models.Message
		source    *models.Device
		toDeliver []pendingDelivery
	)

	err := o.repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		var err error
		msg, err = tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		source, err = tx.GetDevice(ctx, msg.SourceDeviceID)
		if err != nil {
			return err
		}
		materialized, err := o.resolver.Resolve(ctx, tx, o.inbox.In(tx), source, msg)
		if err != nil {
			return err
		}

		res = RoutingResult{TargetCount: len(materialized), EntryIDs: []int64{}, TargetHIDs: []string{}}
		toDeliver = toDeliver[:0]
		for _, m := range materialized {
			if !m.Created {
				res.Skipped++
				continue
			}
			res.EntryIDs = append(res.EntryIDs, m.Entry.ID)
			res.TargetHIDs = append(res.TargetHIDs, m.Device.HID)
			if m.Device.HasWebhook() {
				toDeliver = append(toDeliver, pendingDelivery{entryID: m.Entry.ID, device: m.Device})
			}
		}
		return nil
	})
	o.metrics.RecordRoute(err, res.TargetCount)
	if err != nil {
		o.logger.Warn("route failed", zap.Int64("message_id", messageID), zap.Error(err))
		return RoutingResult{}, err
	}

	if o.queue != nil && len(toDeliver) > 0 {
		envelope := msg.Envelope(source.HID)
		priority := coremodel.MessagePriority(msg.Class)
		now := o.now()
		for _, p := range toDeliver {
			task := coremodel.NewDeliveryTask(p.entryID, p.device.ID, msg.Class, envelope, now)
			added, err := o.queue.Enqueue(ctx, task, now)
			switch {
			case err != nil:
				o.metrics.RecordEnqueue(priority, "error")
				o.logger.Error("enqueue delivery failed, reconciler will retry",
					zap.Int64("entry_id", p.entryID), zap.Int64("device_id", p.device.ID), zap.Error(err))
			case added:
				res.Enqueued++
				o.metrics.RecordEnqueue(priority, "ok")
			default:
				o.metrics.RecordEnqueue(priority, "duplicate")
			}
		}
	}

	o.logger.Info("message routed",
		zap.Int64("message_id", messageID),
		zap.Int("targets", res.TargetCount),
		zap.Int("created", len(res.EntryIDs)),
		zap.Int("skipped", res.Skipped),
		zap.Int("enqueued", res.Enqueued),
	)
	return res, nil
}

// NetworkDevices 预览来源设备网络范围内的设备
func (o *Orchestrator) NetworkDevices(ctx context.Context, source *models.Device) ([]models.Device, error) {
	return o.resolver.NetworkDevices(ctx, o.repo, source)
}

// NetworkOwners 预览所有者设备网络范围内的所有者
func (o *Orchestrator) NetworkOwners(ctx context.Context, ownerID int64) ([]models.Owner, error) {
	return o.resolver.NetworkOwners(ctx, o.repo, ownerID)
}
