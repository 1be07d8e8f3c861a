package delivery

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/metrics"
	"github.com/taoyao-code/iot-router/internal/storage"
)

const reconcileBatch = 500

// Reconciler 定期扫描长时间停留在 pending 的 webhook 条目并补投。
// 入队以条目 ID 去重，已在队列中的任务不会重复。
type Reconciler struct {
	repo     storage.CoreRepo
	queue    Queue
	interval time.Duration
	age      time.Duration
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
	now      func() time.Time
	batch    int
}

// NewReconciler 创建对账器
func NewReconciler(repo storage.CoreRepo, queue Queue, interval, age time.Duration, logger *zap.Logger, m *metrics.AppMetrics) *Reconciler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if age <= 0 {
		age = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{repo: repo, queue: queue, interval: interval, age: age, logger: logger, metrics: m, now: time.Now, batch: reconcileBatch}
}

// SetClock 替换时间源（测试用）
func (r *Reconciler) SetClock(now func() time.Time) { r.now = now }

// SetBatchSize 每页扫描条数（测试用）
func (r *Reconciler) SetBatchSize(n int) {
	if n > 0 {
		r.batch = n
	}
}

// Start 阻塞运行直到 ctx 结束
func (r *Reconciler) Start(ctx context.Context) {
	r.logger.Info("delivery reconciler started",
		zap.Duration("interval", r.interval), zap.Duration("age", r.age))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("delivery reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一轮对账，返回新入队的任务数。
// 按条目 ID 游标翻页直到扫描完全部过期条目，已在队列中的任务不会挡住后续页。
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	now := r.now()
	before := now.Add(-r.age)
	var (
		afterID int64
		added   int
		scanned int
	)
	for {
		candidates, err := r.repo.ListStalePending(ctx, before, afterID, r.batch)
		if err != nil {
			return added, err
		}
		for _, c := range candidates {
			task := coremodel.NewDeliveryTask(c.Entry.ID, c.Device.ID, c.Message.Class, c.Message.Envelope(c.SourceHID), now)
			ok, err := r.queue.Enqueue(ctx, task, now)
			if err != nil {
				r.metrics.RecordEnqueue(task.Priority, "error")
				return added, err
			}
			if ok {
				added++
				r.metrics.RecordEnqueue(task.Priority, "reconciled")
			}
			afterID = c.Entry.ID
		}
		scanned += len(candidates)
		if len(candidates) < r.batch {
			break
		}
		if err := ctx.Err(); err != nil {
			return added, err
		}
	}
	if added > 0 {
		r.logger.Info("stale deliveries re-enqueued", zap.Int("count", added), zap.Int("scanned", scanned))
	}
	return added, nil
}
