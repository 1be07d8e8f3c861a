package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/inbox"
	"github.com/taoyao-code/iot-router/internal/metrics"
	"github.com/taoyao-code/iot-router/internal/storage"
)

// 退避指数上限，避免大 retry_limit 时溢出
const maxBackoffShift = 16

// 投递结果标签
const (
	resultSuccess     = "success"
	resultFailure     = "failure"
	resultBreakerOpen = "breaker_open"
	resultSkipped     = "skipped"
	resultInfra       = "infra_error"
)

// Scheduler 投递工作池：从持久化队列取任务、发送、推进收件箱状态
type Scheduler struct {
	queue    Queue
	repo     storage.CoreRepo
	inbox    *inbox.Manager
	sender   *Sender
	cfg      cfgpkg.DeliveryConfig
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
	now      func() time.Time
	instance string

	stopC    chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(
	queue Queue,
	repo storage.CoreRepo,
	mgr *inbox.Manager,
	sender *Sender,
	cfg cfgpkg.DeliveryConfig,
	logger *zap.Logger,
	m *metrics.AppMetrics,
) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.InfraRetryDelay <= 0 {
		cfg.InfraRetryDelay = time.Minute
	}
	instance := uuid.NewString()
	return &Scheduler{
		queue:    queue,
		repo:     repo,
		inbox:    mgr,
		sender:   sender,
		cfg:      cfg,
		logger:   logger.With(zap.String("scheduler_id", instance)),
		metrics:  m,
		now:      time.Now,
		instance: instance,
		stopC:    make(chan struct{}),
	}
}

// SetClock 替换时间源（测试用）
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// Backoff 第 attempts 次失败后的等待时间：unit * 2^attempts（2, 4, 8... 个单位）
func (s *Scheduler) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	shift := attempts
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return s.cfg.BackoffUnit << shift
}

// Start 启动工作协程与队列指标刷新
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("delivery scheduler started",
		zap.Int("workers", s.cfg.Workers),
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Duration("backoff_unit", s.cfg.BackoffUnit))
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.wg.Add(1)
	go s.statsLoop(ctx)
}

// Stop 停止并等待所有工作协程退出；未完成的任务由可见性超时重新投递
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopC) })
	s.wg.Wait()
	s.logger.Info("delivery scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context, idx int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopC:
			return
		default:
		}

		handled, err := s.ProcessOne(ctx)
		if err != nil {
			s.logger.Warn("delivery worker error", zap.Int("worker", idx), zap.Error(err))
		}
		if handled && err == nil {
			continue
		}

		timer := time.NewTimer(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.stopC:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Scheduler) statsLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopC:
			return
		case <-ticker.C:
			s.refreshDepth(ctx)
		}
	}
}

func (s *Scheduler) refreshDepth(ctx context.Context) {
	st, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Debug("queue stats failed", zap.Error(err))
		return
	}
	for _, p := range coremodel.Priorities() {
		s.metrics.SetQueueDepth(priorityLabel(p), st.Ready[p])
	}
	s.metrics.SetQueueDepth("inflight", st.InFlight)
}

func priorityLabel(p int) string {
	if p == coremodel.PriorityAlarm {
		return "ready_alarm"
	}
	return "ready_alert"
}

// ProcessOne 取出并处理一个到期任务；队列为空时 handled=false
func (s *Scheduler) ProcessOne(ctx context.Context) (bool, error) {
	task, err := s.queue.Dequeue(ctx, s.cfg.VisibilityTimeout)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	s.handle(ctx, *task)
	return true, nil
}

func (s *Scheduler) handle(ctx context.Context, task coremodel.DeliveryTask) {
	log := s.logger.With(zap.String("task_id", task.ID), zap.Int64("entry_id", task.EntryID), zap.Int64("device_id", task.DeviceID))

	entry, err := s.repo.GetEntry(ctx, task.EntryID)
	if err != nil {
		if errors.Is(err, coremodel.ErrNotFound) {
			log.Warn("inbox entry missing, dropping task")
			s.ack(ctx, log, task.ID)
			return
		}
		s.retryLater(ctx, log, task, err)
		return
	}
	// 已确认/已投递/已失败：no-op
	if entry.Status != coremodel.InboxPending {
		log.Debug("entry no longer pending, dropping task", zap.String("status", string(entry.Status)))
		s.metrics.RecordDelivery(resultSkipped, 0)
		s.ack(ctx, log, task.ID)
		return
	}

	device, err := s.repo.GetDevice(ctx, task.DeviceID)
	if err != nil {
		if errors.Is(err, coremodel.ErrNotFound) {
			log.Warn("target device missing, dropping task")
			s.ack(ctx, log, task.ID)
			return
		}
		s.retryLater(ctx, log, task, err)
		return
	}
	if !device.HasWebhook() {
		log.Info("device has no webhook, leaving entry for polling")
		s.metrics.RecordDelivery(resultSkipped, 0)
		s.ack(ctx, log, task.ID)
		return
	}

	start := s.now()
	code, sendErr := s.sender.Send(ctx, *device.WebhookURL, task.Envelope)
	elapsed := s.now().Sub(start)

	if sendErr == nil {
		s.metrics.RecordDelivery(resultSuccess, elapsed)
		if _, err := s.inbox.MarkDelivered(ctx, task.EntryID); err != nil {
			// 已送达但未落库：重新排队，接收方需要容忍重复
			s.retryLater(ctx, log, task, err)
			return
		}
		log.Info("webhook delivered", zap.Int("status_code", code), zap.Duration("elapsed", elapsed))
		s.ack(ctx, log, task.ID)
		return
	}

	result := resultFailure
	if errors.Is(sendErr, ErrBreakerOpen) {
		result = resultBreakerOpen
	}
	s.metrics.RecordDelivery(result, elapsed)

	out, err := s.inbox.RecordFailedAttempt(ctx, task.EntryID, device.EffectiveRetryLimit(), sendErr.Error())
	if err != nil {
		s.retryLater(ctx, log, task, err)
		return
	}
	switch {
	case out.Stale:
		log.Debug("entry left pending during delivery, dropping task")
		s.ack(ctx, log, task.ID)
	case out.Failed:
		log.Warn("webhook delivery exhausted retries",
			zap.Int("attempts", out.Attempts), zap.Int("retry_limit", device.EffectiveRetryLimit()), zap.Error(sendErr))
		s.ack(ctx, log, task.ID)
	default:
		delay := s.Backoff(out.Attempts)
		log.Info("webhook delivery failed, retry scheduled",
			zap.Int("attempts", out.Attempts), zap.Int("status_code", code),
			zap.Duration("retry_in", delay), zap.Error(sendErr))
		if err := s.queue.Reschedule(ctx, task, s.now().Add(delay)); err != nil {
			log.Error("reschedule failed, visibility timeout will redeliver", zap.Error(err))
		}
	}
}

// retryLater 基础设施错误：不计入尝试次数，延迟后重试
func (s *Scheduler) retryLater(ctx context.Context, log *zap.Logger, task coremodel.DeliveryTask, cause error) {
	s.metrics.RecordDelivery(resultInfra, 0)
	log.Warn("delivery infrastructure error, retry later",
		zap.Duration("retry_in", s.cfg.InfraRetryDelay), zap.Error(cause))
	if err := s.queue.Reschedule(ctx, task, s.now().Add(s.cfg.InfraRetryDelay)); err != nil {
		log.Error("reschedule failed, visibility timeout will redeliver", zap.Error(err))
	}
}

func (s *Scheduler) ack(ctx context.Context, log *zap.Logger, taskID string) {
	if err := s.queue.Ack(ctx, taskID); err != nil {
		log.Error("ack task failed", zap.Error(err))
	}
}
