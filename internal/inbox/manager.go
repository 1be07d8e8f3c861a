// Package inbox 管理设备收件箱条目及其状态机。
//
// 所有状态迁移都在存储层以 compare-and-swap 方式执行（WHERE status IN ...），
// 并发的确认与投递完成因此按合法迁移规则串行化，非法迁移被拒绝而不是覆盖。
package inbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/coremodel"
	"github.com/taoyao-code/iot-router/internal/metrics"
	"github.com/taoyao-code/iot-router/internal/storage"
	"github.com/taoyao-code/iot-router/internal/storage/models"
)

// Filter 轮询过滤条件（原始输入，NID 在此规范化）
type Filter struct {
	NID  string
	User string
	// IncludeDelivered 为 nil 时使用 Manager 的默认值
	IncludeDelivered *bool
	Limit            int
}

// AttemptOutcome 记录一次失败投递后的结果
type AttemptOutcome struct {
	Attempts int
	// Failed 尝试次数已达上限，条目进入 failed
	Failed bool
	// Stale 条目已不是 pending（被确认或已终结），计数未变
	Stale bool
}

// Manager 收件箱管理器
type Manager struct {
	repo             storage.CoreRepo
	logger           *zap.Logger
	metrics          *metrics.AppMetrics
	now              func() time.Time
	includeDelivered bool
	maxPoll          int
}

// Option 配置项
type Option func(*Manager)

// WithMetrics 设置指标
func WithMetrics(m *metrics.AppMetrics) Option { return func(mg *Manager) { mg.metrics = m } }

// WithClock 替换时间源
func WithClock(now func() time.Time) Option { return func(mg *Manager) { mg.now = now } }

// WithIncludeDelivered 轮询默认是否返回已投递未确认条目
func WithIncludeDelivered(v bool) Option { return func(mg *Manager) { mg.includeDelivered = v } }

// WithMaxPollSize 单次轮询上限
func WithMaxPollSize(n int) Option { return func(mg *Manager) { mg.maxPoll = n } }

// New 创建收件箱管理器
func New(repo storage.CoreRepo, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		repo:    repo,
		logger:  logger.With(zap.String("component", "inbox")),
		now:     time.Now,
		maxPoll: 200,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// In 返回绑定到给定仓储（通常是事务）的副本
func (m *Manager) In(repo storage.CoreRepo) *Manager {
	cp := *m
	cp.repo = repo
	return &cp
}

// CreatePending 创建 pending 条目；已存在时 created=false（幂等）
func (m *Manager) CreatePending(ctx context.Context, deviceID, messageID int64) (*models.InboxEntry, bool, error) {
	entry, created, err := m.repo.CreatePendingEntry(ctx, deviceID, messageID)
	if err != nil {
		return nil, false, err
	}
	if created {
		m.metrics.RecordTransition(string(coremodel.InboxPending))
	}
	return entry, created, nil
}

// ListPending 按创建时间升序返回设备待处理条目
func (m *Manager) ListPending(ctx context.Context, deviceID int64, f Filter) ([]models.InboxItem, error) {
	sf := storage.InboxFilter{IncludeDelivered: m.includeDelivered, Limit: f.Limit}
	if f.IncludeDelivered != nil {
		sf.IncludeDelivered = *f.IncludeDelivered
	}
	if f.NID != "" {
		nid, ok := coremodel.CanonicalNID(f.NID)
		if !ok {
			return nil, fmt.Errorf("%w: invalid nid filter %q", coremodel.ErrValidation, f.NID)
		}
		sf.NID = &nid
	}
	if f.User != "" {
		user := f.User
		sf.User = &user
	}
	if m.maxPoll > 0 && (sf.Limit <= 0 || sf.Limit > m.maxPoll) {
		sf.Limit = m.maxPoll
	}
	return m.repo.ListEntries(ctx, deviceID, sf)
}

// Acknowledge pending|delivered -> acknowledged，并写入已读回执。
// 条目不存在返回 ErrNotFound；属于其他设备或状态非法返回 ErrInvalidState。
func (m *Manager) Acknowledge(ctx context.Context, deviceID, entryID int64) (*models.InboxEntry, error) {
	var result *models.InboxEntry
	err := m.repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		entry, err := tx.GetEntry(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.DeviceID != deviceID {
			return fmt.Errorf("%w: inbox entry %d does not belong to device %d", coremodel.ErrInvalidState, entryID, deviceID)
		}
		if !entry.Status.CanTransition(coremodel.InboxAcknowledged) {
			return coremodel.TransitionError(entryID, entry.Status, coremodel.InboxAcknowledged)
		}

		at := m.now()
		ok, err := tx.TransitionEntry(ctx, entryID, coremodel.SourcesFor(coremodel.InboxAcknowledged), coremodel.InboxAcknowledged, at)
		if err != nil {
			return err
		}
		if !ok {
			// 读取后被并发迁移（例如投递失败），按当前状态报告
			current, err := tx.GetEntry(ctx, entryID)
			if err != nil {
				return err
			}
			return coremodel.TransitionError(entryID, current.Status, coremodel.InboxAcknowledged)
		}
		if err := tx.UpsertReceipt(ctx, entry.MessageID, deviceID, at); err != nil {
			return err
		}
		result, err = tx.GetEntry(ctx, entryID)
		return err
	})
	if err != nil {
		if errors.Is(err, coremodel.ErrInvalidState) {
			m.logger.Info("acknowledge rejected", zap.Int64("entry_id", entryID), zap.Int64("device_id", deviceID), zap.Error(err))
		}
		return nil, err
	}
	m.metrics.RecordTransition(string(coremodel.InboxAcknowledged))
	return result, nil
}

// MarkDelivered pending -> delivered；非 pending 为 no-op，返回是否发生迁移
func (m *Manager) MarkDelivered(ctx context.Context, entryID int64) (bool, error) {
	return m.transition(ctx, entryID, coremodel.InboxDelivered)
}

// MarkFailed pending -> failed；非 pending 为 no-op
func (m *Manager) MarkFailed(ctx context.Context, entryID int64) (bool, error) {
	return m.transition(ctx, entryID, coremodel.InboxFailed)
}

func (m *Manager) transition(ctx context.Context, entryID int64, to coremodel.InboxStatus) (bool, error) {
	ok, err := m.repo.TransitionEntry(ctx, entryID, coremodel.SourcesFor(to), to, m.now())
	if err != nil {
		return false, err
	}
	if ok {
		m.metrics.RecordTransition(string(to))
	} else {
		m.logger.Debug("inbox transition skipped", zap.Int64("entry_id", entryID), zap.String("to", string(to)))
	}
	return ok, nil
}

// RecordFailedAttempt 累加尝试次数；达到 max(retryLimit,1) 时置为 failed
func (m *Manager) RecordFailedAttempt(ctx context.Context, entryID int64, retryLimit int, lastErr string) (AttemptOutcome, error) {
	if retryLimit < 1 {
		retryLimit = 1
	}
	var out AttemptOutcome
	err := m.repo.WithTx(ctx, func(tx storage.CoreRepo) error {
		attempts, ok, err := tx.IncrementAttempts(ctx, entryID, lastErr)
		if err != nil {
			return err
		}
		if !ok {
			out.Stale = true
			return nil
		}
		out.Attempts = attempts
		if attempts < retryLimit {
			return nil
		}
		failed, err := tx.TransitionEntry(ctx, entryID, coremodel.SourcesFor(coremodel.InboxFailed), coremodel.InboxFailed, m.now())
		if err != nil {
			return err
		}
		out.Failed = failed
		return nil
	})
	if err != nil {
		return AttemptOutcome{}, err
	}
	if out.Failed {
		m.metrics.RecordTransition(string(coremodel.InboxFailed))
	}
	return out, nil
}
