package health

import (
	"context"
	"fmt"
	"time"

	"github.com/taoyao-code/iot-router/internal/coremodel"
)

// QueueStatter 投递队列的可用性与深度查询，redis/pg 两种后端都实现
type QueueStatter interface {
	Ping(ctx context.Context) error
	Stats(ctx context.Context) (coremodel.QueueStats, error)
}

// QueueChecker 投递队列健康检查器。
// 后端不可达为 unhealthy；积压超限、到期任务堆积或连接池占满为 degraded。
type QueueChecker struct {
	queue      QueueStatter
	backend    string
	maxBacklog int64
	maxOverdue int64
}

// NewQueueChecker 创建队列检查器；maxBacklog<=0 时不检查积压
func NewQueueChecker(queue QueueStatter, backend string, maxBacklog int64) *QueueChecker {
	return &QueueChecker{queue: queue, backend: backend, maxBacklog: maxBacklog}
}

// WithMaxOverdue 到期未取走任务超过 n 时报告降级；n<=0 关闭
func (c *QueueChecker) WithMaxOverdue(n int64) *QueueChecker {
	c.maxOverdue = n
	return c
}

// Name 返回检查器名称
func (c *QueueChecker) Name() string {
	return "delivery_queue"
}

// Check 执行健康检查
func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	details := map[string]interface{}{"backend": c.backend}

	if err := c.queue.Ping(ctx); err != nil {
		return finish(start, StatusUnhealthy, fmt.Sprintf("%s ping failed: %v", c.backend, err), details)
	}

	st, err := c.queue.Stats(ctx)
	if err != nil {
		return finish(start, StatusDegraded, fmt.Sprintf("stats failed: %v", err), details)
	}

	details["ready_alarm"] = st.Ready[coremodel.PriorityAlarm]
	details["ready_alert"] = st.Ready[coremodel.PriorityAlert]
	details["in_flight"] = st.InFlight
	details["overdue"] = st.Overdue
	details["total"] = st.Total()
	if st.Pool != nil {
		details["pool_in_use"] = st.Pool.InUse
		details["pool_idle"] = st.Pool.Idle
		details["pool_max"] = st.Pool.Max
		details["pool_timeouts"] = st.Pool.Timeouts
	}

	switch {
	case st.Pool.Saturated():
		return finish(start, StatusDegraded, "queue connection pool exhausted", details)
	case c.maxOverdue > 0 && st.Overdue > c.maxOverdue:
		return finish(start, StatusDegraded, "due tasks piling up, workers lagging", details)
	case c.maxBacklog > 0 && st.Total() > c.maxBacklog:
		return finish(start, StatusDegraded, "delivery backlog above threshold", details)
	}
	return finish(start, StatusHealthy, "ok", details)
}
