package pg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/iot-router/internal/coremodel"
)

// DeliveryQueue 基于 delivery_tasks 表的持久化投递队列。
// 出队使用 FOR UPDATE SKIP LOCKED，locked_until 充当可见性超时。
type DeliveryQueue struct {
	pool     *pgxpool.Pool
	consumer string
	now      func() time.Time
}

// NewDeliveryQueue consumer 写入 locked_by 便于排查
func NewDeliveryQueue(pool *pgxpool.Pool, consumer string) *DeliveryQueue {
	return &DeliveryQueue{pool: pool, consumer: consumer, now: time.Now}
}

// SetClock 替换时间源（测试用）
func (q *DeliveryQueue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue 入队；相同任务 ID 已存在时返回 false
func (q *DeliveryQueue) Enqueue(ctx context.Context, task coremodel.DeliveryTask, due time.Time) (bool, error) {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return false, fmt.Errorf("marshal task: %w", err)
	}
	tag, err := q.pool.Exec(ctx, `INSERT INTO delivery_tasks (id, entry_id, device_id, priority, body, due_at, enqueued_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (id) DO NOTHING`,
		task.ID, task.EntryID, task.DeviceID, task.Priority, body, due, task.EnqueuedAt)
	if err != nil {
		return false, coremodel.Infra("pg enqueue", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Dequeue 按 priority, due_at 取一个可见任务并加锁到 now+visibility；无任务返回 nil
func (q *DeliveryQueue) Dequeue(ctx context.Context, visibility time.Duration) (*coremodel.DeliveryTask, error) {
	now := q.now()
	var body []byte
	err := q.pool.QueryRow(ctx, `WITH next AS (
            SELECT id FROM delivery_tasks
            WHERE due_at <= $1 AND (locked_until IS NULL OR locked_until <= $1)
            ORDER BY priority ASC, due_at ASC
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        )
        UPDATE delivery_tasks t
        SET locked_until = $2, locked_by = $3
        FROM next
        WHERE t.id = next.id
        RETURNING t.body`, now, now.Add(visibility), q.consumer).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coremodel.Infra("pg dequeue", err)
	}
	var task coremodel.DeliveryTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// Ack 删除任务
func (q *DeliveryQueue) Ack(ctx context.Context, taskID string) error {
	if _, err := q.pool.Exec(ctx, `DELETE FROM delivery_tasks WHERE id=$1`, taskID); err != nil {
		return coremodel.Infra("pg ack", err)
	}
	return nil
}

// Reschedule 释放锁并在 due 时刻重新可见
func (q *DeliveryQueue) Reschedule(ctx context.Context, task coremodel.DeliveryTask, due time.Time) error {
	_, err := q.pool.Exec(ctx, `UPDATE delivery_tasks SET due_at=$2, locked_until=NULL, locked_by=NULL WHERE id=$1`, task.ID, due)
	if err != nil {
		return coremodel.Infra("pg reschedule", err)
	}
	return nil
}

// Stats 各优先级就绪数、处理中数、到期未取走数与连接池占用
func (q *DeliveryQueue) Stats(ctx context.Context) (coremodel.QueueStats, error) {
	stats := coremodel.QueueStats{Ready: make(map[int]int64)}
	for _, p := range coremodel.Priorities() {
		stats.Ready[p] = 0
	}
	rows, err := q.pool.Query(ctx, `SELECT priority,
            COUNT(*) FILTER (WHERE locked_until IS NULL OR locked_until <= $1),
            COUNT(*) FILTER (WHERE locked_until > $1),
            COUNT(*) FILTER (WHERE due_at <= $1 AND (locked_until IS NULL OR locked_until <= $1))
        FROM delivery_tasks
        GROUP BY priority`, q.now())
	if err != nil {
		return stats, coremodel.Infra("pg queue stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var prio int
		var ready, inflight, overdue int64
		if err := rows.Scan(&prio, &ready, &inflight, &overdue); err != nil {
			return stats, coremodel.Infra("pg queue stats", err)
		}
		stats.Ready[prio] = ready
		stats.InFlight += inflight
		stats.Overdue += overdue
	}
	if err := rows.Err(); err != nil {
		return stats, coremodel.Infra("pg queue stats", err)
	}
	ps := q.pool.Stat()
	stats.Pool = &coremodel.PoolUsage{
		InUse: int64(ps.AcquiredConns()),
		Idle:  int64(ps.IdleConns()),
		Max:   int64(ps.MaxConns()),
		// pgx 不统计获取超时，用“空池等待”次数代替
		Timeouts: ps.EmptyAcquireCount(),
	}
	return stats, nil
}

// Ping 队列后端可用性
func (q *DeliveryQueue) Ping(ctx context.Context) error {
	return q.pool.Ping(ctx)
}
