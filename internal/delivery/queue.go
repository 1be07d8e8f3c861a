// Package delivery 异步 webhook 投递：持久化队列、工作池、重试退避与对账。
package delivery

import (
	"context"
	"time"

	"github.com/taoyao-code/iot-router/internal/coremodel"
)

// Queue 持久化投递队列。
// 任务 ID 即收件箱条目 ID，Enqueue 对已存在的任务为 no-op；
// Dequeue 取出的任务在 visibility 内不可见，超时未 Ack/Reschedule 则重新投递（至少一次）。
type Queue interface {
	Enqueue(ctx context.Context, task coremodel.DeliveryTask, due time.Time) (bool, error)
	// Dequeue 无到期任务时返回 nil, nil
	Dequeue(ctx context.Context, visibility time.Duration) (*coremodel.DeliveryTask, error)
	Ack(ctx context.Context, taskID string) error
	Reschedule(ctx context.Context, task coremodel.DeliveryTask, due time.Time) error
	Stats(ctx context.Context) (coremodel.QueueStats, error)
	Ping(ctx context.Context) error
}
