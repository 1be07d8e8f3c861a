package app

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taoyao-code/iot-router/internal/health"
)

const (
	// queueBacklogDegraded 就绪+延迟任务超过该值时队列检查报告降级
	queueBacklogDegraded = 10000
	// queueOverdueDegraded 已到期仍未被 worker 取走的任务超过该值时报告降级
	queueOverdueDegraded = 1000
)

// NewHealthAggregator 创建健康检查聚合器：数据库与投递队列（含所选后端的连通性与连接池）
func NewHealthAggregator(dbpool *pgxpool.Pool, queue health.QueueStatter, backend string) *health.Aggregator {
	agg := health.NewAggregator(health.NewDatabaseChecker(dbpool))
	if queue != nil {
		agg.AddChecker(health.NewQueueChecker(queue, backend, queueBacklogDegraded).WithMaxOverdue(queueOverdueDegraded))
	}
	return agg
}
