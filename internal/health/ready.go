package health

import "sync/atomic"

// Readiness 启动阶段就绪标记（数据库迁移完成、投递调度器启动）
type Readiness struct {
	dbReady       atomic.Bool
	deliveryReady atomic.Bool
}

func New() *Readiness { return &Readiness{} }

func (r *Readiness) SetDBReady(v bool)       { r.dbReady.Store(v) }
func (r *Readiness) SetDeliveryReady(v bool) { r.deliveryReady.Store(v) }

// Ready 总体就绪：各子系统均为 true
func (r *Readiness) Ready() bool {
	return r.dbReady.Load() && r.deliveryReady.Load()
}
