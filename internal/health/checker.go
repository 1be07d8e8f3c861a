package health

import (
	"context"
	"time"
)

// Status 组件状态，按严重程度 healthy < degraded < unhealthy
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded" // 可继续服务，但投递可能延迟
	StatusUnhealthy Status = "unhealthy"
)

func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Worse 返回两者中更严重的状态；未知状态按 unhealthy 处理
func (s Status) Worse(other Status) Status {
	if other.severity() > s.severity() {
		return other
	}
	return s
}

// CheckResult 单个组件的检查结果
type CheckResult struct {
	Status  Status                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Latency time.Duration          `json:"latency"`
}

// Checker 由聚合器并发调用，实现需遵守 ctx 超时
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

func finish(start time.Time, status Status, message string, details map[string]interface{}) CheckResult {
	return CheckResult{Status: status, Message: message, Details: details, Latency: time.Since(start)}
}
