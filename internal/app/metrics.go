package app

import (
	"net/http"

	"github.com/taoyao-code/iot-router/internal/metrics"
)

// NewMetrics 初始化注册表、业务指标与 /metrics 处理器
func NewMetrics() (*metrics.AppMetrics, http.Handler) {
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	return appm, metrics.Handler(reg)
}
