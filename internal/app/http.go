package app

import (
	"net/http"

	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/httpserver"
	"github.com/taoyao-code/iot-router/internal/metrics"
)

// NewHTTPServer 根据配置创建 HTTP 服务器
func NewHTTPServer(cfg *cfgpkg.Config, metricsHandler http.Handler, log *zap.Logger, appm *metrics.AppMetrics) *httpserver.Server {
	return httpserver.New(cfg.HTTP, cfg.Metrics, metricsHandler, log, appm)
}
