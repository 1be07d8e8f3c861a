package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/iot-router/internal/api/middleware"
)

// RouteOptions 路由中间件配置
type RouteOptions struct {
	Auth      middleware.AuthConfig
	RateLimit middleware.RateLimitConfig
}

// RegisterRoutes 注册 /api 路由（API Key 认证 + 限流）
func RegisterRoutes(r *gin.Engine, h *Handler, opts RouteOptions, logger *zap.Logger) {
	if r == nil || h == nil {
		return
	}

	api := r.Group("/api")
	api.Use(middleware.RateLimit(opts.RateLimit, logger))
	if opts.Auth.Enabled {
		api.Use(middleware.APIKeyAuth(opts.Auth, logger))
		logger.Info("api authentication enabled", zap.Int("api_keys_count", len(opts.Auth.APIKeys)))
	} else {
		logger.Warn("api authentication disabled - only for development!")
	}

	// 设备消息与收件箱
	api.POST("/devices/:hid/messages", h.CreateMessage)
	api.GET("/devices/:hid/inbox", h.ListInbox)
	api.POST("/devices/:hid/inbox/:entryId/ack", h.AckEntry)
	api.GET("/devices/:hid/network", h.NetworkDevices)
	api.GET("/owners/:ownerId/network", h.NetworkOwners)

	// 投递
	api.GET("/delivery/stats", h.DeliveryStats)

	logger.Info("api routes registered", zap.Int("endpoints", 6))
}
