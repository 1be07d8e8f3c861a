package app

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/delivery"
	pgstorage "github.com/taoyao-code/iot-router/internal/storage/pg"
	redisstorage "github.com/taoyao-code/iot-router/internal/storage/redis"
)

// NewRedisClient 创建Redis客户端；未启用时返回 nil
func NewRedisClient(cfg cfgpkg.RedisConfig, logger *zap.Logger) (*redisstorage.Client, error) {
	if !cfg.Enabled {
		logger.Info("redis is disabled, skipping initialization")
		return nil, nil
	}

	client, err := redisstorage.NewClient(cfg)
	if err != nil {
		return nil, err
	}

	logger.Info("redis client initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("pool_size", cfg.PoolSize))

	return client, nil
}

// NewDeliveryQueue 按 delivery.backend 选择持久化队列
func NewDeliveryQueue(cfg cfgpkg.DeliveryConfig, redisClient *redisstorage.Client, pool *pgxpool.Pool, consumer string, logger *zap.Logger) (delivery.Queue, error) {
	switch cfg.Backend {
	case "redis":
		if redisClient == nil {
			return nil, errors.New("delivery backend redis: redis client not initialized")
		}
		logger.Info("delivery queue backend selected", zap.String("backend", "redis"))
		return redisstorage.NewDeliveryQueue(redisClient), nil
	case "pg":
		logger.Info("delivery queue backend selected", zap.String("backend", "pg"))
		return pgstorage.NewDeliveryQueue(pool, consumer), nil
	default:
		return nil, fmt.Errorf("unknown delivery backend %q", cfg.Backend)
	}
}
