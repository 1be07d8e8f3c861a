package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/coremodel"
)

const connectPingTimeout = 5 * time.Second

// Client 投递队列使用的 Redis 连接
type Client struct {
	*redis.Client
}

// NewClient 按配置建立连接，首次 PING 失败时关闭并返回错误
func NewClient(cfg cfgpkg.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled")
	}

	rdb := redis.NewClient(optionsFrom(cfg))

	ctx, cancel := context.WithTimeout(context.Background(), connectPingTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return &Client{Client: rdb}, nil
}

func optionsFrom(cfg cfgpkg.RedisConfig) *redis.Options {
	return &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}

// Wrap 包装已有的 go-redis 客户端（测试中配合 miniredis 使用）
func Wrap(rdb *redis.Client) *Client {
	return &Client{Client: rdb}
}

// PoolUsage 连接池占用快照；Max 为生效后的 PoolSize
func (c *Client) PoolUsage() *coremodel.PoolUsage {
	ps := c.PoolStats()
	return &coremodel.PoolUsage{
		InUse:    int64(ps.TotalConns) - int64(ps.IdleConns),
		Idle:     int64(ps.IdleConns),
		Max:      int64(c.Options().PoolSize),
		Timeouts: int64(ps.Timeouts),
	}
}
