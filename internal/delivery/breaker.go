package delivery

import (
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/iot-router/internal/config"
	"github.com/taoyao-code/iot-router/internal/metrics"
)

// breakerSet 按目标主机维护熔断器
type breakerSet struct {
	mu       sync.Mutex
	cfg      cfgpkg.BreakerConfig
	breakers map[string]*gobreaker.CircuitBreaker[int]
	logger   *zap.Logger
	metrics  *metrics.AppMetrics
}

func newBreakerSet(cfg cfgpkg.BreakerConfig, logger *zap.Logger, m *metrics.AppMetrics) *breakerSet {
	return &breakerSet{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker[int]),
		logger:   logger,
		metrics:  m,
	}
}

func (b *breakerSet) get(host string) *gobreaker.CircuitBreaker[int] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[host]; ok {
		return cb
	}

	minRequests := b.cfg.MinRequests
	ratio := b.cfg.FailureRatio
	timeout := b.cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	cb := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        host,
		MaxRequests: b.cfg.MaxRequests,
		Interval:    b.cfg.Interval,
		Timeout:     timeout,
		// 请求数达到 minRequests 且失败率 >= ratio 时打开
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < minRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("webhook circuit breaker state changed",
				zap.String("host", name), zap.String("from", from.String()), zap.String("to", to.String()))
			b.metrics.SetBreakerState(name, stateValue(to))
		},
	})
	b.breakers[host] = cb
	b.metrics.SetBreakerState(host, 0)
	return cb
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
