package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/iot-router/internal/coremodel"
)

// mockChecker 模拟检查器
type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string {
	return m.name
}

func (m *mockChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		Status:  m.status,
		Message: "mock",
		Latency: time.Millisecond,
	}
}

// slowChecker 等待 ctx 结束，验证单检查超时
type slowChecker struct{}

func (slowChecker) Name() string { return "slow" }

func (slowChecker) Check(ctx context.Context) CheckResult {
	<-ctx.Done()
	return CheckResult{Status: StatusUnhealthy, Message: ctx.Err().Error()}
}

func TestAggregator(t *testing.T) {
	t.Run("全部健康", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusHealthy},
			&mockChecker{"delivery_queue", StatusHealthy},
		)
		assert.Equal(t, StatusHealthy, agg.OverallStatus(context.Background()))
		assert.True(t, agg.Ready(context.Background()))
	})

	t.Run("部分降级仍就绪", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusHealthy},
			&mockChecker{"delivery_queue", StatusDegraded},
		)
		assert.Equal(t, StatusDegraded, agg.OverallStatus(context.Background()))
		assert.True(t, agg.Ready(context.Background()))
	})

	t.Run("部分不健康", func(t *testing.T) {
		agg := NewAggregator(
			&mockChecker{"database", StatusDegraded},
			&mockChecker{"redis", StatusUnhealthy},
		)
		assert.Equal(t, StatusUnhealthy, agg.OverallStatus(context.Background()))
		assert.False(t, agg.Ready(context.Background()))
	})

	t.Run("动态添加检查器", func(t *testing.T) {
		agg := NewAggregator(&mockChecker{"initial", StatusHealthy})
		agg.AddChecker(&mockChecker{"added", StatusHealthy})

		report := agg.Report(context.Background())
		assert.Len(t, report.Checks, 2)
		assert.Equal(t, StatusHealthy, report.Status)
	})

	t.Run("单个检查超时", func(t *testing.T) {
		agg := NewAggregator(slowChecker{})
		agg.timeout = 20 * time.Millisecond

		results := agg.CheckAll(context.Background())
		assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	})

	t.Run("Alive始终返回true", func(t *testing.T) {
		assert.True(t, NewAggregator().Alive())
	})
}

type fakeQueue struct {
	pingErr  error
	statsErr error
	st       coremodel.QueueStats
}

func (f fakeQueue) Ping(context.Context) error { return f.pingErr }

func (f fakeQueue) Stats(context.Context) (coremodel.QueueStats, error) { return f.st, f.statsErr }

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()

	res := NewQueueChecker(fakeQueue{st: coremodel.QueueStats{Ready: map[int]int64{1: 2, 3: 1}}}, "redis", 10).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, int64(3), res.Details["total"])

	res = NewQueueChecker(fakeQueue{st: coremodel.QueueStats{Ready: map[int]int64{3: 50}}}, "redis", 10).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)

	res = NewQueueChecker(fakeQueue{st: coremodel.QueueStats{Ready: map[int]int64{3: 50}}}, "pg", 0).Check(ctx)
	assert.Equal(t, StatusHealthy, res.Status)

	res = NewQueueChecker(fakeQueue{statsErr: errors.New("slow")}, "pg", 0).Check(ctx)
	assert.Equal(t, StatusDegraded, res.Status)

	res = NewQueueChecker(fakeQueue{pingErr: errors.New("refused")}, "redis", 0).Check(ctx)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Message, "refused")
	assert.Equal(t, "redis", res.Details["backend"])

	t.Run("到期任务堆积", func(t *testing.T) {
		st := coremodel.QueueStats{Ready: map[int]int64{3: 8}, Overdue: 6}
		res := NewQueueChecker(fakeQueue{st: st}, "redis", 100).WithMaxOverdue(5).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Contains(t, res.Message, "lagging")
		assert.Equal(t, int64(6), res.Details["overdue"])

		res = NewQueueChecker(fakeQueue{st: st}, "redis", 100).WithMaxOverdue(10).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)

		res = NewQueueChecker(fakeQueue{st: st}, "redis", 100).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
	})

	t.Run("连接池", func(t *testing.T) {
		st := coremodel.QueueStats{Pool: &coremodel.PoolUsage{InUse: 4, Idle: 6, Max: 10, Timeouts: 2}}
		res := NewQueueChecker(fakeQueue{st: st}, "redis", 0).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, int64(10), res.Details["pool_max"])
		assert.Equal(t, int64(2), res.Details["pool_timeouts"])

		st.Pool = &coremodel.PoolUsage{InUse: 10, Max: 10}
		res = NewQueueChecker(fakeQueue{st: st}, "pg", 0).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.Contains(t, res.Message, "pool exhausted")

		res = NewQueueChecker(fakeQueue{}, "pg", 0).Check(ctx)
		_, ok := res.Details["pool_max"]
		assert.False(t, ok)
	})
}

func TestStatusWorse(t *testing.T) {
	assert.Equal(t, StatusDegraded, StatusHealthy.Worse(StatusDegraded))
	assert.Equal(t, StatusDegraded, StatusDegraded.Worse(StatusHealthy))
	assert.Equal(t, StatusUnhealthy, StatusDegraded.Worse(StatusUnhealthy))
	assert.Equal(t, StatusUnhealthy, StatusUnhealthy.Worse(StatusHealthy))
	assert.Equal(t, Status("bogus"), StatusHealthy.Worse("bogus"))
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)

	get := func(r *gin.Engine, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		return w
	}

	readiness := New()
	r := gin.New()
	RegisterHTTPRoutes(r, NewAggregator(&mockChecker{"database", StatusHealthy}), readiness)

	assert.Equal(t, http.StatusOK, get(r, "/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/readyz").Code)

	readiness.SetDBReady(true)
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/readyz").Code)
	readiness.SetDeliveryReady(true)
	assert.Equal(t, http.StatusOK, get(r, "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(r, "/health/ready").Code)

	w := get(r, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var report HealthReport
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Contains(t, report.Checks, "database")

	bad := gin.New()
	RegisterHTTPRoutes(bad, NewAggregator(&mockChecker{"redis", StatusUnhealthy}), nil)
	assert.Equal(t, http.StatusServiceUnavailable, get(bad, "/health").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(bad, "/readyz").Code)
	assert.Equal(t, http.StatusOK, get(bad, "/health/live").Code)
}
