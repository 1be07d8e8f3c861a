package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// AppMetrics 自定义业务指标；nil 接收者上的 Record* 方法为 no-op
type AppMetrics struct {
	RouteTotal           *prometheus.CounterVec // labels: result=ok|error
	RouteTargets         prometheus.Histogram   // 每条消息的目标设备数
	InboxTransitionTotal *prometheus.CounterVec // labels: to
	DeliveryAttemptTotal *prometheus.CounterVec // labels: result=success|retry|failed|skipped|breaker
	DeliveryDuration     prometheus.Histogram   // webhook 请求耗时
	DeliveryQueueDepth   *prometheus.GaugeVec   // labels: queue=ready_<priority>|inflight
	DeliveryEnqueueTotal *prometheus.CounterVec // labels: priority, result=ok|duplicate|error
	CircuitBreakerState  *prometheus.GaugeVec   // labels: host；0=closed 1=half-open 2=open
	APIRequestsTotal     *prometheus.CounterVec // labels: route, code
	IngestTotal          *prometheus.CounterVec // labels: channel=http|mqtt, result
}

// NewAppMetrics 注册并返回业务指标
func NewAppMetrics(reg prometheus.Registerer) *AppMetrics {
	m := &AppMetrics{
		RouteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "route_total",
			Help: "Message routing attempts by result.",
		}, []string{"result"}),
		RouteTargets: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "route_targets",
			Help:    "Number of target devices resolved per message.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		InboxTransitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inbox_transition_total",
			Help: "Inbox entry status transitions by target status.",
		}, []string{"to"}),
		DeliveryAttemptTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_attempt_total",
			Help: "Webhook delivery attempts by result.",
		}, []string{"result"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "delivery_duration_seconds",
			Help:    "Duration of webhook delivery requests in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		DeliveryQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "delivery_queue_depth",
			Help: "Current delivery queue depth.",
		}, []string{"queue"}),
		DeliveryEnqueueTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "delivery_enqueue_total",
			Help: "Delivery task enqueue operations.",
		}, []string{"priority", "result"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Webhook circuit breaker state per host (0=closed, 1=half-open, 2=open).",
		}, []string{"host"}),
		APIRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "HTTP API requests by route and status code.",
		}, []string{"route", "code"}),
		IngestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_total",
			Help: "Ingested messages by channel and result.",
		}, []string{"channel", "result"}),
	}
	reg.MustRegister(
		m.RouteTotal, m.RouteTargets, m.InboxTransitionTotal,
		m.DeliveryAttemptTotal, m.DeliveryDuration, m.DeliveryQueueDepth, m.DeliveryEnqueueTotal,
		m.CircuitBreakerState, m.APIRequestsTotal, m.IngestTotal,
	)
	return m
}

// RecordRoute 记录一次路由结果
func (m *AppMetrics) RecordRoute(err error, targets int) {
	if m == nil {
		return
	}
	if err != nil {
		m.RouteTotal.WithLabelValues("error").Inc()
		return
	}
	m.RouteTotal.WithLabelValues("ok").Inc()
	m.RouteTargets.Observe(float64(targets))
}

// RecordTransition 记录收件箱状态迁移
func (m *AppMetrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.InboxTransitionTotal.WithLabelValues(to).Inc()
}

// RecordDelivery 记录一次投递尝试
func (m *AppMetrics) RecordDelivery(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.DeliveryAttemptTotal.WithLabelValues(result).Inc()
	if d > 0 {
		m.DeliveryDuration.Observe(d.Seconds())
	}
}

// RecordEnqueue 记录入队结果
func (m *AppMetrics) RecordEnqueue(priority int, result string) {
	if m == nil {
		return
	}
	m.DeliveryEnqueueTotal.WithLabelValues(strconv.Itoa(priority), result).Inc()
}

// SetQueueDepth 更新队列深度
func (m *AppMetrics) SetQueueDepth(queue string, n int64) {
	if m == nil {
		return
	}
	m.DeliveryQueueDepth.WithLabelValues(queue).Set(float64(n))
}

// SetBreakerState 更新熔断器状态
func (m *AppMetrics) SetBreakerState(host string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(host).Set(float64(state))
}

// RecordAPIRequest 记录 API 请求
func (m *AppMetrics) RecordAPIRequest(route string, code int) {
	if m == nil {
		return
	}
	m.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordIngest 记录消息接入
func (m *AppMetrics) RecordIngest(channel, result string) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(channel, result).Inc()
}
