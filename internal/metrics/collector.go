// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/botflow/internal/database"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。
// 同时实现 workflow.MetricsRecorder、guard.Observer 与 database.StatsObserver。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 流程指标
	flowInstancesTotal   *prometheus.CounterVec
	flowInstanceDuration *prometheus.HistogramVec
	nodeAttemptsTotal    *prometheus.CounterVec
	nodeAttemptDuration  *prometheus.HistogramVec

	// AI 保护层指标
	guardRejectionsTotal *prometheus.CounterVec
	guardCallsTotal      *prometheus.CounterVec
	guardCallDuration    *prometheus.HistogramVec

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbWaitCount        prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到 reg；reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// 流程指标
	c.flowInstancesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flow_instances_total",
			Help:      "Total number of finished flow instances",
		},
		[]string{"status"},
	)

	c.flowInstanceDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flow_instance_duration_seconds",
			Help:      "Flow instance processing time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"status"},
	)

	c.nodeAttemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_attempts_total",
			Help:      "Total number of node handler attempts",
		},
		[]string{"node_type", "status"},
	)

	c.nodeAttemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_attempt_duration_seconds",
			Help:      "Node handler attempt duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node_type"},
	)

	// AI 保护层指标
	c.guardRejectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_rejections_total",
			Help:      "Total number of AI calls rejected by the guard",
		},
		[]string{"reason"},
	)

	c.guardCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "guard_calls_total",
			Help:      "Total number of guarded AI calls",
		},
		[]string{"provider", "model", "status"},
	)

	c.guardCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "guard_call_duration_seconds",
			Help:      "Guarded AI call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "model"},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Number of open database connections",
	})
	c.dbConnectionsInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Number of database connections in use",
	})
	c.dbConnectionsIdle = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Number of idle database connections",
	})
	c.dbWaitCount = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_wait_count",
		Help:      "Cumulative number of connections waited for",
	})

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔀 流程指标记录
// =============================================================================

// RecordFlowInstance 记录流程实例结束
func (c *Collector) RecordFlowInstance(status string, duration time.Duration) {
	c.flowInstancesTotal.WithLabelValues(status).Inc()
	c.flowInstanceDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordNodeAttempt 记录单次节点尝试
func (c *Collector) RecordNodeAttempt(nodeType, status string, duration time.Duration) {
	c.nodeAttemptsTotal.WithLabelValues(nodeType, status).Inc()
	c.nodeAttemptDuration.WithLabelValues(nodeType).Observe(duration.Seconds())
}

// =============================================================================
// 🛡️ AI 保护层指标记录
// =============================================================================

// RecordGuardRejection 记录被拒绝的调用
func (c *Collector) RecordGuardRejection(reason string) {
	c.guardRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordGuardCall 记录实际发出的调用
func (c *Collector) RecordGuardCall(provider, model, status string, duration time.Duration) {
	c.guardCallsTotal.WithLabelValues(provider, model, status).Inc()
	c.guardCallDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBPool 记录连接池快照
func (c *Collector) RecordDBPool(stats database.PoolStats) {
	c.dbConnectionsOpen.Set(float64(stats.OpenConnections))
	c.dbConnectionsInUse.Set(float64(stats.InUse))
	c.dbConnectionsIdle.Set(float64(stats.Idle))
	c.dbWaitCount.Set(float64(stats.WaitCount))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
