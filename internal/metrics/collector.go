// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
)

// unknownExperiment 实验不存在时的标签值，避免请求中的任意名称撑爆基数
const unknownExperiment = experiment.UnknownExperimentLabel

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 experiment.Recorder
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 实验指标
	assignmentsTotal *prometheus.CounterVec
	fallbacksTotal   *prometheus.CounterVec
	conversionsTotal *prometheus.CounterVec
	reportsTotal     *prometheus.CounterVec

	// 存储指标
	storeErrorsTotal       *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	dbConnectionsOpen      *prometheus.GaugeVec
	dbConnectionsIdle      *prometheus.GaugeVec

	logger *zap.Logger
}

var _ experiment.Recorder = (*Collector)(nil)

// Option 配置 Collector
type Option func(*options)

type options struct {
	registerer prometheus.Registerer
}

// WithRegisterer 指定注册表，默认 prometheus.DefaultRegisterer
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) {
		if reg != nil {
			o.registerer = reg
		}
	}
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(&o)
	}
	factory := promauto.With(o.registerer)

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

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 6),
		},
		[]string{"method", "path"},
	)

	// 实验指标
	c.assignmentsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignments_total",
			Help:      "Total number of bound variant assignments",
		},
		[]string{"experiment", "variant", "outcome"}, // outcome: new, existing, race_recovered
	)

	c.fallbacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assignment_fallbacks_total",
			Help:      "Total number of assignments that fell back to the control variant",
		},
		[]string{"experiment", "reason"},
	)

	c.conversionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Total number of conversion events by outcome",
		},
		[]string{"experiment", "variant", "outcome"},
	)

	c.reportsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Total number of generated experiment reports",
		},
		[]string{"experiment", "status"}, // status: significant, not_significant
	)

	// 存储指标
	c.storeErrorsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Total number of storage failures",
		},
		[]string{"operation"},
	)

	c.storeOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_operation_duration_seconds",
			Help:      "Storage operation duration in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🧪 实验指标记录（experiment.Recorder）
// =============================================================================

// RecordAssignment 记录一次绑定分配
func (c *Collector) RecordAssignment(experimentName, variant, outcome string) {
	c.assignmentsTotal.WithLabelValues(experimentName, variant, outcome).Inc()
}

// RecordFallback 记录一次对照组回落
func (c *Collector) RecordFallback(experimentName, reason string) {
	c.fallbacksTotal.WithLabelValues(experiment.FallbackExperimentLabel(experimentName, reason), reason).Inc()
}

// RecordConversion 记录转化事件
func (c *Collector) RecordConversion(experimentName, variant, outcome string) {
	c.conversionsTotal.WithLabelValues(experiment.ConversionExperimentLabel(experimentName, outcome), variant, outcome).Inc()
}

// RecordStoreError 记录存储失败
func (c *Collector) RecordStoreError(operation string) {
	c.storeErrorsTotal.WithLabelValues(operation).Inc()
}

// ObserveStoreOperation 记录存储操作耗时
func (c *Collector) ObserveStoreOperation(operation string, duration time.Duration) {
	c.storeOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordReport 记录报告生成
func (c *Collector) RecordReport(experimentName string, significant bool) {
	status := "not_significant"
	if significant {
		status = "significant"
	}
	c.reportsTotal.WithLabelValues(experimentName, status).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
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
