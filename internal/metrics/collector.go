// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。nil *Collector 的所有记录方法都是空操作。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 工作流指标
	workflowsTotal    *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	workflowsInflight prometheus.Gauge
	workflowLayers    prometheus.Histogram

	// 节点指标
	nodesTotal   *prometheus.CounterVec
	nodeDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
	logger   *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到 prometheus.DefaultRegisterer。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger:   logger.With(zap.String("component", "metrics")),
		gatherer: prometheus.DefaultGatherer,
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
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

	// 工作流指标
	c.workflowsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_executions_total",
			Help:      "Total number of workflow executions by final status",
		},
		[]string{"status"},
	)

	c.workflowDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
		},
		[]string{"status"},
	)

	c.workflowsInflight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_inflight",
			Help:      "Number of workflow instances currently executing",
		},
	)

	c.workflowLayers = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "workflow_layers",
			Help:      "Number of traversal layers per workflow execution",
			Buckets:   prometheus.LinearBuckets(1, 2, 10),
		},
	)

	// 节点指标
	c.nodesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_executions_total",
			Help:      "Total number of node tasks by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node task duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// Handler 返回暴露本收集器所在 registry 的 /metrics handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// =============================================================================
// 🔀 工作流指标记录
// =============================================================================

// WorkflowStarted 记录工作流实例开始
func (c *Collector) WorkflowStarted() {
	if c == nil {
		return
	}
	c.workflowsInflight.Inc()
}

// WorkflowFinished 记录工作流实例结束
func (c *Collector) WorkflowFinished(status string, layers int, duration time.Duration) {
	if c == nil {
		return
	}
	c.workflowsInflight.Dec()
	c.workflowsTotal.WithLabelValues(status).Inc()
	c.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.workflowLayers.Observe(float64(layers))
}

// RecordNode 记录节点任务（action: execute/skip/prune）
func (c *Collector) RecordNode(action, outcome string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodesTotal.WithLabelValues(action, outcome).Inc()
	c.nodeDuration.WithLabelValues(action).Observe(duration.Seconds())
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
