// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	stateTransitions  *prometheus.CounterVec
	delegationsTotal  *prometheus.CounterVec

	// 熔断与重试
	circuitState      *prometheus.GaugeVec
	circuitRejections *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec

	// Checkpoint
	checkpointOps      *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec

	// 人工审批
	interruptsTotal   *prometheus.CounterVec
	interruptsPending prometheus.Gauge

	// 事件流
	streamEvents *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到默认 registry
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewCollectorWithRegistry 创建指标收集器并注册到指定 registry
func NewCollectorWithRegistry(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
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

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 执行指标
	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished executions by final state",
		},
		[]string{"agent_id", "state"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution wall time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 600},
		},
		[]string{"agent_id"},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_state_transitions_total",
			Help:      "Total number of execution state transitions",
		},
		[]string{"from_state", "to_state", "result"}, // result: applied, blocked
	)

	c.delegationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegations_total",
			Help:      "Total number of delegations to specialist agents",
		},
		[]string{"agent_id", "status"},
	)

	// 熔断与重试
	c.circuitState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit state per agent (0=closed, 1=half-open, 2=open)",
		},
		[]string{"agent_id"},
	)

	c.circuitRejections = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_rejections_total",
			Help:      "Calls rejected by an open circuit",
		},
		[]string{"agent_id"},
	)

	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Retry attempts scheduled after a failed call",
		},
		[]string{"operation"},
	)

	// Checkpoint
	c.checkpointOps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_operations_total",
			Help:      "Checkpoint store operations",
		},
		[]string{"operation", "status"},
	)

	c.checkpointDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_operation_duration_seconds",
			Help:      "Checkpoint store operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// 人工审批
	c.interruptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Approval interrupts by tool and outcome",
		},
		[]string{"tool_name", "outcome"}, // outcome: requested, accept, edit, ignore, reject
	)

	c.interruptsPending = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "interrupts_pending",
			Help:      "Approval interrupts currently awaiting a human decision",
		},
	)

	// 事件流
	c.streamEvents = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Stream events forwarded to clients",
		},
		[]string{"mode"},
	)

	// 数据库指标
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

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
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
// 🎭 执行指标记录
// =============================================================================

// RecordExecution 记录一次执行结束
func (c *Collector) RecordExecution(agentID, state string, duration time.Duration) {
	c.executionsTotal.WithLabelValues(agentID, state).Inc()
	c.executionDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordStateTransition 记录状态转换；applied=false 表示被状态机拦截
func (c *Collector) RecordStateTransition(from, to string, applied bool) {
	result := "applied"
	if !applied {
		result = "blocked"
	}
	c.stateTransitions.WithLabelValues(from, to, result).Inc()
}

// RecordDelegation 记录一次委派结果
func (c *Collector) RecordDelegation(agentID, status string) {
	c.delegationsTotal.WithLabelValues(agentID, status).Inc()
}

// =============================================================================
// 🔌 熔断与重试
// =============================================================================

// RecordCircuitState 记录熔断器状态
func (c *Collector) RecordCircuitState(agentID, state string) {
	var v float64
	switch state {
	case "half-open":
		v = 1
	case "open":
		v = 2
	}
	c.circuitState.WithLabelValues(agentID).Set(v)
}

// RecordCircuitRejection 记录被熔断拒绝的调用
func (c *Collector) RecordCircuitRejection(agentID string) {
	c.circuitRejections.WithLabelValues(agentID).Inc()
}

// RecordRetry 记录一次重试
func (c *Collector) RecordRetry(operation string) {
	c.retryAttempts.WithLabelValues(operation).Inc()
}

// =============================================================================
// 💾 Checkpoint
// =============================================================================

// RecordCheckpoint 记录 checkpoint 操作
func (c *Collector) RecordCheckpoint(operation string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.checkpointOps.WithLabelValues(operation, status).Inc()
	c.checkpointDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// =============================================================================
// 🙋 人工审批
// =============================================================================

// RecordInterruptRequested 记录新的审批中断
func (c *Collector) RecordInterruptRequested(toolName string) {
	c.interruptsTotal.WithLabelValues(toolName, "requested").Inc()
	c.interruptsPending.Inc()
}

// RecordInterruptResolved 记录审批结果
func (c *Collector) RecordInterruptResolved(toolName, outcome string) {
	c.interruptsTotal.WithLabelValues(toolName, outcome).Inc()
	c.interruptsPending.Dec()
}

// =============================================================================
// 📡 事件流
// =============================================================================

// RecordStreamEvent 记录转发给客户端的事件
func (c *Collector) RecordStreamEvent(mode string) {
	c.streamEvents.WithLabelValues(mode).Inc()
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
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
