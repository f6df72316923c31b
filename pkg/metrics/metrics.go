package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	// 慢查询计数
	DBSlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Total number of queries slower than the configured threshold",
		},
		[]string{"statement"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 单次 fan-out 耗时（秒）
	FanoutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fanout_duration_seconds",
			Help:    "Duration of one trigger fan-out in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"type"},
	)

	// fan-out 执行次数
	FanoutRunCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_runs_total",
			Help: "Total number of trigger fan-outs",
		},
		[]string{"type", "outcome"}, // outcome: delivered, no_recipients, failed
	)

	// 推送结果计数
	PushSendCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "push_sends_total",
			Help: "Total number of push deliveries by result",
		},
		[]string{"result"}, // result: success, transient_failure, permanent_failure
	)

	// 被回收的无效地址
	TokensReconciledCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_tokens_reconciled_total",
			Help: "Total number of recipients disabled because their address was permanently rejected",
		},
	)

	// 回收失败次数
	ReconcileErrorCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "push_reconcile_errors_total",
			Help: "Total number of failed reconciliation writes",
		},
	)

	// 保留期清理删除数
	RetentionDeletedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retention_deleted_total",
			Help: "Total number of rows removed by the retention sweeper",
		},
		[]string{"table"},
	)

	// 熔断器状态 0=closed 1=open 2=half_open
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"name"},
	)

	// 进入 DLQ 的消息
	DLQPublishedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_dlq_published_total",
			Help: "Total number of messages moved to the dead letter queue",
		},
		[]string{"routing_key", "reason"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(statement string, duration time.Duration) {
	DBSlowQueryCount.WithLabelValues(statement).Inc()
	DBQueryDuration.WithLabelValues("slow", "unknown").Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// RecordFanout 记录一次 fan-out 的结果和耗时
func RecordFanout(triggerType, outcome string, duration time.Duration) {
	FanoutRunCount.WithLabelValues(triggerType, outcome).Inc()
	FanoutDuration.WithLabelValues(triggerType).Observe(duration.Seconds())
}

// AddPushSends 累加推送结果
func AddPushSends(result string, n int) {
	if n <= 0 {
		return
	}
	PushSendCount.WithLabelValues(result).Add(float64(n))
}

// AddTokensReconciled 累加回收的地址数
func AddTokensReconciled(n int64) {
	if n <= 0 {
		return
	}
	TokensReconciledCount.Add(float64(n))
}

// IncrementReconcileError 记录回收失败
func IncrementReconcileError() {
	ReconcileErrorCount.Inc()
}

// AddRetentionDeleted 累加清理删除的行数
func AddRetentionDeleted(table string, n int64) {
	if n <= 0 {
		return
	}
	RetentionDeletedCount.WithLabelValues(table).Add(float64(n))
}

// SetCircuitBreakerState 更新熔断器状态
func SetCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// IncrementDLQPublished 记录进入 DLQ 的消息
func IncrementDLQPublished(routingKey, reason string) {
	DLQPublishedCount.WithLabelValues(routingKey, reason).Inc()
}
