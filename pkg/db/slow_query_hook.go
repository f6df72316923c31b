package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"pushfanout/pkg/metrics"
	"pushfanout/pkg/otel"
)

type queryInfoKey struct{}

type queryInfo struct {
	start time.Time
	sql   string
	span  oteltrace.Span
}

// SlowQueryTracer 记录查询耗时、慢查询日志和 DB span
type SlowQueryTracer struct {
	logger        *zap.Logger
	slowThreshold time.Duration
}

// NewSlowQueryTracer 创建慢查询 Tracer，阈值默认 100ms
func NewSlowQueryTracer(logger *zap.Logger, slowThreshold time.Duration) *SlowQueryTracer {
	if slowThreshold <= 0 {
		slowThreshold = 100 * time.Millisecond
	}
	return &SlowQueryTracer{
		logger:        logger,
		slowThreshold: slowThreshold,
	}
}

// TraceQueryStart 查询开始时的钩子
func (t *SlowQueryTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, span := otel.DBSpan(ctx, operationOf(data.SQL), data.SQL)
	return context.WithValue(ctx, queryInfoKey{}, &queryInfo{
		start: time.Now(),
		sql:   data.SQL,
		span:  span,
	})
}

// TraceQueryEnd 查询结束时的钩子
func (t *SlowQueryTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	info, ok := ctx.Value(queryInfoKey{}).(*queryInfo)
	if !ok {
		return
	}

	otel.WrapDBError(info.span, data.Err)
	info.span.End()

	duration := time.Since(info.start)
	op := operationOf(info.sql)
	metrics.RecordDBQueryDuration(op, tableOf(info.sql), duration)

	if duration <= t.slowThreshold {
		return
	}

	sqlTruncated := strings.Join(strings.Fields(info.sql), " ")
	if len(sqlTruncated) > 200 {
		sqlTruncated = sqlTruncated[:200] + "..."
	}

	t.logger.Warn("slow-query",
		zap.String("sql", sqlTruncated),
		zap.Duration("took", duration),
		zap.String("command_tag", data.CommandTag.String()),
	)

	metrics.IncrementSlowQuery(op+" "+tableOf(info.sql), duration)
}

// operationOf 取 SQL 的首个关键字
func operationOf(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.ToLower(fields[0])
}

// tableOf 粗略提取 FROM/INTO/UPDATE 后的表名，只用于指标标签
func tableOf(sql string) string {
	fields := strings.Fields(strings.ToLower(sql))
	for i, f := range fields {
		if (f == "from" || f == "into" || f == "update") && i+1 < len(fields) {
			return strings.Trim(fields[i+1], "();")
		}
	}
	return "unknown"
}
