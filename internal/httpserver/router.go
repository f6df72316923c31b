package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushfanout/pkg/circuitbreaker"
)

// Pinger 由 *pgxpool.Pool 实现
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerStater 暴露推送通道熔断器状态
type BreakerStater interface {
	State() circuitbreaker.State
}

// MQStatus 由 *mq.Publisher 实现，DLQ 发布依赖这条连接
type MQStatus interface {
	IsConnected() bool
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter worker 的健康检查和指标端点
func NewRouter(db Pinger, mq MQStatus, breaker BreakerStater) *Router {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if mq != nil && !mq.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}

		// 熔断打开时仍然 ready，消息会重新入队等待恢复
		resp := gin.H{"status": "ready"}
		if breaker != nil {
			resp["push_breaker"] = breaker.State().String()
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
