package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pushfanout/pkg/otel"
	"pushfanout/pkg/rbac"
)

// Pinger 由 *pgxpool.Pool 实现
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	Triggers   *TriggerHandler
	Recipients *RecipientHandler
	Admin      *AdminHandler
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(h Handlers, jwtSecret string, db Pinger) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), TraceMiddleware(), MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(jwtSecret))
	{
		me := v1.Group("/recipients/me", RequirePermission(rbac.PermissionManageSubscription))
		me.GET("", h.Recipients.Me)
		me.PUT("/subscription", h.Recipients.Subscribe)
		me.DELETE("/subscription", h.Recipients.Unsubscribe)
		me.PATCH("/preferences", h.Recipients.UpdatePreferences)

		v1.POST("/notifications/preview", RequirePermission(rbac.PermissionPreviewNotification), h.Recipients.Preview)
		v1.POST("/triggers", RequirePermission(rbac.PermissionCreateTrigger), h.Triggers.Create)

		admin := v1.Group("/admin")
		admin.POST("/retention/sweep", RequirePermission(rbac.PermissionRunRetention), h.Admin.RunRetention)
		admin.POST("/outbox/replay", RequirePermission(rbac.PermissionReplayOutbox), h.Admin.ReplayOutboxEvent)
		admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), h.Admin.ReplayFailedEvents)
	}

	return &Router{Engine: r}
}

func (r *Router) Run(port string) error {
	return r.Engine.Run(port)
}
