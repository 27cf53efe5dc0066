// Package api is the HTTP surface over the CRUD engine: gin routes, JSON
// envelopes and header-based actor/tenant extraction. All policy lives in
// the engine; handlers only translate between HTTP and engine requests.
package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Options tunes the transport layer.
type Options struct {
	TenantHeader string
	ActorHeader  string
}

func (o Options) withDefaults() Options {
	if o.TenantHeader == "" {
		o.TenantHeader = "X-Tenant-ID"
	}
	if o.ActorHeader == "" {
		o.ActorHeader = "X-Actor"
	}
	return o
}

// NewRouter wires every route onto a fresh gin engine.
func NewRouter(h *Handler, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/meta", h.MetaList)
		apiGroup.GET("/meta/:table", h.MetaTable)

		// static routes before the parameterized id route
		apiGroup.GET("/:table/count", h.Count)
		apiGroup.POST("/:table/:id/restore", h.Restore)

		apiGroup.GET("/:table", h.List)
		apiGroup.POST("/:table", h.Create)
		apiGroup.GET("/:table/:id", h.Get)
		apiGroup.PATCH("/:table/:id", h.Update)
		apiGroup.DELETE("/:table/:id", h.Delete)
	}
	return r
}

func requestLog(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
