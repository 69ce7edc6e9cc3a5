package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RegisterRoutes registers the API on r.
//
//	POST /v1/experiments/:experiment/decide
//	GET  /v1/experiments/:experiment/arms
//	POST /v1/feedback
//	POST /v1/feedback/batch
//	GET  /metrics
//	GET  /healthz
func RegisterRoutes(r *gin.Engine, h *Handlers) {
	v1 := r.Group("/v1")
	v1.POST("/experiments/:experiment/decide", h.HandleDecide)
	v1.GET("/experiments/:experiment/arms", h.HandleListArms)
	v1.POST("/feedback", h.HandleFeedback)
	v1.POST("/feedback/batch", h.HandleBatchFeedback)

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", h.HandleHealth)
}

// NewRouter returns an engine with recovery, request ids and access logging.
func NewRouter(h *Handlers, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), accessLog(logger))
	RegisterRoutes(r, h)
	return r
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := requestID(c)
		c.Header(requestIDHeader, id)
		c.Next()
		logger.Info("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
