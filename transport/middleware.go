package transport

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/play-engine/observability"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	userIDHeader    = "X-User-ID"
)

// RequestID assigns a request id, echoes it in the response and attaches a request
// scoped logger to the context.
func RequestID(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(requestIDHeader, id)
		ctx := observability.WithLogger(c.Request.Context(), logger.With(zap.String("request_id", id)))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Recovery turns a handler panic into an internal error envelope.
func Recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		observability.LoggerFrom(c.Request.Context(), logger).Error("panic recovered",
			zap.String("panic", fmt.Sprint(recovered)),
			zap.String("path", c.Request.URL.Path),
		)
		abortWithError(c, CodeInternalError, "internal error", nil)
	})
}

// RequestLogging logs one line per request.
func RequestLogging(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		observability.LoggerFrom(c.Request.Context(), logger).Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
		)
	}
}

// MetricsRecording records request counts and latencies by route pattern.
func MetricsRecording(m *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		pattern := c.FullPath()
		if pattern == "" {
			pattern = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, pattern, c.Writer.Status(), time.Since(start))
	}
}
