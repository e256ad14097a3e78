package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/usewisp/wisp/pkg/telemetry"
)

const requestIDHeader = "X-Request-Id"

// requestLogger tags each request with an id, puts a request-scoped logger in
// its context and logs the outcome.
func requestLogger(log *telemetry.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(requestIDHeader)
		if strings.TrimSpace(rid) == "" {
			rid = uuid.NewString()
		}
		c.Set("request_id", rid)
		c.Writer.Header().Set(requestIDHeader, rid)

		reqLog := log.WithField("request_id", rid)
		c.Request = c.Request.WithContext(reqLog.WithContext(c.Request.Context()))

		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := reqLog.WithFields(map[string]interface{}{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     status,
			"latency_ms": time.Since(start).Milliseconds(),
		})
		if c.Request.URL.Path == "/healthz" || c.Request.URL.Path == "/metrics" {
			entry.Debug("request")
			return
		}
		entry.Info("request")
	}
}
