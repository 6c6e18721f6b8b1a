package middleware

import (
	"strconv"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"

	"github.com/gin-gonic/gin"
)

// RequestMetrics observes REST latency in the Prometheus histogram. The
// route template keys the series, not the raw path, so every session code
// shares one series per route.
func RequestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			route,
			strconv.Itoa(c.Writer.Status()),
		).Observe(time.Since(start).Seconds())
	}
}
