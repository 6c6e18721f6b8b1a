// Package middleware contains Gin middleware for the coordinator's REST
// surface: request correlation, wall-clock deadlines, and latency metrics.
package middleware

import (
	"context"

	"github.com/retroden/canvas64/backend/go/internal/v1/logging"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderXRequestID is the header key for the request correlation ID.
const HeaderXRequestID = "X-Request-ID"

// RequestID honors an inbound X-Request-ID or generates one. The ID is
// echoed on the response and stored in both the gin keys and the request
// context, so zap picks it up on every log line downstream.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		// Set in header for response
		c.Header(HeaderXRequestID, requestID)

		// Set in context for logger
		c.Set(string(logging.CorrelationIDKey), requestID)
		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		// Pass to next handlers
		c.Next()
	}
}
