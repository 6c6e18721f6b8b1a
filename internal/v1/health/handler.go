// Package health serves the liveness and readiness probes. Liveness only
// proves the process is running; readiness runs named dependency checks so
// a saturated or degraded coordinator is pulled from rotation before it
// starts refusing work.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
)

// Version is stamped at build time; "dev" otherwise.
var Version = "dev"

// SessionRegistry is the slice of the registry the readiness probe needs.
type SessionRegistry interface {
	Count() int
	Capacity() int
}

// BreakerStater reports the upstream circuit breaker state.
type BreakerStater interface {
	State() gobreaker.State
}

// Handler manages the probe endpoints. redis and upstream are optional;
// nil skips the corresponding check.
type Handler struct {
	registry SessionRegistry
	redis    *redis.Client
	upstream BreakerStater
	started  time.Time
}

// NewHandler wires the probes to their dependencies.
func NewHandler(registry SessionRegistry, redisClient *redis.Client, upstream BreakerStater) *Handler {
	return &Handler{
		registry: registry,
		redis:    redisClient,
		upstream: upstream,
		started:  time.Now(),
	}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Timestamp     string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body, one entry per check.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /healthz. Returns 200 whenever the process can
// answer at all; no dependency checks.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:        "alive",
		Version:       Version,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /readyz. Returns 200 only when every configured
// check passes, 503 with per-check detail otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	sessions := h.checkSessions()
	checks["sessions"] = sessions
	if sessions != "healthy" {
		allHealthy = false
	}

	if h.redis != nil {
		status := h.checkRedis(ctx)
		checks["redis"] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	if h.upstream != nil {
		status := h.checkUpstream()
		checks["upstream"] = status
		if status != "healthy" {
			allHealthy = false
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// checkSessions reports saturation. A coordinator at its session cap can
// still serve attached players but must stop drawing create traffic.
func (h *Handler) checkSessions() string {
	if h.registry.Count() >= h.registry.Capacity() {
		return "saturated"
	}
	return "healthy"
}

// checkRedis verifies the shared rate-limit store answers PING.
func (h *Handler) checkRedis(ctx context.Context) string {
	if err := h.redis.Ping(ctx).Err(); err != nil {
		logging.Error(ctx, "Redis readiness check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// checkUpstream reports the passthrough circuit. Half-open still counts as
// healthy: the breaker is probing and traffic may flow.
func (h *Handler) checkUpstream() string {
	if h.upstream.State() == gobreaker.StateOpen {
		return "circuit open"
	}
	return "healthy"
}
