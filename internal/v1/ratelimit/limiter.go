// Package ratelimit throttles the coordinator's public surfaces. Limits are
// keyed by client IP: the REST surface is anonymous, and the clientId token
// is a credential, not an identity to meter by. The store is local memory by
// default and Redis when configured, so replicas can share one budget.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Limiter names, used as metric labels and store key prefixes.
const (
	LimitGlobal = "global"
	LimitCreate = "create"
	LimitJoin   = "join"
	LimitWS     = "websocket"
)

// RateLimiter holds one limiter per surface: a global budget across the
// REST API, tighter budgets for session create and join, and a connection
// budget for WebSocket attaches.
type RateLimiter struct {
	global  *limiter.Limiter
	create  *limiter.Limiter
	join    *limiter.Limiter
	ws      *limiter.Limiter
	enabled bool
}

// New builds the limiter set from config. A nil redisClient selects the
// in-memory store; rates use the ulule format ("10-M" is ten per minute).
func New(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	rates := map[string]*limiter.Rate{
		"RATE_LIMIT_GLOBAL": nil,
		"RATE_LIMIT_CREATE": nil,
		"RATE_LIMIT_JOIN":   nil,
		"RATE_LIMIT_WS":     nil,
	}
	for name, raw := range map[string]string{
		"RATE_LIMIT_GLOBAL": cfg.RateLimitGlobal,
		"RATE_LIMIT_CREATE": cfg.RateLimitCreate,
		"RATE_LIMIT_JOIN":   cfg.RateLimitJoin,
		"RATE_LIMIT_WS":     cfg.RateLimitWS,
	} {
		rate, err := limiter.NewRateFromFormatted(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		rates[name] = &rate
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "netplay:ratelimit:",
		})
		if err != nil {
			return nil, fmt.Errorf("redis rate limit store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "rate limiter using memory store")
	}

	return &RateLimiter{
		global:  limiter.New(store, *rates["RATE_LIMIT_GLOBAL"]),
		create:  limiter.New(store, *rates["RATE_LIMIT_CREATE"]),
		join:    limiter.New(store, *rates["RATE_LIMIT_JOIN"]),
		ws:      limiter.New(store, *rates["RATE_LIMIT_WS"]),
		enabled: cfg.RateLimitEnabled,
	}, nil
}

// GlobalMiddleware meters every REST request by IP.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.global, LimitGlobal)
}

// CreateMiddleware adds the tighter per-IP budget on session creation.
func (rl *RateLimiter) CreateMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.create, LimitCreate)
}

// JoinMiddleware adds the per-IP budget on session joins.
func (rl *RateLimiter) JoinMiddleware() gin.HandlerFunc {
	return rl.middleware(rl.join, LimitJoin)
}

func (rl *RateLimiter) middleware(l *limiter.Limiter, name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.enabled {
			c.Next()
			return
		}

		lctx, err := l.Get(c.Request.Context(), name+":"+c.ClientIP())
		if err != nil {
			// A broken store must not take the API down with it.
			logging.Error(c.Request.Context(), "rate limit store failed", zap.Error(err), zap.String("limiter", name))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimited.WithLabelValues(name).Inc()
			c.Header("Retry-After", strconv.FormatInt(max(lctx.Reset-time.Now().Unix(), 1), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
		c.Next()
	}
}

// CheckWebSocket meters attach attempts by IP before the upgrade spends a
// socket. Returns false after writing the 429; the caller just returns.
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	if !rl.enabled {
		return true
	}

	lctx, err := rl.ws.Get(c.Request.Context(), LimitWS+":"+c.ClientIP())
	if err != nil {
		logging.Error(c.Request.Context(), "rate limit store failed", zap.Error(err), zap.String("limiter", LimitWS))
		return true
	}

	if lctx.Reached {
		metrics.RateLimited.WithLabelValues(LimitWS).Inc()
		c.Header("Retry-After", strconv.FormatInt(max(lctx.Reset-time.Now().Unix(), 1), 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return false
	}
	return true
}
