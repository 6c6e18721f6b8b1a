package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/retroden/canvas64/backend/go/internal/v1/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limiterConfig() *config.Config {
	return &config.Config{
		RateLimitEnabled: true,
		RateLimitGlobal:  "5-M",
		RateLimitCreate:  "2-M",
		RateLimitJoin:    "3-M",
		RateLimitWS:      "3-M",
	}
}

func newRedisLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rl, err := New(limiterConfig(), rc)
	require.NoError(t, err)
	return rl, mr
}

func newRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestNew_MemoryStore(t *testing.T) {
	rl, err := New(limiterConfig(), nil)
	assert.NoError(t, err)
	assert.NotNil(t, rl)
}

func TestNew_RejectsBadRateFormat(t *testing.T) {
	cfg := limiterConfig()
	cfg.RateLimitCreate = "lots"

	_, err := New(cfg, nil)
	assert.ErrorContains(t, err, "RATE_LIMIT_CREATE")
}

func TestGlobalMiddleware_LimitsByIP(t *testing.T) {
	rl, _ := newRedisLimiter(t)
	r := newRouter(rl.GlobalMiddleware())

	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.Equal(t, "5", resp.Header().Get("X-RateLimit-Limit"))
	}

	resp := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
	assert.JSONEq(t, `{"error":"rate_limited"}`, resp.Body.String())
	assert.NotEmpty(t, resp.Header().Get("Retry-After"))
}

func TestCreateMiddleware_TighterThanGlobal(t *testing.T) {
	rl, _ := newRedisLimiter(t)
	r := newRouter(rl.CreateMiddleware())

	for i := 0; i < 2; i++ {
		resp := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}

	resp := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestMiddleware_DisabledPassesThrough(t *testing.T) {
	cfg := limiterConfig()
	cfg.RateLimitEnabled = false
	rl, err := New(cfg, nil)
	require.NoError(t, err)
	r := newRouter(rl.CreateMiddleware())

	for i := 0; i < 20; i++ {
		resp := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		r.ServeHTTP(resp, req)
		assert.Equal(t, http.StatusOK, resp.Code)
	}
}

func TestMiddleware_FailsOpenOnStoreError(t *testing.T) {
	rl, mr := newRedisLimiter(t)
	r := newRouter(rl.GlobalMiddleware())
	mr.Close() // kill the store out from under the limiter

	resp := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	r.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code, "store outage must not reject traffic")
}

func TestCheckWebSocket_Limits(t *testing.T) {
	rl, _ := newRedisLimiter(t)
	gin.SetMode(gin.TestMode)

	allowed := 0
	for i := 0; i < 5; i++ {
		resp := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(resp)
		c.Request, _ = http.NewRequest(http.MethodGet, "/ws/multiplayer", nil)
		if rl.CheckWebSocket(c) {
			allowed++
		} else {
			assert.Equal(t, http.StatusTooManyRequests, resp.Code)
		}
	}
	assert.Equal(t, 3, allowed)
}

func TestSurfacesHaveSeparateBudgets(t *testing.T) {
	rl, _ := newRedisLimiter(t)
	create := newRouter(rl.CreateMiddleware())
	join := newRouter(rl.JoinMiddleware())

	// Exhaust create; join still has its own budget.
	for i := 0; i < 3; i++ {
		resp := httptest.NewRecorder()
		req, _ := http.NewRequest(http.MethodGet, "/test", nil)
		create.ServeHTTP(resp, req)
	}
	resp := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/test", nil)
	join.ServeHTTP(resp, req)
	assert.Equal(t, http.StatusOK, resp.Code)
}
