package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	count    int
	capacity int
}

func (s stubRegistry) Count() int    { return s.count }
func (s stubRegistry) Capacity() int { return s.capacity }

type stubBreaker struct {
	state gobreaker.State
}

func (s stubBreaker) State() gobreaker.State { return s.state }

func probe(t *testing.T, handler gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, path, nil)
	handler(c)
	return w
}

func decodeChecks(t *testing.T, w *httptest.ResponseRecorder) ReadinessResponse {
	t.Helper()
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestLiveness_AlwaysAlive(t *testing.T) {
	h := NewHandler(stubRegistry{count: 0, capacity: 512}, nil, nil)

	w := probe(t, h.Liveness, "/healthz")

	require.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.Equal(t, "dev", resp.Version)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))
	assert.NotEmpty(t, resp.Timestamp)
}

func TestReadiness_MinimalDeployment(t *testing.T) {
	// No Redis, no upstream: only the sessions check runs.
	h := NewHandler(stubRegistry{count: 3, capacity: 512}, nil, nil)

	w := probe(t, h.Readiness, "/readyz")

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeChecks(t, w)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, map[string]string{"sessions": "healthy"}, resp.Checks)
}

func TestReadiness_SaturatedRegistry(t *testing.T) {
	h := NewHandler(stubRegistry{count: 512, capacity: 512}, nil, nil)

	w := probe(t, h.Readiness, "/readyz")

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeChecks(t, w)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "saturated", resp.Checks["sessions"])
}

func TestReadiness_RedisChecked(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	h := NewHandler(stubRegistry{count: 1, capacity: 512}, client, nil)

	w := probe(t, h.Readiness, "/readyz")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decodeChecks(t, w).Checks["redis"])

	mr.Close()

	w = probe(t, h.Readiness, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	resp := decodeChecks(t, w)
	assert.Equal(t, "unavailable", resp.Status)
	assert.Equal(t, "unhealthy", resp.Checks["redis"])
	assert.Equal(t, "healthy", resp.Checks["sessions"], "other checks still reported")
}

func TestReadiness_BreakerStates(t *testing.T) {
	tests := []struct {
		name       string
		state      gobreaker.State
		wantCode   int
		wantDetail string
	}{
		{"closed breaker is healthy", gobreaker.StateClosed, http.StatusOK, "healthy"},
		{"half-open breaker still serves", gobreaker.StateHalfOpen, http.StatusOK, "healthy"},
		{"open breaker fails readiness", gobreaker.StateOpen, http.StatusServiceUnavailable, "circuit open"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(stubRegistry{count: 1, capacity: 512}, nil, stubBreaker{state: tt.state})

			w := probe(t, h.Readiness, "/readyz")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantDetail, decodeChecks(t, w).Checks["upstream"])
		})
	}
}
