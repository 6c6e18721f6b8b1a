package rest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/pkg/retroapi"
)

// ProxySaves forwards /api/saves/* to the upstream API. Save-sync carries
// user data, so when a validator is configured the request must present a
// verifiable bearer token; rejecting here is cheaper than a round trip the
// upstream would refuse anyway.
func (h *Handler) ProxySaves(c *gin.Context) {
	if !h.requireBearer(c) {
		return
	}
	h.forward(c)
}

// ProxyAuth forwards /api/auth/* untouched. Login and token exchange happen
// before the client has anything to present, so this surface is never gated.
func (h *Handler) ProxyAuth(c *gin.Context) {
	h.forward(c)
}

// requireBearer enforces the save-sync token gate. A nil validator means
// the gate is not configured and everything passes.
func (h *Handler) requireBearer(c *gin.Context) bool {
	if h.validator == nil {
		return true
	}

	token, ok := bearerToken(c.GetHeader("Authorization"))
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return false
	}
	if _, err := h.validator.ValidateToken(token); err != nil {
		logging.Warn(c.Request.Context(), "rejected save-sync request", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return false
	}
	return true
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// forward relays the request to the upstream and streams the answer back
// unmodified. Upstream statuses pass through as-is; only coordinator-side
// failures synthesize a response here.
func (h *Handler) forward(c *gin.Context) {
	if h.upstream == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	ctx := c.Request.Context()
	resp, err := h.upstream.Forward(ctx, c.Request, c.Request.URL.Path)
	if err != nil {
		switch {
		case errors.Is(err, retroapi.ErrUpstreamUnavailable):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream_unavailable"})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "timeout"})
		default:
			logging.Error(ctx, "upstream request failed",
				zap.String("path", c.Request.URL.Path),
				zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": "upstream_error"})
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	retroapi.CopyEndToEndHeaders(c.Writer.Header(), resp.Header)
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		logging.Warn(ctx, "upstream body relay interrupted",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
}
