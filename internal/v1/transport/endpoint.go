package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/invite"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"
	"github.com/retroden/canvas64/backend/go/internal/v1/ratelimit"
	"github.com/retroden/canvas64/backend/go/internal/v1/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Endpoint upgrades attach requests on /ws/multiplayer and binds the
// resulting connections to their sessions.
type Endpoint struct {
	registry *session.Registry
	cfg      *config.Config
	limiter  *ratelimit.RateLimiter
	upgrader websocket.Upgrader
}

// NewEndpoint wires the WebSocket surface. Origin checking runs inside the
// upgrader, so a disallowed browser is refused during the handshake with a
// plain 403.
func NewEndpoint(registry *session.Registry, cfg *config.Config, limiter *ratelimit.RateLimiter) *Endpoint {
	allowed := ParseOrigins(cfg.AllowedOrigins)
	return &Endpoint{
		registry: registry,
		cfg:      cfg,
		limiter:  limiter,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return validateOrigin(r, allowed) == nil
			},
			WriteBufferPool: &sync.Pool{
				New: func() any {
					return make([]byte, 4096)
				},
			},
		},
	}
}

// ServeWS handles GET /ws/multiplayer?code=...&clientId=...
//
// Refusals before the upgrade answer in HTTP; refusals after it answer in
// close frames. Unknown, malformed, and closed sessions are all refused
// with the same code and reason so probing cannot tell them apart.
func (e *Endpoint) ServeWS(c *gin.Context) {
	if !e.limiter.CheckWebSocket(c) {
		metrics.WebSocketConnections.WithLabelValues("rate_limited").Inc()
		return // response already written by CheckWebSocket
	}

	rawCode := c.Query("code")
	clientID := c.Query("clientId")
	if rawCode == "" || clientID == "" {
		metrics.WebSocketConnections.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "code and clientId are required"})
		return
	}

	conn, err := e.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error (403 on origin mismatch).
		metrics.WebSocketConnections.WithLabelValues("rejected").Inc()
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	code, ok := invite.Canonicalize(rawCode)
	if !ok {
		metrics.WebSocketConnections.WithLabelValues("rejected").Inc()
		rejectSocket(conn, session.CloseUnauthorized, "unknown session or client")
		return
	}

	ctx := connContext(c, code, clientID)
	client := newClient(ctx, conn, e.cfg, code, session.ClientID(clientID))

	initial, sess, err := e.registry.Attach(ctx, code, session.ClientID(clientID), client)
	if err != nil {
		metrics.WebSocketConnections.WithLabelValues("rejected").Inc()
		logging.Warn(ctx, "websocket attach refused", zap.Error(err))
		rejectSocket(conn, session.CloseUnauthorized, "unknown session or client")
		return
	}
	client.sess = sess

	// The snapshot goes out before the pumps start so room_state is always
	// the first frame on a fresh socket.
	if !client.write(initial) {
		sess.Detach(ctx, client.clientID, client)
		_ = conn.Close()
		metrics.WebSocketConnections.WithLabelValues("rejected").Inc()
		return
	}

	metrics.WebSocketConnections.WithLabelValues("accepted").Inc()
	metrics.IncConnection()
	logging.Info(ctx, "websocket attached")

	go client.writePump()
	go client.readPump()
}

// rejectSocket refuses a connection that already completed the handshake.
// The refusal travels as a close frame rather than an HTTP status.
func rejectSocket(conn wsConnection, closeCode int, reason string) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, reason))
	_ = conn.Close()
}

// connContext builds the long-lived context the pumps log under. The HTTP
// request context is not its parent; the socket outlives the upgrade
// request.
func connContext(c *gin.Context, code, clientID string) context.Context {
	ctx := context.Background()
	if v, ok := c.Get(string(logging.CorrelationIDKey)); ok {
		if id, ok := v.(string); ok {
			ctx = context.WithValue(ctx, logging.CorrelationIDKey, id)
		}
	}
	ctx = context.WithValue(ctx, logging.SessionCodeKey, code)
	ctx = context.WithValue(ctx, logging.ClientIDKey, logging.RedactToken(clientID))
	return ctx
}
