// Package transport owns the WebSocket leg of the coordinator: upgrading
// attach requests, pumping frames between sockets and the session bus, and
// enforcing the heartbeat and backpressure contracts.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/clock"
	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"
	"github.com/retroden/canvas64/backend/go/internal/v1/session"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// writeWait bounds every socket write so one wedged peer cannot stall its
// write pump indefinitely.
const writeWait = 10 * time.Second

// Queue depths per subscriber. Input is sized for a few frames of slack at
// 60 Hz polling; signalling and heartbeat replies are low-rate. The chat
// queue is sized from config because exceeding it disconnects the peer.
const (
	inputQueueLen  = 64
	signalQueueLen = 32
	metaQueueLen   = 8
)

// wsConnection is the slice of *websocket.Conn the client needs. Tests
// substitute scripted fakes.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// controlMsg is the terminal write: an optional final frame, then a close
// frame carrying code and reason.
type controlMsg struct {
	frame  []byte
	code   int
	reason string
}

// Client is one attached socket. It implements session.Subscriber: the bus
// enqueues into the per-lane channels below and never touches the network;
// writePump is the connection's single writer and drains them by priority.
//
// ctx carries logging identifiers only; connection lifetime is governed by
// the socket itself.
type Client struct {
	conn     wsConnection
	sess     *session.Session
	code     string
	clientID session.ClientID
	cfg      *config.Config
	ctx      context.Context

	control chan controlMsg
	state   chan []byte
	input   chan []byte
	chat    chan []byte
	signal  chan []byte
	meta    chan []byte

	closeOnce sync.Once
}

func newClient(ctx context.Context, conn wsConnection, cfg *config.Config, code string, clientID session.ClientID) *Client {
	return &Client{
		conn:     conn,
		code:     code,
		clientID: clientID,
		cfg:      cfg,
		ctx:      ctx,
		control:  make(chan controlMsg, 1),
		state:    make(chan []byte, 1),
		input:    make(chan []byte, inputQueueLen),
		chat:     make(chan []byte, cfg.MaxChatBacklog),
		signal:   make(chan []byte, signalQueueLen),
		meta:     make(chan []byte, metaQueueLen),
	}
}

// --- session.Subscriber ---

func (c *Client) ClientID() session.ClientID { return c.clientID }

// EnqueueInput drops on a full queue: a stale controller frame is worse
// than a missing one.
func (c *Client) EnqueueInput(frame []byte) bool {
	select {
	case c.input <- frame:
		return true
	default:
		return false
	}
}

// EnqueueChat reports queue overflow to the bus, which disconnects this
// subscriber rather than silently lose chat.
func (c *Client) EnqueueChat(frame []byte) bool {
	select {
	case c.chat <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) EnqueueSignal(frame []byte) bool {
	select {
	case c.signal <- frame:
		return true
	default:
		return false
	}
}

// ReplaceState keeps at most one snapshot in flight. When the slot is
// occupied the stale snapshot is discarded first, so the socket always
// writes the newest state it has heard of.
func (c *Client) ReplaceState(frame []byte) {
	for {
		select {
		case c.state <- frame:
			return
		default:
		}
		select {
		case <-c.state:
		default:
		}
	}
}

// Terminate queues the final frame and close code. The once guard keeps the
// cap-1 control channel from ever blocking a bus caller.
func (c *Client) Terminate(frame []byte, closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.control <- controlMsg{frame: frame, code: closeCode, reason: reason}
	})
}

// CloseWithCode queues a close without a final frame, for closures whose
// meaning is the code itself (4409 superseded, 4500 slow consumer).
func (c *Client) CloseWithCode(closeCode int, reason string) {
	c.closeOnce.Do(func() {
		c.control <- controlMsg{code: closeCode, reason: reason}
	})
}

// --- pumps ---

// readPump consumes inbound frames until the socket errors or times out.
// Its defer detaches from the session; a detach for a socket that was
// already superseded or terminated is a no-op there.
func (c *Client) readPump() {
	defer func() {
		c.sess.Detach(c.ctx, c.clientID, c)
		c.CloseWithCode(session.CloseNormal, "connection closed")
		metrics.DecConnection()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			logging.Debug(c.ctx, "socket read ended", zap.Error(err))
			return
		}
		// Any inbound frame is liveness; pongs get no special treatment.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.PingTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		frame, err := session.ParseFrame(data)
		if err != nil {
			metrics.FrameEvents.WithLabelValues("malformed", "dropped").Inc()
			logging.Debug(c.ctx, "dropped malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(frame)
	}
}

// writePump is the connection's only writer. Control messages preempt all
// queued traffic so a terminal frame never waits behind a chat backlog.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.SocketHeartbeat)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ctl := <-c.control:
			c.finish(ctl)
			return
		default:
		}

		select {
		case ctl := <-c.control:
			c.finish(ctl)
			return
		case frame := <-c.state:
			if !c.write(frame) {
				return
			}
		case frame := <-c.chat:
			if !c.write(frame) {
				return
			}
		case frame := <-c.signal:
			if !c.write(frame) {
				return
			}
		case frame := <-c.input:
			if !c.write(frame) {
				return
			}
		case frame := <-c.meta:
			if !c.write(frame) {
				return
			}
		case <-ticker.C:
			if !c.write(session.EncodePing(clock.NowMS())) {
				return
			}
		}
	}
}

func (c *Client) write(frame []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		logging.Debug(c.ctx, "socket write failed", zap.Error(err))
		return false
	}
	return true
}

// finish delivers the terminal frame, then the RFC 6455 close frame.
func (c *Client) finish(ctl controlMsg) {
	if ctl.frame != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.conn.WriteMessage(websocket.TextMessage, ctl.frame)
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ctl.code, ctl.reason))
}

// dispatch routes one decoded frame. A panic in a handler is contained to
// this session: it closes with internal_error and every other session keeps
// running.
func (c *Client) dispatch(frame session.Frame) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(c.ctx, "panic handling frame",
				zap.Any("panic", r),
				zap.String("frame_type", string(frame.Type)))
			c.sess.CloseInternal(c.ctx)
		}
	}()

	switch frame.Type {
	case session.FramePing:
		metrics.FrameEvents.WithLabelValues("ping", "ok").Inc()
		select {
		case c.meta <- session.EncodePong(frame.At):
		default:
		}

	case session.FramePong:
		metrics.FrameEvents.WithLabelValues("pong", "ok").Inc()
		if rtt := clock.NowMS() - frame.At; frame.At > 0 && rtt >= 0 {
			metrics.PingRTT.Observe(float64(rtt) / 1000)
		}

	case session.FrameInput:
		metrics.FrameEvents.WithLabelValues("input", "ok").Inc()
		c.sess.HandleInput(c.ctx, c.clientID, frame.Payload)

	case session.FrameChat:
		metrics.FrameEvents.WithLabelValues("chat", "ok").Inc()
		if err := c.sess.HandleChat(c.ctx, c.clientID, frame.Text); err != nil {
			// Rejected chat is dropped without a reply so a hostile client
			// cannot use validation as an amplifier.
			logging.Debug(c.ctx, "chat rejected", zap.Error(err))
		}

	case session.FrameRom:
		metrics.FrameEvents.WithLabelValues("host_rom", "ok").Inc()
		c.sess.HandleSetRom(c.ctx, c.clientID, frame.RomID, frame.RomTitle)

	case session.FrameSignal:
		metrics.FrameEvents.WithLabelValues("webrtc_signal", "ok").Inc()
		c.sess.HandleSignal(c.ctx, c.clientID, frame.TargetClientID, frame.Payload)

	default:
		metrics.FrameEvents.WithLabelValues("unknown", "dropped").Inc()
		logging.Debug(c.ctx, "dropped unknown frame type", zap.String("type", string(frame.Type)))
	}
}
