package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/ratelimit"
	"github.com/retroden/canvas64/backend/go/internal/v1/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsHarness runs the endpoint behind a real HTTP server and dials it with
// real WebSocket clients.
type wsHarness struct {
	t        *testing.T
	cfg      *config.Config
	registry *session.Registry
	srv      *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newWSHarness(t *testing.T, mutate func(*config.Config)) *wsHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	registry := session.NewRegistry(cfg)
	rl, err := ratelimit.New(cfg, nil)
	require.NoError(t, err)

	router := gin.New()
	router.GET("/ws/multiplayer", NewEndpoint(registry, cfg, rl).ServeWS)
	srv := httptest.NewServer(router)

	h := &wsHarness{t: t, cfg: cfg, registry: registry, srv: srv}
	t.Cleanup(func() {
		h.mu.Lock()
		conns := h.conns
		h.mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
		registry.Shutdown(context.Background())
		srv.Close()
	})
	return h
}

func (h *wsHarness) wsURL(code, clientID string) string {
	base := "ws" + strings.TrimPrefix(h.srv.URL, "http")
	q := url.Values{}
	if code != "" {
		q.Set("code", code)
	}
	if clientID != "" {
		q.Set("clientId", clientID)
	}
	return base + "/ws/multiplayer?" + q.Encode()
}

func (h *wsHarness) dial(code, clientID string, header http.Header) (*websocket.Conn, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(code, clientID), header)
	if conn != nil {
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
	}
	return conn, resp, err
}

func (h *wsHarness) attach(code string, clientID session.ClientID) *websocket.Conn {
	h.t.Helper()
	conn, _, err := h.dial(code, string(clientID), nil)
	require.NoError(h.t, err)
	return conn
}

func (h *wsHarness) createSession(hostName string) session.CreateResult {
	h.t.Helper()
	res, err := h.registry.Create(context.Background(), session.CreateParams{
		HostName: hostName,
		RomID:    "mario64",
		RomTitle: "Super Mario 64",
	})
	require.NoError(h.t, err)
	return res
}

func (h *wsHarness) join(code, name string) session.JoinResult {
	h.t.Helper()
	res, err := h.registry.Join(context.Background(), code, session.JoinParams{Name: name})
	require.NoError(h.t, err)
	return res
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readUntil skips unrelated traffic (pings, interleaved room_state
// rebroadcasts) and returns the first frame of the wanted type.
func readUntil(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		if frame := readFrame(t, conn); frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame in the first 32 frames", frameType)
	return nil
}

// framesUntil collects frames up to and including the first of stopType.
func framesUntil(t *testing.T, conn *websocket.Conn, stopType string) []map[string]any {
	t.Helper()
	var seen []map[string]any
	for i := 0; i < 32; i++ {
		frame := readFrame(t, conn)
		seen = append(seen, frame)
		if frame["type"] == stopType {
			return seen
		}
	}
	t.Fatalf("no %q frame in the first 32 frames", stopType)
	return nil
}

// waitForMembers reads room_state frames until one carries n members.
func waitForMembers(t *testing.T, conn *websocket.Conn, n int) map[string]any {
	t.Helper()
	for i := 0; i < 32; i++ {
		frame := readFrame(t, conn)
		if frame["type"] != "room_state" {
			continue
		}
		sess := frame["session"].(map[string]any)
		if members, ok := sess["members"].([]any); ok && len(members) == n {
			return sess
		}
	}
	t.Fatalf("no room_state with %d members in the first 32 frames", n)
	return nil
}

func expectClose(t *testing.T, conn *websocket.Conn, wantCode int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, wantCode, ce.Code)
			return
		}
	}
}

func TestServeWS_AttachDeliversSnapshotFirst(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")

	conn := h.attach(res.Code, res.ClientID)

	frame := readFrame(t, conn)
	require.Equal(t, "room_state", frame["type"], "the snapshot must be the first frame on the wire")

	sess := frame["session"].(map[string]any)
	assert.Equal(t, res.Code, sess["code"])
	assert.Equal(t, "mario64", sess["romId"])
	members := sess["members"].([]any)
	require.Len(t, members, 1)
	host := members[0].(map[string]any)
	assert.Equal(t, "Hostess", host["name"])
	assert.Equal(t, true, host["isHost"])
	assert.Equal(t, true, host["connected"])
}

func TestServeWS_MissingParamsRejectedBeforeUpgrade(t *testing.T) {
	h := newWSHarness(t, nil)

	_, resp, err := h.dial("ABCDEF", "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = h.dial("", "some-client", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServeWS_UnknownAndMalformedCodesLookAlike(t *testing.T) {
	h := newWSHarness(t, nil)

	// Well-formed but unknown.
	conn, _, err := h.dial("ZZZZZZ", "some-client", nil)
	require.NoError(t, err)
	expectClose(t, conn, session.CloseUnauthorized)

	// Malformed: contains glyphs outside the invite charset.
	conn, _, err = h.dial("101010", "some-client", nil)
	require.NoError(t, err)
	expectClose(t, conn, session.CloseUnauthorized)
}

func TestServeWS_ForgedClientIDRejected(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")

	conn, _, err := h.dial(res.Code, "not-a-member-of-this-session", nil)
	require.NoError(t, err)
	expectClose(t, conn, session.CloseUnauthorized)
}

func TestServeWS_ClosedSessionRefusesAttach(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	require.NoError(t, h.registry.Close(context.Background(), res.Code, res.ClientID))

	conn, _, err := h.dial(res.Code, string(res.ClientID), nil)
	require.NoError(t, err)
	expectClose(t, conn, session.CloseUnauthorized)
}

func TestServeWS_OriginEnforcement(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")

	// Disallowed browser origin fails the handshake outright.
	_, resp, err := h.dial(res.Code, string(res.ClientID), http.Header{
		"Origin": []string{"https://evil.example"},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The configured origin connects.
	conn, _, err := h.dial(res.Code, string(res.ClientID), http.Header{
		"Origin": []string{"http://localhost:3000"},
	})
	require.NoError(t, err)
	frame := readFrame(t, conn)
	assert.Equal(t, "room_state", frame["type"])
}

func TestServeWS_SupersededSocketGets4409(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")

	conn1 := h.attach(res.Code, res.ClientID)
	readFrame(t, conn1) // initial snapshot

	conn2 := h.attach(res.Code, res.ClientID)
	frame := readFrame(t, conn2)
	assert.Equal(t, "room_state", frame["type"])

	expectClose(t, conn1, session.CloseSuperseded)
}

func TestServeWS_GuestInputRelaysToHostInOrder(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	sendFrame(t, guestConn, `{"type":"input","payload":{"kind":"digital","control":"a","pressed":true}}`)
	sendFrame(t, guestConn, `{"type":"input","payload":{"kind":"digital","control":"a","pressed":false}}`)
	sendFrame(t, guestConn, `{"type":"input","payload":{"kind":"analog","x":0.9,"y":-0.25}}`)

	press := readUntil(t, hostConn, "remote_input")
	assert.Equal(t, float64(2), press["fromSlot"])
	assert.Equal(t, "Guest", press["fromName"])
	payload := press["payload"].(map[string]any)
	assert.Equal(t, "digital", payload["kind"])
	assert.Equal(t, "a", payload["control"])
	assert.Equal(t, true, payload["pressed"])

	release := readUntil(t, hostConn, "remote_input")
	payload = release["payload"].(map[string]any)
	assert.Equal(t, false, payload["pressed"], "press and release must arrive in send order")

	stick := readUntil(t, hostConn, "remote_input")
	payload = stick["payload"].(map[string]any)
	assert.Equal(t, "analog", payload["kind"])
	assert.Equal(t, 0.9, payload["x"])
	assert.Equal(t, -0.25, payload["y"])

	// The guest never sees its own input echoed; only the host receives
	// remote_input.
	sendFrame(t, guestConn, `{"type":"chat","text":"marker"}`)
	for _, frame := range framesUntil(t, guestConn, "chat") {
		assert.NotEqual(t, "remote_input", frame["type"])
	}
}

func TestServeWS_ChatFanoutAndBacklog(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	sendFrame(t, guestConn, `{"type":"chat","text":"  hello everyone  "}`)

	hostChat := readUntil(t, hostConn, "chat")
	entry := hostChat["entry"].(map[string]any)
	assert.Equal(t, "hello everyone", entry["message"], "chat text is trimmed")
	assert.Equal(t, "Guest", entry["fromName"])
	assert.Equal(t, float64(2), entry["fromSlot"])

	// The sender hears its own message through the same fan-out.
	guestChat := readUntil(t, guestConn, "chat")
	assert.Equal(t, entry["id"], guestChat["entry"].(map[string]any)["id"])

	// A late joiner receives the backlog inside its first snapshot.
	late := h.join(res.Code, "Latecomer")
	lateConn := h.attach(res.Code, late.ClientID)
	first := readFrame(t, lateConn)
	require.Equal(t, "room_state", first["type"])
	chat := first["session"].(map[string]any)["chat"].([]any)
	require.Len(t, chat, 1)
	assert.Equal(t, "hello everyone", chat[0].(map[string]any)["message"])
}

func TestServeWS_KickedGuestGetsTerminalFrame(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	require.NoError(t, h.registry.Kick(context.Background(), res.Code, res.ClientID, guest.ClientID))

	frames := framesUntil(t, guestConn, "session_closed")
	assert.Equal(t, session.ReasonKicked, frames[len(frames)-1]["reason"])
	expectClose(t, guestConn, session.CloseKicked)

	// The host sees the roster shrink back to one.
	sess := waitForMembers(t, hostConn, 1)
	members := sess["members"].([]any)
	assert.Equal(t, true, members[0].(map[string]any)["isHost"])
}

func TestServeWS_HostCloseTerminatesEveryone(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	require.NoError(t, h.registry.Close(context.Background(), res.Code, res.ClientID))

	for _, conn := range []*websocket.Conn{hostConn, guestConn} {
		frames := framesUntil(t, conn, "session_closed")
		assert.Equal(t, session.ReasonHostClosed, frames[len(frames)-1]["reason"])
		expectClose(t, conn, session.CloseSessionEnded)
	}
}

func TestServeWS_HostDisconnectGraceClosesGuests(t *testing.T) {
	h := newWSHarness(t, func(cfg *config.Config) {
		cfg.HostGrace = 40 * time.Millisecond
	})
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)
	readFrame(t, guestConn) // initial snapshot

	require.NoError(t, hostConn.Close())

	frames := framesUntil(t, guestConn, "session_closed")
	assert.Equal(t, session.ReasonHostLeft, frames[len(frames)-1]["reason"])

	// Before the grace expired the guest watched the host flip to
	// disconnected.
	sawHostDrop := false
	for _, frame := range frames {
		if frame["type"] != "room_state" {
			continue
		}
		for _, m := range frame["session"].(map[string]any)["members"].([]any) {
			member := m.(map[string]any)
			if member["isHost"] == true && member["connected"] == false {
				sawHostDrop = true
			}
		}
	}
	assert.True(t, sawHostDrop, "guest should see the host marked disconnected during grace")
	expectClose(t, guestConn, session.CloseSessionEnded)
}

func TestServeWS_HostReconnectWithinGraceKeepsSessionOpen(t *testing.T) {
	h := newWSHarness(t, func(cfg *config.Config) {
		cfg.HostGrace = 150 * time.Millisecond
	})
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	require.NoError(t, hostConn.Close())
	time.Sleep(30 * time.Millisecond)

	hostConn = h.attach(res.Code, res.ClientID)
	frame := readFrame(t, hostConn)
	assert.Equal(t, "room_state", frame["type"])

	// Ride out the original grace window; the session must survive it.
	time.Sleep(200 * time.Millisecond)
	snap, err := h.registry.Lookup(context.Background(), res.Code)
	require.NoError(t, err)
	assert.False(t, snap.Closed)

	// Both sides still converse.
	sendFrame(t, guestConn, `{"type":"chat","text":"still here"}`)
	chat := readUntil(t, hostConn, "chat")
	assert.Equal(t, "still here", chat["entry"].(map[string]any)["message"])
}

func TestServeWS_SignalRelayBetweenMembers(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	sendFrame(t, guestConn, `{"type":"webrtc_signal","targetClientId":"`+string(res.ClientID)+`","payload":{"sdp":"offer"}}`)

	signal := readUntil(t, hostConn, "webrtc_signal")
	assert.Equal(t, string(guest.ClientID), signal["fromClientId"])
	assert.Equal(t, "offer", signal["payload"].(map[string]any)["sdp"])
}

func TestServeWS_HeartbeatPingsFlow(t *testing.T) {
	h := newWSHarness(t, func(cfg *config.Config) {
		cfg.SocketHeartbeat = 30 * time.Millisecond
	})
	res := h.createSession("Hostess")
	conn := h.attach(res.Code, res.ClientID)

	ping := readUntil(t, conn, "ping")
	at, ok := ping["at"].(float64)
	require.True(t, ok)
	assert.Greater(t, at, float64(0))
}

func TestServeWS_RateLimited(t *testing.T) {
	h := newWSHarness(t, func(cfg *config.Config) {
		cfg.RateLimitEnabled = true
		cfg.RateLimitWS = "2-M"
	})

	for i := 0; i < 2; i++ {
		conn, _, err := h.dial("ZZZZZZ", "probe", nil)
		require.NoError(t, err)
		expectClose(t, conn, session.CloseUnauthorized)
	}

	_, resp, err := h.dial("ZZZZZZ", "probe", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServeWS_ShutdownBroadcastsToAll(t *testing.T) {
	h := newWSHarness(t, nil)
	res := h.createSession("Hostess")
	guest := h.join(res.Code, "Guest")

	hostConn := h.attach(res.Code, res.ClientID)
	guestConn := h.attach(res.Code, guest.ClientID)

	h.registry.Shutdown(context.Background())

	for _, conn := range []*websocket.Conn{hostConn, guestConn} {
		frames := framesUntil(t, conn, "session_closed")
		assert.Equal(t, session.ReasonShutdown, frames[len(frames)-1]["reason"])
		expectClose(t, conn, session.CloseSessionEnded)
	}
}
