package session

import (
	"container/list"
	"context"
	"sync"

	"github.com/retroden/canvas64/backend/go/internal/v1/clock"
	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"

	"go.uber.org/zap"
)

// Session is one ephemeral game room. It owns all mutable room state and
// serializes every mutation under its RWMutex; methods ending in Locked
// assume the caller holds it. Outbound fan-out never blocks: subscribers
// absorb frames into their own queues.
type Session struct {
	code string
	mu   sync.RWMutex
	cfg  *config.Config

	createdAt    int64
	lastActivity int64

	hostClientID ClientID
	romID        string
	romTitle     string
	voiceEnabled bool

	members map[ClientID]*member
	subs    map[ClientID]Subscriber

	chat       *list.List // of ChatEntry, oldest at front
	nextChatID int64

	closed  bool
	evicted bool

	hooks Hooks
}

// Hooks let the registry react to session transitions without the session
// holding any registry lock. They are invoked after the session mutex is
// released, never under it.
type Hooks struct {
	// OnActivity fires after every state change (join, attach, detach,
	// kick, chat, rom update) with the current attachment state, driving
	// the idle-eviction timer.
	OnActivity func(code string, anyAttached bool)

	// OnHostPresence fires when the host's socket attaches or detaches,
	// driving the host-grace timer.
	OnHostPresence func(code string, attached bool)

	// OnClosed fires once when the session transitions to closed, driving
	// the post-close eviction timer.
	OnClosed func(code string)
}

func (h Hooks) activity(code string, anyAttached bool) {
	if h.OnActivity != nil {
		h.OnActivity(code, anyAttached)
	}
}

func (h Hooks) hostPresence(code string, attached bool) {
	if h.OnHostPresence != nil {
		h.OnHostPresence(code, attached)
	}
}

func (h Hooks) closed(code string) {
	if h.OnClosed != nil {
		h.OnClosed(code)
	}
}

// newSession builds a session with its host member in slot 1, not yet
// connected. Params are validated by the registry before this point.
func newSession(code string, cfg *config.Config, hooks Hooks, hostID ClientID, p CreateParams) *Session {
	now := clock.NowMS()
	s := &Session{
		code:         code,
		cfg:          cfg,
		createdAt:    now,
		lastActivity: now,
		hostClientID: hostID,
		romID:        p.RomID,
		romTitle:     p.RomTitle,
		voiceEnabled: p.VoiceEnabled,
		members:      make(map[ClientID]*member),
		subs:         make(map[ClientID]Subscriber),
		chat:         list.New(),
		nextChatID:   1,
		hooks:        hooks,
	}
	s.members[hostID] = &member{
		clientID:  hostID,
		slot:      hostSlot,
		name:      p.HostName,
		avatarURL: p.AvatarURL,
		joinedAt:  now,
		lastSeen:  now,
	}
	return s
}

// Code returns the immutable invite code.
func (s *Session) Code() string {
	return s.code
}

// CreatedAtMS returns the monotonic creation time.
func (s *Session) CreatedAtMS() int64 {
	return s.createdAt
}

// Closed reports whether the session reached its terminal state.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Evicted reports whether the registry already reclaimed this session.
func (s *Session) Evicted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evicted
}

// Snapshot returns a deep copy of the current room state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Attach binds a subscriber to an existing member, superseding any previous
// socket for the same clientId with CloseSuperseded. It returns the encoded
// initial room_state frame; the transport writes it before pumping so the
// snapshot always precedes bus traffic on a fresh socket.
func (s *Session) Attach(ctx context.Context, clientID ClientID, sub Subscriber) ([]byte, error) {
	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	m, ok := s.members[clientID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNotFound
	}

	if old, exists := s.subs[clientID]; exists {
		old.CloseWithCode(CloseSuperseded, "superseded by a newer connection")
		metrics.WebSocketConnections.WithLabelValues("superseded").Inc()
		logging.Info(ctx, "superseded previous socket",
			zap.String("code", s.code),
			zap.String("client_id", logging.RedactToken(string(clientID))))
	}

	s.subs[clientID] = sub
	m.connected = true
	m.lastSeen = clock.NowMS()
	s.touchLocked()

	initial := EncodeRoomState(s.snapshotLocked())
	s.broadcastRoomStateLocked(clientID)
	isHost := clientID == s.hostClientID
	s.mu.Unlock()

	s.hooks.activity(s.code, true)
	if isHost {
		s.hooks.hostPresence(s.code, true)
	}
	return initial, nil
}

// Detach marks the member disconnected when its current socket goes away.
// A stale socket that was already superseded detaches without effect.
func (s *Session) Detach(ctx context.Context, clientID ClientID, sub Subscriber) {
	s.mu.Lock()
	cur, ok := s.subs[clientID]
	if !ok || cur != sub {
		s.mu.Unlock()
		return
	}
	delete(s.subs, clientID)
	if m := s.members[clientID]; m != nil {
		m.connected = false
		m.lastSeen = clock.NowMS()
	}
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.touchLocked()
	s.broadcastRoomStateLocked("")
	anyAttached := len(s.subs) > 0
	isHost := clientID == s.hostClientID
	s.mu.Unlock()

	logging.Info(ctx, "socket detached",
		zap.String("code", s.code),
		zap.String("client_id", logging.RedactToken(string(clientID))))
	s.hooks.activity(s.code, anyAttached)
	if isHost {
		s.hooks.hostPresence(s.code, false)
	}
}

// Close ends the session on the host's authority.
func (s *Session) Close(ctx context.Context, actor ClientID) error {
	s.mu.Lock()
	if s.evicted {
		s.mu.Unlock()
		return ErrNotFound
	}
	if actor != s.hostClientID {
		s.mu.Unlock()
		return ErrForbidden
	}
	if s.closed {
		s.mu.Unlock()
		return nil // already terminal, close is idempotent
	}
	s.closeLocked(ReasonHostClosed, CloseSessionEnded)
	s.mu.Unlock()

	logging.Info(ctx, "session closed by host", zap.String("code", s.code))
	metrics.SessionsClosed.WithLabelValues("host_closed").Inc()
	s.hooks.closed(s.code)
	return nil
}

// CloseIfHostAbsent ends the session after the host grace window expired
// without a host reconnect. No-op when the host came back or the session
// already closed.
func (s *Session) CloseIfHostAbsent(ctx context.Context) {
	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return
	}
	if _, attached := s.subs[s.hostClientID]; attached {
		s.mu.Unlock()
		return
	}
	s.closeLocked(ReasonHostLeft, CloseSessionEnded)
	s.mu.Unlock()

	logging.Info(ctx, "session closed, host grace expired", zap.String("code", s.code))
	metrics.SessionsClosed.WithLabelValues("host_left").Inc()
	s.hooks.closed(s.code)
}

// CloseInternal ends the session after a panic in one of its tasks. Other
// sessions keep running; this one broadcasts internal_error and winds down.
func (s *Session) CloseInternal(ctx context.Context) {
	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked(ReasonInternalError, CloseInternalError)
	s.mu.Unlock()

	logging.Error(ctx, "session closed after internal error", zap.String("code", s.code))
	metrics.SessionsClosed.WithLabelValues("internal_error").Inc()
	s.hooks.closed(s.code)
}

// CloseForShutdown ends the session during process shutdown. The registry
// is tearing down all timers itself, so no hooks fire.
func (s *Session) CloseForShutdown(ctx context.Context) {
	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return
	}
	s.closeLocked(ReasonShutdown, CloseSessionEnded)
	s.mu.Unlock()

	metrics.SessionsClosed.WithLabelValues("shutdown").Inc()
}

// TryMarkEvicted atomically re-checks eviction eligibility and, if still
// eligible, marks the session dead so late attaches fail. The registry
// calls this from its timer callback; a subscriber that re-attached since
// the timer was armed aborts the eviction.
func (s *Session) TryMarkEvicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted {
		return false
	}
	if !s.closed && len(s.subs) > 0 {
		return false
	}
	s.evicted = true
	return true
}

// closeLocked flips the terminal flag, delivers the final frame to every
// attached subscriber, and drops them from the bus.
func (s *Session) closeLocked(reason string, closeCode int) {
	s.closed = true
	frame := EncodeSessionClosed(reason)
	for _, sub := range s.subs {
		sub.Terminate(frame, closeCode, reason)
	}
	s.subs = make(map[ClientID]Subscriber)
	for _, m := range s.members {
		m.connected = false
	}
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.lastActivity = clock.NowMS()
}
