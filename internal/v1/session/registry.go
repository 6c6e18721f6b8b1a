package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/retroden/canvas64/backend/go/internal/v1/clock"
	"github.com/retroden/canvas64/backend/go/internal/v1/config"
	"github.com/retroden/canvas64/backend/go/internal/v1/invite"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"

	"go.uber.org/zap"
)

// Registry owns session existence: it allocates invite codes, enforces the
// process-wide session cap, and is the only component that evicts. Sessions
// signal lifecycle transitions through hooks; the registry reacts by arming
// or cancelling grace timers. Timers re-check eligibility when they fire,
// so a reconnect between arming and firing aborts the eviction.
//
// Lock ordering is registry then session. Hooks run with no locks held, so
// they may take the registry lock freely.
type Registry struct {
	cfg *config.Config

	mu       sync.Mutex
	sessions map[string]*Session

	// pendingEvictions holds at most one eviction timer per code: the idle
	// timer while nobody is attached, or the post-close grace timer once
	// the session closed. pendingHostGrace holds the host-reconnect timer.
	pendingEvictions map[string]*time.Timer
	pendingHostGrace map[string]*time.Timer

	shuttingDown bool
}

// NewRegistry builds an empty registry.
func NewRegistry(cfg *config.Config) *Registry {
	return &Registry{
		cfg:              cfg,
		sessions:         make(map[string]*Session),
		pendingEvictions: make(map[string]*time.Timer),
		pendingHostGrace: make(map[string]*time.Timer),
	}
}

// Create allocates a code, seats the caller as host in slot 1, and returns
// the host's clientId. The new session starts with no sockets attached, so
// its idle-eviction timer is armed immediately.
func (r *Registry) Create(ctx context.Context, p CreateParams) (CreateResult, error) {
	name, err := NormalizeName(p.HostName)
	if err != nil {
		return CreateResult{}, err
	}
	if err := ValidateAvatarURL(p.AvatarURL); err != nil {
		return CreateResult{}, err
	}
	p.HostName = name

	hostID := ClientID(clock.NewClientID())

	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: server shutting down", ErrCapacityExhausted)
	}
	if len(r.sessions) >= r.cfg.MaxSessions {
		r.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: session cap %d reached", ErrCapacityExhausted, r.cfg.MaxSessions)
	}

	code, err := invite.Generate(func(c string) bool {
		_, taken := r.sessions[c]
		return taken
	})
	if err != nil {
		r.mu.Unlock()
		return CreateResult{}, fmt.Errorf("%w: %v", ErrCapacityExhausted, err)
	}

	s := newSession(code, r.cfg, r.hooks(), hostID, p)
	r.sessions[code] = s
	r.armEvictionLocked(code, r.cfg.IdleEvict)
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Inc()
	metrics.SessionsCreated.Inc()
	metrics.SessionMembers.WithLabelValues(code).Set(1)
	logging.Info(ctx, "session created",
		zap.String("code", code),
		zap.String("host_client_id", logging.RedactToken(string(hostID))),
		zap.Int("live_sessions", count))

	return CreateResult{Code: code, ClientID: hostID, Session: s.Snapshot()}, nil
}

// Lookup returns a snapshot of the session. A closed session still resolves
// until its grace timer evicts it; the snapshot carries closed:true so
// clients can tell "ended" from "never existed".
func (r *Registry) Lookup(ctx context.Context, rawCode string) (Snapshot, error) {
	s, err := r.find(rawCode)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// Join seats a guest in the lowest free slot of an open session.
func (r *Registry) Join(ctx context.Context, rawCode string, p JoinParams) (JoinResult, error) {
	name, err := NormalizeName(p.Name)
	if err != nil {
		return JoinResult{}, err
	}
	if err := ValidateAvatarURL(p.AvatarURL); err != nil {
		return JoinResult{}, err
	}
	p.Name = name

	s, err := r.find(rawCode)
	if err != nil {
		return JoinResult{}, err
	}
	res, err := s.AddMember(ctx, p)
	if err != nil {
		return JoinResult{}, err
	}
	metrics.SessionMembers.WithLabelValues(res.Code).Set(float64(len(res.Session.Members)))
	return res, nil
}

// Close ends a session on the host's authority. Idempotent: closing an
// already-closed session succeeds without effect.
func (r *Registry) Close(ctx context.Context, rawCode string, actor ClientID) error {
	s, err := r.find(rawCode)
	if err != nil {
		return err
	}
	return s.Close(ctx, actor)
}

// Kick removes a guest on the host's authority.
func (r *Registry) Kick(ctx context.Context, rawCode string, actor, target ClientID) error {
	s, err := r.find(rawCode)
	if err != nil {
		return err
	}
	if err := s.Kick(ctx, actor, target); err != nil {
		return err
	}
	metrics.SessionMembers.WithLabelValues(s.Code()).Set(float64(s.MemberCount()))
	return nil
}

// Attach binds a socket to its member and returns the encoded initial
// room_state frame plus the session the transport will route frames into.
func (r *Registry) Attach(ctx context.Context, rawCode string, clientID ClientID, sub Subscriber) ([]byte, *Session, error) {
	s, err := r.find(rawCode)
	if err != nil {
		return nil, nil, err
	}
	initial, err := s.Attach(ctx, clientID, sub)
	if err != nil {
		return nil, nil, err
	}
	return initial, s, nil
}

// Count returns the number of live sessions, closed-but-not-evicted ones
// included.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Capacity returns the configured session cap.
func (r *Registry) Capacity() int {
	return r.cfg.MaxSessions
}

// Shutdown stops every timer and closes every live session with the
// shutdown reason. Sessions flush their final frame through the normal
// subscriber path; the HTTP server's drain deadline bounds the wait.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.shuttingDown = true
	for code, t := range r.pendingEvictions {
		t.Stop()
		delete(r.pendingEvictions, code)
	}
	for code, t := range r.pendingHostGrace {
		t.Stop()
		delete(r.pendingHostGrace, code)
	}
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.CloseForShutdown(ctx)
		metrics.SessionMembers.DeleteLabelValues(s.Code())
	}
	metrics.ActiveSessions.Set(0)
	logging.Info(ctx, "registry shut down", zap.Int("sessions_closed", len(sessions)))
}

// find resolves a raw code to a live session. Evicted sessions and codes
// that never canonicalize both come back ErrNotFound so callers cannot
// probe which it was.
func (r *Registry) find(rawCode string) (*Session, error) {
	code, ok := invite.Canonicalize(rawCode)
	if !ok {
		return nil, ErrNotFound
	}
	r.mu.Lock()
	s, ok := r.sessions[code]
	r.mu.Unlock()
	if !ok || s.Evicted() {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *Registry) hooks() Hooks {
	return Hooks{
		OnActivity:     r.noteActivity,
		OnHostPresence: r.noteHostPresence,
		OnClosed:       r.noteClosed,
	}
}

// noteActivity cancels the idle timer on every state change and re-arms it
// when the change left the session with no attached sockets.
func (r *Registry) noteActivity(code string, anyAttached bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return
	}
	if t, ok := r.pendingEvictions[code]; ok {
		t.Stop()
		delete(r.pendingEvictions, code)
	}
	if _, ok := r.sessions[code]; !ok {
		return
	}
	if !anyAttached {
		r.armEvictionLocked(code, r.cfg.IdleEvict)
	}
}

// noteHostPresence arms the host-grace timer when the host's socket drops
// and cancels it when the host comes back. Expiry closes the session for
// everyone; guests cannot outlive their host.
func (r *Registry) noteHostPresence(code string, attached bool) {
	r.mu.Lock()
	if t, ok := r.pendingHostGrace[code]; ok {
		t.Stop()
		delete(r.pendingHostGrace, code)
	}
	if attached || r.shuttingDown {
		r.mu.Unlock()
		return
	}
	if _, ok := r.sessions[code]; !ok {
		r.mu.Unlock()
		return
	}
	r.pendingHostGrace[code] = time.AfterFunc(r.cfg.HostGrace, func() {
		r.mu.Lock()
		delete(r.pendingHostGrace, code)
		s, ok := r.sessions[code]
		r.mu.Unlock()
		if !ok {
			return
		}
		s.CloseIfHostAbsent(context.Background())
	})
	r.mu.Unlock()

	logging.Info(context.Background(), "host detached, grace timer armed",
		zap.String("code", code),
		zap.Duration("grace", r.cfg.HostGrace))
}

// noteClosed swaps whatever eviction timer was pending for the post-close
// grace timer. The closed session stays resolvable until it fires so late
// GETs see closed:true instead of 404.
func (r *Registry) noteClosed(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shuttingDown {
		return
	}
	if t, ok := r.pendingHostGrace[code]; ok {
		t.Stop()
		delete(r.pendingHostGrace, code)
	}
	if _, ok := r.sessions[code]; !ok {
		return
	}
	r.armEvictionLocked(code, r.cfg.ClosedGrace)
}

// armEvictionLocked replaces any pending eviction timer for code.
func (r *Registry) armEvictionLocked(code string, after time.Duration) {
	if t, ok := r.pendingEvictions[code]; ok {
		t.Stop()
	}
	r.pendingEvictions[code] = time.AfterFunc(after, func() { r.evict(code) })
}

// evict removes a session once its grace period elapses. TryMarkEvicted
// re-checks eligibility under the session lock, so a socket that attached
// after the timer was armed wins and the session survives.
func (r *Registry) evict(code string) {
	ctx := context.Background()

	r.mu.Lock()
	delete(r.pendingEvictions, code)
	s, ok := r.sessions[code]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !s.TryMarkEvicted() {
		r.mu.Unlock()
		logging.Info(ctx, "eviction aborted, session active again", zap.String("code", code))
		return
	}
	wasClosed := s.Closed()
	delete(r.sessions, code)
	r.mu.Unlock()

	if !wasClosed {
		metrics.SessionsClosed.WithLabelValues("idle").Inc()
	}
	metrics.ActiveSessions.Dec()
	metrics.SessionMembers.DeleteLabelValues(code)
	metrics.SessionDuration.Observe(float64(clock.NowMS()-s.CreatedAtMS()) / 1000)
	logging.Info(ctx, "session evicted",
		zap.String("code", code),
		zap.Bool("was_closed", wasClosed))
}
