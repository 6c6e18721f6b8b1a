package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/retroden/canvas64/backend/go/internal/v1/clock"
	"github.com/retroden/canvas64/backend/go/internal/v1/input"
	"github.com/retroden/canvas64/backend/go/internal/v1/logging"
	"github.com/retroden/canvas64/backend/go/internal/v1/metrics"

	"go.uber.org/zap"
)

// AddMember creates a member in the lowest free guest slot and returns its
// clientId. The new member is not connected until its socket attaches; the
// join is still broadcast so peers render the empty seat immediately.
func (s *Session) AddMember(ctx context.Context, p JoinParams) (JoinResult, error) {
	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return JoinResult{}, ErrNotFound
	}

	slot, ok := s.freeSlotLocked()
	if !ok {
		s.mu.Unlock()
		return JoinResult{}, ErrRoomFull
	}

	clientID := ClientID(clock.NewClientID())
	now := clock.NowMS()
	s.members[clientID] = &member{
		clientID:  clientID,
		slot:      slot,
		name:      p.Name,
		avatarURL: p.AvatarURL,
		joinedAt:  now,
		lastSeen:  now,
	}
	s.touchLocked()
	s.broadcastRoomStateLocked("")
	snap := s.snapshotLocked()
	anyAttached := len(s.subs) > 0
	s.mu.Unlock()

	logging.Info(ctx, "member joined",
		zap.String("code", s.code),
		zap.Int("slot", slot),
		zap.String("client_id", logging.RedactToken(string(clientID))))
	s.hooks.activity(s.code, anyAttached)

	return JoinResult{Code: s.code, ClientID: clientID, Slot: slot, Session: snap}, nil
}

// freeSlotLocked returns the lowest unused guest slot. Slot 1 belongs to the
// host forever.
func (s *Session) freeSlotLocked() (int, bool) {
	taken := [maxSlots + 1]bool{}
	for _, m := range s.members {
		taken[m.slot] = true
	}
	for slot := hostSlot + 1; slot <= maxSlots; slot++ {
		if !taken[slot] {
			return slot, true
		}
	}
	return 0, false
}

// Kick removes a guest on the host's authority. The target's socket, if
// attached, receives session_closed{reason:"kicked"} and close code 4403;
// everyone else sees the seat free up in the next room_state.
func (s *Session) Kick(ctx context.Context, actor, target ClientID) error {
	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return ErrNotFound
	}
	if actor != s.hostClientID {
		s.mu.Unlock()
		return ErrForbidden
	}
	if target == s.hostClientID {
		s.mu.Unlock()
		return ErrForbidden
	}
	if _, ok := s.members[target]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	delete(s.members, target)
	sub := s.subs[target]
	delete(s.subs, target)
	if sub != nil {
		sub.Terminate(EncodeSessionClosed(ReasonKicked), CloseKicked, ReasonKicked)
	}
	s.touchLocked()
	s.broadcastRoomStateLocked("")
	anyAttached := len(s.subs) > 0
	s.mu.Unlock()

	logging.Info(ctx, "member kicked",
		zap.String("code", s.code),
		zap.String("client_id", logging.RedactToken(string(target))))
	s.hooks.activity(s.code, anyAttached)
	return nil
}

// HandleChat validates, stores, and broadcasts one chat message from an
// attached member. The ring keeps the most recent cfg.ChatRing entries; IDs
// keep increasing past truncation.
func (s *Session) HandleChat(ctx context.Context, from ClientID, text string) error {
	msg := strings.TrimSpace(text)
	if msg == "" {
		return fmt.Errorf("%w: empty chat message", ErrValidation)
	}
	if utf8.RuneCountInString(msg) > s.cfg.MaxChatLen {
		return fmt.Errorf("%w: chat exceeds %d characters", ErrValidation, s.cfg.MaxChatLen)
	}

	s.mu.Lock()
	if s.evicted || s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	m, ok := s.members[from]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	entry := ChatEntry{
		ID:           s.nextChatID,
		FromClientID: from,
		FromName:     m.name,
		FromSlot:     m.slot,
		Message:      msg,
		At:           clock.NowMS(),
	}
	s.nextChatID++
	s.chat.PushBack(entry)
	for s.chat.Len() > s.cfg.ChatRing {
		s.chat.Remove(s.chat.Front())
	}
	s.touchLocked()

	slow := s.broadcastChatLocked(entry)
	anyAttached := len(s.subs) > 0
	s.mu.Unlock()

	metrics.ChatMessages.Inc()
	for _, id := range slow {
		logging.Warn(ctx, "disconnected slow chat subscriber",
			zap.String("code", s.code),
			zap.String("client_id", logging.RedactToken(string(id))))
	}
	if len(slow) > 0 {
		s.hooks.activity(s.code, anyAttached)
	}
	return nil
}

// HandleSetRom applies the host's advisory ROM selection. Frames from any
// other member are dropped without error so a misbehaving guest cannot probe
// for host authority. Present-but-empty fields clear the value; absent
// fields leave it unchanged.
func (s *Session) HandleSetRom(ctx context.Context, from ClientID, romID, romTitle *string) {
	s.mu.Lock()
	if s.evicted || s.closed || from != s.hostClientID {
		s.mu.Unlock()
		return
	}
	if romID != nil {
		s.romID = *romID
	}
	if romTitle != nil {
		s.romTitle = *romTitle
	}
	s.touchLocked()
	s.broadcastRoomStateLocked("")
	anyAttached := len(s.subs) > 0
	s.mu.Unlock()

	logging.Info(ctx, "host rom updated", zap.String("code", s.code), zap.String("rom_id", s.romID))
	s.hooks.activity(s.code, anyAttached)
}

// HandleInput validates one guest controller frame and relays it to the
// host. Host-originated frames and frames against a closed session are
// discarded. Under backpressure the frame is dropped rather than queued:
// stale input is worse than missing input.
func (s *Session) HandleInput(ctx context.Context, from ClientID, raw json.RawMessage) {
	payload, err := input.Normalize(raw, s.cfg.AnalogDeadzone)
	if err != nil {
		metrics.InputFramesDropped.WithLabelValues("invalid").Inc()
		logging.Debug(ctx, "rejected input frame", zap.String("code", s.code), zap.Error(err))
		return
	}
	canonical, err := json.Marshal(payload)
	if err != nil {
		metrics.InputFramesDropped.WithLabelValues("invalid").Inc()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || s.closed {
		metrics.InputFramesDropped.WithLabelValues("session_closed").Inc()
		return
	}
	m, ok := s.members[from]
	if !ok {
		metrics.InputFramesDropped.WithLabelValues("unknown_member").Inc()
		return
	}
	if from == s.hostClientID {
		metrics.InputFramesDropped.WithLabelValues("from_host").Inc()
		return
	}
	hostSub, ok := s.subs[s.hostClientID]
	if !ok {
		metrics.InputFramesDropped.WithLabelValues("host_detached").Inc()
		return
	}

	frame := mustEncode(remoteInputFrame{
		Type:     FrameRemoteInput,
		FromSlot: m.slot,
		FromName: m.name,
		At:       clock.NowMS(),
		Payload:  canonical,
	})
	if hostSub.EnqueueInput(frame) {
		metrics.InputFramesRelayed.Inc()
	} else {
		metrics.InputFramesDropped.WithLabelValues("backpressure").Inc()
	}
}

// HandleSignal routes one opaque WebRTC signalling payload to another member
// of the same session. The payload bytes are relayed untouched; the
// coordinator never inspects SDP or ICE contents. Unattached targets drop
// the frame silently so glare during reconnects stays quiet.
func (s *Session) HandleSignal(ctx context.Context, from, target ClientID, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.evicted || s.closed {
		return
	}
	if _, ok := s.members[from]; !ok {
		return
	}
	if _, ok := s.members[target]; !ok {
		return
	}
	sub, ok := s.subs[target]
	if !ok {
		return
	}

	frame := mustEncode(signalFrame{
		Type:         FrameSignal,
		FromClientID: from,
		Payload:      payload,
	})
	if sub.EnqueueSignal(frame) {
		metrics.SignalsRelayed.Inc()
	}
}

// MemberCount returns the current number of members, connected or not.
func (s *Session) MemberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.members)
}

// snapshotLocked deep-copies the room state into its wire shape. Members
// are ordered by slot so clients can index them as local player positions.
func (s *Session) snapshotLocked() Snapshot {
	members := make([]MemberSnapshot, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, MemberSnapshot{
			ClientID:  m.clientID,
			Slot:      m.slot,
			Name:      m.name,
			AvatarURL: m.avatarURL,
			IsHost:    m.slot == hostSlot,
			Connected: m.connected,
			JoinedAt:  m.joinedAt,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Slot < members[j].Slot })

	chat := make([]ChatEntry, 0, s.chat.Len())
	for e := s.chat.Front(); e != nil; e = e.Next() {
		chat = append(chat, e.Value.(ChatEntry))
	}

	return Snapshot{
		Code:         s.code,
		CreatedAt:    s.createdAt,
		HostClientID: s.hostClientID,
		RomID:        s.romID,
		RomTitle:     s.romTitle,
		VoiceEnabled: s.voiceEnabled,
		Members:      members,
		Chat:         chat,
		Closed:       s.closed,
	}
}

// broadcastRoomStateLocked queues the current snapshot to every attached
// subscriber except skip (a freshly attaching socket that already got the
// snapshot as its first frame). Delivery is coalescing: a subscriber that
// has not drained the previous snapshot only ever sees the newest one.
func (s *Session) broadcastRoomStateLocked(skip ClientID) {
	if s.closed || len(s.subs) == 0 {
		return
	}
	frame := EncodeRoomState(s.snapshotLocked())
	for id, sub := range s.subs {
		if id == skip {
			continue
		}
		sub.ReplaceState(frame)
	}
}

// broadcastChatLocked queues one chat frame to every attached subscriber,
// sender included so all UIs converge on the ring. Subscribers whose chat
// backlog is full are disconnected with 4500 and their clientIds returned
// for logging outside the lock.
func (s *Session) broadcastChatLocked(entry ChatEntry) []ClientID {
	frame := mustEncode(chatFrame{Type: FrameChat, Entry: entry})

	var slow []ClientID
	for id, sub := range s.subs {
		if !sub.EnqueueChat(frame) {
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		sub := s.subs[id]
		delete(s.subs, id)
		if m := s.members[id]; m != nil {
			m.connected = false
			m.lastSeen = clock.NowMS()
		}
		sub.CloseWithCode(CloseInternalError, "chat backlog exceeded")
	}
	if len(slow) > 0 {
		s.broadcastRoomStateLocked("")
	}
	return slow
}
