// Package session implements the coordinator's core: the registry of live
// multiplayer sessions, the per-session state machine (members, slots, chat,
// host ROM), and the message bus that fans session events out to attached
// WebSocket subscribers.
//
// Concurrency Design:
// Every Session is single-writer: all mutations happen under the session's
// own RWMutex, and methods with the Locked suffix assume the caller holds
// it. Reads hand out deep-copied snapshots so callers never observe partial
// mutations. The bus never blocks on the network while the lock is held;
// outbound frames are enqueued into subscriber-owned queues and the mutator
// returns.
//
// The Registry owns session existence: it is the only component that evicts,
// and its grace-period timers are cancelled by any attachment activity.
package session

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// ClientID is the opaque 128-bit token issued on create/join. It is scoped
// to one session: presenting it re-binds the same member on reconnect, and
// it doubles as the credential for host-only actions.
type ClientID string

// Slots are 1..4; slot 1 is the host and is assigned exactly once at
// session creation.
const (
	hostSlot = 1
	maxSlots = 4
)

// maxNameLen bounds member display names (runes, after normalization).
const maxNameLen = 32

// maxAvatarURLLen bounds avatar references; data:image URIs are allowed but
// must stay small enough to ride along in every snapshot.
const maxAvatarURLLen = 8192

// member is the per-session record of one player.
type member struct {
	clientID  ClientID
	slot      int
	name      string
	avatarURL string
	joinedAt  int64
	lastSeen  int64
	connected bool
}

// ChatEntry is one chat message as stored in the ring and sent on the wire.
type ChatEntry struct {
	ID           int64    `json:"id"`
	FromClientID ClientID `json:"fromClientId"`
	FromName     string   `json:"fromName"`
	FromSlot     int      `json:"fromSlot"`
	Message      string   `json:"message"`
	At           int64    `json:"at"`
}

// MemberSnapshot is the public view of a member inside a room snapshot.
type MemberSnapshot struct {
	ClientID  ClientID `json:"clientId"`
	Slot      int      `json:"slot"`
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	IsHost    bool     `json:"isHost"`
	Connected bool     `json:"connected"`
	JoinedAt  int64    `json:"joinedAt"`
}

// Snapshot is the consistent, immutable view of a session published after
// every state change and returned by REST lookups.
type Snapshot struct {
	Code         string           `json:"code"`
	CreatedAt    int64            `json:"createdAt"`
	HostClientID ClientID         `json:"hostClientId"`
	RomID        string           `json:"romId,omitempty"`
	RomTitle     string           `json:"romTitle,omitempty"`
	VoiceEnabled bool             `json:"voiceEnabled"`
	Members      []MemberSnapshot `json:"members"`
	Chat         []ChatEntry      `json:"chat"`
	Closed       bool             `json:"closed"`
}

// CreateParams are the host-supplied fields of a new session.
type CreateParams struct {
	HostName     string
	AvatarURL    string
	RomID        string
	RomTitle     string
	VoiceEnabled bool
}

// JoinParams are the guest-supplied fields of a join.
type JoinParams struct {
	Name      string
	AvatarURL string
}

// CreateResult is returned by Registry.Create.
type CreateResult struct {
	Code     string
	ClientID ClientID
	Session  Snapshot
}

// JoinResult is returned by Registry.Join.
type JoinResult struct {
	Code     string
	ClientID ClientID
	Slot     int
	Session  Snapshot
}

// NormalizeName collapses interior whitespace runs to single spaces, trims,
// and validates the result against the display-name rules.
func NormalizeName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", fmt.Errorf("%w: name must not be empty", ErrValidation)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrValidation, maxNameLen)
	}
	return name, nil
}

// ValidateAvatarURL accepts http(s) URLs and data:image URIs; anything else
// is rejected so snapshots never carry scriptable schemes.
func ValidateAvatarURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > maxAvatarURLLen {
		return fmt.Errorf("%w: avatarUrl exceeds %d bytes", ErrValidation, maxAvatarURLLen)
	}
	if strings.HasPrefix(raw, "data:image/") {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: avatarUrl must be http(s) or data:image", ErrValidation)
	}
	return nil
}
