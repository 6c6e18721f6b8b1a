package session

import "errors"

// Sentinel errors returned by registry and session operations. The REST
// layer maps them to statuses with errors.Is; the WebSocket layer drops the
// offending frame silently so misbehaving clients get no error channel to
// amplify.
var (
	// ErrNotFound covers unknown codes, unknown clients in a code, and
	// sessions already evicted or terminally closed.
	ErrNotFound = errors.New("session not found")

	// ErrRoomFull means slots 2..4 are all occupied.
	ErrRoomFull = errors.New("room full")

	// ErrForbidden means the acting clientId lacks host authority for the
	// requested operation.
	ErrForbidden = errors.New("forbidden")

	// ErrSessionClosed rejects mutations against a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrCapacityExhausted means the registry refused a create, either at
	// the MAX_SESSIONS cap or on invite-code exhaustion.
	ErrCapacityExhausted = errors.New("capacity exhausted")

	// ErrValidation wraps malformed caller input (names, chat, avatars).
	ErrValidation = errors.New("validation failed")
)
