package session

// WebSocket close codes used across the coordinator. 1000 is the RFC 6455
// normal closure; the 4xxx range is application-defined.
const (
	CloseNormal        = 1000
	CloseSessionEnded  = 4000
	CloseUnauthorized  = 4401
	CloseKicked        = 4403
	CloseSuperseded    = 4409
	CloseInternalError = 4500
)

// Subscriber is one attached socket as the bus sees it. transport.Client is
// the production implementation; tests substitute recording mocks.
//
// Every method must return promptly without blocking on the network: the
// bus calls them while holding the session lock, so implementations enqueue
// into their own buffers and let their write loop do the I/O.
type Subscriber interface {
	// ClientID identifies the member this socket belongs to.
	ClientID() ClientID

	// EnqueueInput queues a remote_input frame. Input is freshness-
	// critical: implementations drop the frame and return false when the
	// buffer is full instead of blocking.
	EnqueueInput(frame []byte) bool

	// EnqueueChat queues a chat frame. Chat is not droppable; a false
	// return means the backlog ceiling was exceeded and the bus will
	// disconnect this subscriber with CloseInternalError.
	EnqueueChat(frame []byte) bool

	// EnqueueSignal queues a webrtc_signal frame. Signalling is low-rate;
	// a false return means the subscriber is too far behind and the frame
	// was dropped.
	EnqueueSignal(frame []byte) bool

	// ReplaceState queues a room_state frame, replacing any snapshot not
	// yet written. At most one snapshot is ever in flight; the latest
	// always wins.
	ReplaceState(frame []byte)

	// Terminate delivers one final frame (usually session_closed) and then
	// closes the socket with the given code. Exactly-once: later enqueues
	// are ignored.
	Terminate(frame []byte, closeCode int, reason string)

	// CloseWithCode closes the socket without a final frame, for closures
	// that carry their meaning in the code itself (4409 supersede, 4500
	// slow consumer).
	CloseWithCode(closeCode int, reason string)
}
