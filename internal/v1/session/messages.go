package session

import (
	"encoding/json"
	"fmt"
)

// FrameType tags every JSON text frame on the duplex channel.
type FrameType string

// Inbound frame types (client → server). Unknown types are dropped.
const (
	FramePing   FrameType = "ping"
	FramePong   FrameType = "pong"
	FrameInput  FrameType = "input"
	FrameChat   FrameType = "chat"
	FrameRom    FrameType = "host_rom"
	FrameSignal FrameType = "webrtc_signal"
)

// Outbound frame types (server → client).
const (
	FrameRoomState     FrameType = "room_state"
	FrameRemoteInput   FrameType = "remote_input"
	FrameSessionClosed FrameType = "session_closed"
)

// Reasons carried by session_closed frames. Clients render these verbatim,
// so they are part of the wire contract.
const (
	ReasonKicked        = "kicked"
	ReasonHostClosed    = "host closed the session"
	ReasonHostLeft      = "host left the session"
	ReasonInternalError = "internal_error"
	ReasonShutdown      = "server shutting down"
)

// Frame is the decoded inbound envelope. All payload fields are optional at
// the JSON level; the router checks the ones its frame type requires.
// Unknown extra fields are ignored for forward compatibility.
type Frame struct {
	Type FrameType `json:"type"`

	// ping / pong
	At int64 `json:"at,omitempty"`

	// input
	Payload json.RawMessage `json:"payload,omitempty"`

	// chat
	Text string `json:"text,omitempty"`

	// host_rom; pointers distinguish "clear this field" from "absent"
	RomID    *string `json:"romId,omitempty"`
	RomTitle *string `json:"romTitle,omitempty"`

	// webrtc_signal
	TargetClientID ClientID `json:"targetClientId,omitempty"`
}

// ParseFrame decodes one inbound text frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, fmt.Errorf("malformed frame: missing type")
	}
	return f, nil
}

// Outbound frame shapes. Field order is fixed so identical events marshal
// to identical bytes.

type roomStateFrame struct {
	Type    FrameType `json:"type"`
	Session Snapshot  `json:"session"`
}

type remoteInputFrame struct {
	Type     FrameType       `json:"type"`
	FromSlot int             `json:"fromSlot"`
	FromName string          `json:"fromName"`
	At       int64           `json:"at"`
	Payload  json.RawMessage `json:"payload"`
}

type chatFrame struct {
	Type  FrameType `json:"type"`
	Entry ChatEntry `json:"entry"`
}

type signalFrame struct {
	Type         FrameType       `json:"type"`
	FromClientID ClientID        `json:"fromClientId"`
	Payload      json.RawMessage `json:"payload"`
}

type sessionClosedFrame struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason"`
}

type heartbeatFrame struct {
	Type FrameType `json:"type"`
	At   int64     `json:"at"`
}

// EncodePing builds a server heartbeat frame carrying the monotonic send
// time, echoed back by clients for RTT measurement.
func EncodePing(at int64) []byte {
	return mustEncode(heartbeatFrame{Type: FramePing, At: at})
}

// EncodePong builds the reply to a client ping, echoing its timestamp so
// the client can measure its own round trip.
func EncodePong(at int64) []byte {
	return mustEncode(heartbeatFrame{Type: FramePong, At: at})
}

// EncodeSessionClosed builds the terminal frame delivered before a close.
func EncodeSessionClosed(reason string) []byte {
	return mustEncode(sessionClosedFrame{Type: FrameSessionClosed, Reason: reason})
}

// EncodeRoomState builds a room_state frame from a snapshot.
func EncodeRoomState(snap Snapshot) []byte {
	return mustEncode(roomStateFrame{Type: FrameRoomState, Session: snap})
}

// mustEncode marshals outbound frames. Every outbound shape is built from
// plain structs and raw JSON, so a marshal failure is a programming error.
func mustEncode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode outbound frame: %v", err))
	}
	return data
}
