// Package clock provides the coordinator's monotonic timebase and the opaque
// client tokens handed out on create/join. Every timestamp that crosses the
// wire (snapshots, chat entries, input relay, ping round trips) comes from
// this clock, so clients can compare values without wall-clock jumps or
// timezone concerns.
package clock

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

var processStart = time.Now()

// NowMS returns milliseconds elapsed since process start. The reading is
// monotonic; values never decrease across NTP slews or clock adjustments.
func NowMS() int64 {
	return time.Since(processStart).Milliseconds()
}

// NewClientID mints a 128-bit opaque token rendered as 32 lowercase hex
// characters. The token identifies a member within a single session and
// doubles as its reconnect credential, so it must be unguessable.
func NewClientID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
