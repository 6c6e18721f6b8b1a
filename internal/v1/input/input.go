// Package input validates and normalizes the controller frames guests send
// for relay to the session host. The host replays relayed payloads directly
// into its emulator, so the canonical form produced here must be byte-stable
// across client versions: same logical input, same JSON.
package input

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

const (
	// KindDigital is a button press or release.
	KindDigital = "digital"
	// KindAnalog is a stick position sample.
	KindAnalog = "analog"
)

// ErrInvalidPayload is the sentinel wrapped by every rejection. Callers
// drop rejected frames without replying; the wrapped detail is for logs.
var ErrInvalidPayload = errors.New("invalid input payload")

// Payload is the canonical normalized controller frame. Exactly one of the
// digital pair (Control, Pressed) or the analog pair (X, Y) is populated,
// selected by Kind. Pointer fields keep zero values (pressed=false, x=0) on
// the wire while omitting the fields that do not apply to the kind.
type Payload struct {
	Kind    string   `json:"kind"`
	Control Control  `json:"control,omitempty"`
	Pressed *bool    `json:"pressed,omitempty"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
}

// rawPayload mirrors the inbound shape with pointers so missing fields are
// distinguishable from zero values. Unknown extra fields are tolerated for
// forward compatibility; wrong types fail the JSON decode and reject the
// frame.
type rawPayload struct {
	Kind    string   `json:"kind"`
	Control string   `json:"control"`
	Pressed *bool    `json:"pressed"`
	X       *float64 `json:"x"`
	Y       *float64 `json:"y"`
}

// Normalize validates one inbound frame and returns its canonical form.
// Digital frames need a known control and a boolean pressed flag. Analog
// frames need finite x/y, which are clamped to [-1,1]; magnitudes below
// deadzone are zeroed so idle sticks do not spam the host.
func Normalize(raw json.RawMessage, deadzone float64) (Payload, error) {
	var in rawPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	switch in.Kind {
	case KindDigital:
		ctrl := Control(in.Control)
		if !KnownControls.Has(ctrl) {
			return Payload{}, fmt.Errorf("%w: unknown control %q", ErrInvalidPayload, in.Control)
		}
		if in.Pressed == nil {
			return Payload{}, fmt.Errorf("%w: digital frame missing pressed", ErrInvalidPayload)
		}
		return Payload{Kind: KindDigital, Control: ctrl, Pressed: in.Pressed}, nil

	case KindAnalog:
		if in.X == nil || in.Y == nil {
			return Payload{}, fmt.Errorf("%w: analog frame missing axis", ErrInvalidPayload)
		}
		x, err := normalizeAxis(*in.X, deadzone)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: x %v", ErrInvalidPayload, err)
		}
		y, err := normalizeAxis(*in.Y, deadzone)
		if err != nil {
			return Payload{}, fmt.Errorf("%w: y %v", ErrInvalidPayload, err)
		}
		return Payload{Kind: KindAnalog, X: &x, Y: &y}, nil

	default:
		return Payload{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidPayload, in.Kind)
	}
}

func normalizeAxis(v, deadzone float64) (float64, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("is not finite")
	}
	v = math.Max(-1, math.Min(1, v))
	if math.Abs(v) < deadzone {
		v = 0
	}
	return v, nil
}
