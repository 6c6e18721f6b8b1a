package input

import "k8s.io/utils/set"

// Control names one digital input of an N64 pad as it appears on the wire.
type Control string

const (
	ControlA     Control = "a"
	ControlB     Control = "b"
	ControlZ     Control = "z"
	ControlStart Control = "start"
	ControlL     Control = "l"
	ControlR     Control = "r"

	ControlDPadUp    Control = "dpad_up"
	ControlDPadDown  Control = "dpad_down"
	ControlDPadLeft  Control = "dpad_left"
	ControlDPadRight Control = "dpad_right"

	ControlCUp    Control = "c_up"
	ControlCDown  Control = "c_down"
	ControlCLeft  Control = "c_left"
	ControlCRight Control = "c_right"

	// Keyboard players drive the analog stick as four digital directions.
	ControlAnalogUp    Control = "analog_up"
	ControlAnalogDown  Control = "analog_down"
	ControlAnalogLeft  Control = "analog_left"
	ControlAnalogRight Control = "analog_right"
)

// KnownControls is the complete 18-control set a guest may drive remotely.
// Anything outside it is rejected before relay.
var KnownControls = set.New(
	ControlA, ControlB, ControlZ, ControlStart, ControlL, ControlR,
	ControlDPadUp, ControlDPadDown, ControlDPadLeft, ControlDPadRight,
	ControlCUp, ControlCDown, ControlCLeft, ControlCRight,
	ControlAnalogUp, ControlAnalogDown, ControlAnalogLeft, ControlAnalogRight,
)
