// Package motion turns selected target points into bounded relative
// actuator moves.
//
// The perception side offers Commands to a capacity-1 Mailbox; a single
// Worker takes the latest one and runs the Planner, which chooses between
// a direct far-field step and a PID-driven near-field correction split
// into paced sub-steps.
package motion

import (
	"errors"
	"fmt"
)

// ErrActuatorUnavailable is returned by actuators whose transport is down.
var ErrActuatorUnavailable = errors.New("motion: actuator unavailable")

// ButtonFlags is the button event bitmask carried alongside a move.
type ButtonFlags uint8

const (
	ButtonLeftDown ButtonFlags = 1 << iota
	ButtonLeftUp
	ButtonRightDown
	ButtonRightUp
	ButtonMiddleDown
	ButtonMiddleUp
)

func (b ButtonFlags) String() string {
	return fmt.Sprintf("0x%02x", uint8(b))
}

// Actuator delivers relative moves in device units, assumed 1:1 with
// screen pixels. Send is best effort: a non-nil error means the move was
// not delivered, and callers do not retry.
type Actuator interface {
	Send(dx, dy int32, buttons ButtonFlags) error
}

// ActuatorFunc adapts a function to the Actuator interface.
type ActuatorFunc func(dx, dy int32, buttons ButtonFlags) error

// Send calls f.
func (f ActuatorFunc) Send(dx, dy int32, buttons ButtonFlags) error {
	return f(dx, dy, buttons)
}
