// Package actuator defines the output capabilities the bridge drives: PWM duty channels for
// the wheels and lamps, and GPIO level channels for wheel direction.
package actuator

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// PWM is a duty-cycle output.
type PWM interface {
	SetFrequency(hz uint) error
	// SetDuty sets the active share of each period, in percent [0,100].
	SetDuty(percent int) error
	Enable() error
	Disable() error
}

// GPIO is a level output.
type GPIO interface {
	Write(level bool) error
}

// Role names the logical purpose of a bound channel.
type Role string

const (
	LeftWheelDirection  Role = "left_wheel_direction"
	RightWheelDirection Role = "right_wheel_direction"
	LeftWheelPWM        Role = "left_wheel_pwm"
	RightWheelPWM       Role = "right_wheel_pwm"
	IlluminationPWM     Role = "illumination_pwm"
)

// Binding maps every role to its channel. It is built once at startup and only read afterwards.
type Binding struct {
	LeftDirection  GPIO
	RightDirection GPIO
	LeftWheel      PWM
	RightWheel     PWM
	Illumination   PWM
}

// Validate reports the first role without a channel. Illumination is optional.
func (b Binding) Validate() error {
	switch {
	case b.LeftDirection == nil:
		return errors.Errorf("no channel bound to %s", LeftWheelDirection)
	case b.RightDirection == nil:
		return errors.Errorf("no channel bound to %s", RightWheelDirection)
	case b.LeftWheel == nil:
		return errors.Errorf("no channel bound to %s", LeftWheelPWM)
	case b.RightWheel == nil:
		return errors.Errorf("no channel bound to %s", RightWheelPWM)
	}
	return nil
}

// HardwareFault is returned when a write to a physical channel fails.
type HardwareFault struct {
	Channel Role
	Op      string
	Err     error
}

func (f *HardwareFault) Error() string {
	return fmt.Sprintf("hardware fault on %s during %s: %v", f.Channel, f.Op, f.Err)
}

func (f *HardwareFault) Unwrap() error {
	return f.Err
}

// Fault wraps err as a HardwareFault, or returns nil when err is nil.
func Fault(role Role, op string, err error) error {
	if err == nil {
		return nil
	}
	return &HardwareFault{Channel: role, Op: op, Err: err}
}

// IsHardwareFault reports whether err carries a HardwareFault anywhere in its chain.
func IsHardwareFault(err error) bool {
	var fault *HardwareFault
	return errors.As(err, &fault)
}

// ClampDuty saturates percent into [0,100].
func ClampDuty(percent int) int {
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// Percent rounds v into [0,100]. NaN counts as 0.
func Percent(v float64) int {
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 100 {
		return 100
	}
	return int(math.Round(v))
}
