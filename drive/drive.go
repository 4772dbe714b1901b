// Package drive coordinates the two wheels of a differential-drive chassis. Every operation
// computes the next DriveState and writes all four wheel channels under one lock, so no
// observer sees one wheel updated and the other stale.
package drive

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"autobbb/actuator"
)

type Direction int

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	if d == Reverse {
		return "reverse"
	}
	return "forward"
}

// MarshalText lets telemetry frames carry the direction name.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Mode int

const (
	Stopped Mode = iota
	MovingForward
	Reversing
	TurningLeft
	TurningRight
)

func (m Mode) String() string {
	switch m {
	case MovingForward:
		return "forward"
	case Reversing:
		return "reverse"
	case TurningLeft:
		return "turning_left"
	case TurningRight:
		return "turning_right"
	default:
		return "stopped"
	}
}

// MarshalText lets telemetry frames carry the mode name.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// State is the commanded differential-drive posture. Duties are always within [0,100].
type State struct {
	LeftDuty       int       `json:"left_duty"`
	RightDuty      int       `json:"right_duty"`
	LeftDirection  Direction `json:"left_direction"`
	RightDirection Direction `json:"right_direction"`
	BaseSpeed      int       `json:"base_speed"`
	Mode           Mode      `json:"mode"`
	// Angle is the last turn magnitude while turning, 0 otherwise.
	Angle int `json:"angle"`
}

// Neutral is the braked posture.
var Neutral = State{}

type Coordinator struct {
	mu     sync.Mutex
	left   wheel
	right  wheel
	state  State
	logger *zap.SugaredLogger
}

type wheel struct {
	direction     actuator.GPIO
	pwm           actuator.PWM
	directionRole actuator.Role
	pwmRole       actuator.Role
}

func NewCoordinator(binding actuator.Binding, logger *zap.SugaredLogger) (*Coordinator, error) {
	if err := binding.Validate(); err != nil {
		return nil, err
	}
	return &Coordinator{
		left: wheel{
			direction:     binding.LeftDirection,
			pwm:           binding.LeftWheel,
			directionRole: actuator.LeftWheelDirection,
			pwmRole:       actuator.LeftWheelPWM,
		},
		right: wheel{
			direction:     binding.RightDirection,
			pwm:           binding.RightWheel,
			directionRole: actuator.RightWheelDirection,
			pwmRole:       actuator.RightWheelPWM,
		},
		logger: logger,
	}, nil
}

// State returns a snapshot of the drive state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Forward drives both wheels forward at speed percent, clamped to [0,100]. The speed becomes
// the base speed that TurnEnd returns to.
func (c *Coordinator) Forward(speed float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	duty := actuator.Percent(speed)
	next := State{
		LeftDuty:       duty,
		RightDuty:      duty,
		LeftDirection:  Forward,
		RightDirection: Forward,
		BaseSpeed:      duty,
		Mode:           MovingForward,
	}
	if duty == 0 {
		next.Mode = Stopped
	}
	return c.apply(next, "forward")
}

// Reverse flips both wheels to reverse with zero duty.
func (c *Coordinator) Reverse() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state
	next.LeftDuty, next.RightDuty = 0, 0
	next.LeftDirection, next.RightDirection = Reverse, Reverse
	next.Mode = Reversing
	next.Angle = 0
	return c.apply(next, "reverse")
}

// TurnLeft slows the left wheel and speeds up the right wheel by angle, starting from the
// current duties. Repeated calls keep nudging; both duties saturate at [0,100].
func (c *Coordinator) TurnLeft(angle float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delta := actuator.Percent(angle)
	next := c.state
	next.LeftDuty = actuator.ClampDuty(c.state.LeftDuty - delta)
	next.RightDuty = actuator.ClampDuty(c.state.RightDuty + delta)
	next.Mode = TurningLeft
	next.Angle = delta
	return c.apply(next, "turn_left")
}

// TurnRight mirrors TurnLeft.
func (c *Coordinator) TurnRight(angle float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delta := actuator.Percent(angle)
	next := c.state
	next.LeftDuty = actuator.ClampDuty(c.state.LeftDuty + delta)
	next.RightDuty = actuator.ClampDuty(c.state.RightDuty - delta)
	next.Mode = TurningRight
	next.Angle = delta
	return c.apply(next, "turn_right")
}

// TurnEnd restores both duties to the base speed, keeping the current directions.
func (c *Coordinator) TurnEnd() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.state
	next.LeftDuty, next.RightDuty = c.state.BaseSpeed, c.state.BaseSpeed
	next.Angle = 0
	next.Mode = posture(next)
	return c.apply(next, "turn_end")
}

// Brake zeroes both duties and returns both directions to forward. It is safe to call from
// any goroutine and any number of times. Every channel is written even if another fails.
func (c *Coordinator) Brake() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := multierr.Combine(
		actuator.Fault(c.left.pwmRole, "brake", c.left.pwm.SetDuty(0)),
		actuator.Fault(c.right.pwmRole, "brake", c.right.pwm.SetDuty(0)),
		actuator.Fault(c.left.directionRole, "brake", c.left.direction.Write(levelOf(Forward))),
		actuator.Fault(c.right.directionRole, "brake", c.right.direction.Write(levelOf(Forward))),
	)
	if c.state != Neutral {
		c.logger.Debugw("brake", "from", c.state.Mode)
	}
	c.state = Neutral
	if err != nil {
		c.logger.Warnw("brake could not reach every channel", "error", err)
	}
	return err
}

// apply writes next to the channels. Duties drop to zero before any direction line flips.
// Must be called with mu held.
func (c *Coordinator) apply(next State, op string) error {
	if next.LeftDirection != c.state.LeftDirection || next.RightDirection != c.state.RightDirection {
		if err := c.writeDuties(0, 0, op); err != nil {
			return err
		}
		c.state.LeftDuty, c.state.RightDuty = 0, 0
		if err := c.left.writeDirection(next.LeftDirection, op); err != nil {
			return err
		}
		c.state.LeftDirection = next.LeftDirection
		if err := c.right.writeDirection(next.RightDirection, op); err != nil {
			return err
		}
		c.state.RightDirection = next.RightDirection
	}
	if err := c.writeDuties(next.LeftDuty, next.RightDuty, op); err != nil {
		return err
	}
	c.state = next
	c.logger.Debugw(op,
		"left_duty", next.LeftDuty, "right_duty", next.RightDuty,
		"left_direction", next.LeftDirection, "right_direction", next.RightDirection)
	return nil
}

func (c *Coordinator) writeDuties(left, right int, op string) error {
	if err := c.left.pwm.SetDuty(left); err != nil {
		return actuator.Fault(c.left.pwmRole, op, err)
	}
	return actuator.Fault(c.right.pwmRole, op, c.right.pwm.SetDuty(right))
}

func (w wheel) writeDirection(d Direction, op string) error {
	return actuator.Fault(w.directionRole, op, w.direction.Write(levelOf(d)))
}

// levelOf maps a direction to the H-bridge direction input: high selects reverse.
func levelOf(d Direction) bool {
	return d == Reverse
}

func posture(s State) Mode {
	switch {
	case s.LeftDirection == Reverse && s.RightDirection == Reverse:
		return Reversing
	case s.LeftDuty == 0 && s.RightDuty == 0:
		return Stopped
	default:
		return MovingForward
	}
}
