// Package dispatch maps parsed commands to the bound actuator handlers and renders exactly one
// acknowledgement token per command.
package dispatch

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"autobbb/actuator"
	"autobbb/command"
)

// Drive is the movement capability, implemented by *drive.Coordinator.
type Drive interface {
	Forward(speed float64) error
	Reverse() error
	TurnLeft(angle float64) error
	TurnRight(angle float64) error
	TurnEnd() error
	Brake() error
}

// Lamps is the illumination capability, implemented by *illumination.Lamp.
type Lamps interface {
	Illuminate(level float64) error
	Effect(effect int) error
}

// Battery reports the last charge estimate. ok is false until the first reading.
type Battery interface {
	Charge() (percent int, ok bool)
}

// Handlers are the capabilities bound at construction. A nil field leaves its verbs unbound.
type Handlers struct {
	Drive   Drive
	Lamps   Lamps
	Battery Battery
}

// Context is the session view a command is dispatched under.
type Context struct {
	// Ready is true once the controller has subscribed to acknowledgements.
	Ready     bool
	Signal    int
	HasSignal bool
}

const NO_SIGNAL = -999

var (
	ErrNotReady        = errors.New("session not ready for movement")
	ErrInvalidArgument = errors.New("invalid argument")
)

type class int

const (
	query class = iota
	safety
	movement
)

type action func(cmd command.Command, ctx Context) (string, error)

// route is one table entry. A nil run means the capability behind tag is not bound.
type route struct {
	tag   string
	class class
	run   action
}

type Dispatcher struct {
	routes map[string]route
	drive  Drive
	logger *zap.SugaredLogger
}

func New(h Handlers, logger *zap.SugaredLogger) *Dispatcher {
	d := &Dispatcher{
		routes: make(map[string]route),
		drive:  h.Drive,
		logger: logger,
	}

	d.routes["status"] = route{"STATUS", query, func(command.Command, Context) (string, error) {
		return "READY", nil
	}}
	d.routes["ping"] = route{"PING", query, func(command.Command, Context) (string, error) {
		return "PONG", nil
	}}
	d.routes["rssi"] = route{"RSSI", query, func(_ command.Command, ctx Context) (string, error) {
		if !ctx.HasSignal {
			return fmt.Sprintf("RSSI_%d", NO_SIGNAL), nil
		}
		return fmt.Sprintf("RSSI_%d", ctx.Signal), nil
	}}

	if dr := h.Drive; dr != nil {
		d.routes["forward"] = route{"FORWARD", movement, func(cmd command.Command, _ Context) (string, error) {
			speed := cmd.ArgumentOr(0)
			return "FORWARD_" + formatValue(speed) + "_OK", dr.Forward(speed)
		}}
		d.routes["reverse"] = route{"REVERSE", movement, func(command.Command, Context) (string, error) {
			return "REVERSE_OK", dr.Reverse()
		}}
		d.routes["turn_left"] = route{"LEFT", movement, func(cmd command.Command, _ Context) (string, error) {
			angle := cmd.ArgumentOr(0)
			return "LEFT_" + formatValue(angle) + "_OK", dr.TurnLeft(angle)
		}}
		d.routes["turn_right"] = route{"RIGHT", movement, func(cmd command.Command, _ Context) (string, error) {
			angle := cmd.ArgumentOr(0)
			return "RIGHT_" + formatValue(angle) + "_OK", dr.TurnRight(angle)
		}}
		turnEnd := func(command.Command, Context) (string, error) {
			return "TURN_END_OK", dr.TurnEnd()
		}
		d.routes["turn_end"] = route{"TURN_END", movement, turnEnd}
		d.routes["turn_stop"] = route{"TURN_END", movement, turnEnd}
		d.routes["brake"] = route{"BRAKE", safety, func(command.Command, Context) (string, error) {
			return "BRAKE_OK", dr.Brake()
		}}
		d.routes["stop"] = route{"STOP", safety, func(command.Command, Context) (string, error) {
			return "STOP_OK", dr.Brake()
		}}
	} else {
		for verb, tag := range map[string]string{
			"forward":    "FORWARD",
			"reverse":    "REVERSE",
			"turn_left":  "LEFT",
			"turn_right": "RIGHT",
			"turn_end":   "TURN_END",
			"turn_stop":  "TURN_END",
			"brake":      "BRAKE",
			"stop":       "STOP",
		} {
			d.routes[verb] = route{tag: tag}
		}
	}

	lamps := route{tag: "LAMPS"}
	effect := route{tag: "EFFECT"}
	if l := h.Lamps; l != nil {
		lamps = route{"LAMPS", movement, func(cmd command.Command, _ Context) (string, error) {
			return "LAMPS_OK", l.Illuminate(cmd.ArgumentOr(0))
		}}
		effect = route{"EFFECT", movement, func(cmd command.Command, _ Context) (string, error) {
			n := cmd.ArgumentOr(math.NaN())
			if math.IsNaN(n) || n != math.Trunc(n) {
				return "", errors.Wrapf(ErrInvalidArgument, "effect %q", cmd.String())
			}
			return "EFFECT_OK", l.Effect(int(n))
		}}
	}
	d.routes["illumination"] = lamps
	d.routes["effect"] = effect

	battery := route{tag: "BATTERY"}
	if b := h.Battery; b != nil {
		battery = route{"BATTERY", query, func(command.Command, Context) (string, error) {
			percent, ok := b.Charge()
			if !ok {
				return "BATTERY_UNKNOWN", nil
			}
			return "BATTERY_" + strconv.Itoa(percent), nil
		}}
	}
	d.routes["battery"] = battery

	return d
}

// Handle parses raw and dispatches the result.
func (d *Dispatcher) Handle(raw []byte, ctx Context) string {
	cmd, err := command.Parse(raw)
	if err != nil {
		d.logger.Debugw("unparseable command", "error", err)
		return "ERROR_PARSE"
	}
	return d.Dispatch(cmd, ctx)
}

// Dispatch runs the handler bound to cmd.Verb and returns its acknowledgement. It never panics
// and never returns an empty acknowledgement.
func (d *Dispatcher) Dispatch(cmd command.Command, ctx Context) (ack string) {
	r, ok := d.routes[cmd.Verb]
	if !ok {
		return "UNKNOWN_COMMAND_" + strings.ToUpper(cmd.Verb)
	}
	if r.run == nil {
		return r.tag + "_NO_HANDLER"
	}
	if r.class == movement && !ctx.Ready {
		return d.acknowledgeError(cmd, ErrNotReady)
	}

	defer func() {
		if p := recover(); p != nil {
			d.logger.Errorw("command handler panicked", "command", cmd.String(), "panic", p)
			d.brakeAfterFault()
			ack = "ERROR_INTERNAL"
		}
	}()
	ack, err := r.run(cmd, ctx)
	if err != nil {
		return d.acknowledgeError(cmd, err)
	}
	return ack
}

type invalidArgument interface {
	InvalidArgument() bool
}

func (d *Dispatcher) acknowledgeError(cmd command.Command, err error) string {
	var invalid invalidArgument
	switch {
	case errors.Is(err, ErrNotReady):
		d.logger.Debugw("movement command before ready", "command", cmd.String())
		return "ERROR_NOT_READY"
	case actuator.IsHardwareFault(err):
		d.logger.Warnw("hardware fault, braking", "command", cmd.String(), "error", err)
		d.brakeAfterFault()
		return "ERROR_HARDWARE"
	case errors.Is(err, ErrInvalidArgument), errors.As(err, &invalid) && invalid.InvalidArgument():
		d.logger.Debugw("invalid argument", "command", cmd.String(), "error", err)
		return "ERROR_INVALID_ARGUMENT"
	default:
		d.logger.Errorw("command failed", "command", cmd.String(), "error", err)
		return "ERROR_INTERNAL"
	}
}

func (d *Dispatcher) brakeAfterFault() {
	if d.drive == nil {
		return
	}
	if err := d.drive.Brake(); err != nil {
		d.logger.Warnw("brake after fault incomplete", "error", err)
	}
}

// formatValue renders an argument the way controllers expect it echoed: 50 as "50.0", 12.5 as "12.5".
func formatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if math.IsInf(v, 0) || math.IsNaN(v) || strings.Contains(s, ".") {
		return s
	}
	return s + ".0"
}
