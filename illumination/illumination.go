// Package illumination drives the lamp PWM channel: a steady level, or an animation pattern
// played by one timer-driven writer that stops within one step when asked.
package illumination

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"autobbb/actuator"
)

// Effect numbers as sent by the controller.
const (
	EffectOff     = 0
	EffectPulse   = 1
	EffectBreathe = 2
)

// UnknownEffectError is returned for an effect number with no pattern.
type UnknownEffectError struct {
	Effect int
}

func (e *UnknownEffectError) Error() string {
	return fmt.Sprintf("unknown lamp effect %d", e.Effect)
}

// InvalidArgument marks the error as the controller's fault.
func (e *UnknownEffectError) InvalidArgument() bool {
	return true
}

type Lamp struct {
	pwm    actuator.PWM
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu      sync.Mutex
	level   int
	stop    chan struct{}
	done    chan struct{}
	onFault func(error)
}

func NewLamp(pwm actuator.PWM, clk clock.Clock, logger *zap.SugaredLogger) *Lamp {
	return &Lamp{pwm: pwm, clock: clk, logger: logger}
}

// OnFault registers a callback for write failures that happen inside a running animation,
// where no caller is around to receive the error.
func (l *Lamp) OnFault(handler func(error)) {
	l.mu.Lock()
	l.onFault = handler
	l.mu.Unlock()
}

// Level returns the last duty written.
func (l *Lamp) Level() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Animating reports whether a pattern is still playing.
func (l *Lamp) Animating() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Illuminate cancels any animation and holds level percent.
func (l *Lamp) Illuminate(level float64) error {
	l.Stop()
	duty := actuator.Percent(level)
	if err := l.pwm.SetDuty(duty); err != nil {
		return actuator.Fault(actuator.IlluminationPWM, "illuminate", err)
	}
	l.mu.Lock()
	l.level = duty
	l.mu.Unlock()
	return nil
}

// Effect starts the numbered animation, replacing any running one. EffectOff turns the lamp off.
func (l *Lamp) Effect(effect int) error {
	switch effect {
	case EffectOff:
		return l.Illuminate(0)
	case EffectPulse:
		l.Play(Pulse(DEFAULT_EFFECT_DURATION))
	case EffectBreathe:
		l.Play(Breathe(DEFAULT_EFFECT_DURATION / 4))
	default:
		return &UnknownEffectError{Effect: effect}
	}
	return nil
}

// Play stops the running pattern, waits for it to exit, and starts p in the background.
func (l *Lamp) Play(p Pattern) {
	l.Stop()
	stop := make(chan struct{})
	done := make(chan struct{})
	l.mu.Lock()
	l.stop, l.done = stop, done
	l.mu.Unlock()
	go l.run(p, stop, done)
}

// Stop cancels the running pattern and returns once its writer has exited. The writer checks
// for cancellation between steps and while holding a step, so this takes at most one write.
func (l *Lamp) Stop() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (l *Lamp) run(p Pattern, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for step := range p {
		select {
		case <-stop:
			return
		default:
		}
		if err := l.pwm.SetDuty(step.Duty); err != nil {
			l.fault(actuator.Fault(actuator.IlluminationPWM, "animate", err))
			return
		}
		l.mu.Lock()
		l.level = step.Duty
		l.mu.Unlock()
		if step.Hold <= 0 {
			continue
		}
		timer := l.clock.Timer(step.Hold)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (l *Lamp) fault(err error) {
	l.logger.Warnw("lamp animation stopped", "error", err)
	l.mu.Lock()
	handler := l.onFault
	l.mu.Unlock()
	if handler != nil {
		handler(err)
	}
}
