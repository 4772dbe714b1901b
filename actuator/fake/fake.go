// Package fake provides in-memory actuator channels for tests and the dev shell.
package fake

import (
	"sync"

	"github.com/pkg/errors"

	"autobbb/actuator"
)

// ErrInjected is returned by a channel whose Fail flag is set.
var ErrInjected = errors.New("injected hardware failure")

// PWM records the last values written to it.
type PWM struct {
	mu        sync.Mutex
	frequency uint
	duty      int
	enabled   bool
	writes    []int
	fail      bool
	onWrite   func(duty int)
}

// SetFrequency implements actuator.PWM.
func (p *PWM) SetFrequency(hz uint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return ErrInjected
	}
	p.frequency = hz
	return nil
}

// SetDuty implements actuator.PWM.
func (p *PWM) SetDuty(percent int) error {
	p.mu.Lock()
	if p.fail {
		p.mu.Unlock()
		return ErrInjected
	}
	p.duty = percent
	p.writes = append(p.writes, percent)
	hook := p.onWrite
	p.mu.Unlock()
	if hook != nil {
		hook(percent)
	}
	return nil
}

// Enable implements actuator.PWM.
func (p *PWM) Enable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return ErrInjected
	}
	p.enabled = true
	return nil
}

// Disable implements actuator.PWM.
func (p *PWM) Disable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return ErrInjected
	}
	p.enabled = false
	return nil
}

// Duty returns the last duty written.
func (p *PWM) Duty() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duty
}

// Frequency returns the last frequency written.
func (p *PWM) Frequency() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frequency
}

// Enabled reports whether the output is enabled.
func (p *PWM) Enabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Writes returns every duty written so far, in order.
func (p *PWM) Writes() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int(nil), p.writes...)
}

// SetFail makes every following call fail (or succeed again).
func (p *PWM) SetFail(fail bool) {
	p.mu.Lock()
	p.fail = fail
	p.mu.Unlock()
}

// OnWrite registers a hook called after every successful SetDuty, outside the channel lock.
func (p *PWM) OnWrite(hook func(duty int)) {
	p.mu.Lock()
	p.onWrite = hook
	p.mu.Unlock()
}

// GPIO records the last level written to it.
type GPIO struct {
	mu     sync.Mutex
	level  bool
	writes int
	fail   bool
}

// Write implements actuator.GPIO.
func (g *GPIO) Write(level bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return ErrInjected
	}
	g.level = level
	g.writes++
	return nil
}

// Level returns the last level written.
func (g *GPIO) Level() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.level
}

// WriteCount returns how many writes succeeded.
func (g *GPIO) WriteCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writes
}

// SetFail makes every following write fail (or succeed again).
func (g *GPIO) SetFail(fail bool) {
	g.mu.Lock()
	g.fail = fail
	g.mu.Unlock()
}

// Channels is a full set of fake channels, one per role.
type Channels struct {
	LeftDirection  *GPIO
	RightDirection *GPIO
	LeftWheel      *PWM
	RightWheel     *PWM
	Illumination   *PWM
}

// NewChannels returns a fresh set of fake channels.
func NewChannels() *Channels {
	return &Channels{
		LeftDirection:  &GPIO{},
		RightDirection: &GPIO{},
		LeftWheel:      &PWM{},
		RightWheel:     &PWM{},
		Illumination:   &PWM{},
	}
}

// Binding binds the fake channels to their roles.
func (c *Channels) Binding() actuator.Binding {
	return actuator.Binding{
		LeftDirection:  c.LeftDirection,
		RightDirection: c.RightDirection,
		LeftWheel:      c.LeftWheel,
		RightWheel:     c.RightWheel,
		Illumination:   c.Illumination,
	}
}
