package gpio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/mkch/gpio"
	"github.com/pkg/errors"
)

const CONSUMER = "autobbb"

type Value byte

const (
	LOW  Value = 0
	HIGH Value = 1
)

type line interface {
	SetValue(value byte) error
	Close() error
}

// Gpio is one output line of a GPIO character device (/dev/gpiochipN).
type Gpio struct {
	mu     sync.Mutex
	chip   string
	offset uint32
	invert bool
	line   line
	value  Value
}

// Export requests offset on chip as an output driven LOW. With invert, logical HIGH drives
// the pin low.
func Export(chip string, offset uint32, invert bool) (*Gpio, error) {
	if !strings.HasPrefix(chip, "/") {
		chip = "/dev/" + chip
	}
	c, err := gpio.OpenChip(chip)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", chip)
	}
	defer c.Close()

	initial := LOW
	if invert {
		initial = HIGH
	}
	l, err := c.OpenLine(offset, byte(initial), gpio.Output, CONSUMER)
	if err != nil {
		return nil, errors.Wrapf(err, "request line %d of %s", offset, chip)
	}
	return newGpio(chip, offset, invert, l), nil
}

func newGpio(chip string, offset uint32, invert bool, l line) *Gpio {
	return &Gpio{chip: chip, offset: offset, invert: invert, line: l}
}

func (g *Gpio) String() string {
	return fmt.Sprintf("%s:%d", g.chip, g.offset)
}

func (g *Gpio) Value() Value {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}

func (g *Gpio) SetValue(value Value) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	physical := value
	if g.invert {
		physical ^= HIGH
	}
	if err := g.line.SetValue(byte(physical)); err != nil {
		return err
	}
	g.value = value
	return nil
}

// Write implements actuator.GPIO.
func (g *Gpio) Write(level bool) error {
	if level {
		return g.SetValue(HIGH)
	}
	return g.SetValue(LOW)
}

// Unexport releases the line back to the kernel.
func (g *Gpio) Unexport() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.line.Close()
}
