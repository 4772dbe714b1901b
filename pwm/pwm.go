package pwm

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

const ROOT_PATH = "/sys/class/pwm"
const EXPORT_SETTLE_ATTEMPTS = 20
const EXPORT_SETTLE_INTERVAL = 10 * time.Millisecond

type Chip int

type Channel int

type Polarity string

const (
	PolarityNormal   Polarity = "normal"
	PolarityInversed Polarity = "inversed"
)

// PWM is one channel of a sysfs pwmchip. The period must be set before any duty cycle.
type PWM struct {
	mu       sync.Mutex
	chipPath string
	linePath string
	channel  Channel
	period   time.Duration
	duty     time.Duration
}

func NewPWM(chip Chip, channel Channel) *PWM {
	return NewPWMAt(ROOT_PATH, chip, channel)
}

// NewPWMAt is NewPWM rooted somewhere other than /sys/class/pwm.
func NewPWMAt(root string, chip Chip, channel Channel) *PWM {
	chipPath := fmt.Sprintf("%s/pwmchip%d", root, chip)
	return &PWM{
		chipPath: chipPath,
		linePath: fmt.Sprintf("%s/pwm%d", chipPath, channel),
		channel:  channel,
	}
}

func (pwm *PWM) String() string {
	return pwm.linePath
}

func writeValue(path string, value string) error {
	return os.WriteFile(path, []byte(value), 0666)
}

func (pwm *PWM) lineFile(name string) string {
	return pwm.linePath + "/" + name
}

// Export makes the channel directory appear. The kernel creates it asynchronously, so this
// waits briefly for udev to settle.
func (pwm *PWM) Export() error {
	if _, err := os.Stat(pwm.linePath); err == nil {
		return nil
	}
	if err := writeValue(pwm.chipPath+"/export", fmt.Sprintf("%d", pwm.channel)); err != nil {
		return errors.Wrapf(err, "export %s", pwm.linePath)
	}
	for i := 0; i < EXPORT_SETTLE_ATTEMPTS; i++ {
		if _, err := os.Stat(pwm.linePath); err == nil {
			return nil
		}
		time.Sleep(EXPORT_SETTLE_INTERVAL)
	}
	return errors.Errorf("%s did not appear after export", pwm.linePath)
}

func (pwm *PWM) Unexport() error {
	return writeValue(pwm.chipPath+"/unexport", fmt.Sprintf("%d", pwm.channel))
}

func (pwm *PWM) Enable() error {
	return writeValue(pwm.lineFile("enable"), "1")
}

func (pwm *PWM) Disable() error {
	return writeValue(pwm.lineFile("enable"), "0")
}

// Polarity must be written while the output is disabled.
func (pwm *PWM) Polarity(polarity Polarity) error {
	return writeValue(pwm.lineFile("polarity"), string(polarity))
}

// Period sets the PWM period. The kernel rejects a duty cycle longer than the period, so a
// shrinking period lowers the duty first.
func (pwm *PWM) Period(period time.Duration) error {
	pwm.mu.Lock()
	defer pwm.mu.Unlock()
	return pwm.setPeriod(period)
}

func (pwm *PWM) setPeriod(period time.Duration) error {
	if period <= 0 {
		return errors.Errorf("invalid period %s", period)
	}
	if period < pwm.duty {
		if err := pwm.setDutyCycle(0); err != nil {
			return err
		}
	}
	if err := writeValue(pwm.lineFile("period"), fmt.Sprintf("%d", period.Nanoseconds())); err != nil {
		return err
	}
	pwm.period = period
	return nil
}

func (pwm *PWM) DutyCycle(dutyCycle time.Duration) error {
	pwm.mu.Lock()
	defer pwm.mu.Unlock()
	return pwm.setDutyCycle(dutyCycle)
}

func (pwm *PWM) setDutyCycle(dutyCycle time.Duration) error {
	if dutyCycle > pwm.period {
		return errors.Errorf("duty cycle %s exceeds period %s", dutyCycle, pwm.period)
	}
	if err := writeValue(pwm.lineFile("duty_cycle"), fmt.Sprintf("%d", dutyCycle.Nanoseconds())); err != nil {
		return err
	}
	pwm.duty = dutyCycle
	return nil
}

// SetFrequency implements actuator.PWM. The duty percentage is kept across the change.
func (pwm *PWM) SetFrequency(hz uint) error {
	if hz == 0 {
		return errors.New("frequency must be positive")
	}
	pwm.mu.Lock()
	defer pwm.mu.Unlock()
	percent := 0
	if pwm.period > 0 {
		percent = int(pwm.duty * 100 / pwm.period)
	}
	if err := pwm.setPeriod(time.Second / time.Duration(hz)); err != nil {
		return err
	}
	return pwm.setDutyCycle(pwm.period * time.Duration(percent) / 100)
}

// SetDuty implements actuator.PWM.
func (pwm *PWM) SetDuty(percent int) error {
	pwm.mu.Lock()
	defer pwm.mu.Unlock()
	if pwm.period == 0 {
		return errors.Errorf("%s: period not set", pwm.linePath)
	}
	percent = max(0, min(100, percent))
	return pwm.setDutyCycle(pwm.period * time.Duration(percent) / 100)
}

// Start exports the channel, sets the frequency with a zero duty and enables the output. An
// empty polarity leaves the kernel default.
func (pwm *PWM) Start(hz uint, polarity Polarity) error {
	if err := pwm.Export(); err != nil {
		return err
	}
	if polarity != "" {
		if err := pwm.Polarity(polarity); err != nil {
			return errors.Wrapf(err, "set polarity of %s", pwm.linePath)
		}
	}
	if err := pwm.SetFrequency(hz); err != nil {
		return errors.Wrapf(err, "set frequency of %s", pwm.linePath)
	}
	if err := pwm.SetDuty(0); err != nil {
		return errors.Wrapf(err, "zero duty of %s", pwm.linePath)
	}
	return errors.Wrapf(pwm.Enable(), "enable %s", pwm.linePath)
}

// Stop drives the output low, disables and unexports it. Every step is attempted.
func (pwm *PWM) Stop() error {
	pwm.mu.Lock()
	err := pwm.setDutyCycle(0)
	pwm.mu.Unlock()
	return multierr.Combine(err, pwm.Disable(), pwm.Unexport())
}
