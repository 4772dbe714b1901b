package illumination

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"autobbb/actuator"
	"autobbb/actuator/fake"
	"autobbb/logging"
)

func collect(p Pattern, limit int) []Step {
	var steps []Step
	for s := range p {
		steps = append(steps, s)
		if len(steps) == limit {
			break
		}
	}
	return steps
}

func TestPulse(t *testing.T) {
	steps := collect(Pulse(18*time.Second), 0)
	test.That(t, len(steps), test.ShouldEqual, 4+2*(FADE_STEPS+1))
	test.That(t, steps[0], test.ShouldResemble, Step{100, 100 * time.Millisecond})
	test.That(t, steps[3], test.ShouldResemble, Step{0, 200 * time.Millisecond})
	test.That(t, steps[4].Duty, test.ShouldEqual, 0)
	test.That(t, steps[4+FADE_STEPS].Duty, test.ShouldEqual, 100)
	test.That(t, steps[len(steps)-1].Duty, test.ShouldEqual, 0)
	test.That(t, steps[5].Hold, test.ShouldEqual, 100*time.Millisecond)
}

func TestBreatheRepeats(t *testing.T) {
	steps := collect(Breathe(time.Second), 3*(FADE_STEPS+1))
	test.That(t, len(steps), test.ShouldEqual, 3*(FADE_STEPS+1))
	test.That(t, steps[2*(FADE_STEPS+1)].Duty, test.ShouldEqual, 0)
	test.That(t, steps[2*(FADE_STEPS+1)+FADE_STEPS].Duty, test.ShouldEqual, 100)
}

func TestStopMidAnimation(t *testing.T) {
	pwm := &fake.PWM{}
	clk := clock.NewMock()
	lamp := NewLamp(pwm, clk, logging.NewTestLogger(t))

	lamp.Play(Breathe(time.Second))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(pwm.Writes()), test.ShouldBeGreaterThanOrEqualTo, 1)
	})
	test.That(t, lamp.Animating(), test.ShouldBeTrue)

	lamp.Stop()
	writes := len(pwm.Writes())
	test.That(t, lamp.Animating(), test.ShouldBeFalse)
	clk.Add(10 * time.Second)
	test.That(t, len(pwm.Writes()), test.ShouldEqual, writes)
}

func TestIlluminateCancelsAnimation(t *testing.T) {
	pwm := &fake.PWM{}
	clk := clock.NewMock()
	lamp := NewLamp(pwm, clk, logging.NewTestLogger(t))

	test.That(t, lamp.Effect(EffectPulse), test.ShouldBeNil)
	test.That(t, lamp.Illuminate(42.4), test.ShouldBeNil)
	test.That(t, lamp.Animating(), test.ShouldBeFalse)
	test.That(t, pwm.Duty(), test.ShouldEqual, 42)
	test.That(t, lamp.Level(), test.ShouldEqual, 42)

	clk.Add(time.Minute)
	test.That(t, pwm.Duty(), test.ShouldEqual, 42)
}

func TestEffect(t *testing.T) {
	pwm := &fake.PWM{}
	lamp := NewLamp(pwm, clock.NewMock(), logging.NewTestLogger(t))

	err := lamp.Effect(7)
	var unknown *UnknownEffectError
	test.That(t, errors.As(err, &unknown), test.ShouldBeTrue)
	test.That(t, unknown.InvalidArgument(), test.ShouldBeTrue)

	test.That(t, lamp.Effect(EffectBreathe), test.ShouldBeNil)
	test.That(t, lamp.Animating(), test.ShouldBeTrue)
	test.That(t, lamp.Effect(EffectOff), test.ShouldBeNil)
	test.That(t, lamp.Animating(), test.ShouldBeFalse)
	test.That(t, pwm.Duty(), test.ShouldEqual, 0)
}

func TestAnimationFaultReported(t *testing.T) {
	pwm := &fake.PWM{}
	pwm.SetFail(true)
	lamp := NewLamp(pwm, clock.NewMock(), logging.NewTestLogger(t))

	faults := make(chan error, 1)
	lamp.OnFault(func(err error) { faults <- err })
	lamp.Play(Steady(50))

	err := <-faults
	test.That(t, actuator.IsHardwareFault(err), test.ShouldBeTrue)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, lamp.Animating(), test.ShouldBeFalse)
	})
}
