package gpio

import (
	"errors"
	"testing"

	"go.viam.com/test"
)

type fakeLine struct {
	values []byte
	err    error
	closed bool
}

func (l *fakeLine) SetValue(value byte) error {
	if l.err != nil {
		return l.err
	}
	l.values = append(l.values, value)
	return nil
}

func (l *fakeLine) Close() error {
	l.closed = true
	return nil
}

func TestWrite(t *testing.T) {
	l := &fakeLine{}
	g := newGpio("/dev/gpiochip0", 13, false, l)

	test.That(t, g.Write(true), test.ShouldBeNil)
	test.That(t, g.Write(false), test.ShouldBeNil)
	test.That(t, l.values, test.ShouldResemble, []byte{1, 0})
	test.That(t, g.Value(), test.ShouldEqual, LOW)
	test.That(t, g.String(), test.ShouldEqual, "/dev/gpiochip0:13")

	test.That(t, g.Unexport(), test.ShouldBeNil)
	test.That(t, l.closed, test.ShouldBeTrue)
}

func TestWriteInverted(t *testing.T) {
	l := &fakeLine{}
	g := newGpio("/dev/gpiochip3", 27, true, l)

	test.That(t, g.Write(true), test.ShouldBeNil)
	test.That(t, g.Value(), test.ShouldEqual, HIGH)
	test.That(t, l.values, test.ShouldResemble, []byte{0})
}

func TestWriteFailureKeepsValue(t *testing.T) {
	l := &fakeLine{}
	g := newGpio("/dev/gpiochip0", 13, false, l)
	test.That(t, g.Write(true), test.ShouldBeNil)

	l.err = errors.New("line released")
	test.That(t, g.Write(false), test.ShouldNotBeNil)
	test.That(t, g.Value(), test.ShouldEqual, HIGH)
}
