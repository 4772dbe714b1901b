package bridge

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"autobbb/config"
	"autobbb/logging"
	"autobbb/pwm"
	"autobbb/session"
)

type loopback struct {
	mu     sync.Mutex
	events session.Events
	sent   []string
}

func (l *loopback) Serve(ctx context.Context, events session.Events) error {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (l *loopback) Send(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sent = append(l.sent, string(data))
	return nil
}

func (l *loopback) Events() session.Events {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

func (l *loopback) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

func fakeConfig() config.Config {
	cfg := config.Default()
	cfg.Hardware = config.HardwareFake
	cfg.Transport = config.TransportWebSocket
	return cfg
}

func TestBridgeEndToEnd(t *testing.T) {
	link := &loopback{}
	b, err := New(fakeConfig(), logging.NewTestLogger(t), WithTransport(link), WithClock(clock.NewMock()))
	test.That(t, err, test.ShouldBeNil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, link.Events(), test.ShouldNotBeNil)
	})
	events := link.Events()
	events.OnDataReceived([]byte("forward 50\x00"))
	events.OnDataReceived([]byte("illumination 30"))
	events.OnDataReceived([]byte("battery"))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, link.Sent(), test.ShouldResemble, []string{"FORWARD_50.0_OK", "LAMPS_OK", "BATTERY_NO_HANDLER"})
	})
	test.That(t, b.Fakes.LeftWheel.Duty(), test.ShouldEqual, 50)
	test.That(t, b.Fakes.RightWheel.Duty(), test.ShouldEqual, 50)
	test.That(t, b.Fakes.Illumination.Duty(), test.ShouldEqual, 30)

	events.OnDisconnect()
	test.That(t, b.Fakes.LeftWheel.Duty(), test.ShouldEqual, 0)
	test.That(t, b.Fakes.RightWheel.Duty(), test.ShouldEqual, 0)

	cancel()
	test.That(t, <-done, test.ShouldBeNil)
	test.That(t, b.Close(), test.ShouldBeNil)
	test.That(t, b.Fakes.Illumination.Duty(), test.ShouldEqual, 0)
}

func TestLampFaultBrakes(t *testing.T) {
	b, err := New(fakeConfig(), logging.NewTestLogger(t), WithTransport(&loopback{}), WithClock(clock.NewMock()))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.Drive.Forward(60), test.ShouldBeNil)

	b.Fakes.Illumination.SetFail(true)
	test.That(t, b.Lamp.Effect(1), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, b.Fakes.LeftWheel.Duty(), test.ShouldEqual, 0)
	})
	b.Fakes.Illumination.SetFail(false)
	test.That(t, b.Close(), test.ShouldBeNil)
}

func TestNewRejectsMissingChannels(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.LeftWheelDirection.Chip = "gpiochip-does-not-exist"
	_, err := New(cfg, logging.NewTestLogger(t), WithTransport(&loopback{}))
	test.That(t, err, test.ShouldNotBeNil)
}

func TestPolarityOf(t *testing.T) {
	test.That(t, polarityOf(config.PWMChannel{Chip: 0, Channel: 1}), test.ShouldEqual, pwm.PolarityNormal)
	test.That(t, polarityOf(config.PWMChannel{Chip: 0, Channel: 1, Invert: true}), test.ShouldEqual, pwm.PolarityInversed)
}
