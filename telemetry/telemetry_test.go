package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"autobbb/battery"
	"autobbb/drive"
	"autobbb/logging"
	"autobbb/session"
)

type sessionSource session.Snapshot

func (s sessionSource) Snapshot() session.Snapshot { return session.Snapshot(s) }

type driveSource drive.State

func (d driveSource) State() drive.State { return drive.State(d) }

type batterySource struct {
	status battery.Status
	ok     bool
}

func (b batterySource) Status() (battery.Status, bool) { return b.status, b.ok }

func TestEncode(t *testing.T) {
	clk := clock.NewMock()
	p := NewPublisher(
		sessionSource{ID: "abc", State: session.Ready, Signal: -70, HasSignal: true},
		driveSource{LeftDuty: 50, RightDuty: 40, BaseSpeed: 50, Mode: drive.TurningRight, Angle: 5},
		batterySource{status: battery.Status{ChargePercents: 80}, ok: true},
		clk,
		logging.NewTestLogger(t),
	)
	data, err := Encode(p.Frame())
	test.That(t, err, test.ShouldBeNil)

	var decoded map[string]interface{}
	test.That(t, json.Unmarshal(data, &decoded), test.ShouldBeNil)
	test.That(t, decoded["session"], test.ShouldEqual, "abc")
	test.That(t, decoded["state"], test.ShouldEqual, "ready")
	test.That(t, decoded["rssi"], test.ShouldEqual, -70.0)
	driveFrame := decoded["drive"].(map[string]interface{})
	test.That(t, driveFrame["mode"], test.ShouldEqual, "turning_right")
	test.That(t, driveFrame["left_direction"], test.ShouldEqual, "forward")
	test.That(t, driveFrame["left_duty"], test.ShouldEqual, 50.0)
	batteryFrame := decoded["battery"].(map[string]interface{})
	test.That(t, batteryFrame["chargePercents"], test.ShouldEqual, 80.0)
}

func TestFrameWithoutSignalOrBattery(t *testing.T) {
	p := NewPublisher(sessionSource{}, driveSource{}, batterySource{}, clock.NewMock(), logging.NewTestLogger(t))
	frame := p.Frame()
	test.That(t, frame.RSSI, test.ShouldBeNil)
	test.That(t, frame.Battery, test.ShouldBeNil)
	test.That(t, frame.State, test.ShouldEqual, session.Disconnected)

	data, err := Encode(frame)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldContainSubstring, `"rssi":null`)
	test.That(t, string(data), test.ShouldNotContainSubstring, `"battery"`)
}

func TestRunBroadcasts(t *testing.T) {
	clk := clock.NewMock()
	p := NewPublisher(sessionSource{State: session.Connected}, driveSource{}, nil, clk, logging.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, PERIOD)
		close(done)
	}()
	client := p.Subscribe()
	test.That(t, client, test.ShouldNotBeNil)

	var got []byte
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		clk.Add(PERIOD)
		select {
		case data := <-client.C:
			got = *data
		case <-time.After(10 * time.Millisecond):
		}
		test.That(tb, got, test.ShouldNotBeNil)
	})
	test.That(t, string(got), test.ShouldContainSubstring, `"state":"connected"`)

	cancel()
	<-done
	client.Close()
	test.That(t, p.Subscribe(), test.ShouldBeNil)
}
