package battery

import (
	"context"
	"sync"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"autobbb/logging"
)

type fakeSensor struct {
	mu      sync.Mutex
	bus     float64
	shunt   float64
	current float64
	power   float64
	err     error
	reads   int
}

func (s *fakeSensor) ShuntVoltage() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	return s.shunt, s.err
}

func (s *fakeSensor) BusVoltage() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bus, s.err
}

func (s *fakeSensor) Current() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.err
}

func (s *fakeSensor) Power() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.power, s.err
}

func (s *fakeSensor) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func TestChargePercents(t *testing.T) {
	test.That(t, ChargePercents(3.75, false), test.ShouldAlmostEqual, 50)
	test.That(t, ChargePercents(4.2, false), test.ShouldEqual, 100)
	test.That(t, ChargePercents(3.2, false), test.ShouldEqual, 0)
	test.That(t, ChargePercents(3.8, true), test.ShouldAlmostEqual, 50)
}

func TestRefresh(t *testing.T) {
	sensor := &fakeSensor{bus: 11.25, shunt: 0, current: -0.4, power: 4.5}
	m := NewMonitor(sensor, clock.NewMock(), logging.NewTestLogger(t))

	_, ok := m.Charge()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, m.Refresh(), test.ShouldBeNil)
	status, ok := m.Status()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, status.CellVoltage, test.ShouldAlmostEqual, 3.75)
	test.That(t, status.Charging, test.ShouldBeFalse)
	charge, ok := m.Charge()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, charge, test.ShouldEqual, 50)
}

func TestRefreshFailureKeepsLastStatus(t *testing.T) {
	sensor := &fakeSensor{bus: 12, current: -0.4}
	m := NewMonitor(sensor, clock.NewMock(), logging.NewTestLogger(t))
	test.That(t, m.Refresh(), test.ShouldBeNil)
	before, _ := m.Status()

	sensor.mu.Lock()
	sensor.err = errors.New("nack")
	sensor.bus = 9
	sensor.mu.Unlock()
	test.That(t, m.Refresh(), test.ShouldNotBeNil)
	after, ok := m.Status()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, after, test.ShouldResemble, before)
}

func TestRunPolls(t *testing.T) {
	sensor := &fakeSensor{bus: 12}
	clk := clock.NewMock()
	m := NewMonitor(sensor, clk, logging.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, REFRESH_PERIOD)
		close(done)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		clk.Add(REFRESH_PERIOD)
		test.That(tb, sensor.Reads(), test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	cancel()
	<-done
}
