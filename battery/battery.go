// Package battery estimates the charge of a 3S 18650 pack from an INA219 on the UPS module.
package battery

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"
)

const (
	CELLS = 3
	// Assume 4.0V is the highest an 18650 cell shows under load, 4.1V while charging,
	// and 3.5V is the lowest it can be discharged to.
	CELL_EMPTY_V         = 3.5
	CELL_FULL_V          = 4.0
	CELL_FULL_CHARGING_V = 4.1
	REFRESH_PERIOD       = time.Second
)

// Sensor is the current/power monitor wired across the pack. *ina219.INA219 satisfies it.
type Sensor interface {
	ShuntVoltage() (float64, error)
	BusVoltage() (float64, error)
	Current() (float64, error)
	Power() (float64, error)
}

// negative ShuntVoltage and Current means the battery is discharging
type Status struct {
	BusVoltage     float64 `json:"busVoltage"`
	ShuntVoltage   float64 `json:"shuntVoltage"`
	BatteryVoltage float64 `json:"batteryVoltage"`
	CellVoltage    float64 `json:"cellVoltage"`
	Current        float64 `json:"current"`
	Power          float64 `json:"power"`
	ChargePercents float64 `json:"chargePercents"`
	Charging       bool    `json:"charging"`
}

type Monitor struct {
	sensor Sensor
	clock  clock.Clock
	logger *zap.SugaredLogger

	mu     sync.RWMutex
	status Status
	valid  bool
}

func NewMonitor(sensor Sensor, clk clock.Clock, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{sensor: sensor, clock: clk, logger: logger}
}

// Status returns the last reading. ok is false until the first successful refresh.
func (m *Monitor) Status() (status Status, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, m.valid
}

// Charge returns the last charge estimate in whole percent.
func (m *Monitor) Charge() (int, bool) {
	status, ok := m.Status()
	if !ok {
		return 0, false
	}
	return int(status.ChargePercents), true
}

// Refresh takes one reading. The previous status is kept if any register read fails.
func (m *Monitor) Refresh() error {
	shuntVoltage, errShunt := m.sensor.ShuntVoltage()
	busVoltage, errBus := m.sensor.BusVoltage()
	current, errCurrent := m.sensor.Current()
	power, errPower := m.sensor.Power()
	if err := multierr.Combine(errShunt, errBus, errCurrent, errPower); err != nil {
		return err
	}

	batteryVoltage := busVoltage - shuntVoltage
	cellVoltage := batteryVoltage / CELLS
	charging := current > 0
	m.mu.Lock()
	m.status = Status{
		BusVoltage:     busVoltage,
		ShuntVoltage:   shuntVoltage,
		BatteryVoltage: batteryVoltage,
		CellVoltage:    cellVoltage,
		Current:        current,
		Power:          power,
		ChargePercents: ChargePercents(cellVoltage, charging),
		Charging:       charging,
	}
	m.valid = true
	m.mu.Unlock()
	return nil
}

// Run refreshes every period until ctx is done.
func (m *Monitor) Run(ctx context.Context, period time.Duration) {
	ticker := m.clock.Ticker(period)
	defer ticker.Stop()
	for {
		if err := m.Refresh(); err != nil {
			m.logger.Warnw("battery reading failed", "error", err)
		}
		if !goutils.SelectContextOrWaitChan(ctx, ticker.C) {
			return
		}
	}
}

// ChargePercents maps a cell voltage onto [0,100].
func ChargePercents(cellVoltage float64, charging bool) float64 {
	full := CELL_FULL_V
	if charging {
		full = CELL_FULL_CHARGING_V
	}
	percents := (cellVoltage - CELL_EMPTY_V) / (full - CELL_EMPTY_V) * 100
	return math.Max(0, math.Min(percents, 100))
}
