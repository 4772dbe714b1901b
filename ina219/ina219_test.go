package ina219

import (
	"testing"

	"go.viam.com/test"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func setupOps() []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: ADDRESS_DEFAULT, W: []byte{0x05, 0x10, 0x00}},
		{Addr: ADDRESS_DEFAULT, W: []byte{0x00, 0x3E, 0xEF}},
	}
}

func TestNewProgramsCalibration(t *testing.T) {
	bus := &i2ctest.Playback{Ops: setupOps()}
	_, err := New(bus, ADDRESS_DEFAULT)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bus.Close(), test.ShouldBeNil)
}

func TestReadings(t *testing.T) {
	ops := append(setupOps(),
		// shunt voltage: -250 * 10uV
		i2ctest.IO{Addr: ADDRESS_DEFAULT, W: []byte{0x05, 0x10, 0x00}},
		i2ctest.IO{Addr: ADDRESS_DEFAULT, W: []byte{0x01}, R: []byte{0xFF, 0x06}},
		// bus voltage: 3000 * 4mV, shifted left by 3
		i2ctest.IO{Addr: ADDRESS_DEFAULT, W: []byte{0x05, 0x10, 0x00}},
		i2ctest.IO{Addr: ADDRESS_DEFAULT, W: []byte{0x02}, R: []byte{0x5D, 0xC0}},
		// current: -5000 * 100uA
		i2ctest.IO{Addr: ADDRESS_DEFAULT, W: []byte{0x04}, R: []byte{0xEC, 0x78}},
		// power: 3000 * 2mW
		i2ctest.IO{Addr: ADDRESS_DEFAULT, W: []byte{0x03}, R: []byte{0x0B, 0xB8}},
	)
	bus := &i2ctest.Playback{Ops: ops}
	ina, err := New(bus, ADDRESS_DEFAULT)
	test.That(t, err, test.ShouldBeNil)

	shunt, err := ina.ShuntVoltage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, shunt, test.ShouldAlmostEqual, -0.0025)

	busVoltage, err := ina.BusVoltage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, busVoltage, test.ShouldAlmostEqual, 12.0)

	current, err := ina.Current()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, current, test.ShouldAlmostEqual, -0.5)

	power, err := ina.Power()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, power, test.ShouldAlmostEqual, 6.0)
	test.That(t, bus.Close(), test.ShouldBeNil)
}

func TestNewFailsOnBusError(t *testing.T) {
	bus := &i2ctest.Playback{DontPanic: true}
	_, err := New(bus, ADDRESS_DEFAULT)
	test.That(t, err, test.ShouldNotBeNil)
}
