// Package ina219 reads the INA219 bidirectional current/power monitor over I2C, as fitted to
// the Waveshare UPS Module 3S.
package ina219

// based on: https://www.waveshare.com/wiki/UPS_Module_3S

import (
	"github.com/pkg/errors"
	"periph.io/x/conn/v3/i2c"
)

const (
	// Config Register (R/W)
	_REG_CONFIG uint8 = 0x00
	// SHUNT VOLTAGE REGISTER (R)
	_REG_SHUNTVOLTAGE uint8 = 0x01
	// BUS VOLTAGE REGISTER (R)
	_REG_BUSVOLTAGE uint8 = 0x02
	// POWER REGISTER (R)
	_REG_POWER uint8 = 0x03
	// CURRENT REGISTER (R)
	_REG_CURRENT uint8 = 0x04
	// CALIBRATION REGISTER (R/W)
	_REG_CALIBRATION uint8 = 0x05
)

type BusVoltageRange uint16

const (
	RANGE_16V BusVoltageRange = 0x00 // set bus voltage range to 16V
	RANGE_32V BusVoltageRange = 0x01 // set bus voltage range to 32V (default)
)

type Gain uint16

const (
	DIV_1_40MV  Gain = 0x00 // shunt prog. gain set to  1, 40 mV range
	DIV_2_80MV  Gain = 0x01 // shunt prog. gain set to /2, 80 mV range
	DIV_4_160MV Gain = 0x02 // shunt prog. gain set to /4, 160 mV range
	DIV_8_320MV Gain = 0x03 // shunt prog. gain set to /8, 320 mV range
)

type ADCResolution uint16

const (
	ADCRES_9BIT_1S   ADCResolution = 0x00 //  9bit,   1 sample,     84us
	ADCRES_12BIT_1S  ADCResolution = 0x03 // 12 bit,  1 sample,    532us
	ADCRES_12BIT_32S ADCResolution = 0x0D // 12bit,  32 samples, 17.02ms
)

type Mode uint16

const (
	POWERDOWN            Mode = 0x00 // power down
	SANDBVOLT_CONTINUOUS Mode = 0x07 // shunt and bus voltage continuous
)

const ADDRESS_DEFAULT uint16 = 0x41

// Calibration for a 0.1 ohm shunt, 32 V bus and 2 A expected current:
// current LSB 100 uA, power LSB 2 mW, Cal = trunc(0.04096 / (0.0001 * 0.1)).
const (
	CALIBRATION_32V_2A uint16  = 4096
	CURRENT_LSB_A      float64 = 0.0001
	POWER_LSB_W        float64 = 0.002
)

type INA219 struct {
	dev    *i2c.Dev
	cal    uint16
	config uint16
}

// New binds the sensor at address on bus and programs it for 32 V / 2 A.
func New(bus i2c.Bus, address uint16) (*INA219, error) {
	ina := &INA219{
		dev: &i2c.Dev{Bus: bus, Addr: address},
		cal: CALIBRATION_32V_2A,
		config: uint16(RANGE_32V)<<13 |
			uint16(DIV_8_320MV)<<11 |
			uint16(ADCRES_12BIT_32S)<<7 |
			uint16(ADCRES_12BIT_32S)<<3 |
			uint16(SANDBVOLT_CONTINUOUS),
	}
	if err := ina.writeWord(_REG_CALIBRATION, ina.cal); err != nil {
		return nil, errors.Wrap(err, "ina219 calibration")
	}
	if err := ina.writeWord(_REG_CONFIG, ina.config); err != nil {
		return nil, errors.Wrap(err, "ina219 config")
	}
	return ina, nil
}

// ShuntVoltage in volts. Negative while the battery is discharging.
func (i *INA219) ShuntVoltage() (float64, error) {
	if err := i.writeWord(_REG_CALIBRATION, i.cal); err != nil {
		return 0, err
	}
	value, err := i.readWord(_REG_SHUNTVOLTAGE)
	if err != nil {
		return 0, err
	}
	return float64(int16(value)) * 0.00001, nil
}

// BusVoltage in volts.
func (i *INA219) BusVoltage() (float64, error) {
	if err := i.writeWord(_REG_CALIBRATION, i.cal); err != nil {
		return 0, err
	}
	value, err := i.readWord(_REG_BUSVOLTAGE)
	if err != nil {
		return 0, err
	}
	return float64(value>>3) * 0.004, nil
}

// Current in amperes. Negative while the battery is discharging.
func (i *INA219) Current() (float64, error) {
	value, err := i.readWord(_REG_CURRENT)
	if err != nil {
		return 0, err
	}
	return float64(int16(value)) * CURRENT_LSB_A, nil
}

// Power in watts.
func (i *INA219) Power() (float64, error) {
	value, err := i.readWord(_REG_POWER)
	if err != nil {
		return 0, err
	}
	return float64(value) * POWER_LSB_W, nil
}

func (i *INA219) readWord(reg uint8) (uint16, error) {
	buf := [2]byte{}
	if err := i.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, errors.Wrapf(err, "ina219 read register %#x", reg)
	}
	return uint16(buf[0])<<8 | uint16(buf[1]), nil
}

func (i *INA219) writeWord(reg uint8, value uint16) error {
	if err := i.dev.Tx([]byte{reg, byte(value >> 8), byte(value)}, nil); err != nil {
		return errors.Wrapf(err, "ina219 write register %#x", reg)
	}
	return nil
}
