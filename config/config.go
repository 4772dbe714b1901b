// Package config loads the bridge configuration from a YAML file with AUTOBBB_* environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
	"periph.io/x/conn/v3/physic"
)

const (
	DEFAULT_PATH = "autobbb.yaml"
	ENV_PREFIX   = "AUTOBBB_"
)

const (
	TransportBLE       = "ble"
	TransportWebSocket = "websocket"
	TransportSerial    = "serial"

	HardwareSysfs = "sysfs"
	HardwareFake  = "fake"
)

type Config struct {
	Transport string `yaml:"transport" env:"TRANSPORT"`
	Hardware  string `yaml:"hardware" env:"HARDWARE"`
	Debug     bool   `yaml:"debug" env:"DEBUG"`

	Session   Session   `yaml:"session"`
	PWM       PWM       `yaml:"pwm"`
	Channels  Channels  `yaml:"channels"`
	BLE       BLE       `yaml:"ble"`
	WebSocket WebSocket `yaml:"websocket"`
	Serial    Serial    `yaml:"serial"`
	Battery   Battery   `yaml:"battery"`
	Telemetry Telemetry `yaml:"telemetry"`
}

type Session struct {
	WatchdogTimeoutMs  int `yaml:"watchdog_timeout_ms" env:"WATCHDOG_TIMEOUT_MS"`
	RSSIFloorDbm       int `yaml:"rssi_floor_dbm" env:"RSSI_FLOOR_DBM"`
	RSSIPollIntervalMs int `yaml:"rssi_poll_interval_ms" env:"RSSI_POLL_INTERVAL_MS"`
}

func (s Session) WatchdogTimeout() time.Duration {
	return time.Duration(s.WatchdogTimeoutMs) * time.Millisecond
}

func (s Session) PollInterval() time.Duration {
	return time.Duration(s.RSSIPollIntervalMs) * time.Millisecond
}

type PWM struct {
	Frequency string `yaml:"frequency"`
}

// Hertz parses Frequency, e.g. "1kHz".
func (p PWM) Hertz() (uint, error) {
	var f physic.Frequency
	if err := f.Set(p.Frequency); err != nil {
		return 0, err
	}
	return uint(f / physic.Hertz), nil
}

type DirectionChannel struct {
	Chip   string `yaml:"chip"`
	Line   uint32 `yaml:"line"`
	Invert bool   `yaml:"invert"`
}

type PWMChannel struct {
	Chip    int `yaml:"chip"`
	Channel int `yaml:"channel"`
	// Invert drives the output with inversed polarity.
	Invert bool `yaml:"invert"`
}

type Channels struct {
	LeftWheelDirection  DirectionChannel `yaml:"left_wheel_direction"`
	RightWheelDirection DirectionChannel `yaml:"right_wheel_direction"`
	LeftWheelPWM        PWMChannel       `yaml:"left_wheel_pwm"`
	RightWheelPWM       PWMChannel       `yaml:"right_wheel_pwm"`
	// IlluminationPWM is optional; without it the lamp verbs are unbound.
	IlluminationPWM *PWMChannel `yaml:"illumination_pwm"`
}

type BLE struct {
	Name string `yaml:"name" env:"BLE_NAME"`
}

type WebSocket struct {
	Address   string `yaml:"address" env:"WS_ADDRESS"`
	StaticDir string `yaml:"static_dir"`
}

type Serial struct {
	Port     string `yaml:"port" env:"SERIAL_PORT"`
	BaudRate int    `yaml:"baud_rate"`
}

type Battery struct {
	Enabled   bool   `yaml:"enabled"`
	Bus       string `yaml:"bus"`
	Address   uint16 `yaml:"address"`
	RefreshMs int    `yaml:"refresh_ms"`
}

type Telemetry struct {
	PeriodMs int `yaml:"period_ms"`
}

// Default is the configuration used for anything the file and environment leave out. The
// channel numbers match the BeagleBone AI-64 wiring of the reference chassis.
func Default() Config {
	return Config{
		Transport: TransportBLE,
		Hardware:  HardwareSysfs,
		Session: Session{
			WatchdogTimeoutMs:  10000,
			RSSIFloorDbm:       -85,
			RSSIPollIntervalMs: 2000,
		},
		PWM: PWM{Frequency: "1kHz"},
		Channels: Channels{
			LeftWheelDirection:  DirectionChannel{Chip: "gpiochip1", Line: 41},
			RightWheelDirection: DirectionChannel{Chip: "gpiochip1", Line: 42},
			LeftWheelPWM:        PWMChannel{Chip: 0, Channel: 0},
			RightWheelPWM:       PWMChannel{Chip: 0, Channel: 1},
		},
		BLE:       BLE{Name: "AutoBBB"},
		WebSocket: WebSocket{Address: ":1337"},
		Serial:    Serial{Port: "/dev/ttyS1", BaudRate: 9600},
		Battery:   Battery{Bus: "1", Address: 0x41, RefreshMs: 1000},
		Telemetry: Telemetry{PeriodMs: 1000},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result.
// A missing file at the default path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	case errors.Is(err, os.ErrNotExist) && path == DEFAULT_PATH:
	default:
		return Config{}, errors.Wrapf(err, "read %s", path)
	}
	if err := env.Parse(&cfg, env.Options{Prefix: ENV_PREFIX}); err != nil {
		return Config{}, errors.Wrap(err, "environment overrides")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FieldError names the first invalid setting.
type FieldError struct {
	Path   string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Path, e.Reason)
}

func invalid(path, format string, args ...interface{}) error {
	return &FieldError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

func (c Config) Validate() error {
	switch c.Transport {
	case TransportBLE, TransportWebSocket, TransportSerial:
	default:
		return invalid("transport", "unknown transport %q", c.Transport)
	}
	switch c.Hardware {
	case HardwareSysfs, HardwareFake:
	default:
		return invalid("hardware", "unknown hardware %q", c.Hardware)
	}
	if c.Session.WatchdogTimeoutMs <= 0 {
		return invalid("session.watchdog_timeout_ms", "must be positive")
	}
	if c.Session.RSSIFloorDbm >= 0 {
		return invalid("session.rssi_floor_dbm", "must be negative")
	}
	if c.Session.RSSIPollIntervalMs < 2000 || c.Session.RSSIPollIntervalMs > 5000 {
		return invalid("session.rssi_poll_interval_ms", "must be within [2000, 5000]")
	}
	if hz, err := c.PWM.Hertz(); err != nil || hz == 0 {
		return invalid("pwm.frequency", "%q is not a frequency", c.PWM.Frequency)
	}
	if c.Hardware == HardwareSysfs {
		if c.Channels.LeftWheelDirection.Chip == "" {
			return invalid("channels.left_wheel_direction.chip", "required")
		}
		if c.Channels.RightWheelDirection.Chip == "" {
			return invalid("channels.right_wheel_direction.chip", "required")
		}
		if c.Channels.LeftWheelPWM == c.Channels.RightWheelPWM {
			return invalid("channels.right_wheel_pwm", "same channel as left_wheel_pwm")
		}
	}
	if c.Transport == TransportSerial && c.Serial.Port == "" {
		return invalid("serial.port", "required for the serial transport")
	}
	if c.Battery.Enabled && c.Battery.RefreshMs <= 0 {
		return invalid("battery.refresh_ms", "must be positive")
	}
	if c.Telemetry.PeriodMs <= 0 {
		return invalid("telemetry.period_ms", "must be positive")
	}
	return nil
}
