// Package bridge assembles the remote-control bridge from its configuration: actuator
// channels, drive, lamp, battery monitor, dispatcher, session and transport.
package bridge

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"autobbb/actuator"
	"autobbb/actuator/fake"
	"autobbb/battery"
	"autobbb/config"
	"autobbb/dispatch"
	"autobbb/drive"
	"autobbb/gpio"
	"autobbb/illumination"
	"autobbb/ina219"
	"autobbb/nus"
	"autobbb/pwm"
	"autobbb/seriallink"
	"autobbb/session"
	"autobbb/streamer"
	"autobbb/telemetry"
	"autobbb/wslink"
)

// Transport is a controller link the session can run over.
type Transport interface {
	session.Transport
	Serve(ctx context.Context, events session.Events) error
}

type Bridge struct {
	cfg    config.Config
	clock  clock.Clock
	logger *zap.SugaredLogger

	// Fakes holds the in-memory channels when the hardware is "fake".
	Fakes      *fake.Channels
	Drive      *drive.Coordinator
	Lamp       *illumination.Lamp
	Battery    *battery.Monitor
	Dispatcher *dispatch.Dispatcher
	Session    *session.Session
	Telemetry  *telemetry.Publisher
	Transport  Transport

	closers []func() error
}

type Option func(*Bridge)

// WithTransport replaces the configured transport.
func WithTransport(t Transport) Option {
	return func(b *Bridge) {
		b.Transport = t
	}
}

// WithClock replaces the wall clock for every timer in the bridge.
func WithClock(clk clock.Clock) Option {
	return func(b *Bridge) {
		b.clock = clk
	}
}

// New binds the hardware and wires every component. On error everything opened so far is
// released again.
func New(cfg config.Config, logger *zap.SugaredLogger, opts ...Option) (_ *Bridge, err error) {
	b := &Bridge{cfg: cfg, clock: clock.New(), logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, b.Close())
		}
	}()

	binding, err := b.bind()
	if err != nil {
		return nil, err
	}
	if b.Drive, err = drive.NewCoordinator(binding, logger.Named("drive")); err != nil {
		return nil, err
	}

	handlers := dispatch.Handlers{Drive: b.Drive}
	if binding.Illumination != nil {
		b.Lamp = illumination.NewLamp(binding.Illumination, b.clock, logger.Named("lamp"))
		b.Lamp.OnFault(func(error) {
			if err := b.Drive.Brake(); err != nil {
				logger.Warnw("brake after lamp fault incomplete", "error", err)
			}
		})
		handlers.Lamps = b.Lamp
	}
	if cfg.Battery.Enabled {
		if b.Battery, err = b.openBattery(); err != nil {
			return nil, err
		}
		handlers.Battery = b.Battery
	}
	b.Dispatcher = dispatch.New(handlers, logger.Named("dispatch"))

	if b.Transport == nil {
		b.Transport = b.newTransport()
	}
	b.Session = session.New(session.Config{
		WatchdogTimeout:     cfg.Session.WatchdogTimeout(),
		RSSIFloor:           cfg.Session.RSSIFloorDbm,
		PollInterval:        cfg.Session.PollInterval(),
		RequireSubscription: cfg.Transport == config.TransportBLE,
	}, b.Transport, b.Dispatcher, b.Drive, logger.Named("session"), session.WithClock(b.clock))
	return b, nil
}

// bind opens every channel named in the config and starts the PWM outputs at zero duty.
func (b *Bridge) bind() (actuator.Binding, error) {
	if b.cfg.Hardware == config.HardwareFake {
		b.Fakes = fake.NewChannels()
		return b.Fakes.Binding(), nil
	}
	hz, err := b.cfg.PWM.Hertz()
	if err != nil {
		return actuator.Binding{}, err
	}
	ch := b.cfg.Channels
	var binding actuator.Binding

	if binding.LeftDirection, err = b.openDirection(ch.LeftWheelDirection); err != nil {
		return binding, err
	}
	if binding.RightDirection, err = b.openDirection(ch.RightWheelDirection); err != nil {
		return binding, err
	}
	if binding.LeftWheel, err = b.openPWM(ch.LeftWheelPWM, hz); err != nil {
		return binding, err
	}
	if binding.RightWheel, err = b.openPWM(ch.RightWheelPWM, hz); err != nil {
		return binding, err
	}
	if ch.IlluminationPWM != nil {
		if binding.Illumination, err = b.openPWM(*ch.IlluminationPWM, hz); err != nil {
			return binding, err
		}
	}
	return binding, nil
}

func (b *Bridge) openDirection(ch config.DirectionChannel) (actuator.GPIO, error) {
	line, err := gpio.Export(ch.Chip, ch.Line, ch.Invert)
	if err != nil {
		return nil, err
	}
	b.closers = append(b.closers, line.Unexport)
	return line, nil
}

func (b *Bridge) openPWM(ch config.PWMChannel, hz uint) (actuator.PWM, error) {
	out := pwm.NewPWM(pwm.Chip(ch.Chip), pwm.Channel(ch.Channel))
	if err := out.Start(hz, polarityOf(ch)); err != nil {
		return nil, errors.Wrapf(err, "start %s", out)
	}
	b.closers = append(b.closers, out.Stop)
	return out, nil
}

func polarityOf(ch config.PWMChannel) pwm.Polarity {
	if ch.Invert {
		return pwm.PolarityInversed
	}
	return pwm.PolarityNormal
}

func (b *Bridge) openBattery() (*battery.Monitor, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}
	bus, err := i2creg.Open(b.cfg.Battery.Bus)
	if err != nil {
		return nil, errors.Wrapf(err, "open i2c bus %s", b.cfg.Battery.Bus)
	}
	b.closers = append(b.closers, bus.Close)
	sensor, err := ina219.New(bus, b.cfg.Battery.Address)
	if err != nil {
		return nil, err
	}
	return battery.NewMonitor(sensor, b.clock, b.logger.Named("battery")), nil
}

func (b *Bridge) newTransport() Transport {
	switch b.cfg.Transport {
	case config.TransportWebSocket:
		return wslink.New(wslink.Config{
			Address:   b.cfg.WebSocket.Address,
			StaticDir: b.cfg.WebSocket.StaticDir,
		}, telemetrySource{b}, b.logger.Named("wslink"))
	case config.TransportSerial:
		return seriallink.New(seriallink.Config{
			Port:     b.cfg.Serial.Port,
			BaudRate: b.cfg.Serial.BaudRate,
		}, b.logger.Named("serial"))
	default:
		return nus.New(nus.Config{Name: b.cfg.BLE.Name}, b.logger.Named("nus"))
	}
}

// telemetrySource defers to the publisher created in Run.
type telemetrySource struct {
	b *Bridge
}

func (t telemetrySource) Subscribe() *streamer.Client[[]byte] {
	if t.b.Telemetry == nil {
		return nil
	}
	return t.b.Telemetry.Subscribe()
}

// Run serves the controller link until ctx is done or the transport fails, then brakes.
func (b *Bridge) Run(ctx context.Context) error {
	var batterySource telemetry.BatterySource
	if b.Battery != nil {
		batterySource = b.Battery
	}
	b.Telemetry = telemetry.NewPublisher(b.Session, b.Drive, batterySource, b.clock, b.logger.Named("telemetry"))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := b.Session.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		if err := b.Transport.Serve(ctx, b.Session); err != nil {
			return errors.Wrap(err, "transport")
		}
		return nil
	})
	g.Go(func() error {
		b.manage(func() { b.Telemetry.Run(ctx, time.Duration(b.cfg.Telemetry.PeriodMs)*time.Millisecond) })
		return nil
	})
	if b.Battery != nil {
		g.Go(func() error {
			b.manage(func() { b.Battery.Run(ctx, time.Duration(b.cfg.Battery.RefreshMs)*time.Millisecond) })
			return nil
		})
	}
	b.logger.Infow("bridge running", "transport", b.cfg.Transport, "hardware", b.cfg.Hardware)
	return g.Wait()
}

// manage runs f under ManagedGo, restarting it if it panics, and returns once it has finished.
func (b *Bridge) manage(f func()) {
	done := make(chan struct{})
	goutils.ManagedGo(f, func() { close(done) })
	<-done
}

// Close brakes, stops the lamp and releases every channel. Every step runs even if an earlier
// one fails.
func (b *Bridge) Close() error {
	var err error
	if b.Lamp != nil {
		b.Lamp.Stop()
		err = multierr.Append(err, b.Lamp.Illuminate(0))
	}
	if b.Drive != nil {
		err = multierr.Append(err, b.Drive.Brake())
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, b.closers[i]())
	}
	b.closers = nil
	if err != nil {
		return errors.Wrapf(err, "release %s hardware", b.cfg.Hardware)
	}
	return nil
}
