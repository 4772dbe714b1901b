// Package main probes the UPS module INA219 and logs the pack readings once a period.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"autobbb/battery"
	"autobbb/ina219"
	"autobbb/logging"
)

func main() {
	app := &cli.App{
		Name:  "ina219",
		Usage: "log battery readings from the UPS module",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "bus", Value: "1", Usage: "i2c bus `NAME`"},
			&cli.UintFlag{Name: "address", Value: uint(ina219.ADDRESS_DEFAULT), Usage: "i2c device address"},
			&cli.DurationFlag{Name: "period", Value: battery.REFRESH_PERIOD},
			&cli.BoolFlag{Name: "once", Usage: "take a single reading and exit"},
		},
		Action: probe,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func probe(c *cli.Context) error {
	logger := logging.NewLogger("ina219")
	defer logger.Sync()

	if _, err := host.Init(); err != nil {
		return errors.Wrap(err, "periph host init")
	}
	bus, err := i2creg.Open(c.String("bus"))
	if err != nil {
		return errors.Wrapf(err, "can not open i2c bus %s", c.String("bus"))
	}
	defer bus.Close()
	sensor, err := ina219.New(bus, uint16(c.Uint("address")))
	if err != nil {
		return errors.Wrap(err, "can not initialize ina219")
	}

	clk := clock.New()
	monitor := battery.NewMonitor(sensor, clk, logger)
	report := func() error {
		if err := monitor.Refresh(); err != nil {
			return err
		}
		status, _ := monitor.Status()
		logger.Infow("battery",
			"pack_v", fmt.Sprintf("%.3f", status.BatteryVoltage),
			"cell_v", fmt.Sprintf("%.3f", status.CellVoltage),
			"current_a", fmt.Sprintf("%.3f", status.Current),
			"power_w", fmt.Sprintf("%.3f", status.Power),
			"charge", fmt.Sprintf("%d%%", int(status.ChargePercents)),
			"charging", status.Charging)
		return nil
	}
	if c.Bool("once") {
		return report()
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ticker := clk.Ticker(c.Duration("period"))
	defer ticker.Stop()
	for {
		if err := report(); err != nil {
			logger.Warnw("reading failed", "error", err)
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
