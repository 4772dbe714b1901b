// Package main is the remote-control bridge daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"

	"autobbb/bridge"
	"autobbb/config"
	"autobbb/logging"
)

const (
	flagConfig    = "config"
	flagTransport = "transport"
	flagFake      = "fake"
	flagDebug     = "debug"
)

func main() {
	app := &cli.App{
		Name:            "autobbb",
		Usage:           "drive the rover from a paired controller",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   config.DEFAULT_PATH,
				Usage:   "load configuration from `FILE`",
			},
			&cli.StringFlag{
				Name:  flagTransport,
				Usage: "controller link: ble, websocket or serial",
			},
			&cli.BoolFlag{
				Name:  flagFake,
				Usage: "drive in-memory channels instead of the board",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "config",
				Usage:  "print the effective configuration and exit",
				Action: printConfigAction,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(flagConfig))
	if err != nil {
		return config.Config{}, err
	}
	if c.IsSet(flagTransport) {
		cfg.Transport = c.String(flagTransport)
	}
	if c.Bool(flagFake) {
		cfg.Hardware = config.HardwareFake
	}
	if c.Bool(flagDebug) {
		cfg.Debug = true
	}
	return cfg, cfg.Validate()
}

func runAction(c *cli.Context) (err error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger := logging.NewLogger("autobbb")
	if cfg.Debug {
		logger = logging.NewDebugLogger("autobbb")
	}
	defer logger.Sync()

	b, err := bridge.New(cfg, logger)
	if err != nil {
		return errors.Wrap(err, "could not start bridge")
	}
	defer func() {
		err = multierr.Combine(err, b.Close())
	}()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

func printConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	_, err = c.App.Writer.Write(out)
	return err
}
