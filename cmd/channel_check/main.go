// Package main steps through every bound actuator channel so the wiring can be checked on
// the bench: both wheels forward, then reverse, then each turn, with the lamp blinking in
// between. It stops on SIGINT/SIGTERM and leaves everything braked.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"autobbb/bridge"
	"autobbb/config"
	"autobbb/logging"
)

const STEP_PERIOD = time.Second
const CHECK_SPEED = 30

func main() {
	path := config.DEFAULT_PATH
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Println("Can not load configuration: ", err)
		return
	}
	logger := logging.NewDebugLogger("channel_check")
	defer logger.Sync()

	b, err := bridge.New(cfg, logger)
	if err != nil {
		fmt.Println("Can not bind channels: ", err)
		return
	}
	defer func() {
		if err := b.Close(); err != nil {
			fmt.Println("Release incomplete: ", err)
		}
	}()

	terminateChan := make(chan os.Signal, 1)
	signal.Notify(terminateChan, syscall.SIGINT, syscall.SIGTERM)

	steps := []struct {
		name string
		run  func() error
	}{
		{"forward", func() error { return b.Drive.Forward(CHECK_SPEED) }},
		{"brake", b.Drive.Brake},
		{"reverse", b.Drive.Reverse},
		{"brake", b.Drive.Brake},
		{"turn left", func() error { return b.Drive.TurnLeft(CHECK_SPEED) }},
		{"turn end", b.Drive.TurnEnd},
		{"turn right", func() error { return b.Drive.TurnRight(CHECK_SPEED) }},
		{"brake", b.Drive.Brake},
	}
	lampOn := false
	stepIndx := 0

	fmt.Println("Start channel check.")
stop_checking:
	for {
		step := steps[stepIndx]
		stepIndx = (stepIndx + 1) % len(steps)
		if err := step.run(); err != nil {
			fmt.Printf("%s failed: %v\n", step.name, err)
			break
		}
		fmt.Printf("%-10s %+v\n", step.name, b.Drive.State())
		if b.Lamp != nil {
			lampOn = !lampOn
			level := 0.0
			if lampOn {
				level = 100
			}
			if err := b.Lamp.Illuminate(level); err != nil {
				fmt.Println("lamp failed: ", err)
				break
			}
		}
		select {
		case <-terminateChan:
			break stop_checking
		case <-time.After(STEP_PERIOD):
		}
	}
	fmt.Println("Stop channel check.")
}
