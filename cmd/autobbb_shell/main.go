// Package main is an interactive development shell that drives the bridge over in-memory
// channels. Lines typed at the prompt play the controller; acknowledgements are printed back.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/abiosoft/ishell/v2"

	"autobbb/bridge"
	"autobbb/config"
	"autobbb/logging"
	"autobbb/session"
)

// shellLink is a controller link whose far end is the shell prompt.
type shellLink struct {
	shell *ishell.Shell

	mu        sync.Mutex
	events    session.Events
	signal    int
	hasSignal bool
}

func (l *shellLink) Serve(ctx context.Context, events session.Events) error {
	l.mu.Lock()
	l.events = events
	l.mu.Unlock()
	<-ctx.Done()
	return nil
}

func (l *shellLink) Send(_ context.Context, data []byte) error {
	l.shell.Println("<", string(data))
	return nil
}

func (l *shellLink) SampleSignalStrength(context.Context) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.signal, l.hasSignal
}

func (l *shellLink) Advertise(context.Context) error {
	l.shell.Println("* advertising")
	return nil
}

func (l *shellLink) Drop(context.Context) error {
	l.shell.Println("* link dropped")
	return nil
}

func (l *shellLink) Events() session.Events {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}

func (l *shellLink) setSignal(dbm int) {
	l.mu.Lock()
	l.signal, l.hasSignal = dbm, true
	l.mu.Unlock()
}

func main() {
	cfg, err := config.Load(config.DEFAULT_PATH)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg.Hardware = config.HardwareFake

	logger := logging.NewDebugLogger("shell")
	defer logger.Sync()

	shell := ishell.New()
	link := &shellLink{shell: shell}
	b, err := bridge.New(cfg, logger, bridge.WithTransport(link))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := b.Run(ctx); err != nil {
			logger.Errorw("bridge stopped", "error", err)
		}
	}()

	shell.Println("autobbb development shell, transport semantics:", cfg.Transport)
	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send a command line, e.g. send forward 50",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Println("usage: send <command> [argument]")
				return
			}
			events := link.Events()
			if events == nil {
				c.Println("bridge is not serving yet")
				return
			}
			events.OnDataReceived([]byte(strings.Join(c.Args, " ")))
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "connect",
		Help: "open the controller link",
		Func: func(c *ishell.Context) {
			if events := link.Events(); events != nil {
				events.OnConnect()
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "subscribe",
		Help: "subscribe to acknowledgements",
		Func: func(c *ishell.Context) {
			if events := link.Events(); events != nil {
				events.OnSubscribe()
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "disconnect",
		Help: "drop the controller link",
		Func: func(c *ishell.Context) {
			if events := link.Events(); events != nil {
				events.OnDisconnect()
			}
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "rssi",
		Help: "set the sampled signal strength in dBm",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("usage: rssi <dbm>")
				return
			}
			dbm, err := strconv.Atoi(c.Args[0])
			if err != nil {
				c.Println("rssi must be an integer")
				return
			}
			link.setSignal(dbm)
		},
	})
	shell.AddCmd(&ishell.Cmd{
		Name: "state",
		Help: "print the session, drive and channel state",
		Func: func(c *ishell.Context) {
			snap := b.Session.Snapshot()
			c.Printf("session %s id=%s since=%s\n", snap.State, snap.ID, snap.Since.Format("15:04:05"))
			if snap.HasSignal {
				c.Printf("signal %d dBm\n", snap.Signal)
			}
			c.Printf("drive %+v\n", b.Drive.State())
			f := b.Fakes
			c.Printf("left  dir=%t duty=%d\n", f.LeftDirection.Level(), f.LeftWheel.Duty())
			c.Printf("right dir=%t duty=%d\n", f.RightDirection.Level(), f.RightWheel.Duty())
			c.Printf("lamp  duty=%d animating=%t\n", f.Illumination.Duty(), b.Lamp != nil && b.Lamp.Animating())
		},
	})
	shell.Run()
}
