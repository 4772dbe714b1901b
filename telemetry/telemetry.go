// Package telemetry publishes a periodic JSON status frame describing the link, the drive and
// the battery.
package telemetry

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"autobbb/battery"
	"autobbb/drive"
	"autobbb/session"
	"autobbb/streamer"
)

var json jsoniter.API = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	PERIOD             = time.Second
	FRAMES_BUFFER_SIZE = 8
)

type SessionSource interface {
	Snapshot() session.Snapshot
}

type DriveSource interface {
	State() drive.State
}

type BatterySource interface {
	Status() (battery.Status, bool)
}

type Frame struct {
	Time    time.Time       `json:"time"`
	Session string          `json:"session"`
	State   session.State   `json:"state"`
	RSSI    *int            `json:"rssi"`
	Drive   drive.State     `json:"drive"`
	Battery *battery.Status `json:"battery,omitempty"`
}

type Publisher struct {
	session SessionSource
	drive   DriveSource
	battery BatterySource
	frames  *streamer.Streamer[[]byte]
	clock   clock.Clock
	logger  *zap.SugaredLogger
}

// NewPublisher builds frames from the given sources. battery may be nil.
func NewPublisher(
	sessionSource SessionSource,
	driveSource DriveSource,
	batterySource BatterySource,
	clk clock.Clock,
	logger *zap.SugaredLogger,
) *Publisher {
	return &Publisher{
		session: sessionSource,
		drive:   driveSource,
		battery: batterySource,
		frames:  streamer.NewStreamer[[]byte](FRAMES_BUFFER_SIZE),
		clock:   clk,
		logger:  logger,
	}
}

// Subscribe returns a client receiving every encoded frame, or nil once the publisher stopped.
func (p *Publisher) Subscribe() *streamer.Client[[]byte] {
	return p.frames.NewClient(FRAMES_BUFFER_SIZE)
}

// Frame assembles the current status.
func (p *Publisher) Frame() Frame {
	snap := p.session.Snapshot()
	frame := Frame{
		Time:    p.clock.Now(),
		Session: snap.ID,
		State:   snap.State,
		Drive:   p.drive.State(),
	}
	if snap.HasSignal {
		rssi := snap.Signal
		frame.RSSI = &rssi
	}
	if p.battery != nil {
		if status, ok := p.battery.Status(); ok {
			frame.Battery = &status
		}
	}
	return frame
}

func Encode(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

// Run broadcasts a frame every period until ctx is done.
func (p *Publisher) Run(ctx context.Context, period time.Duration) {
	frames := make(chan struct{})
	goutils.ManagedGo(func() {
		p.frames.Run(ctx)
	}, func() { close(frames) })
	defer func() { <-frames }()

	ticker := p.clock.Ticker(period)
	defer ticker.Stop()
	for goutils.SelectContextOrWaitChan(ctx, ticker.C) {
		data, err := Encode(p.Frame())
		if err != nil {
			p.logger.Warnw("could not encode telemetry", "error", err)
			continue
		}
		p.frames.Broadcast(&data)
	}
}
