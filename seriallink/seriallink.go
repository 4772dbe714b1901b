// Package seriallink carries controller commands over a UART, as exposed by a classic
// Bluetooth SPP module. One command per line; acknowledgements go back newline-terminated.
// The UART has no link events, so the session learns of a controller from its first command.
package seriallink

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"autobbb/session"
)

const (
	DEFAULT_BAUD_RATE = 9600
	READ_TIMEOUT      = 200 * time.Millisecond
	REOPEN_INTERVAL   = time.Second
	MAX_LINE_LENGTH   = 512
)

var ErrNotOpen = errors.New("serial port not open")

type Config struct {
	Port     string
	BaudRate int
}

// Opener opens the port at path.
type Opener func(path string, baudRate int) (io.ReadWriteCloser, error)

func openSerial(path string, baudRate int) (io.ReadWriteCloser, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(READ_TIMEOUT); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

type Link struct {
	cfg    Config
	open   Opener
	logger *zap.SugaredLogger

	mu   sync.Mutex
	port io.ReadWriteCloser
}

func New(cfg Config, logger *zap.SugaredLogger) *Link {
	return NewWithOpener(cfg, openSerial, logger)
}

func NewWithOpener(cfg Config, open Opener, logger *zap.SugaredLogger) *Link {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DEFAULT_BAUD_RATE
	}
	return &Link{cfg: cfg, open: open, logger: logger}
}

// Serve reads commands until ctx is done, reopening the port whenever it fails.
func (l *Link) Serve(ctx context.Context, events session.Events) error {
	for {
		port, err := l.open(l.cfg.Port, l.cfg.BaudRate)
		if err != nil {
			l.logger.Warnw("could not open serial port", "port", l.cfg.Port, "error", err)
		} else {
			l.logger.Infow("serial port open", "port", l.cfg.Port, "baud", l.cfg.BaudRate)
			l.setPort(port)
			err := l.readLines(ctx, port, events)
			l.setPort(nil)
			port.Close()
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Warnw("serial port lost", "port", l.cfg.Port, "error", err)
			events.OnDisconnect()
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(REOPEN_INTERVAL):
		}
	}
}

func (l *Link) readLines(ctx context.Context, port io.Reader, events session.Events) error {
	stop := context.AfterFunc(ctx, func() {
		if closer, ok := port.(io.Closer); ok {
			closer.Close()
		}
	})
	defer stop()

	buf := make([]byte, 128)
	var pending []byte
	for {
		n, err := port.Read(buf)
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.IndexByte(pending, '\n')
			if i < 0 {
				break
			}
			line := bytes.TrimRight(pending[:i], "\r\x00")
			if len(line) > 0 {
				events.OnDataReceived(line)
			}
			pending = pending[i+1:]
		}
		if len(pending) > MAX_LINE_LENGTH {
			l.logger.Warnw("discarding overlong serial line", "length", len(pending))
			pending = pending[:0]
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (l *Link) setPort(port io.ReadWriteCloser) {
	l.mu.Lock()
	l.port = port
	l.mu.Unlock()
}

// Send writes data followed by a newline.
func (l *Link) Send(_ context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.port == nil {
		return ErrNotOpen
	}
	_, err := l.port.Write(append(append([]byte(nil), data...), '\n'))
	return err
}
