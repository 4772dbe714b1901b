// Package nus exposes the bridge as a BLE peripheral speaking the Nordic UART Service: the
// controller writes commands to the RX characteristic and subscribes to TX for acknowledgements.
// Link events and signal strength come from the HCI controller the peripheral owns.
package nus

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"autobbb/session"
)

var (
	UART_SERVICE_UUID = ble.MustParse(`6E400001-B5A3-F393-E0A9-E50E24DCCA9E`)
	RX_CHAR_UUID      = ble.MustParse(`6E400002-B5A3-F393-E0A9-E50E24DCCA9E`)
	TX_CHAR_UUID      = ble.MustParse(`6E400003-B5A3-F393-E0A9-E50E24DCCA9E`)
)

const (
	DEFAULT_NAME = "AutoBBB"
	// CONNECTION_ACK is pushed to the controller as soon as it subscribes.
	CONNECTION_ACK = "READY"
	// RSSI_UNAVAILABLE is what the controller reports when it has no measurement.
	RSSI_UNAVAILABLE = 127
)

var ErrNotSubscribed = errors.New("controller not subscribed to notifications")

// Controller sends HCI commands to the adapter. *hci.HCI satisfies it.
type Controller interface {
	Send(c hci.Command, r hci.CommandRP) error
}

type Config struct {
	Name string
}

// AdvertiseFunc advertises name and services until ctx is done.
type AdvertiseFunc func(ctx context.Context, name string, uuids ...ble.UUID) error

// link is the current controller connection. conn is learned from the first GATT request.
type link struct {
	handle uint16
	conn   ble.Conn
}

type Peripheral struct {
	cfg       Config
	advertise AdvertiseFunc
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	ready     bool
	hci       Controller
	link      *link
	notifier  ble.Notifier
	advCancel context.CancelFunc
	advDone   chan struct{}
}

func New(cfg Config, logger *zap.SugaredLogger) *Peripheral {
	if cfg.Name == "" {
		cfg.Name = DEFAULT_NAME
	}
	return &Peripheral{
		cfg:       cfg,
		advertise: ble.AdvertiseNameAndServices,
		logger:    logger,
	}
}

// Serve opens the HCI device, registers the UART service and advertises until ctx is done.
func (p *Peripheral) Serve(ctx context.Context, events session.Events) error {
	device, err := linux.NewDevice(
		ble.OptConnectHandler(func(e evt.LEConnectionComplete) {
			if e.Status() != 0 {
				return
			}
			p.linkUp(e.ConnectionHandle(), events)
		}),
		ble.OptDisconnectHandler(func(e evt.DisconnectionComplete) {
			p.linkDown(e.ConnectionHandle(), events)
		}),
	)
	if err != nil {
		return errors.Wrap(err, "could not open BLE device")
	}
	ble.SetDefaultDevice(device)
	defer func() {
		p.stopAdvertising()
		if err := device.Stop(); err != nil {
			p.logger.Warnw("could not stop BLE device", "error", err)
		}
	}()
	if err := ble.AddService(p.Service(events)); err != nil {
		return errors.Wrap(err, "could not register UART service")
	}

	p.mu.Lock()
	p.hci = device.HCI
	p.ready = true
	p.mu.Unlock()
	if err := p.Advertise(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}

// Service builds the UART GATT service delivering to events.
func (p *Peripheral) Service(events session.Events) *ble.Service {
	svc := ble.NewService(UART_SERVICE_UUID)

	rx := svc.NewCharacteristic(RX_CHAR_UUID)
	rx.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		p.track(req.Conn())
		events.OnDataReceived(req.Data())
	}))

	tx := svc.NewCharacteristic(TX_CHAR_UUID)
	tx.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
		p.track(req.Conn())
		rsp.Write([]byte(CONNECTION_ACK))
	}))
	tx.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
		p.track(req.Conn())
		p.mu.Lock()
		p.notifier = n
		p.mu.Unlock()
		p.logger.Infow("controller subscribed", "remote", req.Conn().RemoteAddr())
		if _, err := n.Write([]byte(CONNECTION_ACK)); err != nil {
			p.logger.Warnw("could not send connection ack", "error", err)
		}
		events.OnSubscribe()

		<-n.Context().Done()
		p.mu.Lock()
		if p.notifier == n {
			p.notifier = nil
		}
		p.mu.Unlock()
		p.logger.Infow("controller unsubscribed", "remote", req.Conn().RemoteAddr())
	}))
	return svc
}

// linkUp records a new connection handle and reports the connect.
func (p *Peripheral) linkUp(handle uint16, events session.Events) {
	p.mu.Lock()
	p.link = &link{handle: handle}
	p.notifier = nil
	p.mu.Unlock()
	p.logger.Infow("controller connected", "handle", handle)
	events.OnConnect()
}

// linkDown reports the disconnect of the current connection. Other handles are ignored.
func (p *Peripheral) linkDown(handle uint16, events session.Events) {
	p.mu.Lock()
	if p.link == nil || p.link.handle != handle {
		p.mu.Unlock()
		return
	}
	p.link = nil
	p.notifier = nil
	p.mu.Unlock()
	p.logger.Infow("controller disconnected", "handle", handle)
	events.OnDisconnect()
}

// track attaches the GATT connection to the current link so it can be dropped.
func (p *Peripheral) track(conn ble.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.link != nil && p.link.conn == nil {
		p.link.conn = conn
	}
}

// Send notifies the subscribed controller.
func (p *Peripheral) Send(_ context.Context, data []byte) error {
	p.mu.Lock()
	n := p.notifier
	p.mu.Unlock()
	if n == nil {
		return ErrNotSubscribed
	}
	_, err := n.Write(data)
	return err
}

// Advertise (re)starts advertising in the background. Before Serve has set up the device it
// does nothing; Serve advertises once ready.
func (p *Peripheral) Advertise(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil
	}
	p.stopAdvertisingLocked()
	advCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.advCancel, p.advDone = cancel, done
	go func() {
		defer close(done)
		p.logger.Infow("advertising", "name", p.cfg.Name)
		if err := p.advertise(advCtx, p.cfg.Name, UART_SERVICE_UUID); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Warnw("advertising stopped", "error", err)
		}
	}()
	return nil
}

func (p *Peripheral) stopAdvertising() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopAdvertisingLocked()
}

func (p *Peripheral) stopAdvertisingLocked() {
	if p.advCancel == nil {
		return
	}
	p.advCancel()
	<-p.advDone
	p.advCancel, p.advDone = nil, nil
}

// Drop disconnects the current controller. The disconnect itself is reported by the controller.
func (p *Peripheral) Drop(context.Context) error {
	p.mu.Lock()
	var conn ble.Conn
	if p.link != nil {
		conn = p.link.conn
	}
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// SampleSignalStrength reads the RSSI of the current link from the controller.
func (p *Peripheral) SampleSignalStrength(context.Context) (int, bool) {
	p.mu.Lock()
	ctrl := p.hci
	var handle uint16
	linked := p.link != nil
	if linked {
		handle = p.link.handle
	}
	p.mu.Unlock()
	if !linked || ctrl == nil {
		return 0, false
	}

	rp := &cmd.ReadRSSIRP{}
	if err := ctrl.Send(&cmd.ReadRSSI{Handle: handle}, rp); err != nil {
		p.logger.Debugw("could not read rssi", "handle", handle, "error", err)
		return 0, false
	}
	if rp.Status != 0 || rp.RSSI == RSSI_UNAVAILABLE {
		return 0, false
	}
	return int(rp.RSSI), true
}
