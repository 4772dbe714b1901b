package nus

import (
	"context"
	"sync"
	"testing"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux/hci"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"autobbb/logging"
)

type fakeConn struct {
	ble.Conn
	addr         ble.Addr
	disconnected chan struct{}
	once         sync.Once
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: ble.NewAddr(addr), disconnected: make(chan struct{})}
}

func (c *fakeConn) RemoteAddr() ble.Addr          { return c.addr }
func (c *fakeConn) Disconnected() <-chan struct{} { return c.disconnected }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.disconnected) })
	return nil
}

type fakeRequest struct {
	conn ble.Conn
	data []byte
}

func (r fakeRequest) Conn() ble.Conn { return r.conn }
func (r fakeRequest) Data() []byte   { return r.data }
func (r fakeRequest) Offset() int    { return 0 }

type fakeNotifier struct {
	ble.Notifier
	ctx    context.Context
	mu     sync.Mutex
	writes []string
}

func (n *fakeNotifier) Context() context.Context { return n.ctx }

func (n *fakeNotifier) Write(b []byte) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.writes = append(n.writes, string(b))
	return len(b), nil
}

func (n *fakeNotifier) Writes() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.writes...)
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recorder) OnConnect()                 { r.add("connect") }
func (r *recorder) OnSubscribe()               { r.add("subscribe") }
func (r *recorder) OnDisconnect()              { r.add("disconnect") }
func (r *recorder) OnDataReceived(data []byte) { r.add("data:" + string(data)) }

func (r *recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fakeController struct {
	mu      sync.Mutex
	reply   []byte
	err     error
	handles []uint16
}

func (c *fakeController) Send(command hci.Command, rp hci.CommandRP) error {
	read, ok := command.(*cmd.ReadRSSI)
	if !ok {
		return errors.Errorf("unexpected command %T", command)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handles = append(c.handles, read.Handle)
	if c.err != nil {
		return c.err
	}
	return rp.Unmarshal(c.reply)
}

func (c *fakeController) setReply(reply []byte, err error) {
	c.mu.Lock()
	c.reply, c.err = reply, err
	c.mu.Unlock()
}

func (c *fakeController) Handles() []uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint16(nil), c.handles...)
}

func characteristic(t *testing.T, svc *ble.Service, uuid ble.UUID) *ble.Characteristic {
	t.Helper()
	for _, c := range svc.Characteristics {
		if c.UUID.Equal(uuid) {
			return c
		}
	}
	t.Fatalf("no characteristic %s", uuid)
	return nil
}

func TestUARTSession(t *testing.T) {
	p := New(Config{}, logging.NewTestLogger(t))
	events := &recorder{}
	svc := p.Service(events)
	rx := characteristic(t, svc, RX_CHAR_UUID)
	tx := characteristic(t, svc, TX_CHAR_UUID)

	conn := newFakeConn("11:22:33:44:55:66")
	test.That(t, p.Send(context.Background(), []byte("PONG")), test.ShouldBeError, ErrNotSubscribed)

	p.linkUp(0x0040, events)
	test.That(t, events.Events(), test.ShouldResemble, []string{"connect"})

	subscription, unsubscribe := context.WithCancel(context.Background())
	notifier := &fakeNotifier{ctx: subscription}
	served := make(chan struct{})
	go func() {
		tx.NotifyHandler.ServeNotify(fakeRequest{conn: conn}, notifier)
		close(served)
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, events.Events(), test.ShouldResemble, []string{"connect", "subscribe"})
	})
	test.That(t, notifier.Writes(), test.ShouldResemble, []string{CONNECTION_ACK})

	rx.WriteHandler.ServeWrite(fakeRequest{conn: conn, data: []byte("ping")}, nil)
	test.That(t, events.Events(), test.ShouldResemble, []string{"connect", "subscribe", "data:ping"})
	test.That(t, p.Send(context.Background(), []byte("PONG")), test.ShouldBeNil)
	test.That(t, notifier.Writes(), test.ShouldResemble, []string{CONNECTION_ACK, "PONG"})

	test.That(t, p.Drop(context.Background()), test.ShouldBeNil)
	<-conn.Disconnected()
	p.linkDown(0x0040, events)
	unsubscribe()
	<-served
	test.That(t, events.Events(), test.ShouldResemble, []string{"connect", "subscribe", "data:ping", "disconnect"})
	test.That(t, p.Send(context.Background(), []byte("late")), test.ShouldBeError, ErrNotSubscribed)
}

func TestLinkDownIgnoresOtherHandles(t *testing.T) {
	p := New(Config{}, logging.NewTestLogger(t))
	events := &recorder{}

	p.linkDown(0x0040, events)
	p.linkUp(0x0041, events)
	p.linkDown(0x0040, events)
	test.That(t, events.Events(), test.ShouldResemble, []string{"connect"})
	p.linkDown(0x0041, events)
	test.That(t, events.Events(), test.ShouldResemble, []string{"connect", "disconnect"})
}

func TestSignalStrength(t *testing.T) {
	p := New(Config{}, logging.NewTestLogger(t))
	events := &recorder{}
	ctrl := &fakeController{}
	p.hci = ctrl

	_, ok := p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, ctrl.Handles(), test.ShouldBeEmpty)

	p.linkUp(0x0040, events)

	// status, connection handle (little endian), rssi
	ctrl.setReply([]byte{0x00, 0x40, 0x00, 0xC0}, nil)
	dbm, ok := p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, dbm, test.ShouldEqual, -64)
	test.That(t, ctrl.Handles(), test.ShouldResemble, []uint16{0x0040})

	ctrl.setReply([]byte{0x00, 0x40, 0x00, 0xA6}, nil)
	dbm, ok = p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, dbm, test.ShouldEqual, -90)

	ctrl.setReply([]byte{0x02, 0x40, 0x00, 0x00}, nil)
	_, ok = p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeFalse)

	ctrl.setReply([]byte{0x00, 0x40, 0x00, RSSI_UNAVAILABLE}, nil)
	_, ok = p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeFalse)

	ctrl.setReply(nil, errors.New("hci: timeout"))
	_, ok = p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeFalse)

	p.linkDown(0x0040, events)
	_, ok = p.SampleSignalStrength(context.Background())
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, ctrl.Handles(), test.ShouldHaveLength, 5)
}

func TestAdvertiseRestarts(t *testing.T) {
	p := New(Config{Name: "rover"}, logging.NewTestLogger(t))
	var mu sync.Mutex
	var names []string
	p.advertise = func(ctx context.Context, name string, uuids ...ble.UUID) error {
		mu.Lock()
		names = append(names, name)
		mu.Unlock()
		<-ctx.Done()
		return ctx.Err()
	}

	test.That(t, p.Advertise(context.Background()), test.ShouldBeNil)
	mu.Lock()
	test.That(t, names, test.ShouldBeEmpty)
	mu.Unlock()

	p.ready = true
	test.That(t, p.Advertise(context.Background()), test.ShouldBeNil)
	test.That(t, p.Advertise(context.Background()), test.ShouldBeNil)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mu.Lock()
		defer mu.Unlock()
		test.That(tb, names, test.ShouldResemble, []string{"rover", "rover"})
	})
	p.stopAdvertising()
}
