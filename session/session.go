// Package session owns the controller link lifecycle: Disconnected, Connected, Ready.
//
// One goroutine (Run) processes transport events and inbound commands strictly in arrival
// order and sends one acknowledgement per command. Lifecycle events are served before queued
// commands. A disconnect brakes the drive on the calling goroutine before it is queued, so the
// fail-safe never waits behind command processing. A command already in flight may still write
// after that brake; the disconnect event brakes again when Run handles it, and that second brake
// is what makes the override final.
package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	goutils "go.viam.com/utils"

	"autobbb/dispatch"
)

type State int

const (
	Disconnected State = iota
	Connected
	Ready
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Ready:
		return "ready"
	default:
		return "disconnected"
	}
}

// MarshalText lets telemetry frames carry the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Transport is the outbound half of the controller link.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// SignalSampler is implemented by transports that can measure link quality, in dBm.
type SignalSampler interface {
	SampleSignalStrength(ctx context.Context) (dbm int, ok bool)
}

// Advertiser is implemented by transports that must announce themselves to be found again.
// Advertise must return promptly; long-running advertising belongs to the transport.
type Advertiser interface {
	Advertise(ctx context.Context) error
}

// Dropper is implemented by transports that can terminate the current link.
type Dropper interface {
	Drop(ctx context.Context) error
}

// Events is the inbound half of the controller link. Transports call these from their own
// goroutines.
type Events interface {
	OnConnect()
	OnSubscribe()
	OnDisconnect()
	OnDataReceived(data []byte)
}

// Dispatcher turns one received frame into its acknowledgement.
type Dispatcher interface {
	Handle(raw []byte, ctx dispatch.Context) string
}

// Braker forces the neutral posture.
type Braker interface {
	Brake() error
}

// LinkQualityFault is the reason for a disconnect forced by a weak signal.
type LinkQualityFault struct {
	RSSI  int
	Floor int
}

func (f *LinkQualityFault) Error() string {
	return fmt.Sprintf("signal %d dBm below floor %d dBm", f.RSSI, f.Floor)
}

var errWatchdog = errors.New("no command received within watchdog timeout")

type Config struct {
	WatchdogTimeout time.Duration
	RSSIFloor       int
	PollInterval    time.Duration
	// RequireSubscription holds a new link in Connected until the controller subscribes.
	RequireSubscription bool
}

func DefaultConfig() Config {
	return Config{
		WatchdogTimeout: 10 * time.Second,
		RSSIFloor:       -85,
		PollInterval:    2 * time.Second,
	}
}

// Snapshot is a read-only copy of the session bookkeeping.
type Snapshot struct {
	ID        string    `json:"id,omitempty"`
	State     State     `json:"state"`
	Signal    int       `json:"rssi"`
	HasSignal bool      `json:"has_rssi"`
	Since     time.Time `json:"since"`
}

type Option func(*Session)

// WithClock replaces the wall clock driving the watchdog and the signal poller.
func WithClock(clk clock.Clock) Option {
	return func(s *Session) {
		s.clock = clk
	}
}

type eventKind int

const (
	connectEvent eventKind = iota
	subscribeEvent
	disconnectEvent
	sampleEvent
)

type event struct {
	kind eventKind
	gen  uint64
	// sample fields
	session string
	dbm     int
	ok      bool
}

type frame struct {
	gen  uint64
	data []byte
}

const (
	CONTROL_QUEUE_SIZE = 16
	INBOUND_QUEUE_SIZE = 32
)

type Session struct {
	cfg        Config
	transport  Transport
	dispatcher Dispatcher
	braker     Braker
	clock      clock.Clock
	logger     *zap.SugaredLogger

	control chan event
	inbound chan frame
	done    chan struct{}
	running atomic.Bool
	// gen counts link drops, so frames queued before a drop can be told apart.
	gen atomic.Uint64

	mu   sync.Mutex
	snap Snapshot

	// Owned by the Run goroutine.
	state    State
	id       string
	dropGen  uint64
	signal   int
	hasSig   bool
	watchdog *clock.Timer
}

func New(cfg Config, transport Transport, dispatcher Dispatcher, braker Braker, logger *zap.SugaredLogger, opts ...Option) *Session {
	s := &Session{
		cfg:        cfg,
		transport:  transport,
		dispatcher: dispatcher,
		braker:     braker,
		clock:      clock.New(),
		logger:     logger,
		control:    make(chan event, CONTROL_QUEUE_SIZE),
		inbound:    make(chan frame, INBOUND_QUEUE_SIZE),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.snap.Since = s.clock.Now()
	return s
}

// Snapshot returns the session bookkeeping as last published by the Run goroutine.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) State() State {
	return s.Snapshot().State
}

func (s *Session) OnConnect() {
	s.post(event{kind: connectEvent, gen: s.gen.Load()})
}

func (s *Session) OnSubscribe() {
	s.post(event{kind: subscribeEvent, gen: s.gen.Load()})
}

// OnDisconnect brakes immediately, then queues the transition.
func (s *Session) OnDisconnect() {
	if err := s.braker.Brake(); err != nil {
		s.logger.Warnw("brake on disconnect incomplete", "error", err)
	}
	s.post(event{kind: disconnectEvent, gen: s.gen.Add(1)})
}

// OnDataReceived queues one received frame. The slice is copied.
func (s *Session) OnDataReceived(data []byte) {
	f := frame{gen: s.gen.Load(), data: append([]byte(nil), data...)}
	select {
	case s.inbound <- f:
	case <-s.done:
	}
}

func (s *Session) post(ev event) {
	select {
	case s.control <- ev:
	case <-s.done:
	}
}

// Run processes link events and commands until ctx is done. On return the drive is braked.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session already running")
	}
	defer close(s.done)

	var workers sync.WaitGroup
	if sampler, ok := s.transport.(SignalSampler); ok {
		workers.Add(1)
		goutils.ManagedGo(func() {
			s.pollSignal(ctx, sampler)
		}, workers.Done)
	}
	defer workers.Wait()

	s.advertise(ctx)
	for {
		select {
		case ev := <-s.control:
			s.handleEvent(ctx, ev)
			continue
		default:
		}

		var expired <-chan time.Time
		if s.watchdog != nil {
			expired = s.watchdog.C
		}
		select {
		case <-ctx.Done():
			s.stopWatchdog()
			if err := s.braker.Brake(); err != nil {
				s.logger.Warnw("brake on shutdown incomplete", "error", err)
			}
			return ctx.Err()
		case ev := <-s.control:
			s.handleEvent(ctx, ev)
		case f := <-s.inbound:
			s.receive(ctx, f)
		case <-expired:
			s.forceDisconnect(ctx, errWatchdog)
		}
	}
}

func (s *Session) handleEvent(ctx context.Context, ev event) {
	switch ev.kind {
	case connectEvent:
		if s.state != Disconnected {
			s.logger.Debugw("connect while already linked", "session", s.id)
			s.armWatchdog()
			return
		}
		s.connect("connect")
	case subscribeEvent:
		switch s.state {
		case Disconnected:
			s.connect("subscribe")
			if s.state != Ready {
				s.transition(Ready, "subscribe")
			}
		case Connected:
			s.armWatchdog()
			s.transition(Ready, "subscribe")
		}
	case disconnectEvent:
		s.dropGen = ev.gen
		// again: a command handled since OnDisconnect may have written after its brake
		if err := s.braker.Brake(); err != nil {
			s.logger.Warnw("brake on disconnect incomplete", "error", err)
		}
		if s.state == Disconnected {
			return
		}
		s.disconnect("transport disconnect")
		s.advertise(ctx)
	case sampleEvent:
		if s.state == Disconnected || ev.session != s.id {
			return
		}
		s.signal, s.hasSig = ev.dbm, ev.ok
		s.publish()
		if ev.ok && ev.dbm < s.cfg.RSSIFloor {
			s.forceDisconnect(ctx, &LinkQualityFault{RSSI: ev.dbm, Floor: s.cfg.RSSIFloor})
		}
	}
}

func (s *Session) receive(ctx context.Context, f frame) {
	if f.gen < s.dropGen {
		s.logger.Debugw("dropping frame from closed link", "raw", fmt.Sprintf("%x", f.data))
		return
	}
	if s.state == Disconnected {
		s.connect("data")
	}
	s.armWatchdog()

	s.logger.Debugw("command", "session", s.id, "raw", fmt.Sprintf("%x", f.data))
	ack := s.dispatcher.Handle(f.data, dispatch.Context{
		Ready:     s.state == Ready,
		Signal:    s.signal,
		HasSignal: s.hasSig,
	})
	s.logger.Debugw("ack", "session", s.id, "ack", ack)
	if err := s.transport.Send(ctx, []byte(ack)); err != nil {
		s.logger.Warnw("could not send ack", "session", s.id, "ack", ack, "error", err)
	}
}

// connect starts a new session: fresh id, no signal sample, watchdog armed.
func (s *Session) connect(reason string) {
	s.id = uuid.NewString()
	s.signal, s.hasSig = 0, false
	s.armWatchdog()
	if s.cfg.RequireSubscription {
		s.transition(Connected, reason)
		return
	}
	s.transition(Ready, reason)
}

// forceDisconnect ends the session from this side: brake first, then drop the link, then
// advertise again.
func (s *Session) forceDisconnect(ctx context.Context, cause error) {
	if err := s.braker.Brake(); err != nil {
		s.logger.Warnw("fail-safe brake incomplete", "error", err)
	}
	s.logger.Warnw("fail-safe", "session", s.id, "cause", cause)
	s.dropGen = s.gen.Add(1)
	s.disconnect(cause.Error())
	if dropper, ok := s.transport.(Dropper); ok {
		if err := dropper.Drop(ctx); err != nil {
			s.logger.Warnw("could not drop link", "error", err)
		}
	}
	s.advertise(ctx)
}

func (s *Session) disconnect(reason string) {
	s.stopWatchdog()
	s.signal, s.hasSig = 0, false
	s.transition(Disconnected, reason)
	s.id = ""
	s.publish()
}

func (s *Session) advertise(ctx context.Context) {
	advertiser, ok := s.transport.(Advertiser)
	if !ok {
		return
	}
	if err := advertiser.Advertise(ctx); err != nil {
		s.logger.Warnw("could not advertise", "error", err)
	}
}

func (s *Session) transition(to State, reason string) {
	from := s.state
	s.state = to
	s.logger.Infow("session", "session", s.id, "from", from, "to", to, "reason", reason)
	s.publish()
}

func (s *Session) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.State != s.state {
		s.snap.Since = s.clock.Now()
	}
	s.snap.ID = s.id
	s.snap.State = s.state
	s.snap.Signal = s.signal
	s.snap.HasSignal = s.hasSig
}

// armWatchdog restarts the no-traffic timer. A fresh timer is used each time so a value left
// in the old channel can never expire the new session.
func (s *Session) armWatchdog() {
	s.stopWatchdog()
	s.watchdog = s.clock.Timer(s.cfg.WatchdogTimeout)
}

func (s *Session) stopWatchdog() {
	if s.watchdog != nil {
		s.watchdog.Stop()
		s.watchdog = nil
	}
}

// pollSignal samples link quality while a controller is linked and posts each sample to Run.
func (s *Session) pollSignal(ctx context.Context, sampler SignalSampler) {
	ticker := s.clock.Ticker(s.cfg.PollInterval)
	defer ticker.Stop()
	for goutils.SelectContextOrWaitChan(ctx, ticker.C) {
		snap := s.Snapshot()
		if snap.State == Disconnected {
			continue
		}
		dbm, ok := sampler.SampleSignalStrength(ctx)
		select {
		case s.control <- event{kind: sampleEvent, session: snap.ID, dbm: dbm, ok: ok}:
		case <-ctx.Done():
			return
		}
	}
}
