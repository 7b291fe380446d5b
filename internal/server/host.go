// Package server runs an authority behind a network transport.
//
// Transport goroutines never touch the simulation: they enqueue connection
// events and packets into a bounded inbox that the tick goroutine drains
// before every step.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/persist"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/schema"
)

// Hooks let the scene host act on the tick goroutine. Any field may be nil.
type Hooks struct {
	// Setup runs once before the first step, after a restored world is
	// loaded.
	Setup      func(a *orchestrator.Authority) error
	OnJoin     func(a *orchestrator.Authority, s *orchestrator.Session)
	OnLeave    func(a *orchestrator.Authority, s *orchestrator.Session, reason string)
	BeforeStep func(a *orchestrator.Authority)
}

// Stats are counters safe to read from any goroutine.
type Stats struct {
	Ticks        uint64
	Connects     uint64
	Rejected     uint64
	Disconnects  uint64
	PacketsIn    uint64
	InboxDropped uint64
	PacketsOut   uint64
	BytesOut     uint64
	SendErrors   uint64
	Snapshots    uint64
	SnapshotErrs uint64
}

type hostStats struct {
	ticks, connects, rejected, disconnects atomic.Uint64

	packetsIn, inboxDropped atomic.Uint64

	packetsOut, bytesOut, sendErrors atomic.Uint64

	snapshots, snapshotErrs atomic.Uint64
}

type eventKind uint8

const (
	eventConnect eventKind = iota
	eventPacket
	eventDisconnect
	eventCall
)

type event struct {
	kind eventKind
	conn protocol.Conn
	ch   protocol.Channel
	data []byte
	err  error
	fn   func(a *orchestrator.Authority)
	done chan struct{}
}

// Host drives one Authority at a fixed tick rate.
type Host struct {
	cfg       *config.Config
	authority *orchestrator.Authority
	transport protocol.Transport
	store     persist.Store
	logger    log.Log
	hooks     Hooks

	inbox   chan event
	saves   chan *persist.World
	dropLog *rate.Limiter

	running   atomic.Bool
	closed    atomic.Bool
	stopped   chan struct{}
	quit      chan struct{}
	closeOnce sync.Once

	// Owned by the tick goroutine.
	slots        map[string]models.PeerSlot
	conns        [models.MaxPeers]protocol.Conn
	persistEvery uint64

	stats hostStats
}

var _ protocol.Handler = (*Host)(nil)

// NewHost builds the authority for registry. store may be nil to disable
// snapshots.
func NewHost(cfg *config.Config, registry *schema.Registry, transport protocol.Transport, store persist.Store, logger log.Log) (*Host, error) {
	if cfg == nil || transport == nil {
		return nil, fmt.Errorf("%w: missing config or transport", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}
	h := &Host{
		cfg:       cfg,
		transport: transport,
		store:     store,
		logger:    logger.With(log.String("component", "host"), log.String("host", cfg.Server.Name)),
		inbox:     make(chan event, cfg.Server.InboxSize),
		dropLog:   rate.NewLimiter(rate.Every(time.Second), 1),
		stopped:   make(chan struct{}),
		quit:      make(chan struct{}),
		slots:     make(map[string]models.PeerSlot),
	}

	a, err := orchestrator.NewAuthority(cfg.Authority(), registry, orchestrator.DownlinkFunc(h.send), logger)
	if err != nil {
		return nil, err
	}
	a.OnJoin(h.joined)
	a.OnDisconnect(h.detach)
	h.authority = a

	if store != nil && cfg.Persist.Interval > 0 {
		every := int64(cfg.Persist.Interval) * int64(cfg.Simulation.TickRate) / int64(time.Second)
		h.persistEvery = uint64(max(every, 1))
		h.saves = make(chan *persist.World, 1)
	}
	return h, nil
}

// Authority may only be used before Run or from hooks and Do.
func (h *Host) Authority() *orchestrator.Authority { return h.authority }

func (h *Host) SetHooks(hooks Hooks) { h.hooks = hooks }

func (h *Host) Addr() string { return h.transport.Addr().String() }

func (h *Host) Stats() Stats {
	s := &h.stats
	return Stats{
		Ticks:        s.ticks.Load(),
		Connects:     s.connects.Load(),
		Rejected:     s.rejected.Load(),
		Disconnects:  s.disconnects.Load(),
		PacketsIn:    s.packetsIn.Load(),
		InboxDropped: s.inboxDropped.Load(),
		PacketsOut:   s.packetsOut.Load(),
		BytesOut:     s.bytesOut.Load(),
		SendErrors:   s.sendErrors.Load(),
		Snapshots:    s.snapshots.Load(),
		SnapshotErrs: s.snapshotErrs.Load(),
	}
}

// Run serves the transport and steps the authority until ctx is cancelled
// or Close is called. A host runs once.
func (h *Host) Run(ctx context.Context) error {
	if h.closed.Load() {
		return ErrHostClosed
	}
	if !h.running.CompareAndSwap(false, true) {
		return ErrHostAlreadyRunning
	}
	defer h.closed.Store(true)

	if err := h.restore(ctx); err != nil {
		close(h.stopped)
		return err
	}
	if h.hooks.Setup != nil {
		if err := h.hooks.Setup(h.authority); err != nil {
			close(h.stopped)
			return fmt.Errorf("host setup: %w", err)
		}
	}

	h.logger.Info("Host started",
		log.String("address", h.Addr()),
		log.String("transport", string(h.cfg.Transport.Kind)),
		log.Int("tick_rate", h.cfg.Simulation.TickRate),
		log.Duration("tick_interval", h.authority.Config().TickInterval()),
		log.Bool("persist", h.store != nil),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return h.transport.Serve(gctx, h)
	})
	g.Go(func() error {
		defer cancel()
		return h.loop(gctx)
	})
	if h.saves != nil {
		g.Go(func() error { return h.saver(gctx) })
	}
	err := g.Wait()
	_ = h.transport.Close()

	if h.store != nil {
		saveCtx, done := context.WithTimeout(context.Background(), h.cfg.Server.ShutdownTimeout)
		h.save(saveCtx, h.capture())
		done()
	}
	h.logger.Info("Host stopped", log.Uint64("ticks", h.stats.ticks.Load()))
	return err
}

// Close stops a running host. Run returns once the tick loop has exited.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		close(h.quit)
		_ = h.transport.Close()
	})
	return nil
}

// Do runs fn on the tick goroutine between steps and waits for it.
func (h *Host) Do(ctx context.Context, fn func(a *orchestrator.Authority)) error {
	if !h.running.Load() {
		return ErrHostNotRunning
	}
	select {
	case <-h.stopped:
		return ErrHostClosed
	default:
	}
	done := make(chan struct{})
	select {
	case h.inbox <- event{kind: eventCall, fn: fn, done: done}:
	case <-h.stopped:
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-h.stopped:
		return ErrHostClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) OnConnect(c protocol.Conn) {
	if !h.enqueue(event{kind: eventConnect, conn: c}) {
		_ = c.Close()
	}
}

func (h *Host) OnPacket(c protocol.Conn, ch protocol.Channel, data []byte) {
	ev := event{kind: eventPacket, conn: c, ch: ch, data: append([]byte(nil), data...)}
	if ch.Delivery() == protocol.Reliable {
		h.enqueue(ev)
		return
	}
	select {
	case h.inbox <- ev:
	default:
		h.stats.inboxDropped.Add(1)
		if h.dropLog.Allow() {
			h.logger.Warn("Inbox full, dropping packets",
				log.String("channel", ch.String()),
				log.Uint64("dropped", h.stats.inboxDropped.Load()),
			)
		}
	}
}

func (h *Host) OnDisconnect(c protocol.Conn, err error) {
	h.enqueue(event{kind: eventDisconnect, conn: c, err: err})
}

// enqueue blocks for connection events and reliable channels, which must
// not be lost.
func (h *Host) enqueue(ev event) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Host) loop(ctx context.Context) error {
	defer close(h.stopped)
	ticker := time.NewTicker(h.authority.Config().TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown("host shutdown")
			return nil
		case <-h.quit:
			h.shutdown("host closed")
			return nil
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Host) tick() {
	for n := len(h.inbox); n > 0; n-- {
		h.handle(<-h.inbox)
	}
	if h.hooks.BeforeStep != nil {
		h.hooks.BeforeStep(h.authority)
	}
	h.authority.Step()
	ticks := h.stats.ticks.Add(1)

	if h.persistEvery > 0 && ticks%h.persistEvery == 0 {
		w := h.capture()
		if w == nil {
			return
		}
		select {
		case h.saves <- w:
		default:
			h.logger.Warn("Snapshot skipped, previous save still running", log.Int32("tick", int32(w.Tick)))
		}
	}
}

func (h *Host) handle(ev event) {
	a := h.authority
	switch ev.kind {
	case eventConnect:
		s, err := a.Connect(ev.conn.ID())
		if err != nil {
			h.stats.rejected.Add(1)
			h.logger.Warn("Connection rejected",
				log.String("remote", ev.conn.RemoteAddr().String()),
				log.Error(err),
			)
			_ = ev.conn.Close()
			return
		}
		h.slots[s.ID] = s.Slot
		h.conns[s.Slot] = ev.conn
		h.stats.connects.Add(1)
		h.logger.Debug("Connection accepted",
			log.String("peer", s.ID),
			log.String("remote", ev.conn.RemoteAddr().String()),
			log.Uint8("slot", uint8(s.Slot)),
		)
	case eventPacket:
		slot, ok := h.slots[ev.conn.ID()]
		if !ok {
			return
		}
		h.stats.packetsIn.Add(1)
		if err := a.HandlePacket(slot, ev.ch, ev.data); errors.Is(err, orchestrator.ErrNotJoined) {
			h.logger.Debug("Packet before join", log.String("peer", ev.conn.ID()), log.String("channel", ev.ch.String()))
		}
	case eventDisconnect:
		slot, ok := h.slots[ev.conn.ID()]
		if !ok {
			return
		}
		reason := "connection closed"
		if ev.err != nil {
			reason = ev.err.Error()
		}
		_ = a.Disconnect(slot, reason)
	case eventCall:
		ev.fn(a)
		close(ev.done)
	}
}

func (h *Host) joined(s *orchestrator.Session) {
	if h.hooks.OnJoin != nil {
		h.hooks.OnJoin(h.authority, s)
	}
}

// detach runs for every ended session, whichever side ended it.
func (h *Host) detach(s *orchestrator.Session, reason string) {
	c := h.conns[s.Slot]
	h.conns[s.Slot] = nil
	delete(h.slots, s.ID)
	if c != nil {
		_ = c.Close()
	}
	h.stats.disconnects.Add(1)
	if h.hooks.OnLeave != nil {
		h.hooks.OnLeave(h.authority, s, reason)
	}
}

func (h *Host) shutdown(reason string) {
	for _, s := range h.authority.Sessions() {
		_ = h.authority.Disconnect(s.Slot, reason)
	}
}

func (h *Host) send(slot models.PeerSlot, ch protocol.Channel, data []byte) {
	c := h.conns[slot]
	if c == nil {
		return
	}
	if err := c.Send(ch, data); err != nil {
		h.stats.sendErrors.Add(1)
		h.logger.Debug("Send failed",
			log.Uint8("slot", uint8(slot)),
			log.String("channel", ch.String()),
			log.Error(err),
		)
		return
	}
	h.stats.packetsOut.Add(1)
	h.stats.bytesOut.Add(uint64(len(data)))
}
