// Package client runs a replica against a remote authority.
//
// The connection's goroutines only queue packets. A single tick goroutine
// feeds them to the replica and steps it at the rate the authority
// announced on join.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/replicore/internal/config"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/orchestrator"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/replication"
	"github.com/zeusync/replicore/internal/core/schema"
)

// EventType names a client lifecycle event.
type EventType string

const (
	EventTypeConnected    EventType = "connected"
	EventTypeJoined       EventType = "joined"
	EventTypeFrame        EventType = "frame"
	EventTypeDisconnected EventType = "disconnected"
)

// Event is delivered on the tick goroutine, so handlers may use Replica.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Replica   *orchestrator.Replica
	Error     error
}

// EventHandler errors are logged and otherwise ignored.
type EventHandler func(event Event) error

type Stats struct {
	Frames       uint64
	PacketsIn    uint64
	InboxDropped uint64
	PacketsOut   uint64
	BytesOut     uint64
	SendErrors   uint64
}

type packet struct {
	ch   protocol.Channel
	data []byte
	fn   func(r *orchestrator.Replica)
	done chan struct{}
}

// Client owns one replica and its connection.
type Client struct {
	cfg     *config.Config
	dialer  protocol.Dialer
	replica *orchestrator.Replica
	logger  log.Log

	handlers     map[EventType][]EventHandler
	handlerMutex sync.RWMutex

	inbox   chan packet
	conn    atomic.Pointer[connHolder]
	lost    chan struct{}
	lostErr error
	lostMu  sync.Once

	running   atomic.Bool
	closed    atomic.Bool
	stopped   chan struct{}
	quit      chan struct{}
	closeOnce sync.Once

	frames, packetsIn, inboxDropped  atomic.Uint64
	packetsOut, bytesOut, sendErrors atomic.Uint64
}

type connHolder struct{ protocol.Conn }

var _ protocol.Handler = (*Client)(nil)

func New(cfg *config.Config, registry *schema.Registry, dialer protocol.Dialer, logger log.Log) (*Client, error) {
	if cfg == nil || dialer == nil {
		return nil, fmt.Errorf("%w: missing config or dialer", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}
	c := &Client{
		cfg:      cfg,
		dialer:   dialer,
		logger:   logger.With(log.String("component", "client"), log.String("name", cfg.Replica.Name)),
		handlers: make(map[EventType][]EventHandler),
		inbox:    make(chan packet, cfg.Server.InboxSize),
		lost:     make(chan struct{}),
		stopped:  make(chan struct{}),
		quit:     make(chan struct{}),
	}
	r, err := orchestrator.NewReplica(cfg.ReplicaSettings(), registry, orchestrator.UplinkFunc(c.send), logger)
	if err != nil {
		return nil, err
	}
	c.replica = r
	return c, nil
}

// Replica may only be used before Run, from event handlers or through Do.
func (c *Client) Replica() *orchestrator.Replica { return c.replica }

// On registers a handler for an event type.
func (c *Client) On(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
}

func (c *Client) emit(eventType EventType, err error) {
	c.handlerMutex.RLock()
	handlers := c.handlers[eventType]
	c.handlerMutex.RUnlock()

	ev := Event{Type: eventType, Timestamp: time.Now(), Replica: c.replica, Error: err}
	for _, h := range handlers {
		if herr := h(ev); herr != nil {
			c.logger.Warn("Event handler failed", log.String("event", string(eventType)), log.Error(herr))
		}
	}
}

func (c *Client) Stats() Stats {
	return Stats{
		Frames:       c.frames.Load(),
		PacketsIn:    c.packetsIn.Load(),
		InboxDropped: c.inboxDropped.Load(),
		PacketsOut:   c.packetsOut.Load(),
		BytesOut:     c.bytesOut.Load(),
		SendErrors:   c.sendErrors.Load(),
	}
}

// Run dials the authority, joins and steps the replica until ctx is
// cancelled, Close is called or the connection drops. It fails with
// ErrJoinTimeout when no welcome arrives in time and with the replica's
// rejection error when the authority refuses the join.
func (c *Client) Run(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.closed.Store(true)

	conn, err := c.dialer.Dial(ctx, c.cfg.Transport.Address, c)
	if err != nil {
		close(c.stopped)
		return fmt.Errorf("dial %s: %w", c.cfg.Transport.Address, err)
	}
	c.conn.Store(&connHolder{conn})
	c.logger.Info("Connected",
		log.String("address", c.cfg.Transport.Address),
		log.String("transport", string(c.cfg.Transport.Kind)),
	)
	c.emit(EventTypeConnected, nil)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return c.loop(gctx)
	})
	err = g.Wait()
	_ = conn.Close()

	c.emit(EventTypeDisconnected, err)
	c.logger.Info("Disconnected", log.Uint64("frames", c.frames.Load()), log.Error(err))
	return err
}

// Close stops a running client. Run returns after the replica has left.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.quit) })
	return nil
}

// Do runs fn on the tick goroutine between steps and waits for it.
func (c *Client) Do(ctx context.Context, fn func(r *orchestrator.Replica)) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	select {
	case <-c.stopped:
		return ErrClientClosed
	default:
	}
	done := make(chan struct{})
	select {
	case c.inbox <- packet{fn: fn, done: done}:
	case <-c.stopped:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.stopped:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RenderValue samples a property for display at the current wall time.
func (c *Client) RenderValue(ctx context.Context, local models.LocalID, slot models.ChildSlot, property string) (replication.Value, error) {
	var (
		v   replication.Value
		err error
	)
	if derr := c.Do(ctx, func(r *orchestrator.Replica) {
		v, err = r.RenderValue(local, slot, property, time.Now())
	}); derr != nil {
		return replication.Value{}, derr
	}
	return v, err
}

// Call invokes a remote function on an entity the replica holds.
func (c *Client) Call(ctx context.Context, local models.LocalID, function string, args ...replication.Value) error {
	var err error
	if derr := c.Do(ctx, func(r *orchestrator.Replica) {
		err = r.Call(local, function, args...)
	}); derr != nil {
		return derr
	}
	return err
}

func (c *Client) OnConnect(protocol.Conn) {}

func (c *Client) OnPacket(_ protocol.Conn, ch protocol.Channel, data []byte) {
	pkt := packet{ch: ch, data: append([]byte(nil), data...)}
	if ch.Delivery() == protocol.Reliable {
		// Reliable traffic waits for room so calls and control are never lost.
		select {
		case c.inbox <- pkt:
		case <-c.stopped:
		}
		return
	}
	select {
	case c.inbox <- pkt:
	default:
		if c.inboxDropped.Add(1) == 1 {
			c.logger.Warn("Inbox full, dropping packets", log.String("channel", ch.String()))
		}
	}
}

func (c *Client) OnDisconnect(_ protocol.Conn, err error) {
	c.lostMu.Do(func() {
		c.lostErr = err
		close(c.lost)
	})
}

func (c *Client) loop(ctx context.Context) error {
	defer close(c.stopped)
	r := c.replica
	r.Join()

	interval := r.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	joinTimer := time.NewTimer(c.cfg.Replica.JoinTimeout)
	defer joinTimer.Stop()
	joined := false

	for {
		select {
		case <-ctx.Done():
			r.Leave()
			return nil
		case <-c.quit:
			r.Leave()
			return nil
		case <-c.lost:
			if c.lostErr != nil {
				return fmt.Errorf("%w: %w", ErrConnectionLost, c.lostErr)
			}
			return ErrConnectionLost
		case <-joinTimer.C:
			if !joined {
				return fmt.Errorf("%w after %s", ErrJoinTimeout, c.cfg.Replica.JoinTimeout)
			}
		case now := <-ticker.C:
			if err := c.drain(); err != nil {
				return err
			}
			if !joined && r.Joined() {
				joined = true
				c.emit(EventTypeJoined, nil)
			}
			if d := r.TickInterval(); d != interval {
				interval = d
				ticker.Reset(d)
			}
			r.Step(now)
			c.frames.Add(1)
			c.emit(EventTypeFrame, nil)
		}
	}
}

func (c *Client) drain() error {
	for n := len(c.inbox); n > 0; n-- {
		p := <-c.inbox
		if p.fn != nil {
			p.fn(c.replica)
			close(p.done)
			continue
		}
		c.packetsIn.Add(1)
		err := c.replica.Receive(p.ch, p.data)
		switch {
		case err == nil:
		case errors.Is(err, orchestrator.ErrRejected):
			return err
		default:
			c.logger.Debug("Dropped packet", log.String("channel", p.ch.String()), log.Error(err))
		}
	}
	return nil
}

func (c *Client) send(ch protocol.Channel, data []byte) {
	h := c.conn.Load()
	if h == nil {
		return
	}
	if err := h.Send(ch, data); err != nil {
		c.sendErrors.Add(1)
		return
	}
	c.packetsOut.Add(1)
	c.bytesOut.Add(uint64(len(data)))
}
