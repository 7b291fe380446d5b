// Package loopback is an in-process transport with optional seeded packet
// loss on unreliable channels. Hosts use it for local play and tests use
// it to drive whole sessions without sockets.
package loopback

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
)

const inboxSize = 1024

var (
	sharedOnce sync.Once
	shared     *Network
)

// Shared returns the process-wide lossless network.
func Shared() *Network {
	sharedOnce.Do(func() { shared = NewNetwork(1, 0) })
	return shared
}

type addr string

func (a addr) Network() string { return "loopback" }
func (a addr) String() string  { return string(a) }

// Network connects in-process listeners and dialers by address.
type Network struct {
	mu        sync.Mutex
	rng       *rand.Rand
	loss      float64
	listeners map[string]*Transport
	dials     int
}

// NewNetwork creates a network that drops the given fraction of packets
// on unreliable channels, using a deterministic seed.
func NewNetwork(seed int64, loss float64) *Network {
	return &Network{
		rng:       rand.New(rand.NewSource(seed)),
		loss:      loss,
		listeners: make(map[string]*Transport),
	}
}

// SetLoss changes the drop fraction for subsequent packets.
func (n *Network) SetLoss(loss float64) {
	n.mu.Lock()
	n.loss = loss
	n.mu.Unlock()
}

func (n *Network) drop(ch protocol.Channel) bool {
	if ch.Delivery() == protocol.Reliable {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loss > 0 && n.rng.Float64() < n.loss
}

// Listen registers a transport on address.
func (n *Network) Listen(address string, cfg protocol.Config, logger log.Log) (*Transport, error) {
	if logger == nil {
		logger = log.Provide()
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[address]; ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrAddressInUse, address)
	}
	t := &Transport{
		network: n,
		addr:    addr(address),
		cfg:     cfg,
		logger:  logger.With(log.String("transport", "loopback")),
		accept:  make(chan *conn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[address] = t
	return t, nil
}

// Dial connects to a listener on the same network.
func (n *Network) Dial(ctx context.Context, address string, h protocol.Handler) (protocol.Conn, error) {
	n.mu.Lock()
	t, ok := n.listeners[address]
	n.dials++
	local := addr(fmt.Sprintf("client-%d", n.dials))
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrNoListener, address)
	}

	client := newConn(n, local, t.addr, t.cfg, t.logger)
	server := newConn(n, t.addr, local, t.cfg, t.logger)
	client.peer, server.peer = server, client

	select {
	case t.accept <- server:
	case <-t.done:
		return nil, protocol.ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	h.OnConnect(client)
	go client.run(h)
	return client, nil
}

// Transport is the listening side of a loopback address.
type Transport struct {
	network *Network
	addr    addr
	cfg     protocol.Config
	logger  log.Log

	accept    chan *conn
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ protocol.Transport = (*Transport)(nil)
	_ protocol.Dialer    = (*Network)(nil)
)

func (t *Transport) Addr() net.Addr { return t.addr }

func (t *Transport) Serve(ctx context.Context, h protocol.Handler) error {
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case c := <-t.accept:
			h.OnConnect(c)
			wg.Add(1)
			go func() {
				defer wg.Done()
				c.run(h)
			}()
			go func() {
				select {
				case <-ctx.Done():
					_ = c.Close()
				case <-t.done:
					_ = c.Close()
				case <-c.Done():
				}
			}()
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		}
	}
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
		t.network.mu.Lock()
		delete(t.network.listeners, string(t.addr))
		t.network.mu.Unlock()
	})
	return nil
}

type packet struct {
	ch   protocol.Channel
	data []byte
}

type conn struct {
	*protocol.Base
	network *Network
	local   addr
	limit   int
	peer    *conn
	inbox   chan packet
}

func newConn(n *Network, local, remote addr, cfg protocol.Config, logger log.Log) *conn {
	return &conn{
		Base:    protocol.NewBase(remote, cfg, logger),
		network: n,
		local:   local,
		limit:   cfg.MaxPacketSize,
		inbox:   make(chan packet, inboxSize),
	}
}

func (c *conn) LocalAddr() net.Addr { return c.local }

func (c *conn) Send(ch protocol.Channel, data []byte) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %d", protocol.ErrInvalidChannel, ch)
	}
	if c.Closed() || c.peer.Closed() {
		return protocol.ErrConnectionClosed
	}
	if c.limit > 0 && len(data) > c.limit {
		return fmt.Errorf("%w: %d of %d bytes", protocol.ErrMessageTooLarge, len(data), c.limit)
	}
	c.CountOut(len(data))
	if c.network.drop(ch) {
		c.CountDropped()
		return nil
	}
	p := packet{ch: ch, data: append([]byte(nil), data...)}
	if ch.Delivery() != protocol.Reliable {
		select {
		case c.peer.inbox <- p:
		default:
			c.CountDropped()
		}
		return nil
	}
	select {
	case c.peer.inbox <- p:
		return nil
	case <-c.peer.Done():
		return protocol.ErrConnectionClosed
	}
}

func (c *conn) run(h protocol.Handler) {
	for {
		select {
		case p := <-c.inbox:
			c.Deliver(c, h, p.ch, p.data)
		case <-c.Done():
			h.OnDisconnect(c, nil)
			return
		}
	}
}

// Close tears down both ends.
func (c *conn) Close() error {
	_ = c.Shutdown(nil)
	if c.peer != nil {
		_ = c.peer.Shutdown(nil)
	}
	return nil
}
