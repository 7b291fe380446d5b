package protocol

import (
	"context"
	"net"
)

// Conn is one peer connection. Send is safe for concurrent use. Packets on
// unreliable channels may be dropped silently.
type Conn interface {
	ID() string
	RemoteAddr() net.Addr
	Send(ch Channel, data []byte) error
	Close() error
	// Done is closed once the connection is torn down.
	Done() <-chan struct{}
	Stats() ConnStats
}

// Handler receives connection events. OnPacket may be called from several
// goroutines at once and data is only valid for the duration of the call.
type Handler interface {
	OnConnect(c Conn)
	OnPacket(c Conn, ch Channel, data []byte)
	OnDisconnect(c Conn, err error)
}

// Transport accepts peer connections on the authority side.
type Transport interface {
	// Serve blocks until ctx is cancelled or the transport is closed.
	Serve(ctx context.Context, h Handler) error
	Addr() net.Addr
	Close() error
}

// Dialer opens a replica's connection to an authority.
type Dialer interface {
	Dial(ctx context.Context, addr string, h Handler) (Conn, error)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Connect    func(c Conn)
	Packet     func(c Conn, ch Channel, data []byte)
	Disconnect func(c Conn, err error)
}

func (h HandlerFuncs) OnConnect(c Conn) {
	if h.Connect != nil {
		h.Connect(c)
	}
}

func (h HandlerFuncs) OnPacket(c Conn, ch Channel, data []byte) {
	if h.Packet != nil {
		h.Packet(c, ch, data)
	}
}

func (h HandlerFuncs) OnDisconnect(c Conn, err error) {
	if h.Disconnect != nil {
		h.Disconnect(c, err)
	}
}
