package protocol

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zeusync/replicore/internal/core/observability/log"
)

// ConnStats are the lifetime counters of one connection.
type ConnStats struct {
	PacketsIn  uint64
	PacketsOut uint64
	BytesIn    uint64
	BytesOut   uint64
	// Stale counts sequenced packets older than one already delivered.
	Stale     uint64
	Limited   uint64
	Malformed uint64
	// Dropped counts outgoing packets discarded by the transport.
	Dropped uint64
}

type counters struct {
	packetsIn, packetsOut atomic.Uint64
	bytesIn, bytesOut     atomic.Uint64
	stale, limited        atomic.Uint64
	malformed, dropped    atomic.Uint64
}

// Base is the transport-independent half of a connection: identity,
// inbound filtering, counters and close bookkeeping. Transports embed it.
type Base struct {
	id      string
	remote  net.Addr
	logger  log.Log
	limiter *rate.Limiter

	seq    Sequencer
	filter SequenceFilter
	stats  counters

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func NewBase(remote net.Addr, cfg Config, logger log.Log) *Base {
	if logger == nil {
		logger = log.Provide()
	}
	id := uuid.NewString()
	return &Base{
		id:      id,
		remote:  remote,
		logger:  logger.With(log.String("conn", id)),
		limiter: NewLimiter(cfg),
		done:    make(chan struct{}),
	}
}

// NewLimiter builds the inbound packet limiter, or nil when disabled.
func NewLimiter(cfg Config) *rate.Limiter {
	if cfg.InboundRate <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst)
}

func (b *Base) ID() string            { return b.id }
func (b *Base) RemoteAddr() net.Addr  { return b.remote }
func (b *Base) Done() <-chan struct{} { return b.done }
func (b *Base) Logger() log.Log       { return b.logger }

func (b *Base) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

func (b *Base) Stats() ConnStats {
	return ConnStats{
		PacketsIn:  b.stats.packetsIn.Load(),
		PacketsOut: b.stats.packetsOut.Load(),
		BytesIn:    b.stats.bytesIn.Load(),
		BytesOut:   b.stats.bytesOut.Load(),
		Stale:      b.stats.stale.Load(),
		Limited:    b.stats.limited.Load(),
		Malformed:  b.stats.malformed.Load(),
		Dropped:    b.stats.dropped.Load(),
	}
}

// NextSeq returns the sequence number for the next packet on ch.
func (b *Base) NextSeq(ch Channel) uint16 { return b.seq.Next(ch) }

func (b *Base) CountOut(n int) {
	b.stats.packetsOut.Add(1)
	b.stats.bytesOut.Add(uint64(n))
}

func (b *Base) CountDropped()   { b.stats.dropped.Add(1) }
func (b *Base) CountMalformed() { b.stats.malformed.Add(1) }

// Deliver hands an in-order packet to h after rate limiting.
func (b *Base) Deliver(c Conn, h Handler, ch Channel, data []byte) {
	if !b.admit(ch) {
		return
	}
	b.stats.packetsIn.Add(1)
	b.stats.bytesIn.Add(uint64(len(data)))
	h.OnPacket(c, ch, data)
}

// DeliverDatagram parses a framed datagram, drops stale sequenced packets
// and hands the payload to h.
func (b *Base) DeliverDatagram(c Conn, h Handler, pkt []byte) {
	ch, seq, payload, err := ParseDatagram(pkt)
	if err != nil {
		b.stats.malformed.Add(1)
		b.logger.Debug("Dropped malformed datagram", log.Error(err))
		return
	}
	if ch.Delivery() == UnreliableSequenced && !b.filter.Accept(ch, seq) {
		b.stats.stale.Add(1)
		return
	}
	b.Deliver(c, h, ch, payload)
}

func (b *Base) admit(ch Channel) bool {
	if b.limiter == nil || ch == ChannelControl {
		return true
	}
	if b.limiter.Allow() {
		return true
	}
	if b.stats.limited.Add(1) == 1 {
		b.logger.Warn("Inbound rate exceeded", log.String("channel", ch.String()))
	}
	return false
}

// Shutdown marks the connection closed and runs fn exactly once. Later
// calls return the first result.
func (b *Base) Shutdown(fn func() error) error {
	b.closeOnce.Do(func() {
		close(b.done)
		if fn != nil {
			b.closeErr = fn()
		}
	})
	return b.closeErr
}
