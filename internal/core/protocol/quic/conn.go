package quic

import (
	"bufio"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
)

type conn struct {
	*protocol.Base
	qc      *quic.Conn
	stream  *quic.Stream
	cfg     protocol.Config
	writeMu sync.Mutex
}

func newConn(qc *quic.Conn, stream *quic.Stream, cfg protocol.Config, logger log.Log) *conn {
	return &conn{
		Base:   protocol.NewBase(qc.RemoteAddr(), cfg, logger),
		qc:     qc,
		stream: stream,
		cfg:    cfg,
	}
}

// Send writes unreliable channels as datagrams, falling back to the stream
// when a packet exceeds the path's datagram size.
func (c *conn) Send(ch protocol.Channel, data []byte) error {
	if !ch.Valid() {
		return errors.Wrapf(protocol.ErrInvalidChannel, "channel %d", ch)
	}
	if c.Closed() {
		return protocol.ErrConnectionClosed
	}
	if len(data) > c.cfg.MaxPacketSize {
		return errors.Wrapf(protocol.ErrMessageTooLarge, "%d of %d bytes", len(data), c.cfg.MaxPacketSize)
	}
	if ch.Delivery() != protocol.Reliable {
		pkt := protocol.AppendDatagram(make([]byte, 0, protocol.DatagramOverhead(ch)+len(data)), ch, c.NextSeq(ch), data)
		err := c.qc.SendDatagram(pkt)
		var tooLarge *quic.DatagramTooLargeError
		if err == nil {
			c.CountOut(len(data))
			return nil
		}
		if !errors.As(err, &tooLarge) {
			c.CountDropped()
			return errors.Wrap(err, "quic send datagram")
		}
	}
	return c.writeStream(ch, data)
}

func (c *conn) writeStream(ch protocol.Channel, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.stream.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := protocol.WriteFrame(c.stream, ch, data); err != nil {
		return errors.Wrap(err, "quic write frame")
	}
	c.CountOut(len(data))
	return nil
}

func (c *conn) run(ctx context.Context, h protocol.Handler) {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			pkt, err := c.qc.ReceiveDatagram(ctx)
			if err != nil {
				return errors.Wrap(err, "quic receive datagram")
			}
			c.DeliverDatagram(c, h, pkt)
		}
	})
	g.Go(func() error {
		r := bufio.NewReader(c.stream)
		var buf []byte
		for {
			ch, data, err := protocol.ReadFrame(r, c.cfg.MaxPacketSize, buf)
			if err != nil {
				return errors.Wrap(err, "quic read frame")
			}
			buf = data[:0]
			c.Deliver(c, h, ch, data)
		}
	})
	g.Go(func() error {
		<-ctx.Done()
		_ = c.Close()
		return nil
	})
	err := g.Wait()
	if c.Closed() && err != nil {
		c.Logger().Debug("QUIC connection closed", log.Error(err))
	}
	h.OnDisconnect(c, err)
}

func (c *conn) Close() error {
	return c.Shutdown(func() error {
		return c.qc.CloseWithError(0, "closed")
	})
}
