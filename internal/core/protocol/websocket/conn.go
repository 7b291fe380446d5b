package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
)

type conn struct {
	*protocol.Base
	ws      *websocket.Conn
	cfg     protocol.Config
	writeMu sync.Mutex
}

func newConn(ws *websocket.Conn, cfg protocol.Config, logger log.Log) *conn {
	ws.SetReadLimit(int64(cfg.MaxPacketSize + protocol.DatagramOverhead(protocol.ChannelState)))
	return &conn{
		Base: protocol.NewBase(ws.RemoteAddr(), cfg, logger),
		ws:   ws,
		cfg:  cfg,
	}
}

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
	pkt := protocol.AppendDatagram(make([]byte, 0, protocol.DatagramOverhead(ch)+len(data)), ch, c.NextSeq(ch), data)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, pkt); err != nil {
		return errors.Wrap(err, "websocket write")
	}
	c.CountOut(len(data))
	return nil
}

func (c *conn) run(ctx context.Context, h protocol.Handler) {
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	var err error
	for {
		if c.cfg.IdleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
		}
		var mt int
		var data []byte
		mt, data, err = c.ws.ReadMessage()
		if err != nil {
			break
		}
		if mt != websocket.BinaryMessage {
			c.CountMalformed()
			continue
		}
		c.DeliverDatagram(c, h, data)
	}
	_ = c.Close()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		err = nil
	} else if err != nil {
		c.Logger().Debug("WebSocket read ended", log.Error(err))
	}
	h.OnDisconnect(c, err)
}

func (c *conn) Close() error {
	return c.Shutdown(func() error {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		return c.ws.Close()
	})
}
