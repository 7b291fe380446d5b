// Package websocket carries replication channels as binary websocket
// messages. Every channel is delivered reliably and in order.
package websocket

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
)

// Transport serves the websocket upgrade route.
type Transport struct {
	cfg      protocol.Config
	logger   log.Log
	ln       net.Listener
	upgrader websocket.Upgrader

	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ protocol.Transport = (*Transport)(nil)
	_ protocol.Dialer    = (*Dialer)(nil)
)

// Listen binds cfg.Address; connections are upgraded on cfg.Path.
func Listen(cfg protocol.Config, logger log.Log) (*Transport, error) {
	if logger == nil {
		logger = log.Provide()
	}
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "websocket listen %s", cfg.Address)
	}
	logger = logger.With(log.String("transport", "websocket"))
	logger.Info("WebSocket transport listening",
		log.String("address", ln.Addr().String()),
		log.String("path", cfg.Path))
	return &Transport{
		cfg:    cfg,
		logger: logger,
		ln:     ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		done: make(chan struct{}),
	}, nil
}

func (t *Transport) Addr() net.Addr { return t.ln.Addr() }

func (t *Transport) Serve(ctx context.Context, h protocol.Handler) error {
	select {
	case <-t.done:
		_ = t.ln.Close()
		return nil
	default:
	}
	g, ctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(t.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := t.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.logger.Warn("WebSocket upgrade failed", log.Error(err))
			return
		}
		c := newConn(ws, t.cfg, t.logger)
		h.OnConnect(c)
		c.run(ctx, h)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error {
		if err := srv.Serve(t.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "websocket serve")
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-t.done:
		}
		return srv.Close()
	})
	return g.Wait()
}

// Close stops a running Serve. A transport closed before Serve releases
// its listener when Serve is called.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	return nil
}

// Dialer opens websocket connections to an authority.
type Dialer struct {
	cfg    protocol.Config
	logger log.Log
	ws     *websocket.Dialer
}

func NewDialer(cfg protocol.Config, logger log.Log) *Dialer {
	if logger == nil {
		logger = log.Provide()
	}
	return &Dialer{
		cfg:    cfg,
		logger: logger.With(log.String("transport", "websocket")),
		ws:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (d *Dialer) Dial(ctx context.Context, addr string, h protocol.Handler) (protocol.Conn, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: d.cfg.Path}
	ws, _, err := d.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "websocket dial %s", u.String())
	}
	c := newConn(ws, d.cfg, d.logger)
	h.OnConnect(c)
	go c.run(context.Background(), h)
	return c, nil
}
