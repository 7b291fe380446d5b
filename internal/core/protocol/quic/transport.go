// Package quic carries replication channels over QUIC: unreliable channels
// travel as datagrams and reliable ones over a single bidirectional
// stream opened by the dialer.
package quic

import (
	"context"
	"io"
	"net"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
)

// preamble is the first byte the dialer writes on the control stream so
// the listener's AcceptStream returns before any control traffic.
const preamble = 0x52

func quicConfig(cfg protocol.Config) *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  cfg.IdleTimeout,
		KeepAlivePeriod: cfg.IdleTimeout / 3,
	}
}

// Transport listens for QUIC connections.
type Transport struct {
	cfg    protocol.Config
	logger log.Log
	ln     *quic.Listener
	closed atomic.Bool
}

var (
	_ protocol.Transport = (*Transport)(nil)
	_ protocol.Dialer    = (*Dialer)(nil)
)

// Listen binds cfg.Address with a self-signed certificate.
func Listen(cfg protocol.Config, logger log.Log) (*Transport, error) {
	if logger == nil {
		logger = log.Provide()
	}
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return nil, errors.Wrap(err, "quic tls")
	}
	ln, err := quic.ListenAddr(cfg.Address, tlsConf, quicConfig(cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "quic listen %s", cfg.Address)
	}
	logger = logger.With(log.String("transport", "quic"))
	logger.Info("QUIC transport listening", log.String("address", ln.Addr().String()))
	return &Transport{cfg: cfg, logger: logger, ln: ln}, nil
}

func (t *Transport) Addr() net.Addr { return t.ln.Addr() }

func (t *Transport) Serve(ctx context.Context, h protocol.Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for {
		qc, err := t.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || t.closed.Load() {
				break
			}
			_ = g.Wait()
			return errors.Wrap(err, "quic accept")
		}
		g.Go(func() error {
			t.accept(ctx, qc, h)
			return nil
		})
	}
	return g.Wait()
}

func (t *Transport) accept(ctx context.Context, qc *quic.Conn, h protocol.Handler) {
	stream, err := qc.AcceptStream(ctx)
	if err != nil {
		t.logger.Warn("QUIC peer never opened its control stream",
			log.String("remote", qc.RemoteAddr().String()), log.Error(err))
		_ = qc.CloseWithError(0, "no control stream")
		return
	}
	var head [1]byte
	if _, err := io.ReadFull(stream, head[:]); err != nil || head[0] != preamble {
		_ = qc.CloseWithError(0, "bad preamble")
		return
	}
	c := newConn(qc, stream, t.cfg, t.logger)
	h.OnConnect(c)
	c.run(ctx, h)
}

func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.ln.Close()
}

// Dialer opens QUIC connections to an authority.
type Dialer struct {
	cfg    protocol.Config
	logger log.Log
}

func NewDialer(cfg protocol.Config, logger log.Log) *Dialer {
	if logger == nil {
		logger = log.Provide()
	}
	return &Dialer{cfg: cfg, logger: logger.With(log.String("transport", "quic"))}
}

func (d *Dialer) Dial(ctx context.Context, addr string, h protocol.Handler) (protocol.Conn, error) {
	qc, err := quic.DialAddr(ctx, addr, clientTLS(d.cfg.InsecureSkipVerify), quicConfig(d.cfg))
	if err != nil {
		return nil, errors.Wrapf(err, "quic dial %s", addr)
	}
	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "open stream")
		return nil, errors.Wrap(err, "quic open control stream")
	}
	if _, err := stream.Write([]byte{preamble}); err != nil {
		_ = qc.CloseWithError(0, "preamble")
		return nil, errors.Wrap(err, "quic write preamble")
	}
	c := newConn(qc, stream, d.cfg, d.logger)
	h.OnConnect(c)
	go c.run(context.Background(), h)
	return c, nil
}
