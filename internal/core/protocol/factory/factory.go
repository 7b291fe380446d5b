// Package factory builds transports and dialers from configuration.
package factory

import (
	"github.com/pkg/errors"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
	"github.com/zeusync/replicore/internal/core/protocol/loopback"
	"github.com/zeusync/replicore/internal/core/protocol/quic"
	"github.com/zeusync/replicore/internal/core/protocol/websocket"
)

// Listen opens the authority side of the configured transport. Loopback
// listeners live on the process-wide shared network.
func Listen(cfg protocol.Config, logger log.Log) (protocol.Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		t   protocol.Transport
		err error
	)
	switch cfg.Kind {
	case protocol.KindQUIC:
		t, err = quic.Listen(cfg, logger)
	case protocol.KindWebSocket:
		t, err = websocket.Listen(cfg, logger)
	case protocol.KindLoopback:
		t, err = loopback.Shared().Listen(cfg.Address, cfg, logger)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s on %s", cfg.Kind, cfg.Address)
	}
	return t, nil
}

// NewDialer returns the replica side of the configured transport.
func NewDialer(cfg protocol.Config, logger log.Log) (protocol.Dialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case protocol.KindQUIC:
		return quic.NewDialer(cfg, logger), nil
	case protocol.KindWebSocket:
		return websocket.NewDialer(cfg, logger), nil
	default:
		return loopback.Shared(), nil
	}
}
