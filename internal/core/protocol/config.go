package protocol

import (
	"fmt"
	"time"
)

// Kind names a transport implementation.
type Kind string

const (
	KindQUIC      Kind = "quic"
	KindWebSocket Kind = "websocket"
	KindLoopback  Kind = "loopback"
)

// Config holds the settings shared by every transport.
type Config struct {
	Kind    Kind   `yaml:"kind" toml:"kind"`
	Address string `yaml:"address" toml:"address"`
	// Path is the HTTP route upgraded to a websocket.
	Path string `yaml:"path" toml:"path"`

	MaxPacketSize int           `yaml:"max_packet_size" toml:"max_packet_size"`
	IdleTimeout   time.Duration `yaml:"idle_timeout" toml:"idle_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout" toml:"write_timeout"`

	// InboundRate caps the packets per second accepted from one connection
	// on every channel but control. Zero disables the limiter.
	InboundRate  float64 `yaml:"inbound_rate" toml:"inbound_rate"`
	InboundBurst int     `yaml:"inbound_burst" toml:"inbound_burst"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify" toml:"insecure_skip_verify"`
}

func DefaultConfig() Config {
	return Config{
		Kind:               KindQUIC,
		Address:            "127.0.0.1:7777",
		Path:               "/replicate",
		MaxPacketSize:      64 << 10,
		IdleTimeout:        30 * time.Second,
		WriteTimeout:       5 * time.Second,
		InboundRate:        240,
		InboundBurst:       64,
		InsecureSkipVerify: true,
	}
}

func (c Config) Validate() error {
	switch {
	case c.Kind != KindQUIC && c.Kind != KindWebSocket && c.Kind != KindLoopback:
		return fmt.Errorf("%w: %q", ErrUnsupportedKind, c.Kind)
	case c.Address == "":
		return fmt.Errorf("%w: empty address", ErrInvalidConfig)
	case c.MaxPacketSize <= 0:
		return fmt.Errorf("%w: max packet size %d", ErrInvalidConfig, c.MaxPacketSize)
	case c.InboundRate < 0 || (c.InboundRate > 0 && c.InboundBurst <= 0):
		return fmt.Errorf("%w: inbound rate %v burst %d", ErrInvalidConfig, c.InboundRate, c.InboundBurst)
	case c.Kind == KindWebSocket && c.Path == "":
		return fmt.Errorf("%w: websocket path", ErrInvalidConfig)
	}
	return nil
}
