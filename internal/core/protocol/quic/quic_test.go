package quic

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replicore/internal/core/observability/log"
	"github.com/zeusync/replicore/internal/core/protocol"
)

type collector struct {
	mu  sync.Mutex
	got map[protocol.Channel][][]byte
}

func (c *collector) OnConnect(protocol.Conn) {}
func (c *collector) OnPacket(conn protocol.Conn, ch protocol.Channel, data []byte) {
	c.mu.Lock()
	if c.got == nil {
		c.got = make(map[protocol.Channel][][]byte)
	}
	c.got[ch] = append(c.got[ch], append([]byte(nil), data...))
	c.mu.Unlock()
	if ch == protocol.ChannelControl {
		_ = conn.Send(protocol.ChannelState, data)
		_ = conn.Send(protocol.ChannelCall, data)
	}
}
func (c *collector) OnDisconnect(protocol.Conn, error) {}

func (c *collector) count(ch protocol.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.got[ch])
}

func TestQUIC(t *testing.T) {
	if testing.Short() {
		t.Skip("opens a UDP socket")
	}
	cfg := protocol.DefaultConfig()
	cfg.Address = "127.0.0.1:0"
	tr, err := Listen(cfg, log.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, &collector{}) }()

	client := &collector{}
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer dialCancel()
	c, err := NewDialer(cfg, log.NewNop()).Dial(dialCtx, tr.Addr().String(), client)
	require.NoError(t, err)

	require.NoError(t, c.Send(protocol.ChannelControl, []byte("join")))
	require.Eventually(t, func() bool {
		return client.count(protocol.ChannelCall) == 1 && client.count(protocol.ChannelState) == 1
	}, 5*time.Second, 10*time.Millisecond)

	t.Run("Oversized datagrams fall back to the stream", func(t *testing.T) {
		big := make([]byte, 8<<10)
		big[0] = 42
		require.NoError(t, c.Send(protocol.ChannelAck, big))
		assert.Eventually(t, func() bool { return c.Stats().PacketsOut >= 2 }, time.Second, 10*time.Millisecond)
	})

	cancel()
	require.NoError(t, tr.Close())
	require.NoError(t, <-done)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client connection survived server shutdown")
	}
}
