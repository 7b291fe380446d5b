package protocol

import (
	"bytes"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/replicore/internal/core/observability/log"
)

func TestDatagram(t *testing.T) {
	t.Run("Sequenced channel carries a sequence", func(t *testing.T) {
		pkt := AppendDatagram(nil, ChannelState, 0xBEEF, []byte{1, 2, 3})
		require.Len(t, pkt, DatagramOverhead(ChannelState)+3)

		ch, seq, payload, err := ParseDatagram(pkt)
		require.NoError(t, err)
		assert.Equal(t, ChannelState, ch)
		assert.Equal(t, uint16(0xBEEF), seq)
		assert.Equal(t, []byte{1, 2, 3}, payload)
	})

	t.Run("Other channels do not", func(t *testing.T) {
		pkt := AppendDatagram(nil, ChannelAck, 9, []byte{7})
		assert.Equal(t, []byte{byte(ChannelAck), 7}, pkt)
		ch, seq, payload, err := ParseDatagram(pkt)
		require.NoError(t, err)
		assert.Equal(t, ChannelAck, ch)
		assert.Zero(t, seq)
		assert.Equal(t, []byte{7}, payload)
	})

	t.Run("Malformed", func(t *testing.T) {
		_, _, _, err := ParseDatagram(nil)
		assert.ErrorIs(t, err, ErrMalformedFrame)
		_, _, _, err = ParseDatagram([]byte{200})
		assert.ErrorIs(t, err, ErrInvalidChannel)
		_, _, _, err = ParseDatagram([]byte{byte(ChannelState), 1})
		assert.ErrorIs(t, err, ErrMalformedFrame)
	})
}

func TestStreamFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, ChannelControl, []byte("join")))
	require.NoError(t, WriteFrame(&buf, ChannelCall, nil))
	require.NoError(t, WriteFrame(&buf, ChannelCall, bytes.Repeat([]byte{1}, 100)))

	ch, data, err := ReadFrame(&buf, 1024, nil)
	require.NoError(t, err)
	assert.Equal(t, ChannelControl, ch)
	assert.Equal(t, "join", string(data))

	ch, data, err = ReadFrame(&buf, 1024, data[:0])
	require.NoError(t, err)
	assert.Equal(t, ChannelCall, ch)
	assert.Empty(t, data)

	_, _, err = ReadFrame(&buf, 50, nil)
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestSequenceFilter(t *testing.T) {
	var f SequenceFilter
	assert.True(t, f.Accept(ChannelState, 10))
	assert.False(t, f.Accept(ChannelState, 10), "duplicate")
	assert.False(t, f.Accept(ChannelState, 9), "older")
	assert.True(t, f.Accept(ChannelState, 12))
	assert.True(t, f.Accept(ChannelInput, 1), "channels are independent")

	t.Run("Wraps around", func(t *testing.T) {
		var f SequenceFilter
		assert.True(t, f.Accept(ChannelState, 0xFFFE))
		assert.True(t, f.Accept(ChannelState, 1))
		assert.False(t, f.Accept(ChannelState, 0xFFFF))
	})

	t.Run("Sequencer starts at one", func(t *testing.T) {
		var s Sequencer
		assert.Equal(t, uint16(1), s.Next(ChannelState))
		assert.Equal(t, uint16(2), s.Next(ChannelState))
		assert.Equal(t, uint16(1), s.Next(ChannelAck))
	})
}

type recorder struct {
	mu      sync.Mutex
	packets []Channel
}

func (r *recorder) OnConnect(Conn) {}
func (r *recorder) OnPacket(_ Conn, ch Channel, _ []byte) {
	r.mu.Lock()
	r.packets = append(r.packets, ch)
	r.mu.Unlock()
}
func (r *recorder) OnDisconnect(Conn, error) {}

func TestBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InboundRate = 1
	cfg.InboundBurst = 2
	b := NewBase(&net.UDPAddr{}, cfg, log.NewNop())
	assert.NotEmpty(t, b.ID())

	rec := &recorder{}
	for i := 0; i < 5; i++ {
		b.Deliver(nil, rec, ChannelInput, []byte{1})
	}
	b.Deliver(nil, rec, ChannelControl, []byte{1})
	assert.Equal(t, []Channel{ChannelInput, ChannelInput, ChannelControl}, rec.packets, "control bypasses the limiter")
	assert.Equal(t, uint64(3), b.Stats().Limited)

	t.Run("Stale datagrams are dropped", func(t *testing.T) {
		b := NewBase(nil, DefaultConfig(), log.NewNop())
		rec := &recorder{}
		b.DeliverDatagram(nil, rec, AppendDatagram(nil, ChannelState, 5, nil))
		b.DeliverDatagram(nil, rec, AppendDatagram(nil, ChannelState, 4, nil))
		b.DeliverDatagram(nil, rec, []byte{0xEE})
		assert.Len(t, rec.packets, 1)
		assert.Equal(t, uint64(1), b.Stats().Stale)
		assert.Equal(t, uint64(1), b.Stats().Malformed)
	})

	t.Run("Shutdown runs once", func(t *testing.T) {
		calls := 0
		require.NoError(t, b.Shutdown(func() error { calls++; return nil }))
		require.NoError(t, b.Shutdown(func() error { calls++; return nil }))
		assert.Equal(t, 1, calls)
		assert.True(t, b.Closed())
	})
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Kind = "carrier-pigeon"
	assert.ErrorIs(t, cfg.Validate(), ErrUnsupportedKind)

	cfg = DefaultConfig()
	cfg.InboundBurst = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
