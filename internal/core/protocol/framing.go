package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Datagram layout: channel byte, then a uint16 sequence for sequenced
// channels, then the payload.
// Stream layout: channel byte, uint32 payload length, payload.
const (
	datagramHeader  = 1
	sequenceHeader  = 2
	streamHeader    = 5
	maxStreamLength = 1 << 24
)

// DatagramOverhead is the framing cost of a packet on ch.
func DatagramOverhead(ch Channel) int {
	if ch.Delivery() == UnreliableSequenced {
		return datagramHeader + sequenceHeader
	}
	return datagramHeader
}

// AppendDatagram frames data for a message-oriented transport.
func AppendDatagram(dst []byte, ch Channel, seq uint16, data []byte) []byte {
	dst = append(dst, byte(ch))
	if ch.Delivery() == UnreliableSequenced {
		dst = binary.LittleEndian.AppendUint16(dst, seq)
	}
	return append(dst, data...)
}

// ParseDatagram splits a framed datagram. The payload aliases pkt.
func ParseDatagram(pkt []byte) (ch Channel, seq uint16, payload []byte, err error) {
	if len(pkt) < datagramHeader {
		return 0, 0, nil, fmt.Errorf("%w: empty datagram", ErrMalformedFrame)
	}
	ch = Channel(pkt[0])
	if !ch.Valid() {
		return 0, 0, nil, fmt.Errorf("%w: %d", ErrInvalidChannel, pkt[0])
	}
	payload = pkt[datagramHeader:]
	if ch.Delivery() == UnreliableSequenced {
		if len(payload) < sequenceHeader {
			return 0, 0, nil, fmt.Errorf("%w: %s datagram without sequence", ErrMalformedFrame, ch)
		}
		seq = binary.LittleEndian.Uint16(payload)
		payload = payload[sequenceHeader:]
	}
	return ch, seq, payload, nil
}

// WriteFrame writes one length-prefixed frame with a single Write call.
func WriteFrame(w io.Writer, ch Channel, data []byte) error {
	if len(data) > maxStreamLength {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	frame := make([]byte, streamHeader, streamHeader+len(data))
	frame[0] = byte(ch)
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(data)))
	_, err := w.Write(append(frame, data...))
	return err
}

// ReadFrame reads one frame written by WriteFrame. buf is reused when it is
// large enough; the returned payload may alias it.
func ReadFrame(r io.Reader, limit int, buf []byte) (Channel, []byte, error) {
	var head [streamHeader]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return 0, nil, err
	}
	ch := Channel(head[0])
	if !ch.Valid() {
		return 0, nil, fmt.Errorf("%w: %d", ErrInvalidChannel, head[0])
	}
	n := int(binary.LittleEndian.Uint32(head[1:]))
	if n > limit {
		return 0, nil, fmt.Errorf("%w: %d of %d bytes", ErrMessageTooLarge, n, limit)
	}
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}
	return ch, buf, nil
}

// Sequencer numbers outgoing packets per channel.
type Sequencer struct {
	next [channelCount]atomic.Uint32
}

func (s *Sequencer) Next(ch Channel) uint16 {
	return uint16(s.next[ch].Add(1))
}

// SequenceFilter drops sequenced packets that are not newer than the newest
// one already accepted. Comparison is modulo 2^16.
type SequenceFilter struct {
	mu   sync.Mutex
	last [channelCount]uint16
	seen [channelCount]bool
}

func (f *SequenceFilter) Accept(ch Channel, seq uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen[ch] && int16(seq-f.last[ch]) <= 0 {
		return false
	}
	f.last[ch] = seq
	f.seen[ch] = true
	return true
}
