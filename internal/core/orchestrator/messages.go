package orchestrator

import (
	"fmt"

	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/wire"
)

// controlType is the first byte of every control channel message.
type controlType uint8

const (
	msgJoin controlType = iota + 1
	msgWelcome
	msgLeave
	msgReject
)

type joinMsg struct {
	Fingerprint uint64
	Name        string
}

type welcomeMsg struct {
	Slot     models.PeerSlot
	Tick     models.Tick
	TickRate uint16
}

func writeJoin(b *wire.Buffer, m joinMsg) {
	b.WriteU8(uint8(msgJoin))
	b.WriteU64(m.Fingerprint)
	b.WriteString(m.Name)
}

func writeWelcome(b *wire.Buffer, m welcomeMsg) {
	b.WriteU8(uint8(msgWelcome))
	b.WriteU8(uint8(m.Slot))
	b.WriteI32(int32(m.Tick))
	b.WriteU16(m.TickRate)
}

func writeLeave(b *wire.Buffer) { b.WriteU8(uint8(msgLeave)) }

func writeReject(b *wire.Buffer, reason string) {
	b.WriteU8(uint8(msgReject))
	b.WriteString(reason)
}

func readJoin(b *wire.Buffer) (joinMsg, error) {
	m := joinMsg{Fingerprint: b.ReadU64(), Name: b.ReadString()}
	return m, b.Err()
}

func readWelcome(b *wire.Buffer) (welcomeMsg, error) {
	m := welcomeMsg{
		Slot:     models.PeerSlot(b.ReadU8()),
		Tick:     models.Tick(b.ReadI32()),
		TickRate: b.ReadU16(),
	}
	if err := b.Err(); err != nil {
		return m, err
	}
	if m.Slot >= models.MaxPeers || m.TickRate == 0 {
		return m, fmt.Errorf("%w: welcome %+v", ErrMalformed, m)
	}
	return m, nil
}

// inputFrame is one tick of input inside an input packet.
type inputFrame struct {
	Tick models.Tick
	Data []byte
}

// writeInputs encodes the input packet of one node.
func writeInputs(b *wire.Buffer, local models.LocalID, slot models.ChildSlot, frames []inputFrame) {
	b.WriteU16(uint16(local))
	b.WriteU8(uint8(slot))
	b.WriteU8(uint8(len(frames)))
	for _, f := range frames {
		b.WriteI32(int32(f.Tick))
		b.WriteBytes(f.Data)
	}
}

// readInputs decodes an input packet. Frame data aliases b.
func readInputs(b *wire.Buffer, frames []inputFrame) (models.LocalID, models.ChildSlot, []inputFrame, error) {
	local := models.LocalID(b.ReadU16())
	slot := models.ChildSlot(b.ReadU8())
	count := int(b.ReadU8())
	if err := b.Err(); err != nil {
		return 0, 0, frames, err
	}
	if local == models.InvalidLocal || local > models.MaxLocalID || count > maxInputsPerPacket {
		return 0, 0, frames, fmt.Errorf("%w: input header local=%d count=%d", ErrMalformed, local, count)
	}
	frames = frames[:0]
	for i := 0; i < count; i++ {
		tick := models.Tick(b.ReadI32())
		n := b.ReadI32()
		if err := b.Err(); err != nil {
			return 0, 0, frames, err
		}
		if n < 0 || n > maxInputLen {
			return 0, 0, frames, fmt.Errorf("%w: input length %d", ErrMalformed, n)
		}
		data := b.ReadRaw(int(n))
		if err := b.Err(); err != nil {
			return 0, 0, frames, err
		}
		frames = append(frames, inputFrame{Tick: tick, Data: data})
	}
	return local, slot, frames, nil
}

// callHeader precedes the typed arguments of a remote call.
type callHeader struct {
	Local models.LocalID
	Fn    uint8
}

func writeCallHeader(b *wire.Buffer, h callHeader) {
	b.WriteU16(uint16(h.Local))
	b.WriteU8(h.Fn)
}

func readCallHeader(b *wire.Buffer) (callHeader, error) {
	h := callHeader{Local: models.LocalID(b.ReadU16()), Fn: b.ReadU8()}
	if err := b.Err(); err != nil {
		return h, err
	}
	if h.Local == models.InvalidLocal || h.Local > models.MaxLocalID {
		return h, fmt.Errorf("%w: call target %d", ErrMalformed, h.Local)
	}
	return h, nil
}
