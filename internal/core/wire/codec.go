package wire

import (
	"encoding/binary"
	"math"
)

// MaxStringLen bounds length-prefixed strings.
const MaxStringLen = 0xFFFF

func (b *Buffer) WriteU8(v uint8) {
	at := b.grow(1)
	b.data[at] = v
}

func (b *Buffer) WriteU16(v uint16) {
	at := b.grow(2)
	binary.LittleEndian.PutUint16(b.data[at:], v)
}

func (b *Buffer) WriteU32(v uint32) {
	at := b.grow(4)
	binary.LittleEndian.PutUint32(b.data[at:], v)
}

func (b *Buffer) WriteU64(v uint64) {
	at := b.grow(8)
	binary.LittleEndian.PutUint64(b.data[at:], v)
}

func (b *Buffer) WriteI8(v int8)   { b.WriteU8(uint8(v)) }
func (b *Buffer) WriteI16(v int16) { b.WriteU16(uint16(v)) }
func (b *Buffer) WriteI32(v int32) { b.WriteU32(uint32(v)) }
func (b *Buffer) WriteI64(v int64) { b.WriteU64(uint64(v)) }

func (b *Buffer) WriteBool(v bool) {
	if v {
		b.WriteU8(1)
		return
	}
	b.WriteU8(0)
}

func (b *Buffer) WriteF32(v float32) { b.WriteU32(math.Float32bits(v)) }
func (b *Buffer) WriteF64(v float64) { b.WriteU64(math.Float64bits(v)) }

// WriteF16 stores v as an IEEE 754 half-precision float.
func (b *Buffer) WriteF16(v float32) { b.WriteU16(Float32ToHalf(v)) }

// WriteRaw appends p without a length prefix.
func (b *Buffer) WriteRaw(p []byte) {
	at := b.grow(len(p))
	copy(b.data[at:], p)
}

// WriteBytes appends p with an int32 length prefix.
func (b *Buffer) WriteBytes(p []byte) {
	b.WriteI32(int32(len(p)))
	b.WriteRaw(p)
}

// WriteString appends s with a uint16 length prefix.
func (b *Buffer) WriteString(s string) {
	if len(s) > MaxStringLen {
		panic(ErrOverflow)
	}
	b.WriteU16(uint16(len(s)))
	at := b.grow(len(s))
	copy(b.data[at:], s)
}

// PatchU8 overwrites a byte previously reserved at offset at.
func (b *Buffer) PatchU8(at int, v uint8) { b.data[at] = v }

// PatchU32 overwrites four bytes previously reserved at offset at.
func (b *Buffer) PatchU32(at int, v uint32) {
	binary.LittleEndian.PutUint32(b.data[at:], v)
}

func (b *Buffer) ReadU8() uint8 {
	p := b.take(1)
	if p == nil {
		return 0
	}
	return p[0]
}

func (b *Buffer) ReadU16() uint16 {
	p := b.take(2)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(p)
}

func (b *Buffer) ReadU32() uint32 {
	p := b.take(4)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(p)
}

func (b *Buffer) ReadU64() uint64 {
	p := b.take(8)
	if p == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(p)
}

func (b *Buffer) ReadI8() int8   { return int8(b.ReadU8()) }
func (b *Buffer) ReadI16() int16 { return int16(b.ReadU16()) }
func (b *Buffer) ReadI32() int32 { return int32(b.ReadU32()) }
func (b *Buffer) ReadI64() int64 { return int64(b.ReadU64()) }

func (b *Buffer) ReadBool() bool { return b.ReadU8() != 0 }

func (b *Buffer) ReadF32() float32 { return math.Float32frombits(b.ReadU32()) }
func (b *Buffer) ReadF64() float64 { return math.Float64frombits(b.ReadU64()) }
func (b *Buffer) ReadF16() float32 { return HalfToFloat32(b.ReadU16()) }

// ReadRaw returns the next n bytes without copying.
func (b *Buffer) ReadRaw(n int) []byte { return b.take(n) }

// ReadBytes reads an int32 length-prefixed payload and returns a copy.
// Negative or oversized lengths latch ErrCorrupt.
func (b *Buffer) ReadBytes() []byte {
	n := b.ReadI32()
	if b.err != nil {
		return nil
	}
	if n < 0 || int(n) > b.Unread() {
		b.Fail(ErrCorrupt)
		return nil
	}
	p := b.take(int(n))
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

func (b *Buffer) ReadString() string {
	n := int(b.ReadU16())
	p := b.take(n)
	if p == nil {
		return ""
	}
	return string(p)
}
