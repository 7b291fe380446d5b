package arraysync

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/zeusync/replicore/internal/core/wire"
)

// Codec encodes one array element at a fixed size.
type Codec[T comparable] interface {
	Size() int
	Write(b *wire.Buffer, v T)
	Read(b *wire.Buffer) T
}

type Int32Codec struct{}

func (Int32Codec) Size() int                     { return 4 }
func (Int32Codec) Write(b *wire.Buffer, v int32) { b.WriteI32(v) }
func (Int32Codec) Read(b *wire.Buffer) int32     { return b.ReadI32() }

type Uint8Codec struct{}

func (Uint8Codec) Size() int                     { return 1 }
func (Uint8Codec) Write(b *wire.Buffer, v uint8) { b.WriteU8(v) }
func (Uint8Codec) Read(b *wire.Buffer) uint8     { return b.ReadU8() }

type BoolCodec struct{}

func (BoolCodec) Size() int                    { return 1 }
func (BoolCodec) Write(b *wire.Buffer, v bool) { b.WriteBool(v) }
func (BoolCodec) Read(b *wire.Buffer) bool     { return b.ReadBool() }

type Float32Codec struct{}

func (Float32Codec) Size() int                       { return 4 }
func (Float32Codec) Write(b *wire.Buffer, v float32) { b.WriteF32(v) }
func (Float32Codec) Read(b *wire.Buffer) float32     { return b.ReadF32() }

type Vec3Codec struct{}

func (Vec3Codec) Size() int                          { return 12 }
func (Vec3Codec) Write(b *wire.Buffer, v mgl32.Vec3) { b.WriteVec3(v) }
func (Vec3Codec) Read(b *wire.Buffer) mgl32.Vec3     { return b.ReadVec3() }

// Vec3HalfCodec trades precision for half the bandwidth of Vec3Codec.
type Vec3HalfCodec struct{}

func (Vec3HalfCodec) Size() int                          { return 6 }
func (Vec3HalfCodec) Write(b *wire.Buffer, v mgl32.Vec3) { b.WriteVec3Half(v) }
func (Vec3HalfCodec) Read(b *wire.Buffer) mgl32.Vec3     { return b.ReadVec3Half() }
