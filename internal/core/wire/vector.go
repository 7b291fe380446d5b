package wire

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// QuatSize is the encoded size of a smallest-three quaternion.
const QuatSize = 6

const (
	quatBits  = 14
	quatMask  = 1<<quatBits - 1
	quatHalf  = 8191
	quatRange = 0.70710678118654752 // 1/sqrt(2): bound of every non-largest component
)

func (b *Buffer) WriteVec3(v mgl32.Vec3) {
	b.WriteF32(v[0])
	b.WriteF32(v[1])
	b.WriteF32(v[2])
}

func (b *Buffer) ReadVec3() mgl32.Vec3 {
	return mgl32.Vec3{b.ReadF32(), b.ReadF32(), b.ReadF32()}
}

// WriteVec3Half stores each axis as a half-precision float.
func (b *Buffer) WriteVec3Half(v mgl32.Vec3) {
	b.WriteF16(v[0])
	b.WriteF16(v[1])
	b.WriteF16(v[2])
}

func (b *Buffer) ReadVec3Half() mgl32.Vec3 {
	return mgl32.Vec3{b.ReadF16(), b.ReadF16(), b.ReadF16()}
}

// WriteQuat stores a unit quaternion in six bytes: the index of the largest
// magnitude component (2 bits) followed by the other three components as
// 14-bit fixed point. The quaternion is sign-normalized so the dropped
// component is positive.
func (b *Buffer) WriteQuat(q mgl32.Quat) {
	c := [4]float32{q.V[0], q.V[1], q.V[2], q.W}

	largest := 0
	for i := 1; i < 4; i++ {
		if math32.Abs(c[i]) > math32.Abs(c[largest]) {
			largest = i
		}
	}
	if c[largest] < 0 {
		for i := range c {
			c[i] = -c[i]
		}
	}

	packed := uint64(largest)
	shift := 2
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		n := c[i] / quatRange
		if n > 1 {
			n = 1
		} else if n < -1 {
			n = -1
		}
		packed |= uint64(int32(math32.Round(n*quatHalf))+quatHalf) << shift
		shift += quatBits
	}

	at := b.grow(QuatSize)
	for i := 0; i < QuatSize; i++ {
		b.data[at+i] = byte(packed >> (8 * i))
	}
}

// ReadQuat reverses WriteQuat, rebuilding the largest component from the
// unit-length identity.
func (b *Buffer) ReadQuat() mgl32.Quat {
	p := b.take(QuatSize)
	if p == nil {
		return mgl32.QuatIdent()
	}
	var packed uint64
	for i := 0; i < QuatSize; i++ {
		packed |= uint64(p[i]) << (8 * i)
	}

	largest := int(packed & 3)
	shift := 2
	var c [4]float32
	var sum float32
	for i := 0; i < 4; i++ {
		if i == largest {
			continue
		}
		raw := int32((packed >> shift) & quatMask)
		c[i] = float32(raw-quatHalf) / quatHalf * quatRange
		sum += c[i] * c[i]
		shift += quatBits
	}
	c[largest] = math32.Sqrt(math32.Max(0, 1-sum))

	return mgl32.Quat{W: c[3], V: mgl32.Vec3{c[0], c[1], c[2]}}.Normalize()
}
