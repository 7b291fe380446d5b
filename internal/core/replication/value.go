package replication

import (
	"fmt"
	"math"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/zeusync/replicore/internal/core/models"
	"github.com/zeusync/replicore/internal/core/schema"
	"github.com/zeusync/replicore/internal/core/wire"
)

// Value is a tagged property value. Scalars live in n, float vectors and
// quaternions in v (x, y, z, w), strings in s. Nothing is boxed.
type Value struct {
	kind schema.Kind
	n    uint64
	v    [4]float32
	s    string
}

func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: schema.KindBool, n: n}
}

func Uint8(x uint8) Value   { return Value{kind: schema.KindUint8, n: uint64(x)} }
func Uint16(x uint16) Value { return Value{kind: schema.KindUint16, n: uint64(x)} }
func Uint32(x uint32) Value { return Value{kind: schema.KindUint32, n: uint64(x)} }
func Uint64(x uint64) Value { return Value{kind: schema.KindUint64, n: x} }
func Int32(x int32) Value   { return Value{kind: schema.KindInt32, n: uint64(uint32(x))} }
func Int64(x int64) Value   { return Value{kind: schema.KindInt64, n: uint64(x)} }

func Float32(x float32) Value {
	return Value{kind: schema.KindFloat32, v: [4]float32{x}}
}

func Float64(x float64) Value {
	return Value{kind: schema.KindFloat64, n: math.Float64bits(x)}
}

func Vec3(x mgl32.Vec3) Value {
	return Value{kind: schema.KindVec3, v: [4]float32{x[0], x[1], x[2]}}
}

func Vec3Half(x mgl32.Vec3) Value {
	return Value{kind: schema.KindVec3Half, v: [4]float32{x[0], x[1], x[2]}}
}

func Quat(q mgl32.Quat) Value {
	return Value{kind: schema.KindQuat, v: [4]float32{q.V[0], q.V[1], q.V[2], q.W}}
}

func String(s string) Value { return Value{kind: schema.KindString, s: s} }

func EntityRef(id models.EntityID) Value {
	return Value{kind: schema.KindEntityRef, n: uint64(id)}
}

// Zero returns the zero value of a kind. Quaternions default to identity.
func Zero(kind schema.Kind) Value {
	if kind == schema.KindQuat {
		return Quat(mgl32.QuatIdent())
	}
	return Value{kind: kind}
}

func (v Value) Kind() schema.Kind { return v.kind }

func (v Value) AsBool() bool              { return v.n != 0 }
func (v Value) AsUint64() uint64          { return v.n }
func (v Value) AsInt32() int32            { return int32(uint32(v.n)) }
func (v Value) AsInt64() int64            { return int64(v.n) }
func (v Value) AsFloat32() float32        { return v.v[0] }
func (v Value) AsFloat64() float64        { return math.Float64frombits(v.n) }
func (v Value) AsVec3() mgl32.Vec3        { return mgl32.Vec3{v.v[0], v.v[1], v.v[2]} }
func (v Value) AsString() string          { return v.s }
func (v Value) AsEntity() models.EntityID { return models.EntityID(v.n) }

func (v Value) AsQuat() mgl32.Quat {
	return mgl32.Quat{W: v.v[3], V: mgl32.Vec3{v.v[0], v.v[1], v.v[2]}}
}

// Encode writes the value in its kind's wire form.
func (v Value) Encode(b *wire.Buffer) {
	switch v.kind {
	case schema.KindBool:
		b.WriteBool(v.AsBool())
	case schema.KindUint8:
		b.WriteU8(uint8(v.n))
	case schema.KindUint16:
		b.WriteU16(uint16(v.n))
	case schema.KindUint32:
		b.WriteU32(uint32(v.n))
	case schema.KindUint64, schema.KindInt64, schema.KindEntityRef, schema.KindFloat64:
		b.WriteU64(v.n)
	case schema.KindInt32:
		b.WriteI32(v.AsInt32())
	case schema.KindFloat32:
		b.WriteF32(v.v[0])
	case schema.KindVec3:
		b.WriteVec3(v.AsVec3())
	case schema.KindVec3Half:
		b.WriteVec3Half(v.AsVec3())
	case schema.KindQuat:
		b.WriteQuat(v.AsQuat())
	case schema.KindString:
		b.WriteString(v.s)
	}
}

// EncodedSize is the number of bytes Encode writes.
func (v Value) EncodedSize() int {
	switch v.kind {
	case schema.KindBool, schema.KindUint8:
		return 1
	case schema.KindUint16:
		return 2
	case schema.KindUint32, schema.KindInt32, schema.KindFloat32:
		return 4
	case schema.KindUint64, schema.KindInt64, schema.KindEntityRef, schema.KindFloat64:
		return 8
	case schema.KindVec3:
		return 12
	case schema.KindVec3Half:
		return 6
	case schema.KindQuat:
		return wire.QuatSize
	case schema.KindString:
		return 2 + len(v.s)
	}
	return 0
}

// DecodeValue reads a value of kind. Errors are latched in b.
func DecodeValue(kind schema.Kind, b *wire.Buffer) Value {
	switch kind {
	case schema.KindBool:
		return Bool(b.ReadBool())
	case schema.KindUint8:
		return Uint8(b.ReadU8())
	case schema.KindUint16:
		return Uint16(b.ReadU16())
	case schema.KindUint32:
		return Uint32(b.ReadU32())
	case schema.KindUint64, schema.KindInt64, schema.KindEntityRef, schema.KindFloat64:
		return Value{kind: kind, n: b.ReadU64()}
	case schema.KindInt32:
		return Int32(b.ReadI32())
	case schema.KindFloat32:
		return Float32(b.ReadF32())
	case schema.KindVec3:
		return Vec3(b.ReadVec3())
	case schema.KindVec3Half:
		return Vec3Half(b.ReadVec3Half())
	case schema.KindQuat:
		return Quat(b.ReadQuat())
	case schema.KindString:
		return String(b.ReadString())
	default:
		b.Fail(fmt.Errorf("%w: kind %s", ErrCorrupt, kind))
		return Value{}
	}
}

// Equal compares kind and payload exactly.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.n == o.n && v.v == o.v && v.s == o.s
}

// WithinTolerance compares discrete kinds exactly, scalars by absolute
// difference, vectors by distance and quaternions by 1-|dot|, which treats
// q and -q as the same rotation.
func (v Value) WithinTolerance(o Value, tol float32) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case schema.KindFloat32:
		return math32.Abs(v.v[0]-o.v[0]) <= tol
	case schema.KindFloat64:
		return math.Abs(v.AsFloat64()-o.AsFloat64()) <= float64(tol)
	case schema.KindVec3, schema.KindVec3Half:
		return v.AsVec3().Sub(o.AsVec3()).Len() <= tol
	case schema.KindQuat:
		return 1-math32.Abs(v.AsQuat().Dot(o.AsQuat())) <= tol
	default:
		return v.Equal(o)
	}
}

// Lerp blends a towards b. Quaternions take the shortest arc. Discrete
// kinds switch to b at the midpoint.
func Lerp(a, b Value, t float32) Value {
	if a.kind != b.kind {
		return b
	}
	switch a.kind {
	case schema.KindFloat32:
		return Float32(a.v[0] + (b.v[0]-a.v[0])*t)
	case schema.KindFloat64:
		x, y := a.AsFloat64(), b.AsFloat64()
		return Float64(x + (y-x)*float64(t))
	case schema.KindVec3, schema.KindVec3Half:
		x, y := a.AsVec3(), b.AsVec3()
		return Value{kind: a.kind, v: toArray(x.Add(y.Sub(x).Mul(t)))}
	case schema.KindQuat:
		x, y := a.AsQuat(), b.AsQuat()
		if x.Dot(y) < 0 {
			y = y.Scale(-1)
		}
		return Quat(mgl32.QuatSlerp(x, y, t).Normalize())
	default:
		if t >= 0.5 {
			return b
		}
		return a
	}
}

func toArray(x mgl32.Vec3) [4]float32 { return [4]float32{x[0], x[1], x[2]} }

// Interface converts the value to a plain Go value for document storage.
func (v Value) Interface() any {
	switch v.kind {
	case schema.KindBool:
		return v.AsBool()
	case schema.KindUint8:
		return uint8(v.n)
	case schema.KindUint16:
		return uint16(v.n)
	case schema.KindUint32:
		return uint32(v.n)
	case schema.KindUint64, schema.KindEntityRef:
		return v.n
	case schema.KindInt32:
		return v.AsInt32()
	case schema.KindInt64:
		return v.AsInt64()
	case schema.KindFloat32:
		return v.v[0]
	case schema.KindFloat64:
		return v.AsFloat64()
	case schema.KindVec3, schema.KindVec3Half:
		return []float32{v.v[0], v.v[1], v.v[2]}
	case schema.KindQuat:
		return []float32{v.v[0], v.v[1], v.v[2], v.v[3]}
	case schema.KindString:
		return v.s
	default:
		return nil
	}
}

// FromInterface is the inverse of Interface. Numeric inputs of any width
// are accepted since document decoders pick the narrowest type.
func FromInterface(kind schema.Kind, x any) (Value, error) {
	switch kind {
	case schema.KindBool:
		b, ok := x.(bool)
		if !ok {
			return Value{}, mismatch(kind, x)
		}
		return Bool(b), nil
	case schema.KindString:
		s, ok := x.(string)
		if !ok {
			return Value{}, mismatch(kind, x)
		}
		return String(s), nil
	case schema.KindVec3, schema.KindVec3Half, schema.KindQuat:
		comps, ok := floats(x)
		want := 3
		if kind == schema.KindQuat {
			want = 4
		}
		if !ok || len(comps) != want {
			return Value{}, mismatch(kind, x)
		}
		out := Value{kind: kind}
		copy(out.v[:], comps)
		return out, nil
	case schema.KindFloat32, schema.KindFloat64:
		f, ok := number(x)
		if !ok {
			return Value{}, mismatch(kind, x)
		}
		if kind == schema.KindFloat32 {
			return Float32(float32(f)), nil
		}
		return Float64(f), nil
	default:
		n, ok := integer(x)
		if !ok {
			return Value{}, mismatch(kind, x)
		}
		switch kind {
		case schema.KindInt32:
			return Int32(int32(n)), nil
		case schema.KindUint8, schema.KindUint16, schema.KindUint32, schema.KindUint64,
			schema.KindInt64, schema.KindEntityRef:
			return Value{kind: kind, n: uint64(n)}, nil
		}
		return Value{}, mismatch(kind, x)
	}
}

func mismatch(kind schema.Kind, x any) error {
	return fmt.Errorf("%w: %s from %T", ErrKindMismatch, kind, x)
}

func integer(x any) (int64, bool) {
	switch n := x.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

func number(x any) (float64, bool) {
	switch f := x.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	default:
		n, ok := integer(x)
		return float64(n), ok
	}
}

func floats(x any) ([]float32, bool) {
	switch s := x.(type) {
	case []float32:
		return s, true
	case []any:
		out := make([]float32, len(s))
		for i, e := range s {
			f, ok := number(e)
			if !ok {
				return nil, false
			}
			out[i] = float32(f)
		}
		return out, true
	default:
		return nil, false
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.kind, v.Interface())
}
