package schema

// Kind is the wire type of a property value or call argument.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindInt32
	KindInt64
	KindFloat32
	KindFloat64
	KindVec3
	KindVec3Half
	KindQuat
	KindString
	KindEntityRef
	KindArray

	kindCount
)

var kindNames = [...]string{
	KindInvalid:   "invalid",
	KindBool:      "bool",
	KindUint8:     "uint8",
	KindUint16:    "uint16",
	KindUint32:    "uint32",
	KindUint64:    "uint64",
	KindInt32:     "int32",
	KindInt64:     "int64",
	KindFloat32:   "float32",
	KindFloat64:   "float64",
	KindVec3:      "vec3",
	KindVec3Half:  "vec3half",
	KindQuat:      "quat",
	KindString:    "string",
	KindEntityRef: "entity",
	KindArray:     "array",
}

func (k Kind) String() string {
	if k >= kindCount {
		return "unknown"
	}
	return kindNames[k]
}

// Valid reports whether k names a scalar or array kind.
func (k Kind) Valid() bool { return k > KindInvalid && k < kindCount }

// Continuous kinds are compared against a tolerance and can be interpolated.
func (k Kind) Continuous() bool {
	switch k {
	case KindFloat32, KindFloat64, KindVec3, KindVec3Half, KindQuat:
		return true
	default:
		return false
	}
}

// ArrayElement reports whether k can be stored in a replicated array.
func (k Kind) ArrayElement() bool {
	switch k {
	case KindBool, KindUint8, KindInt32, KindFloat32, KindVec3, KindVec3Half:
		return true
	default:
		return false
	}
}

// ElementSize is the encoded size of one array element of kind k.
func (k Kind) ElementSize() int {
	switch k {
	case KindBool, KindUint8:
		return 1
	case KindInt32, KindFloat32:
		return 4
	case KindVec3:
		return 12
	case KindVec3Half:
		return 6
	default:
		return 0
	}
}
