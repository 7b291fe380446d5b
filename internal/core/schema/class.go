package schema

import "fmt"

const (
	MaxProperties = 64
	MaxFunctions  = 255
	// MaxChildren leaves 0 for the root and 0xFF for the section terminator.
	MaxChildren = 254
)

// Permission restricts who may invoke a remote function.
type Permission uint8

const (
	// PermAuthority functions are only ever sent from the authority to peers.
	PermAuthority Permission = iota
	// PermOwner functions may be invoked by the peer owning the entity.
	PermOwner
	// PermAnyPeer functions may be invoked by any peer in the world.
	PermAnyPeer
)

func (p Permission) String() string {
	switch p {
	case PermAuthority:
		return "authority"
	case PermOwner:
		return "owner"
	case PermAnyPeer:
		return "any_peer"
	default:
		return "unknown"
	}
}

// Property describes one replicated property. Immutable once registered.
type Property struct {
	Index uint8
	Name  string
	Kind  Kind

	// Layers must all be present on a peer for it to receive the property.
	Layers    uint64
	OwnerOnly bool
	Notify    bool

	Interpolate bool
	// InterpSpeed scales the interpolation fraction. Zero means 1.
	InterpSpeed float32

	Predict bool
	// Tolerance is the allowed distance for vectors, 1-|dot| for
	// quaternions and the absolute difference for scalars.
	Tolerance float32

	// Array properties only.
	Elem     Kind
	Capacity int
	Budget   int
}

// Bit returns the property's dirty mask bit.
func (p *Property) Bit() uint64 { return 1 << p.Index }

// Function describes a remote call signature.
type Function struct {
	Index      uint8
	Name       string
	Args       []Kind
	Permission Permission
}

// Class is the immutable metadata of one entity class.
type Class struct {
	ID         uint16
	Name       string
	Properties []*Property
	Functions  []*Function
	// Children are the classes of the static children, slot k+1 for index k.
	Children []*Class

	// InterestAny requires a peer to share at least one layer when non-zero.
	InterestAny uint64
	// InterestAll requires a peer to carry every listed layer.
	InterestAll uint64

	PredictMask     uint64
	InterpolateMask uint64
	NotifyMask      uint64
	OwnerOnlyMask   uint64
	ArrayMask       uint64
	// AllMask has a bit for every declared property.
	AllMask uint64

	childNames []string
	props      map[string]*Property
	funcs      map[string]*Function
}

// Property looks a property up by name.
func (c *Class) Property(name string) (*Property, bool) {
	p, ok := c.props[name]
	return p, ok
}

// Function looks a function up by name.
func (c *Class) Function(name string) (*Function, bool) {
	f, ok := c.funcs[name]
	return f, ok
}

// FunctionAt looks a function up by wire index.
func (c *Class) FunctionAt(index uint8) (*Function, bool) {
	if int(index) >= len(c.Functions) {
		return nil, false
	}
	return c.Functions[index], true
}

// Admits applies the class interest gates to a peer's layers.
func (c *Class) Admits(layers uint64) bool {
	if c.InterestAll != 0 && layers&c.InterestAll != c.InterestAll {
		return false
	}
	if c.InterestAny != 0 && layers&c.InterestAny == 0 {
		return false
	}
	return true
}

// VisibleMask returns the properties a peer may receive.
func (c *Class) VisibleMask(layers uint64, owner bool) uint64 {
	mask := c.AllMask
	if !owner {
		mask &^= c.OwnerOnlyMask
	}
	for _, p := range c.Properties {
		if p.Layers != 0 && layers&p.Layers != p.Layers {
			mask &^= p.Bit()
		}
	}
	return mask
}

// PropertyOption customizes a property declaration.
type PropertyOption func(*Property)

func Notify() PropertyOption    { return func(p *Property) { p.Notify = true } }
func OwnerOnly() PropertyOption { return func(p *Property) { p.OwnerOnly = true } }

func Layers(mask uint64) PropertyOption {
	return func(p *Property) { p.Layers = mask }
}

func Interpolate(speed float32) PropertyOption {
	return func(p *Property) {
		p.Interpolate = true
		p.InterpSpeed = speed
	}
}

func Predict(tolerance float32) PropertyOption {
	return func(p *Property) {
		p.Predict = true
		p.Tolerance = tolerance
	}
}

// ClassBuilder accumulates a class declaration. The first error sticks and
// is reported by Build.
type ClassBuilder struct {
	class *Class
	err   error
}

func NewClass(name string) *ClassBuilder {
	return &ClassBuilder{class: &Class{
		Name:  name,
		props: make(map[string]*Property),
		funcs: make(map[string]*Function),
	}}
}

func (b *ClassBuilder) Property(name string, kind Kind, opts ...PropertyOption) *ClassBuilder {
	if b.err != nil {
		return b
	}
	if !kind.Valid() || kind == KindArray {
		b.err = fmt.Errorf("%w: %s.%s %s", ErrInvalidKind, b.class.Name, name, kind)
		return b
	}
	p := &Property{Name: name, Kind: kind}
	for _, opt := range opts {
		opt(p)
	}
	return b.add(p)
}

// Array declares a replicated array of elem with a fixed capacity and a
// per-peer per-tick byte budget.
func (b *ClassBuilder) Array(name string, elem Kind, capacity, budget int, opts ...PropertyOption) *ClassBuilder {
	if b.err != nil {
		return b
	}
	if !elem.ArrayElement() || capacity <= 0 || budget < 0 {
		b.err = fmt.Errorf("%w: %s.%s of %s[%d] budget %d", ErrInvalidArray, b.class.Name, name, elem, capacity, budget)
		return b
	}
	p := &Property{Name: name, Kind: KindArray, Elem: elem, Capacity: capacity, Budget: budget}
	for _, opt := range opts {
		opt(p)
	}
	p.Interpolate, p.Predict = false, false
	return b.add(p)
}

func (b *ClassBuilder) add(p *Property) *ClassBuilder {
	c := b.class
	if _, ok := c.props[p.Name]; ok {
		b.err = fmt.Errorf("%w: %s.%s", ErrDuplicateProperty, c.Name, p.Name)
		return b
	}
	if len(c.Properties) >= MaxProperties {
		b.err = fmt.Errorf("%w: %s", ErrTooManyProperties, c.Name)
		return b
	}
	if p.Interpolate && !p.Kind.Continuous() {
		p.Interpolate = false
	}
	p.Index = uint8(len(c.Properties))
	c.Properties = append(c.Properties, p)
	c.props[p.Name] = p

	bit := p.Bit()
	c.AllMask |= bit
	if p.Predict {
		c.PredictMask |= bit
	}
	if p.Interpolate {
		c.InterpolateMask |= bit
	}
	if p.Notify {
		c.NotifyMask |= bit
	}
	if p.OwnerOnly {
		c.OwnerOnlyMask |= bit
	}
	if p.Kind == KindArray {
		c.ArrayMask |= bit
	}
	return b
}

// Child appends a static child of the named class. Children are resolved
// when the registry freezes.
func (b *ClassBuilder) Child(className string) *ClassBuilder {
	if b.err != nil {
		return b
	}
	if len(b.class.childNames) >= MaxChildren {
		b.err = fmt.Errorf("%w: %s", ErrTooManyChildren, b.class.Name)
		return b
	}
	b.class.childNames = append(b.class.childNames, className)
	return b
}

func (b *ClassBuilder) Function(name string, perm Permission, args ...Kind) *ClassBuilder {
	if b.err != nil {
		return b
	}
	c := b.class
	if _, ok := c.funcs[name]; ok {
		b.err = fmt.Errorf("%w: %s.%s", ErrDuplicateFunction, c.Name, name)
		return b
	}
	if len(c.Functions) >= MaxFunctions {
		b.err = fmt.Errorf("%w: %s", ErrTooManyFunctions, c.Name)
		return b
	}
	for _, k := range args {
		if !k.Valid() || k == KindArray {
			b.err = fmt.Errorf("%w: %s.%s argument %s", ErrInvalidKind, c.Name, name, k)
			return b
		}
	}
	f := &Function{Index: uint8(len(c.Functions)), Name: name, Args: args, Permission: perm}
	c.Functions = append(c.Functions, f)
	c.funcs[name] = f
	return b
}

func (b *ClassBuilder) InterestAny(layers uint64) *ClassBuilder {
	b.class.InterestAny = layers
	return b
}

func (b *ClassBuilder) InterestAll(layers uint64) *ClassBuilder {
	b.class.InterestAll = layers
	return b
}

func (b *ClassBuilder) Build() (*Class, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.class, nil
}
