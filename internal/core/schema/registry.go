package schema

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Registry holds every class known to both ends of a connection. Classes
// are numbered in registration order, so both sides must register the same
// classes in the same order; the fingerprint catches any mismatch.
type Registry struct {
	classes     []*Class
	byName      map[string]*Class
	frozen      bool
	fingerprint uint64
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Class)}
}

// Register builds and adds a class.
func (r *Registry) Register(b *ClassBuilder) (*Class, error) {
	if r.frozen {
		return nil, ErrFrozen
	}
	c, err := b.Build()
	if err != nil {
		return nil, err
	}
	if _, ok := r.byName[c.Name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateClass, c.Name)
	}
	c.ID = uint16(len(r.classes))
	r.classes = append(r.classes, c)
	r.byName[c.Name] = c
	return c, nil
}

// MustRegister is Register for static initialization.
func (r *Registry) MustRegister(b *ClassBuilder) *Class {
	c, err := r.Register(b)
	if err != nil {
		panic(err)
	}
	return c
}

// Freeze resolves static children and computes the fingerprint. No class
// can be registered afterwards.
func (r *Registry) Freeze() error {
	if r.frozen {
		return nil
	}
	for _, c := range r.classes {
		c.Children = make([]*Class, 0, len(c.childNames))
		for _, name := range c.childNames {
			child, ok := r.byName[name]
			if !ok {
				return fmt.Errorf("%w: %s child of %s", ErrUnknownClass, name, c.Name)
			}
			if len(child.childNames) > 0 {
				return fmt.Errorf("%w: %s child of %s", ErrNestedChildren, name, c.Name)
			}
			c.Children = append(c.Children, child)
		}
	}
	r.fingerprint = r.hash()
	r.frozen = true
	return nil
}

func (r *Registry) Frozen() bool { return r.frozen }

// Fingerprint identifies the full schema. Zero until frozen.
func (r *Registry) Fingerprint() uint64 { return r.fingerprint }

func (r *Registry) Class(name string) (*Class, bool) {
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) ClassByID(id uint16) (*Class, bool) {
	if int(id) >= len(r.classes) {
		return nil, false
	}
	return r.classes[id], true
}

func (r *Registry) Classes() []*Class {
	out := make([]*Class, len(r.classes))
	copy(out, r.classes)
	return out
}

func (r *Registry) hash() uint64 {
	d := xxhash.New()
	var scratch [8]byte
	u64 := func(v uint64) {
		binary.LittleEndian.PutUint64(scratch[:], v)
		_, _ = d.Write(scratch[:])
	}
	str := func(s string) {
		u64(uint64(len(s)))
		_, _ = d.WriteString(s)
	}

	for _, c := range r.classes {
		u64(uint64(c.ID))
		str(c.Name)
		u64(c.InterestAny)
		u64(c.InterestAll)
		for _, p := range c.Properties {
			u64(uint64(p.Index))
			str(p.Name)
			u64(uint64(p.Kind))
			u64(p.Layers)
			u64(uint64(boolBits(p.OwnerOnly, p.Notify, p.Interpolate, p.Predict)))
			u64(uint64(math.Float32bits(p.Tolerance)))
			u64(uint64(math.Float32bits(p.InterpSpeed)))
			u64(uint64(p.Elem))
			u64(uint64(p.Capacity))
			u64(uint64(p.Budget))
		}
		for _, child := range c.Children {
			u64(uint64(child.ID))
		}
		for _, f := range c.Functions {
			u64(uint64(f.Index))
			str(f.Name)
			u64(uint64(f.Permission))
			for _, k := range f.Args {
				u64(uint64(k))
			}
		}
	}
	return d.Sum64()
}

func boolBits(flags ...bool) uint8 {
	var out uint8
	for i, f := range flags {
		if f {
			out |= 1 << i
		}
	}
	return out
}
