// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// PortSet is an ordered set of port (slot) names, used as the keys of a Container.
// It is immutable once created.
type PortSet struct {
	names []string
	index map[string]int
}

// Ports creates a PortSet with the given names, in the given order.
// It panics if a name is empty or repeated.
func Ports(names ...string) *PortSet {
	p := &PortSet{names: slices.Clone(names), index: make(map[string]int, len(names))}
	for ii, name := range names {
		if name == "" {
			exceptions.Panicf("layers.Ports(%q): empty port name", names)
		}
		if _, found := p.index[name]; found {
			exceptions.Panicf("layers.Ports(%q): port %q given more than once", names, name)
		}
		p.index[name] = ii
	}
	return p
}

// NoPorts is the empty PortSet.
var NoPorts = Ports()

// Names returns a copy of the port names, in order.
func (p *PortSet) Names() []string { return slices.Clone(p.names) }

// Len returns the number of ports.
func (p *PortSet) Len() int { return len(p.names) }

// Has returns whether name is one of the ports.
func (p *PortSet) Has(name string) bool {
	_, found := p.index[name]
	return found
}

// portIndex returns the position of the port, and panics if it doesn't exist.
func (p *PortSet) portIndex(name string) int {
	idx, found := p.index[name]
	if !found {
		exceptions.Panicf("unknown port %q, valid ports are %q", name, p.names)
	}
	return idx
}

// Equal returns whether both sets have the same ports in the same order.
func (p *PortSet) Equal(other *PortSet) bool {
	return p == other || slices.Equal(p.names, other.names)
}

// Create returns an empty Container keyed by this PortSet.
func (p *PortSet) Create() *Container {
	return &Container{ports: p, values: make([]Value, len(p.names))}
}

// String implements fmt.Stringer.
func (p *PortSet) String() string {
	return fmt.Sprintf("{%s}", strings.Join(p.names, ", "))
}

// Container holds one (possibly empty) Value per port of a PortSet. It is used for the inputs, outputs and
// gradients of layers.
//
// The set of keys is fixed, and accessing a port not in the set panics. Values are changed with Container.Set,
// which returns a new Container, leaving the original unchanged.
type Container struct {
	ports  *PortSet
	values []Value
}

// Ports returns the set of keys of the container.
func (c *Container) Ports() *PortSet { return c.ports }

// Get returns the value at the given port, or nil if it is empty.
func (c *Container) Get(name string) Value {
	return c.values[c.ports.portIndex(name)]
}

// Set returns a copy of the container with the port set to value. A nil value empties the port.
func (c *Container) Set(name string, value Value) *Container {
	idx := c.ports.portIndex(name)
	if value != nil {
		_ = CategoryOf(value) // Panics for unsupported values.
		if t, ok := value.(*tensors.Tensor); ok && t == nil {
			value = nil
		} else if b, ok := value.(*Batch); ok && b == nil {
			value = nil
		}
	}
	newC := &Container{ports: c.ports, values: slices.Clone(c.values)}
	newC.values[idx] = value
	return newC
}

// Tensor returns the plain value at the given port, or nil if it is empty.
// It returns an error if the port holds a batched value.
func (c *Container) Tensor(name string) (*tensors.Tensor, error) {
	value := c.Get(name)
	if value == nil {
		return nil, nil
	}
	t, ok := value.(*tensors.Tensor)
	if !ok {
		return nil, errors.Wrapf(ErrMisconfiguration, "port %q holds a %s value, wanted a plain value", name, CategoryOf(value))
	}
	return t, nil
}

// IsEmpty returns whether all ports of the container are empty.
func (c *Container) IsEmpty() bool {
	for _, value := range c.values {
		if value != nil {
			return false
		}
	}
	return true
}

// Compatible returns whether the other container has the same set of keys.
func (c *Container) Compatible(other *Container) bool {
	return c.ports.Equal(other.ports)
}

// All iterates over all ports and their values (nil for empty ports), in the order of the PortSet.
func (c *Container) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for ii, name := range c.ports.names {
			if !yield(name, c.values[ii]) {
				return
			}
		}
	}
}

// String implements fmt.Stringer.
func (c *Container) String() string {
	parts := make([]string, 0, len(c.values))
	for name, value := range c.All() {
		if value == nil {
			parts = append(parts, fmt.Sprintf("%s: <empty>", name))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", name, value))
		}
	}
	return fmt.Sprintf("{%s}", strings.Join(parts, ", "))
}

// InputMap declares the category of the input ports of a layer, at configuration time.
// Ports not listed are plain.
type InputMap map[string]Category

// Clone returns a copy of the InputMap.
func (m InputMap) Clone() InputMap { return maps.Clone(m) }

// AllPlain returns whether no port is declared as batched.
func (m InputMap) AllPlain() bool {
	for _, category := range m {
		if category != Plain {
			return false
		}
	}
	return true
}

// Plain returns a copy of the InputMap with all ports declared plain.
func (m InputMap) Plain() InputMap {
	plain := make(InputMap, len(m))
	for name := range m {
		plain[name] = Plain
	}
	return plain
}

// CategoryOf returns the declared category of the port.
func (m InputMap) CategoryOf(name string) Category {
	return m[name] // Default zero value is Plain.
}

// Check that all ports in the map are in the given PortSet.
func (m InputMap) Check(ports *PortSet) error {
	for _, name := range slices.Sorted(maps.Keys(m)) {
		if !ports.Has(name) {
			return errors.Wrapf(ErrMisconfiguration, "input map declares port %q, but valid ports are %s", name, ports)
		}
	}
	return nil
}
