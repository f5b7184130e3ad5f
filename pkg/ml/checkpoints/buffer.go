// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
)

// Buffer holds parameter values by name. It implements layers.Buffer, and it is used both as the load buffer
// given to layers.Layer.Init (where layers sharing a parameter name find the shared value) and as the
// saver given to layers.Layer.SaveWeights.
//
// Only plain values are held.
type Buffer struct {
	values map[string]*tensors.Tensor
}

var _ layers.Buffer = (*Buffer)(nil)

// NewBuffer returns an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{values: make(map[string]*tensors.Tensor)}
}

// TryGet implements layers.Buffer.
func (b *Buffer) TryGet(category layers.Category, name string) (*tensors.Tensor, bool) {
	if category != layers.Plain {
		return nil, false
	}
	value, found := b.values[name]
	return value, found
}

// Set implements layers.Buffer.
func (b *Buffer) Set(name string, value *tensors.Tensor) {
	b.values[name] = value
}

// Get returns the value of the parameter name, or nil if not set.
func (b *Buffer) Get(name string) *tensors.Tensor {
	return b.values[name]
}

// Delete the parameter from the buffer, if present.
func (b *Buffer) Delete(name string) {
	delete(b.values, name)
}

// Names returns the names of the parameters held, sorted.
func (b *Buffer) Names() []string {
	return slices.Sorted(maps.Keys(b.values))
}

// Len returns the number of parameters held.
func (b *Buffer) Len() int { return len(b.values) }

// Memory returns the number of bytes used by the parameters, given their dtypes.
func (b *Buffer) Memory() (memory uintptr) {
	for _, value := range b.values {
		memory += value.Memory()
	}
	return
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("checkpoints.Buffer(%d parameters)", len(b.values))
}
