// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Category of a value held in a Container.
type Category int

const (
	// Plain values are a single tensor (scalar, vector, matrix or higher rank), represented by *tensors.Tensor.
	Plain Category = iota

	// Batched values are an ordered sequence of plain values, one per sample, represented by *Batch.
	Batched
)

// String implements fmt.Stringer.
func (c Category) String() string {
	switch c {
	case Plain:
		return "Plain"
	case Batched:
		return "Batched"
	default:
		return fmt.Sprintf("Category(%d)", int(c))
	}
}

// Value held in a Container: either a *tensors.Tensor (Plain) or a *Batch (Batched).
type Value interface {
	shapes.HasShape
}

// CategoryOf returns the category of the value. It panics for unknown implementations of Value.
func CategoryOf(v Value) Category {
	switch v.(type) {
	case *tensors.Tensor:
		return Plain
	case *Batch:
		return Batched
	default:
		exceptions.Panicf("layers.CategoryOf: value of unknown type %T", v)
		return Plain
	}
}

// Batch is an ordered sequence of tensors of the same shape, one per sample.
type Batch struct {
	elements []*tensors.Tensor
}

// NewBatch creates a Batch with the given elements, that must all have the same shape.
// An empty Batch is valid, but layers reject it when it is used as input.
func NewBatch(elements ...*tensors.Tensor) (*Batch, error) {
	b := &Batch{elements: make([]*tensors.Tensor, 0, len(elements))}
	for _, e := range elements {
		if err := b.Append(e); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// SplitBatch creates a Batch by splitting the tensor along its first axis. The tensor must have rank >= 1.
func SplitBatch(t *tensors.Tensor) *Batch {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("layers.SplitBatch: cannot split a scalar (%s) into a batch", t.Shape())
	}
	batchNum := t.Shape().Dimensions[0]
	elementShape := shapes.Make(t.DType(), t.Shape().Dimensions[1:]...)
	elementSize := elementShape.Size()
	b := &Batch{elements: make([]*tensors.Tensor, batchNum)}
	t.ConstFlatData(func(flat []float64) {
		for ii := range batchNum {
			e := tensors.FromShape(elementShape)
			e.MutableFlatData(func(eFlat []float64) {
				copy(eFlat, flat[ii*elementSize:(ii+1)*elementSize])
			})
			b.elements[ii] = e
		}
	})
	return b
}

// BatchNum returns the number of samples in the batch.
func (b *Batch) BatchNum() int { return len(b.elements) }

// At returns the element (sample) at the given index. It panics if out of range.
func (b *Batch) At(index int) *tensors.Tensor {
	if index < 0 || index >= len(b.elements) {
		exceptions.Panicf("layers.Batch.At(%d): out of range for batch of %d elements", index, len(b.elements))
	}
	return b.elements[index]
}

// Elements returns a copy of the list of elements.
func (b *Batch) Elements() []*tensors.Tensor { return slices.Clone(b.elements) }

// Append element t to the end of the batch. It must have the same shape as the other elements.
func (b *Batch) Append(t *tensors.Tensor) error {
	if !t.Ok() {
		return errors.Errorf("layers.Batch.Append: invalid tensor %s", t)
	}
	if len(b.elements) > 0 && !b.elements[0].Shape().Equal(t.Shape()) {
		return errors.Wrapf(ErrShapeMismatch, "layers.Batch.Append: element of shape %s, batch has shape %s",
			t.Shape(), b.elements[0].Shape())
	}
	b.elements = append(b.elements, t)
	return nil
}

// Reverse the order of the elements in place.
func (b *Batch) Reverse() { slices.Reverse(b.elements) }

// ElementShape returns the shape of each sample, or an invalid shape if the batch is empty.
func (b *Batch) ElementShape() shapes.Shape {
	if len(b.elements) == 0 {
		return shapes.Invalid()
	}
	return b.elements[0].Shape()
}

// Shape implements shapes.HasShape: it is the element shape with the batch axis prepended.
// It returns an invalid shape if the batch is empty.
func (b *Batch) Shape() shapes.Shape {
	if len(b.elements) == 0 {
		return shapes.Invalid()
	}
	return b.ElementShape().PrependDimensions(len(b.elements))
}

// Stack merges the elements into one tensor with a leading batch axis. It is the inverse of SplitBatch.
// It panics if the batch is empty.
func (b *Batch) Stack() *tensors.Tensor {
	if len(b.elements) == 0 {
		exceptions.Panicf("layers.Batch.Stack: empty batch")
	}
	output := tensors.FromShape(b.Shape())
	elementSize := b.ElementShape().Size()
	output.MutableFlatData(func(flat []float64) {
		for ii, e := range b.elements {
			e.ConstFlatData(func(eFlat []float64) {
				copy(flat[ii*elementSize:], eFlat)
			})
		}
	})
	return output
}

// String implements fmt.Stringer.
func (b *Batch) String() string {
	parts := make([]string, len(b.elements))
	for ii, e := range b.elements {
		parts[ii] = e.String()
	}
	return fmt.Sprintf("Batch(%d)[%s]", len(b.elements), strings.Join(parts, ", "))
}
