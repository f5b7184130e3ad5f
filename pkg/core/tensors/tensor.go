// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a `Tensor`, a representation of a multi-dimensional array
// stored locally (in Go memory).
//
// Tensors are multidimensional arrays (from scalar with 0 dimensions, to arbitrarily large dimensions), defined
// by their shape (a data type and its axes dimensions) and their actual content.
//
// Values are kept in a flat float64 slice in row-major order regardless of the DType. The DType records the
// precision the tensor represents, and it's used when serializing (see Tensor.Bytes) and to account for memory.
// Only float dtypes are supported: Float16, BFloat16, Float32 and Float64.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalar[T constraints.Float](value T): creates a scalar Tensor.
//
//   - FromScalarAndDimensions[T constraints.Float](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T constraints.Float](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
// Tensors are not safe for concurrent use.
package tensors

import (
	"fmt"
	"math"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"golang.org/x/exp/constraints"
)

// Tensor is a multidimensional array of float values, with a shapes.Shape.
type Tensor struct {
	shape shapes.Shape
	flat  []float64
}

// IsSupportedDType returns whether tensors can hold values of the given dtype.
func IsSupportedDType(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64:
		return true
	default:
		return false
	}
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
//
// It panics if the shape is invalid or if its dtype is not supported.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	if !IsSupportedDType(shape.DType) {
		exceptions.Panicf("tensors.FromShape(%s): dtype %s not supported, only float types", shape, shape.DType)
	}
	return &Tensor{shape: shape.Clone(), flat: make([]float64, shape.Size())}
}

// dtypeFor returns the dtype for the generic Go type T.
func dtypeFor[T constraints.Float]() dtypes.DType {
	var zero T
	if _, ok := any(zero).(float32); ok {
		return dtypes.Float32
	}
	return dtypes.Float64
}

// FromScalar returns a scalar Tensor with the given value.
func FromScalar[T constraints.Float](value T) *Tensor {
	return FromScalarAndDimensions(value)
}

// FromScalarAndDimensions creates a Tensor with the given dimensions, filled with the given scalar value.
func FromScalarAndDimensions[T constraints.Float](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypeFor[T](), dimensions...))
	for ii := range t.flat {
		t.flat[ii] = float64(value)
	}
	return t
}

// FromFlatDataAndDimensions creates a Tensor with the given dimensions, filled with the flattened values
// given in `data`. The data is copied.
//
// It panics if len(data) doesn't match the size given by the dimensions.
func FromFlatDataAndDimensions[T constraints.Float](data []T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypeFor[T](), dimensions...))
	if len(data) != t.shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(len=%d, dimensions=%v): data size doesn't match shape %s",
			len(data), dimensions, t.shape)
	}
	for ii, v := range data {
		t.flat[ii] = float64(v)
	}
	return t
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes the tensor represents, given its DType.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the tensor is in a valid state.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && len(t.flat) == t.shape.Size()
}

// AssertValid panics if the tensor is nil or invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("tensors.Tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("tensors.Tensor has invalid shape %s for %d values", t.shape, len(t.flat))
	}
}

// ConstFlatData calls accessFn with the flat data of the tensor. The slice is owned by the tensor
// and it must not be changed or kept after accessFn returns.
func (t *Tensor) ConstFlatData(accessFn func(flat []float64)) {
	t.AssertValid()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with the flat data of the tensor, which can be changed in place.
func (t *Tensor) MutableFlatData(accessFn func(flat []float64)) {
	t.AssertValid()
	accessFn(t.flat)
}

// CopyFlatData returns a copy of the flat data of the tensor.
func (t *Tensor) CopyFlatData() []float64 {
	t.AssertValid()
	return slices.Clone(t.flat)
}

// ToScalar returns the value of a scalar tensor (or any tensor of size 1).
func ToScalar(t *Tensor) float64 {
	t.AssertValid()
	if t.Size() != 1 {
		exceptions.Panicf("tensors.ToScalar: tensor of shape %s is not a scalar", t.shape)
	}
	return t.flat[0]
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	t.AssertValid()
	return &Tensor{shape: t.shape.Clone(), flat: slices.Clone(t.flat)}
}

// Reshape returns a copy of the tensor with the given dimensions. The size must be the same.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	t.AssertValid()
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.shape.Size() {
		exceptions.Panicf("tensors.Reshape(%v): incompatible with shape %s", dimensions, t.shape)
	}
	return &Tensor{shape: newShape, flat: slices.Clone(t.flat)}
}

// Equal checks weather t == otherTensor: same shape and same values.
// If they are the same pointer they are considered equal.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.Equal(otherTensor.shape) {
		return false
	}
	return slices.Equal(t.flat, otherTensor.flat)
}

// InDelta checks weather t and otherTensor have the same shape and all values are within delta of each other.
func (t *Tensor) InDelta(otherTensor *Tensor, delta float64) bool {
	t.AssertValid()
	otherTensor.AssertValid()
	if t == otherTensor {
		return true
	}
	if !t.shape.EqualDimensions(otherTensor.shape) {
		return false
	}
	for ii, v := range t.flat {
		if math.Abs(v-otherTensor.flat[ii]) > delta {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	if t.IsScalar() {
		return fmt.Sprintf("%s: %g", t.shape, t.flat[0])
	}
	return fmt.Sprintf("%s: %v", t.shape, t.flat)
}
