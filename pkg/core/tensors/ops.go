// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"

	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/pkg/errors"
)

// binaryOp applies fn element-wise to a and b, broadcasting them to a common shape.
func binaryOp(opName string, a, b *Tensor, fn func(x, y float64) float64) (*Tensor, error) {
	a.AssertValid()
	b.AssertValid()
	if a.DType() != b.DType() {
		return nil, errors.Errorf("tensors.%s: operands have different dtypes: %s and %s", opName, a.shape, b.shape)
	}
	dims, err := shapes.BroadcastDimensions(a.shape, b.shape)
	if err != nil {
		return nil, errors.WithMessagef(err, "tensors.%s", opName)
	}
	output := FromShape(shapes.Make(a.DType(), dims...))
	aStrides, bStrides := a.shape.Strides(), b.shape.Strides()
	for flat, indices := range output.shape.Iter() {
		x := a.flat[shapes.BroadcastIndex(output.shape, a.shape, aStrides, indices)]
		y := b.flat[shapes.BroadcastIndex(output.shape, b.shape, bStrides, indices)]
		output.flat[flat] = fn(x, y)
	}
	return output, nil
}

// Add returns a+b, with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return binaryOp("Add", a, b, func(x, y float64) float64 { return x + y })
}

// Mul returns a*b (element-wise), with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binaryOp("Mul", a, b, func(x, y float64) float64 { return x * y })
}

// Scale returns a new tensor with t*factor.
func Scale(t *Tensor, factor float64) *Tensor {
	output := t.Clone()
	for ii := range output.flat {
		output.flat[ii] *= factor
	}
	return output
}

// AddScaledInPlace updates t with t += factor*other. Both must have the same dimensions.
func (t *Tensor) AddScaledInPlace(other *Tensor, factor float64) error {
	t.AssertValid()
	other.AssertValid()
	if !t.shape.EqualDimensions(other.shape) {
		return errors.Errorf("tensors.AddScaledInPlace: shapes %s and %s don't match", t.shape, other.shape)
	}
	for ii, v := range other.flat {
		t.flat[ii] += factor * v
	}
	return nil
}

// Sum returns the element-wise sum of all the given tensors, which must have the same dimensions.
// The result takes the dtype of the first tensor.
func Sum(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Sum: no tensors given")
	}
	total := ts[0].Clone()
	for _, t := range ts[1:] {
		if err := total.AddScaledInPlace(t, 1); err != nil {
			return nil, errors.WithMessage(err, "tensors.Sum")
		}
	}
	return total, nil
}

// ReduceToShape sums over the axes of t that were broadcast from a value of shape `target`.
// It is the adjoint of broadcasting `target` to the shape of t.
//
// Leading axes missing in `target` are summed away, and axes where `target` has dimension 1 are summed
// (keeping the axis). If t already has the dimensions of `target` it is returned as is.
// The result keeps the dtype of t.
func ReduceToShape(t *Tensor, target shapes.Shape) (*Tensor, error) {
	t.AssertValid()
	if t.shape.EqualDimensions(target) {
		return t, nil
	}
	if !shapes.CanReduceTo(t.shape, target) {
		return nil, errors.Errorf("tensors.ReduceToShape: shape %s is not a broadcast of %s", t.shape, target)
	}
	output := FromShape(shapes.Make(t.DType(), target.Dimensions...))
	outStrides := output.shape.Strides()
	for flat, indices := range t.shape.Iter() {
		output.flat[shapes.BroadcastIndex(t.shape, output.shape, outStrides, indices)] += t.flat[flat]
	}
	return output, nil
}

// Stats returns the mean absolute value, the root-mean-square and the max absolute value of the tensor.
func Stats(t *Tensor) (mav, rms, maxAV float64) {
	t.AssertValid()
	for _, v := range t.flat {
		abs := math.Abs(v)
		mav += abs
		rms += v * v
		maxAV = max(maxAV, abs)
	}
	n := float64(len(t.flat))
	mav /= n
	rms = math.Sqrt(rms / n)
	return
}
