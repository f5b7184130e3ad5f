// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatch(t *testing.T) {
	x := tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 3, 2)
	b := SplitBatch(x)
	require.Equal(t, 3, b.BatchNum())
	require.Equal(t, Batched, CategoryOf(b))
	require.Equal(t, Plain, CategoryOf(x))
	require.NoError(t, b.ElementShape().Check(dtypes.Float64, 2))
	require.NoError(t, b.Shape().CheckDims(3, 2))
	assert.Equal(t, []float64{3, 4}, b.At(1).CopyFlatData())
	require.True(t, x.Equal(b.Stack()))

	b.Reverse()
	assert.Equal(t, []float64{5, 6}, b.At(0).CopyFlatData())
	assert.Equal(t, []float64{1, 2}, b.At(2).CopyFlatData())

	err := b.Append(tensors.FromScalar(1.0))
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.Equal(t, 3, b.BatchNum())

	empty := must.M1(NewBatch())
	require.Equal(t, 0, empty.BatchNum())
	require.False(t, empty.Shape().Ok())
	require.Panics(t, func() { _ = empty.Stack() })
	require.Panics(t, func() { _ = b.At(3) })
	require.Panics(t, func() { _ = SplitBatch(tensors.FromScalar(1.0)) })

	scalars := SplitBatch(tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3))
	require.True(t, scalars.ElementShape().IsScalar())
	assert.Equal(t, 2.0, tensors.ToScalar(scalars.At(1)))
}

func TestContainer(t *testing.T) {
	ports := Ports("x", "y")
	require.Panics(t, func() { _ = Ports("x", "x") })
	require.Panics(t, func() { _ = Ports("") })

	c := ports.Create()
	require.True(t, c.IsEmpty())
	require.Nil(t, c.Get("x"))
	require.Panics(t, func() { _ = c.Get("z") })

	one := tensors.FromScalar(1.0)
	c2 := c.Set("x", one)
	require.True(t, c.IsEmpty(), "Set must not change the original container")
	require.False(t, c2.IsEmpty())
	require.True(t, c2.Get("x") == Value(one))
	require.True(t, c2.Compatible(c))
	require.False(t, c2.Compatible(Ports("y", "x").Create()))

	var nilTensor *tensors.Tensor
	require.True(t, c2.Set("x", nilTensor).IsEmpty())

	got, err := c2.Tensor("x")
	require.NoError(t, err)
	require.True(t, got == one)
	got, err = c2.Tensor("y")
	require.NoError(t, err)
	require.Nil(t, got)
	c3 := c2.Set("y", SplitBatch(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2)))
	_, err = c3.Tensor("y")
	require.ErrorIs(t, err, ErrMisconfiguration)

	var names []string
	for name := range c3.All() {
		names = append(names, name)
	}
	require.Equal(t, []string{"x", "y"}, names)
}

func TestInputMap(t *testing.T) {
	m := InputMap{"x": Batched, "y": Plain}
	require.False(t, m.AllPlain())
	require.True(t, m.Plain().AllPlain())
	require.Equal(t, Batched, m["x"], "Plain() must not change the original")
	require.Equal(t, Plain, m.CategoryOf("z"))
	require.NoError(t, m.Check(Ports("x", "y", "z")))
	require.ErrorIs(t, m.Check(Ports("x")), ErrMisconfiguration)
}

func TestCollapse(t *testing.T) {
	// Plain target broadcast over a batch: summed over the batch.
	grads := must.M1(NewBatch(
		tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2),
		tensors.FromFlatDataAndDimensions([]float64{10, 20}, 2),
		tensors.FromFlatDataAndDimensions([]float64{100, 200}, 2)))
	collapsed, err := Collapse(grads, ValueShape{Category: Plain, Shape: shapes.Make(dtypes.Float64, 2)})
	require.NoError(t, err)
	assert.Equal(t, []float64{111, 222}, collapsed.(*tensors.Tensor).CopyFlatData())

	// Plain scalar target: summed over the batch and over the broadcast axis.
	collapsed, err = Collapse(grads, ValueShape{Category: Plain, Shape: shapes.Scalar(dtypes.Float64)})
	require.NoError(t, err)
	assert.Equal(t, 333.0, tensors.ToScalar(collapsed.(*tensors.Tensor)))

	// Batched target with same shape: unchanged.
	collapsed, err = Collapse(grads, ShapeOf(grads))
	require.NoError(t, err)
	require.True(t, collapsed == Value(grads))

	// Batched target with a broadcast axis.
	collapsed, err = Collapse(grads, ValueShape{Category: Batched, BatchNum: 3, Shape: shapes.Make(dtypes.Float64, 1)})
	require.NoError(t, err)
	require.Equal(t, 3, collapsed.(*Batch).BatchNum())
	assert.Equal(t, []float64{300}, collapsed.(*Batch).At(2).CopyFlatData())

	// Errors.
	_, err = Collapse(grads, ValueShape{Category: Batched, BatchNum: 2, Shape: shapes.Make(dtypes.Float64, 2)})
	require.Equal(t, ErrBatchMismatch, KindOf(err))
	_, err = Collapse(tensors.FromScalar(1.0), ShapeOf(grads))
	require.Equal(t, ErrShapeMismatch, KindOf(err))
	_, err = Collapse(grads, ValueShape{Category: Plain, Shape: shapes.Make(dtypes.Float64, 3)})
	require.Equal(t, ErrShapeMismatch, KindOf(err))

	collapsed, err = Collapse(nil, ShapeOf(grads))
	require.NoError(t, err)
	require.Nil(t, collapsed)
}

func TestPolicies(t *testing.T) {
	var nilPolicies *Policies
	policy, err := nilPolicies.Resolve("any")
	require.NoError(t, err)
	require.Equal(t, Policy{}, policy)

	p := NewPolicies().
		Set("/", PolicyUpdate, true).
		Set("/model", PolicyFiller, "he").
		Set("model/iter", PolicyFeedbackOutput, true).
		Set("model/iter/kernel", PolicyKernel, "scale").
		Set("model/iter/kernel", "scale_factor", 2)
	require.NoError(t, p.Err())

	policy, err = p.Resolve("model/iter/kernel")
	require.NoError(t, err)
	require.Equal(t, Policy{FeedbackOutput: true, Update: true, Filler: "he", Kernel: "scale"}, policy)

	policy, err = p.Resolve("other")
	require.NoError(t, err)
	require.Equal(t, Policy{Update: true}, policy)

	factor, err := GetPolicyOr(p, "model/iter/kernel", "scale_factor", 1.0)
	require.NoError(t, err)
	require.Equal(t, 2.0, factor)
	factor, err = GetPolicyOr(p, "model", "scale_factor", 1.0)
	require.NoError(t, err)
	require.Equal(t, 1.0, factor)
	_, err = GetPolicyOr(p, "model/iter", PolicyFiller, 0)
	require.ErrorIs(t, err, ErrMisconfiguration)

	// Clone is independent.
	p2 := p.Clone().Set("/", PolicyUpdate, false)
	policy, _ = p.Resolve("other")
	require.True(t, policy.Update)
	policy, _ = p2.Resolve("other")
	require.False(t, policy.Update)

	// Invalid types are reported eagerly, and Resolve fails.
	bad := NewPolicies().Set("/", PolicyUpdate, "yes").Set("/", PolicyFiller, "zero")
	require.ErrorIs(t, bad.Err(), ErrMisconfiguration)
	_, err = bad.Resolve("x")
	require.ErrorIs(t, err, ErrMisconfiguration)
}

func TestKernelRegistry(t *testing.T) {
	factory := func(name string, inputs InputMap, policies *Policies) (Layer, error) { return nil, nil }
	RegisterKernel("test_registry_kernel", factory)
	defer delete(KnownKernels, "test_registry_kernel")
	require.Panics(t, func() { RegisterKernel("test_registry_kernel", factory) })

	_, err := KernelByName("test_registry_kernel")
	require.NoError(t, err)
	_, err = KernelByName("does_not_exist")
	require.ErrorIs(t, err, ErrMisconfiguration)
}

func TestStack(t *testing.T) {
	var s Stack[int]
	require.NoError(t, s.CheckEmpty("test", "values"))
	s.Push(1)
	s.Push(2)
	require.Equal(t, ErrUnbalancedState, KindOf(s.CheckEmpty("test", "values")))
	v, ok := s.Pop()
	require.True(t, ok)
	require.Equal(t, 2, v)
	s.Push(3)
	require.Equal(t, []int{1, 3}, s.Drain())
	_, ok = s.Pop()
	require.False(t, ok)
}

func TestKindOf(t *testing.T) {
	require.Nil(t, KindOf(nil))
	require.Nil(t, KindOf(errors.New("other")))
	err := errors.WithMessage(errors.Wrapf(ErrDuplicateSave, "param %q", "W"), "saving")
	require.Equal(t, ErrDuplicateSave, KindOf(err))
}
