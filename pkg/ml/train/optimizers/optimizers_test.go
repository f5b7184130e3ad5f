// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"
	"testing"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSGD(t *testing.T) {
	sgd := StochasticGradientDescent(0.5)
	value := tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2)
	require.NoError(t, sgd.Collect("w", value, tensors.FromFlatDataAndDimensions([]float64{2, -4}, 2)))
	assert.Equal(t, []float64{0, 4}, value.CopyFlatData())

	sgd.ClipStepByValue(0.5)
	require.NoError(t, sgd.Collect("w", value, tensors.FromFlatDataAndDimensions([]float64{2, -0.5}, 2)))
	assert.Equal(t, []float64{-0.5, 4.25}, value.CopyFlatData())

	err := sgd.Collect("w", value, tensors.FromScalarAndDimensions(1.0, 3))
	require.ErrorIs(t, err, layers.ErrShapeMismatch)
}

func TestMomentum(t *testing.T) {
	m := Momentum(1, 0.5)
	value := tensors.FromScalar(0.0)
	for range 3 {
		require.NoError(t, m.Collect("w", value, tensors.FromScalar(1.0)))
	}
	// Velocities: 1, 1.5, 1.75.
	assert.Equal(t, 1.75, tensors.ToScalar(m.Velocity("w")))
	assert.Equal(t, -4.25, tensors.ToScalar(value))
	m.Clear()
	assert.Nil(t, m.Velocity("w"))
}

func TestAdam(t *testing.T) {
	adam := must.M1(Adam().LearningRate(0.1).Done())
	assert.Equal(t, "adam", adam.Name())
	value := tensors.FromFlatDataAndDimensions([]float64{1, 1}, 2)
	require.NoError(t, adam.Collect("w", value, tensors.FromFlatDataAndDimensions([]float64{10, -0.01}, 2)))
	// On the first step the debiased moments are g and g^2, so the step is ~learningRate*sign(g).
	assert.InDeltaSlice(t, []float64{0.9, 1.1}, value.CopyFlatData(), 1e-4)
	assert.Equal(t, 1, adam.Step("w"))

	// NaN gradients are skipped.
	require.NoError(t, adam.Collect("w", value, tensors.FromFlatDataAndDimensions([]float64{math.NaN(), 0}, 2)))
	assert.False(t, math.IsNaN(value.CopyFlatData()[0]))

	backoff := must.M1(Adam().WithBackoffSteps(1).Done())
	value = tensors.FromScalar(1.0)
	require.NoError(t, backoff.Collect("w", value, tensors.FromScalar(1.0)))
	assert.Equal(t, 1.0, tensors.ToScalar(value), "no update during backoff")
	require.NoError(t, backoff.Collect("w", value, tensors.FromScalar(1.0)))
	assert.Less(t, tensors.ToScalar(value), 1.0)

	_, err := Adam().Betas(1, 0.5).Done()
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
}

func TestByName(t *testing.T) {
	policies := layers.NewPolicies().
		Set("/optimizers", ParamOptimizer, "momentum").
		Set("/optimizers", ParamLearningRate, 0.01).
		Set("/", ParamMomentum, 0.8)
	opt := must.M1(FromPolicies(policies))
	require.IsType(t, &MomentumOptimizer{}, opt)
	assert.Equal(t, 0.01, opt.LearningRate())
	assert.Equal(t, 0.8, opt.(*MomentumOptimizer).beta)

	for _, name := range []string{"sgd", "momentum", "adam", "adamax", "adamw", "rmsprop"} {
		opt, err := ByName(nil, name)
		require.NoErrorf(t, err, "optimizer %q", name)
		assert.Equal(t, name, opt.Name())
	}
	adam := must.M1(ByName(layers.NewPolicies().Set("/", ParamLearningRate, 0.5), "adam"))
	assert.Equal(t, 0.5, adam.LearningRate())
	adam.SetLearningRate(0.25)
	assert.Equal(t, 0.25, adam.LearningRate())

	_, err := ByName(nil, "nope")
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
	_, err = ByName(layers.NewPolicies().Set("/", ParamLearningRate, "fast"), "sgd")
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	value := tensors.FromScalar(3.0)
	grad := tensors.FromScalar(1.0)
	require.NoError(t, r.Collect("a", value, grad))
	require.NoError(t, r.Collect("b", value, tensors.FromScalar(2.0)))
	require.NoError(t, r.Collect("a", value, tensors.FromScalar(5.0)))
	require.Len(t, r.Reports, 3)
	assert.Equal(t, 3.0, tensors.ToScalar(value), "recorder doesn't change values")
	assert.Equal(t, 5.0, tensors.ToScalar(r.Grad("a")))
	assert.Nil(t, r.Grad("c"))
	assert.NotSame(t, grad, r.Reports[0].Grad)
	r.Clear()
	assert.Empty(t, r.Reports)
}
