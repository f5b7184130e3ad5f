// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramsource

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/checkpoints"
	"github.com/gomlx/layerkit/pkg/ml/initializer"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collected struct {
	value, grad *tensors.Tensor
}

// gradRecorder implements layers.GradCollector.
type gradRecorder map[string]collected

func (r gradRecorder) Collect(name string, value, grad *tensors.Tensor) error {
	r[name] = collected{value, grad}
	return nil
}

func gradContainer(values ...float64) *layers.Container {
	return outputPorts.Create().Set(OutputPort, tensors.FromFlatDataAndDimensions(values, len(values)))
}

func TestGradAccumulation(t *testing.T) {
	l := must.M1(New("dense/bias", "b").Shape(shapes.Make(dtypes.Float64, 3)).Update(true).Filler(initializer.FillerOne).Done())
	require.NoError(t, l.Init(initializer.New(0), checkpoints.NewBuffer()))
	assert.Equal(t, []float64{1, 1, 1}, l.Value().CopyFlatData())

	output := must.M1(l.FeedForward(layers.NoPorts.Create()))
	assert.Same(t, l.Value(), must.M1(output.Tensor(OutputPort)))

	const numGrads = 4
	for ii := range numGrads {
		v := float64(ii + 1)
		grad := must.M1(l.FeedBackward(gradContainer(v, 2*v, 0)))
		assert.True(t, grad.IsEmpty())
	}
	assert.Equal(t, numGrads, l.PendingGrads())
	require.ErrorIs(t, l.NeutralInvariant(), layers.ErrUnbalancedState)

	recorder := gradRecorder{}
	require.NoError(t, l.GradCollect(recorder))
	require.Contains(t, recorder, "b")
	assert.Same(t, l.Value(), recorder["b"].value)
	assert.Equal(t, []float64{10, 20, 0}, recorder["b"].grad.CopyFlatData())
	require.NoError(t, l.NeutralInvariant())

	// Nothing reported if there are no gradients.
	recorder = gradRecorder{}
	require.NoError(t, l.GradCollect(recorder))
	assert.Empty(t, recorder)

	_, err := l.FeedBackward(gradContainer(1, 2))
	require.ErrorIs(t, err, layers.ErrShapeMismatch)
}

func TestNotUpdated(t *testing.T) {
	policies := layers.NewPolicies().Set("/", layers.PolicyFiller, initializer.FillerZero)
	l := must.M1(New("w", "w").Shape(shapes.Make(dtypes.Float32, 2)).Policies(policies).Done())
	assert.False(t, l.IsUpdate())
	require.NoError(t, l.Init(initializer.New(0), checkpoints.NewBuffer()))
	_ = must.M1(l.FeedBackward(gradContainer(1, 1)))
	assert.Equal(t, 0, l.PendingGrads(), "gradients are ignored")
	recorder := gradRecorder{}
	require.NoError(t, l.GradCollect(recorder))
	assert.Empty(t, recorder)
}

func TestMissingInitializer(t *testing.T) {
	l := must.M1(New("dense/weights", "W").Shape(shapes.Make(dtypes.Float64, 4, 4)).Done())
	err := l.Init(initializer.New(0), checkpoints.NewBuffer())
	require.ErrorIs(t, err, layers.ErrMissingInitializer)
	assert.Nil(t, l.Value())

	err = must.M1(New("w", "w").Shape(shapes.Make(dtypes.Float64, 2)).Filler("no-such-filler").Done()).
		Init(initializer.New(0), checkpoints.NewBuffer())
	require.ErrorIs(t, err, layers.ErrMissingInitializer)

	err = must.M1(New("w", "w").Shape(shapes.Make(dtypes.Float64, 2)).Filler(initializer.FillerOne).Done()).
		Init(nil, checkpoints.NewBuffer())
	require.ErrorIs(t, err, layers.ErrMissingInitializer)

	_, err = l.FeedForward(layers.NoPorts.Create())
	require.ErrorIs(t, err, layers.ErrMisconfiguration, "FeedForward before Init")
	require.ErrorIs(t, l.SaveWeights(checkpoints.NewBuffer()), layers.ErrMisconfiguration)
}

func TestSharingAndSaving(t *testing.T) {
	shape := shapes.Make(dtypes.Float64, 2, 2)
	first := must.M1(New("encoder/W", "W").Shape(shape).Filler(initializer.FillerHe).Done())
	second := must.M1(New("decoder/W", "W").Shape(shape).Done())
	loadBuffer := checkpoints.NewBuffer()
	require.NoError(t, first.Init(initializer.New(1), loadBuffer))
	require.NoError(t, second.Init(nil, loadBuffer), "second layer reuses the value of the first")
	assert.Same(t, first.Value(), second.Value())

	saver := checkpoints.NewBuffer()
	require.NoError(t, first.SaveWeights(saver))
	require.NoError(t, second.SaveWeights(saver), "saving the same value twice is fine")
	assert.Equal(t, 1, saver.Len())
	assert.NotSame(t, first.Value(), saver.Get("W"), "saved values are copies")
	assert.True(t, first.Value().Equal(saver.Get("W")))

	// A different parameter saved with the same name.
	other := must.M1(New("other/W", "W").Shape(shape).Filler(initializer.FillerOne).Done())
	require.NoError(t, other.Init(initializer.New(0), checkpoints.NewBuffer()))
	require.ErrorIs(t, other.SaveWeights(saver), layers.ErrDuplicateSave)
}

func TestLoad(t *testing.T) {
	loadBuffer := checkpoints.NewBuffer()
	loadBuffer.Set("W", tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2))
	l := must.M1(New("W", "W").Shape(shapes.Make(dtypes.Float64, 2, 2)).Done())
	require.NoError(t, l.Init(nil, loadBuffer), "loaded parameters need no initializer")
	assert.Same(t, loadBuffer.Get("W"), l.Value())

	l = must.M1(New("W", "W").Shape(shapes.Make(dtypes.Float64, 4)).Done())
	require.ErrorIs(t, l.Init(nil, loadBuffer), layers.ErrShapeMismatch)

	// Initializer values take precedence over the filler.
	ini := initializer.New(0).WithParam("b", tensors.FromFlatDataAndDimensions([]float64{7, 8}, 2))
	l = must.M1(New("b", "b").Shape(shapes.Make(dtypes.Float64, 2)).Filler(initializer.FillerZero).Done())
	require.NoError(t, l.Init(ini, loadBuffer))
	assert.Equal(t, []float64{7, 8}, l.Value().CopyFlatData())
	assert.Same(t, l.Value(), loadBuffer.Get("b"))
}

func TestFixedValue(t *testing.T) {
	value := tensors.FromScalar(3.0)
	policies := layers.NewPolicies().Set("/", layers.PolicyUpdate, true)
	l := must.M1(New("c", "c").Value(value).Policies(policies).Done())
	assert.False(t, l.IsPrincipal())
	assert.False(t, l.IsUpdate(), "fixed values are never updated")
	saver := checkpoints.NewBuffer()
	require.NoError(t, l.Init(nil, saver))
	require.NoError(t, l.SaveWeights(saver))
	assert.Equal(t, 0, saver.Len())
	assert.Same(t, value, must.M1(must.M1(l.FeedForward(layers.NoPorts.Create())).Tensor(OutputPort)))
}

func TestConfigErrors(t *testing.T) {
	_, err := New("", "w").Shape(shapes.Make(dtypes.Float64)).Done()
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
	_, err = New("w", "w").Done()
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
	_, err = New("w", "w").Shape(shapes.Make(dtypes.Float64)).Value(tensors.FromScalar(1.0)).Done()
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
	_, err = New("w", "w").Shape(shapes.Make(dtypes.Int32, 2)).Done()
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
}
