// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/initializer"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/layers/paramsource"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mapBuffer implements layers.Buffer.
type mapBuffer map[string]*tensors.Tensor

func (b mapBuffer) TryGet(_ layers.Category, name string) (*tensors.Tensor, bool) {
	v, found := b[name]
	return v, found
}

func (b mapBuffer) Set(name string, value *tensors.Tensor) { b[name] = value }

// sharedModel is a model made of two layers: GradCollect reports the gradients of both.
type sharedModel struct {
	layers.Layer
	second layers.Layer
}

func (m *sharedModel) GradCollect(collector layers.GradCollector) error {
	if err := m.Layer.GradCollect(collector); err != nil {
		return err
	}
	return m.second.GradCollect(collector)
}

// newSharedModel creates two parameter layers for the scalar parameter "W", initialized to 0.
// If shareBuffer is false, each layer is initialized with its own load buffer, and they don't share storage.
func newSharedModel(t *testing.T, shareBuffer bool) (*sharedModel, []*paramsource.Layer) {
	ini := initializer.New(0).WithParam("W", tensors.FromScalar(0.0))
	buffer := mapBuffer{}
	var params []*paramsource.Layer
	for _, name := range []string{"a", "b"} {
		l := must.M1(paramsource.New(name, "W").Shape(shapes.Make(dtypes.Float64)).Update(true).Done())
		if !shareBuffer {
			buffer = mapBuffer{}
		}
		require.NoError(t, l.Init(ini, buffer))
		params = append(params, l)
	}
	return &sharedModel{Layer: params[0], second: params[1]}, params
}

// backward feeds a gradient of 1 to each of the layers.
func backward(t *testing.T, params []*paramsource.Layer) {
	for _, l := range params {
		_, err := l.FeedBackward(l.OutputPorts().Create().Set(paramsource.OutputPort, tensors.FromScalar(1.0)))
		require.NoError(t, err)
	}
}

func TestApplySharedParameters(t *testing.T) {
	model, params := newSharedModel(t, true)
	require.Same(t, params[0].Value(), params[1].Value())

	// Momentum sees the summed gradient 2, once per step: velocities 2 and 3.
	m := Momentum(1, 0.5)
	for range 2 {
		backward(t, params)
		require.NoError(t, Apply(m, model, 1))
	}
	assert.Equal(t, 3.0, tensors.ToScalar(m.Velocity("W")))
	assert.Equal(t, -5.0, tensors.ToScalar(params[0].Value()))
	require.NoError(t, model.NeutralInvariant())
	require.NoError(t, params[1].NeutralInvariant())

	// Adam takes a single step per parameter.
	model, params = newSharedModel(t, true)
	adam := must.M1(Adam().Done())
	backward(t, params)
	require.NoError(t, Apply(adam, model, 1))
	assert.Equal(t, 1, adam.Step("W"))

	// Gradients are scaled, e.g. for the mean over accumulated steps.
	model, params = newSharedModel(t, true)
	recorder := NewRecorder()
	backward(t, params)
	require.NoError(t, Apply(recorder, model, 0.25))
	require.Len(t, recorder.Reports, 1)
	assert.Equal(t, 0.5, tensors.ToScalar(recorder.Grad("W")))
}

func TestApplyUnsharedStorage(t *testing.T) {
	model, params := newSharedModel(t, false)
	require.NotSame(t, params[0].Value(), params[1].Value())
	backward(t, params)
	err := Apply(StochasticGradientDescent(0.1), model, 1)
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
}
