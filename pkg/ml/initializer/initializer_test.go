// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package initializer

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeFanInFanOut(t *testing.T) {
	fanIn, fanOut := computeFanInFanOut(shapes.Make(dtypes.Float32, 3, 4))
	assert.Equal(t, 3, fanIn)
	assert.Equal(t, 4, fanOut)
	fanIn, fanOut = computeFanInFanOut(shapes.Make(dtypes.Float32, 5, 5, 3, 4))
	assert.Equal(t, 75, fanIn)
	assert.Equal(t, 100, fanOut)
}

func TestFillers(t *testing.T) {
	ini := New(42)
	for _, name := range []string{FillerZero, FillerOne, FillerNormal, FillerUniform, FillerGlorotUniform,
		FillerXavierUniform, FillerXavierNormal, FillerHe} {
		t.Run(name, func(t *testing.T) {
			filler := must.M1(ini.GetFiller(name))
			weights := tensors.FromShape(shapes.Make(dtypes.Float64, 32, 16))
			require.NoError(t, filler.Fill(weights))
			mav, _, maxAV := tensors.Stats(weights)
			switch name {
			case FillerZero:
				assert.Equal(t, 0.0, maxAV)
			case FillerOne:
				assert.Equal(t, 1.0, mav)
			case FillerUniform:
				assert.Greater(t, mav, 0.0)
				assert.LessOrEqual(t, maxAV, 1.0)
			case FillerGlorotUniform:
				assert.LessOrEqual(t, maxAV, math.Sqrt(3.0/24.0))
			case FillerXavierUniform:
				assert.LessOrEqual(t, maxAV, math.Sqrt(6.0/48.0))
			default:
				assert.Greater(t, mav, 0.0)
			}

			bias := tensors.FromScalarAndDimensions(7.0, 16)
			require.NoError(t, filler.Fill(bias))
			if name != FillerOne && name != FillerNormal && name != FillerUniform {
				_, _, biasMaxAV := tensors.Stats(bias)
				assert.Equal(t, 0.0, biasMaxAV, "biases are zero-initialized")
			}
		})
	}

	_, err := ini.GetFiller("nope")
	require.ErrorIs(t, err, layers.ErrMissingInitializer)
}

func TestDeterministic(t *testing.T) {
	a := tensors.FromShape(shapes.Make(dtypes.Float64, 3, 3))
	b := tensors.FromShape(shapes.Make(dtypes.Float64, 3, 3))
	require.NoError(t, must.M1(New(7).GetFiller(FillerHe)).Fill(a))
	require.NoError(t, must.M1(New(7).GetFiller(FillerHe)).Fill(b))
	require.True(t, a.Equal(b), "same seed must generate the same values")
}

func TestParams(t *testing.T) {
	ini := New(0).
		WithParam("W", tensors.FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)).
		WithFiller("seven", Constant(7))
	require.True(t, ini.IsParamExist(layers.Plain, "W"))
	require.False(t, ini.IsParamExist(layers.Batched, "W"))
	require.False(t, ini.IsParamExist(layers.Plain, "b"))

	target := tensors.FromShape(shapes.Make(dtypes.Float32, 2, 2))
	require.NoError(t, ini.GetParam("W", target))
	assert.Equal(t, []float64{1, 2, 3, 4}, target.CopyFlatData())
	require.Equal(t, dtypes.Float32, target.DType(), "target keeps its dtype")

	require.ErrorIs(t, ini.GetParam("W", tensors.FromShape(shapes.Make(dtypes.Float64, 4))), layers.ErrShapeMismatch)
	require.ErrorIs(t, ini.GetParam("b", target), layers.ErrMissingInitializer)

	require.NoError(t, must.M1(ini.GetFiller("seven")).Fill(target))
	assert.Equal(t, []float64{7, 7, 7, 7}, target.CopyFlatData())
}
