// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializer implements layers.Initializer: it provides preloaded parameter values and
// a set of named fillers used to initialize parameters that are not loaded from a checkpoint.
package initializer

import (
	"maps"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Names of the fillers registered by New.
const (
	FillerZero          = "zero"
	FillerOne           = "one"
	FillerNormal        = "normal"
	FillerUniform       = "uniform"
	FillerGlorotUniform = "glorot_uniform"
	FillerXavierUniform = "xavier_uniform"
	FillerXavierNormal  = "xavier_normal"
	FillerHe            = "he"
)

// Initializer holds parameter values given with WithParam, and fillers by name.
// It implements layers.Initializer.
type Initializer struct {
	rng     *rand.Rand
	params  map[string]*tensors.Tensor
	fillers map[string]layers.Filler
}

var _ layers.Initializer = (*Initializer)(nil)

// New creates an Initializer with the standard fillers (FillerZero, FillerOne, FillerNormal, etc.), whose
// random numbers are generated from the given seed.
func New(seed uint64) *Initializer {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return &Initializer{
		rng:    rng,
		params: make(map[string]*tensors.Tensor),
		fillers: map[string]layers.Filler{
			FillerZero:          Zero,
			FillerOne:           One,
			FillerNormal:        Normal(rng, 1.0),
			FillerUniform:       Uniform(rng, -1.0, 1.0),
			FillerGlorotUniform: GlorotUniform(rng),
			FillerXavierUniform: XavierUniform(rng),
			FillerXavierNormal:  XavierNormal(rng),
			FillerHe:            He(rng),
		},
	}
}

// RNG returns the random number generator used by the fillers, to create new fillers with the same source.
func (i *Initializer) RNG() *rand.Rand { return i.rng }

// WithParam sets the value for parameter name, reported by IsParamExist and copied by GetParam.
// It returns itself, so calls can be chained.
func (i *Initializer) WithParam(name string, value *tensors.Tensor) *Initializer {
	i.params[name] = value
	return i
}

// WithFiller registers a filler under the given name, possibly replacing a standard one.
// It returns itself, so calls can be chained.
func (i *Initializer) WithFiller(name string, filler layers.Filler) *Initializer {
	i.fillers[name] = filler
	return i
}

// IsParamExist implements layers.Initializer. Only plain parameters are held.
func (i *Initializer) IsParamExist(category layers.Category, name string) bool {
	if category != layers.Plain {
		return false
	}
	_, found := i.params[name]
	return found
}

// GetParam implements layers.Initializer: it copies the value of the parameter to target, which must have
// the same dimensions.
func (i *Initializer) GetParam(name string, target *tensors.Tensor) error {
	value, found := i.params[name]
	if !found {
		return errors.Wrapf(layers.ErrMissingInitializer, "initializer has no parameter %q", name)
	}
	if !value.Shape().EqualDimensions(target.Shape()) {
		return errors.Wrapf(layers.ErrShapeMismatch, "initializer parameter %q has shape %s, wanted %s",
			name, value.Shape(), target.Shape())
	}
	value.ConstFlatData(func(src []float64) {
		target.MutableFlatData(func(dst []float64) { copy(dst, src) })
	})
	return nil
}

// GetFiller implements layers.Initializer.
func (i *Initializer) GetFiller(fillerName string) (layers.Filler, error) {
	filler, found := i.fillers[fillerName]
	if !found {
		return nil, errors.Wrapf(layers.ErrMissingInitializer, "unknown filler %q, valid fillers are %q",
			fillerName, slices.Sorted(maps.Keys(i.fillers)))
	}
	return filler, nil
}

// fillWith returns a filler that sets each value of the target to fn().
func fillWith(fn func() float64) layers.FillerFn {
	return func(target *tensors.Tensor) error {
		target.MutableFlatData(func(flat []float64) {
			for ii := range flat {
				flat[ii] = fn()
			}
		})
		return nil
	}
}

var (
	// Zero fills parameters with zero.
	Zero = Constant(0)

	// One fills parameters with one.
	One = Constant(1)
)

// Constant returns a filler that sets all values to value.
func Constant(value float64) layers.FillerFn {
	return fillWith(func() float64 { return value })
}

// Normal returns a filler that generates random normal values with the given standard deviation
// and mean set to 0.
func Normal(rng *rand.Rand, stddev float64) layers.FillerFn {
	return fillWith(func() float64 { return rng.NormFloat64() * stddev })
}

// Uniform returns a filler that generates random uniform values from [min, max).
func Uniform(rng *rand.Rand, minValue, maxValue float64) layers.FillerFn {
	return fillWith(func() float64 { return minValue + rng.Float64()*(maxValue-minValue) })
}

// fanBased returns a filler that zeros biases (rank <= 1) and otherwise calls fill with the fan-in and
// fan-out of the shape.
func fanBased(fill func(target *tensors.Tensor, fanIn, fanOut int) error) layers.FillerFn {
	return func(target *tensors.Tensor) error {
		if target.Rank() <= 1 {
			// Zero-bias.
			return Zero.Fill(target)
		}
		fanIn, fanOut := computeFanInFanOut(target.Shape())
		return fill(target, fanIn, fanOut)
	}
}

// GlorotUniform returns a Glorot uniform filler.
//
// It draws samples from a uniform distribution within `[-limit, limit]`, where
// `limit = sqrt(3 / ((fan_in + fan_out)/2))` (`fan_in` is the number of input units in
// the weight tensor and fan_out is the number of output units).
//
// It initializes biases (anything with rank <= 1) to zeros.
func GlorotUniform(rng *rand.Rand) layers.FillerFn {
	return fanBased(func(target *tensors.Tensor, fanIn, fanOut int) error {
		scale := max(1.0, float64(fanIn+fanOut)/2.0)
		limit := math.Sqrt(3.0 / scale)
		return Uniform(rng, -limit, limit).Fill(target)
	})
}

// XavierUniform returns a filler that generates random values with a uniform distribution with a range
// defined by +/- sqrt(6 / (fanIn+fanOut)).
//
// It initializes biases (anything with rank <= 1) to zeros.
func XavierUniform(rng *rand.Rand) layers.FillerFn {
	return fanBased(func(target *tensors.Tensor, fanIn, fanOut int) error {
		scale := max(1.0, float64(fanIn+fanOut))
		limit := math.Sqrt(6.0 / scale)
		return Uniform(rng, -limit, limit).Fill(target)
	})
}

// XavierNormal returns a filler that generates random values with a normal distribution with mean in 0
// and stddev of sqrt(2 / (fanIn+fanOut)).
//
// It initializes biases (anything with rank <= 1) to zeros.
func XavierNormal(rng *rand.Rand) layers.FillerFn {
	return fanBased(func(target *tensors.Tensor, fanIn, fanOut int) error {
		scale := max(1.0, float64(fanIn+fanOut))
		return Normal(rng, math.Sqrt(2.0/scale)).Fill(target)
	})
}

// He returns the filler that tries to preserve the variance of 1, calculated for the Relu activation functions.
//
// It initializes biases (anything with rank <= 1) to zeros.
//
// [1] https://arxiv.org/pdf/1502.01852
func He(rng *rand.Rand) layers.FillerFn {
	return fanBased(func(target *tensors.Tensor, fanIn, _ int) error {
		scale := max(1.0, float64(fanIn))
		return Normal(rng, math.Sqrt(2.0/scale)).Fill(target)
	})
}

// computeFanInFanOut of a weight, assuming the last two axes are the input and output units, and any
// leading axes are the receptive field (as in convolution kernels).
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0: // Scalar.
		fanIn = 1
		fanOut = fanIn
	case 1: // 1D shape, like a bias term.
		fanIn = 0
		fanOut = fanIn
	case 2: // 2D shape, weights of a dense layer.
		fanIn = shape.Dimensions[0]
		fanOut = shape.Dimensions[1]
	default:
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}
