// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package arith implements small element-wise layers, meant to be used as kernels of composite layers
// (see package batchiter). They are registered in layers.KnownKernels when the package is imported:
//
//   - "scale": output = k * input, with k set by the ParamScaleFactor policy.
//   - "mul": output = x * y, with broadcasting.
//   - "weighted": output = w * input, where w is a trainable parameter (see package paramsource).
package arith

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Port names used by the kernels.
const (
	InputPort  = "input"
	OutputPort = "output"
	XPort      = "x"
	YPort      = "y"
)

// Policy keys (hyperparameters) read by the kernels.
const (
	// ParamScaleFactor (float64) is the factor used by the "scale" kernel. Default is 1.
	ParamScaleFactor = "scale_factor"

	// ParamWeightDims ([]int) are the dimensions of the weight of the "weighted" kernel. Default is a scalar.
	ParamWeightDims = "weight_dims"

	// ParamWeightDType (dtypes.DType) is the dtype of the weight of the "weighted" kernel. Default is Float64.
	ParamWeightDType = "weight_dtype"

	// ParamWeightName (string) is the parameter name of the weight of the "weighted" kernel, used in checkpoints.
	// Kernels with the same weight name share the weight. Default is "<layer name>/weight".
	ParamWeightName = "weight_name"
)

var (
	inputPorts  = layers.Ports(InputPort)
	outputPorts = layers.Ports(OutputPort)
	xyPorts     = layers.Ports(XPort, YPort)
)

func init() {
	layers.RegisterKernel("scale", func(name string, inputs layers.InputMap, policies *layers.Policies) (layers.Layer, error) {
		return NewScale(name, inputs, policies)
	})
	layers.RegisterKernel("mul", func(name string, inputs layers.InputMap, policies *layers.Policies) (layers.Layer, error) {
		return NewMul(name, inputs, policies)
	})
	layers.RegisterKernel("weighted", func(name string, inputs layers.InputMap, policies *layers.Policies) (layers.Layer, error) {
		return NewWeighted(name, inputs, policies)
	})
}

// requireTensor returns the plain value of the port, and an error if it is empty or batched.
func requireTensor(layerName string, c *layers.Container, port string) (*tensors.Tensor, error) {
	t, err := c.Tensor(port)
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q", layerName)
	}
	if t == nil {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "layer %q: port %q is empty", layerName, port)
	}
	return t, nil
}

// noState implements the state related methods of layers.Layer for layers without parameters or pending state.
type noState struct{}

func (noState) Init(layers.Initializer, layers.Buffer) error { return nil }
func (noState) SaveWeights(layers.Buffer) error              { return nil }
func (noState) GradCollect(layers.GradCollector) error       { return nil }
func (noState) IsUpdate() bool                               { return false }
