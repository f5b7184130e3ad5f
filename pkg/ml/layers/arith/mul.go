// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arith

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Mul layer: output = x * y, element-wise with broadcasting.
//
// If feedback output, it keeps the inputs of each FeedForward call until the matching FeedBackward,
// which returns the gradients reduced back to the shapes of x and y.
type Mul struct {
	noState
	name           string
	feedbackOutput bool
	operands       layers.Stack[[2]*tensors.Tensor]
}

var _ layers.Layer = (*Mul)(nil)

// NewMul creates a Mul layer.
func NewMul(name string, inputs layers.InputMap, policies *layers.Policies) (*Mul, error) {
	if err := inputs.Check(xyPorts); err != nil {
		return nil, errors.WithMessagef(err, "arith.NewMul(%q)", name)
	}
	policy, err := policies.Resolve(name)
	if err != nil {
		return nil, err
	}
	return &Mul{name: name, feedbackOutput: policy.FeedbackOutput}, nil
}

// Name implements layers.Layer.
func (l *Mul) Name() string { return l.name }

// InputPorts implements layers.Layer.
func (l *Mul) InputPorts() *layers.PortSet { return xyPorts }

// OutputPorts implements layers.Layer.
func (l *Mul) OutputPorts() *layers.PortSet { return outputPorts }

// IsFeedbackOutput implements layers.Layer.
func (l *Mul) IsFeedbackOutput() bool { return l.feedbackOutput }

// FeedForward implements layers.Layer.
func (l *Mul) FeedForward(input *layers.Container) (*layers.Container, error) {
	x, err := requireTensor(l.name, input, XPort)
	if err != nil {
		return nil, err
	}
	y, err := requireTensor(l.name, input, YPort)
	if err != nil {
		return nil, err
	}
	z, err := tensors.Mul(x, y)
	if err != nil {
		return nil, errors.Wrapf(layers.ErrShapeMismatch, "layer %q: %v", l.name, err)
	}
	if l.feedbackOutput {
		l.operands.Push([2]*tensors.Tensor{x, y})
	}
	return outputPorts.Create().Set(OutputPort, z), nil
}

// FeedBackward implements layers.Layer.
func (l *Mul) FeedBackward(grad *layers.Container) (*layers.Container, error) {
	result := xyPorts.Create()
	if !l.feedbackOutput {
		return result, nil
	}
	operands, found := l.operands.Pop()
	if !found {
		return nil, errors.Wrapf(layers.ErrUnbalancedState, "layer %q: FeedBackward without a matching FeedForward", l.name)
	}
	dz, err := grad.Tensor(OutputPort)
	if err != nil {
		return nil, err
	}
	if dz == nil {
		return result, nil
	}
	x, y := operands[0], operands[1]
	dx, err := productGrad(dz, y, x)
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q: gradient of %q", l.name, XPort)
	}
	dy, err := productGrad(dz, x, y)
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q: gradient of %q", l.name, YPort)
	}
	return result.Set(XPort, dx).Set(YPort, dy), nil
}

// NeutralInvariant implements layers.Layer.
func (l *Mul) NeutralInvariant() error {
	return l.operands.CheckEmpty(l.name, "operands (FeedForward calls without FeedBackward)")
}

// productGrad returns the gradient of `operand` in `operand * other`, given the gradient of the product.
func productGrad(grad, other, operand *tensors.Tensor) (*tensors.Tensor, error) {
	g, err := tensors.Mul(grad, other)
	if err != nil {
		return nil, errors.Wrapf(layers.ErrShapeMismatch, "%v", err)
	}
	g, err = tensors.ReduceToShape(g, operand.Shape())
	if err != nil {
		return nil, errors.Wrapf(layers.ErrShapeMismatch, "%v", err)
	}
	return g, nil
}
