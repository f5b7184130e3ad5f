// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arith

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Scale layer: output = factor * input. It has no state.
type Scale struct {
	noState
	name           string
	factor         float64
	feedbackOutput bool
}

var _ layers.Layer = (*Scale)(nil)

// NewScale creates a Scale layer, with the factor given by the ParamScaleFactor policy.
func NewScale(name string, inputs layers.InputMap, policies *layers.Policies) (*Scale, error) {
	if err := inputs.Check(inputPorts); err != nil {
		return nil, errors.WithMessagef(err, "arith.NewScale(%q)", name)
	}
	policy, err := policies.Resolve(name)
	if err != nil {
		return nil, err
	}
	factor, err := layers.GetPolicyOr(policies, name, ParamScaleFactor, 1.0)
	if err != nil {
		return nil, err
	}
	return &Scale{name: name, factor: factor, feedbackOutput: policy.FeedbackOutput}, nil
}

// Name implements layers.Layer.
func (l *Scale) Name() string { return l.name }

// Factor returns the scale factor.
func (l *Scale) Factor() float64 { return l.factor }

// InputPorts implements layers.Layer.
func (l *Scale) InputPorts() *layers.PortSet { return inputPorts }

// OutputPorts implements layers.Layer.
func (l *Scale) OutputPorts() *layers.PortSet { return outputPorts }

// IsFeedbackOutput implements layers.Layer.
func (l *Scale) IsFeedbackOutput() bool { return l.feedbackOutput }

// FeedForward implements layers.Layer.
func (l *Scale) FeedForward(input *layers.Container) (*layers.Container, error) {
	x, err := requireTensor(l.name, input, InputPort)
	if err != nil {
		return nil, err
	}
	return outputPorts.Create().Set(OutputPort, tensors.Scale(x, l.factor)), nil
}

// FeedBackward implements layers.Layer.
func (l *Scale) FeedBackward(grad *layers.Container) (*layers.Container, error) {
	result := inputPorts.Create()
	if !l.feedbackOutput {
		return result, nil
	}
	dy, err := grad.Tensor(OutputPort)
	if err != nil {
		return nil, err
	}
	if dy == nil {
		return result, nil
	}
	return result.Set(InputPort, tensors.Scale(dy, l.factor)), nil
}

// NeutralInvariant implements layers.Layer.
func (l *Scale) NeutralInvariant() error { return nil }
