// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package arith

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/layers/paramsource"
	"github.com/pkg/errors"
)

// Weighted layer: output = w * input, where w is a parameter held by a paramsource.Layer named "<name>/weight".
// The weight is broadcast to the shape of the input.
//
// The weight is trained if the layers.PolicyUpdate policy is set for it, and it is initialized with the
// layers.PolicyFiller policy, if it is not loaded.
type Weighted struct {
	name           string
	feedbackOutput bool
	weight         *paramsource.Layer
	inputs         layers.Stack[*tensors.Tensor]
}

var _ layers.Layer = (*Weighted)(nil)

// NewWeighted creates a Weighted layer. The shape of the weight is configured by the ParamWeightDims and
// ParamWeightDType policies, and its parameter name by ParamWeightName.
func NewWeighted(name string, inputs layers.InputMap, policies *layers.Policies) (*Weighted, error) {
	if err := inputs.Check(inputPorts); err != nil {
		return nil, errors.WithMessagef(err, "arith.NewWeighted(%q)", name)
	}
	policy, err := policies.Resolve(name)
	if err != nil {
		return nil, err
	}
	weightName := name + "/weight"
	dims, err := layers.GetPolicyOr[[]int](policies, weightName, ParamWeightDims, nil)
	if err != nil {
		return nil, err
	}
	for _, dim := range dims {
		if dim <= 0 {
			return nil, errors.Wrapf(layers.ErrMisconfiguration, "arith.NewWeighted(%q): invalid weight dimensions %v", name, dims)
		}
	}
	dtype, err := layers.GetPolicyOr(policies, weightName, ParamWeightDType, dtypes.Float64)
	if err != nil {
		return nil, err
	}
	paramName, err := layers.GetPolicyOr(policies, weightName, ParamWeightName, weightName)
	if err != nil {
		return nil, err
	}
	weight, err := paramsource.New(weightName, paramName).
		Shape(shapes.Make(dtype, dims...)).
		Policies(policies).
		Done()
	if err != nil {
		return nil, err
	}
	return &Weighted{name: name, feedbackOutput: policy.FeedbackOutput, weight: weight}, nil
}

// Name implements layers.Layer.
func (l *Weighted) Name() string { return l.name }

// Weight returns the parameter source sublayer holding the weight.
func (l *Weighted) Weight() *paramsource.Layer { return l.weight }

// InputPorts implements layers.Layer.
func (l *Weighted) InputPorts() *layers.PortSet { return inputPorts }

// OutputPorts implements layers.Layer.
func (l *Weighted) OutputPorts() *layers.PortSet { return outputPorts }

// IsFeedbackOutput implements layers.Layer.
func (l *Weighted) IsFeedbackOutput() bool { return l.feedbackOutput }

// IsUpdate implements layers.Layer: it is true if the weight is trained.
func (l *Weighted) IsUpdate() bool { return l.weight.IsUpdate() }

// Init implements layers.Layer.
func (l *Weighted) Init(initializer layers.Initializer, loadBuffer layers.Buffer) error {
	return l.weight.Init(initializer, loadBuffer)
}

// SaveWeights implements layers.Layer.
func (l *Weighted) SaveWeights(saver layers.Buffer) error { return l.weight.SaveWeights(saver) }

// GradCollect implements layers.Layer.
func (l *Weighted) GradCollect(collector layers.GradCollector) error {
	return l.weight.GradCollect(collector)
}

// NeutralInvariant implements layers.Layer.
func (l *Weighted) NeutralInvariant() error {
	if err := l.weight.NeutralInvariant(); err != nil {
		return err
	}
	return l.inputs.CheckEmpty(l.name, "inputs (FeedForward calls without FeedBackward)")
}

// FeedForward implements layers.Layer.
func (l *Weighted) FeedForward(input *layers.Container) (*layers.Container, error) {
	x, err := requireTensor(l.name, input, InputPort)
	if err != nil {
		return nil, err
	}
	wOutput, err := l.weight.FeedForward(layers.NoPorts.Create())
	if err != nil {
		return nil, err
	}
	w, _ := wOutput.Tensor(paramsource.OutputPort)
	y, err := tensors.Mul(w, x)
	if err != nil {
		return nil, errors.Wrapf(layers.ErrShapeMismatch, "layer %q: %v", l.name, err)
	}
	if l.feedbackOutput || l.IsUpdate() {
		l.inputs.Push(x)
	}
	return outputPorts.Create().Set(OutputPort, y), nil
}

// FeedBackward implements layers.Layer.
func (l *Weighted) FeedBackward(grad *layers.Container) (*layers.Container, error) {
	result := inputPorts.Create()
	if !l.feedbackOutput && !l.IsUpdate() {
		return result, nil
	}
	x, found := l.inputs.Pop()
	if !found {
		return nil, errors.Wrapf(layers.ErrUnbalancedState, "layer %q: FeedBackward without a matching FeedForward", l.name)
	}
	dy, err := grad.Tensor(OutputPort)
	if err != nil {
		return nil, err
	}
	if dy == nil {
		return result, nil
	}
	w := l.weight.Value()
	if l.IsUpdate() {
		dw, err := productGrad(dy, x, w)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %q: gradient of the weight", l.name)
		}
		if _, err = l.weight.FeedBackward(l.weight.OutputPorts().Create().Set(paramsource.OutputPort, dw)); err != nil {
			return nil, err
		}
	}
	if !l.feedbackOutput {
		return result, nil
	}
	dx, err := productGrad(dy, w, x)
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q: gradient of %q", l.name, InputPort)
	}
	return result.Set(InputPort, dx), nil
}
