// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package paramsource implements the parameter source layer: a leaf layer that owns one (trainable)
// parameter, loads, initializes and saves it, and accumulates its gradients.
//
// Parameters are identified in checkpoints (and in layers.Buffer) by their parameter name, which may be shared
// by different layers: the first one to Init creates the value and registers it in the load buffer, and the
// following ones reuse it. This is how weights are shared.
package paramsource

import (
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OutputPort is the only output port of the layer, holding the parameter value.
const OutputPort = "output"

var outputPorts = layers.Ports(OutputPort)

// Config for a parameter source Layer. Create it with New and call Done to build the Layer.
type Config struct {
	name, paramName string
	shape           shapes.Shape
	value           *tensors.Tensor
	update          *bool
	filler          *string
	policies        *layers.Policies
}

// New starts the configuration of a parameter source layer with the given layer name, and the
// name of the parameter it holds.
//
// Either Config.Shape (for the principal parameter) or Config.Value must be set.
func New(name, paramName string) *Config {
	return &Config{name: name, paramName: paramName, shape: shapes.Invalid()}
}

// Shape configures the layer to hold the principal representation of the parameter, with the given shape.
// The value is created (or loaded) by Layer.Init.
func (c *Config) Shape(shape shapes.Shape) *Config {
	c.shape = shape
	return c
}

// Value configures the layer to hold the given fixed value: it is not principal, so it is never updated,
// loaded or saved.
func (c *Config) Value(value *tensors.Tensor) *Config {
	c.value = value
	return c
}

// Update sets whether the parameter is trained, overriding the layers.PolicyUpdate policy.
func (c *Config) Update(update bool) *Config {
	c.update = &update
	return c
}

// Filler sets the name of the filler used to initialize the parameter, if it is not loaded.
// It overrides the layers.PolicyFiller policy.
func (c *Config) Filler(fillerName string) *Config {
	c.filler = &fillerName
	return c
}

// Policies from where to read layers.PolicyUpdate and layers.PolicyFiller.
func (c *Config) Policies(policies *layers.Policies) *Config {
	c.policies = policies
	return c
}

// Done validates the configuration and returns the new Layer.
func (c *Config) Done() (*Layer, error) {
	if c.name == "" || c.paramName == "" {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "paramsource.New(%q, %q): empty layer or parameter name",
			c.name, c.paramName)
	}
	hasShape, hasValue := c.shape.Ok(), c.value != nil
	if hasShape == hasValue {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "paramsource %q: exactly one of Shape or Value must be set", c.name)
	}
	if hasShape && !tensors.IsSupportedDType(c.shape.DType) {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "paramsource %q: dtype of shape %s not supported", c.name, c.shape)
	}
	policy, err := c.policies.Resolve(c.name)
	if err != nil {
		return nil, errors.WithMessagef(err, "paramsource %q", c.name)
	}
	l := &Layer{
		name:      c.name,
		paramName: c.paramName,
		principal: hasShape,
		update:    policy.Update,
		filler:    policy.Filler,
	}
	if c.update != nil {
		l.update = *c.update
	}
	if c.filler != nil {
		l.filler = *c.filler
	}
	if hasShape {
		l.shape = c.shape.Clone()
	} else {
		l.value = c.value
		l.shape = c.value.Shape()
		l.update = false
	}
	return l, nil
}

// Layer is a leaf layer holding one parameter. It has no inputs and one output, OutputPort.
// It implements layers.Layer.
type Layer struct {
	name, paramName string
	principal       bool
	update          bool
	filler          string
	shape           shapes.Shape
	value           *tensors.Tensor

	// grads pushed by FeedBackward, waiting for GradCollect.
	grads layers.Stack[*tensors.Tensor]
}

var _ layers.Layer = (*Layer)(nil)

// Name implements layers.Layer.
func (l *Layer) Name() string { return l.name }

// ParamName returns the name of the parameter in checkpoints.
func (l *Layer) ParamName() string { return l.paramName }

// Shape of the parameter.
func (l *Layer) Shape() shapes.Shape { return l.shape }

// Value returns the current value of the parameter, or nil if it was not initialized yet.
func (l *Layer) Value() *tensors.Tensor { return l.value }

// IsPrincipal returns whether the layer holds the principal (loaded and saved) representation of the parameter.
func (l *Layer) IsPrincipal() bool { return l.principal }

// InputPorts implements layers.Layer. There are no inputs.
func (l *Layer) InputPorts() *layers.PortSet { return layers.NoPorts }

// OutputPorts implements layers.Layer.
func (l *Layer) OutputPorts() *layers.PortSet { return outputPorts }

// IsFeedbackOutput implements layers.Layer. It is always false, since there are no inputs.
func (l *Layer) IsFeedbackOutput() bool { return false }

// IsUpdate implements layers.Layer.
func (l *Layer) IsUpdate() bool { return l.update }

// PendingGrads returns the number of gradients waiting for GradCollect.
func (l *Layer) PendingGrads() int { return l.grads.Len() }

// Init implements layers.Layer.
//
// If loadBuffer has the parameter, it is used (and shared with other layers using the same parameter name).
// Otherwise, the value is created with zeros, and then either taken from initializer or filled with the
// configured filler. The new value is registered in loadBuffer.
//
// It is a no-op for non-principal layers.
func (l *Layer) Init(initializer layers.Initializer, loadBuffer layers.Buffer) error {
	if !l.principal {
		return nil
	}
	if loaded, found := loadBuffer.TryGet(layers.Plain, l.paramName); found {
		if !loaded.Shape().Equal(l.shape) {
			return errors.Wrapf(layers.ErrShapeMismatch, "paramsource %q: loaded parameter %q has shape %s, wanted %s",
				l.name, l.paramName, loaded.Shape(), l.shape)
		}
		l.value = loaded
		klog.V(2).Infof("paramsource %q: using loaded parameter %q %s", l.name, l.paramName, l.shape)
		return nil
	}

	value := tensors.FromShape(l.shape)
	switch {
	case initializer != nil && initializer.IsParamExist(layers.Plain, l.paramName):
		if err := initializer.GetParam(l.paramName, value); err != nil {
			return errors.WithMessagef(err, "paramsource %q: getting parameter %q from initializer", l.name, l.paramName)
		}
	case l.filler != "":
		if initializer == nil {
			return errors.Wrapf(layers.ErrMissingInitializer, "paramsource %q: no initializer to get filler %q for parameter %q",
				l.name, l.filler, l.paramName)
		}
		filler, err := initializer.GetFiller(l.filler)
		if err != nil {
			return errors.WithMessagef(err, "paramsource %q: parameter %q", l.name, l.paramName)
		}
		if err = filler.Fill(value); err != nil {
			return errors.WithMessagef(err, "paramsource %q: filling parameter %q with %q", l.name, l.paramName, l.filler)
		}
	default:
		return errors.Wrapf(layers.ErrMissingInitializer, "paramsource %q: parameter %q %s is not loaded and has no filler",
			l.name, l.paramName, l.shape)
	}
	l.value = value
	loadBuffer.Set(l.paramName, value)
	klog.V(2).Infof("paramsource %q: initialized parameter %q %s", l.name, l.paramName, l.shape)
	return nil
}

// SaveWeights implements layers.Layer. It stores a copy of the current value in saver, unless saver already holds
// the same value for the parameter. If saver holds a different value, it returns a layers.ErrDuplicateSave.
//
// It is a no-op for non-principal layers.
func (l *Layer) SaveWeights(saver layers.Buffer) error {
	if !l.principal {
		return nil
	}
	if l.value == nil {
		return errors.Wrapf(layers.ErrMisconfiguration, "paramsource %q: SaveWeights before Init", l.name)
	}
	if saved, found := saver.TryGet(layers.Plain, l.paramName); found {
		if saved == l.value || saved.Equal(l.value) {
			return nil
		}
		return errors.Wrapf(layers.ErrDuplicateSave, "paramsource %q: parameter %q already saved with a different value",
			l.name, l.paramName)
	}
	saver.Set(l.paramName, l.value.Clone())
	return nil
}

// FeedForward implements layers.Layer. It ignores the input and returns the parameter value.
func (l *Layer) FeedForward(_ *layers.Container) (*layers.Container, error) {
	if l.value == nil {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "paramsource %q: FeedForward before Init", l.name)
	}
	return outputPorts.Create().Set(OutputPort, l.value), nil
}

// FeedBackward implements layers.Layer. If the parameter is trained and a gradient is given, it
// is kept (a copy of it) until GradCollect is called. It returns an empty container.
func (l *Layer) FeedBackward(grad *layers.Container) (*layers.Container, error) {
	if !l.update {
		return layers.NoPorts.Create(), nil
	}
	g, err := grad.Tensor(OutputPort)
	if err != nil {
		return nil, errors.WithMessagef(err, "paramsource %q", l.name)
	}
	if g == nil {
		return layers.NoPorts.Create(), nil
	}
	if !g.Shape().EqualDimensions(l.shape) {
		return nil, errors.Wrapf(layers.ErrShapeMismatch, "paramsource %q: gradient has shape %s, parameter %q has shape %s",
			l.name, g.Shape(), l.paramName, l.shape)
	}
	l.grads.Push(g.Clone())
	return layers.NoPorts.Create(), nil
}

// GradCollect implements layers.Layer. It sums all gradients received since the last call and reports them
// to collector. If there are no gradients, nothing is reported.
func (l *Layer) GradCollect(collector layers.GradCollector) error {
	if !l.update {
		return nil
	}
	grads := l.grads.Drain()
	if len(grads) == 0 {
		return nil
	}
	total, err := tensors.Sum(grads...)
	if err != nil {
		return errors.Wrapf(layers.ErrShapeMismatch, "paramsource %q: summing gradients: %v", l.name, err)
	}
	klog.V(2).Infof("paramsource %q: collecting %d gradients for parameter %q", l.name, len(grads), l.paramName)
	return collector.Collect(l.paramName, l.value, total)
}

// NeutralInvariant implements layers.Layer. It fails if there are gradients not yet collected.
func (l *Layer) NeutralInvariant() error {
	return l.grads.CheckEmpty(l.name, "gradients (FeedBackward without GradCollect)")
}
