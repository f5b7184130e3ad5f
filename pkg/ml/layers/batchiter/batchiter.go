// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package batchiter implements a layer that makes a kernel layer, written for one sample, work on batches.
//
// The batch iteration layer splits its batched inputs into samples, calls the kernel once per sample
// (plain inputs are passed unchanged to every call) and merges the outputs back into batches. In the
// backward pass it does the reverse, and if the kernel feeds gradients back to its inputs, it sums the
// gradients of inputs that were broadcast over the batch (the plain inputs) back to their original shape.
//
// Example: a kernel registered as "weighted" (see package arith), applied to a batch:
//
//	layer, err := batchiter.New("model/iter").
//		KernelName("weighted").
//		Inputs(layers.InputMap{"input": layers.Batched}).
//		Policies(policies).
//		Done()
//
// If all inputs are declared plain, the layer is trivial and calls are passed directly to the kernel.
package batchiter

import (
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelScope is appended to the name of the layer to name its kernel.
const KernelScope = "kernel"

// Config for a batch iteration Layer. Create it with New, configure it, and call Done to build the Layer.
type Config struct {
	name           string
	factory        layers.KernelFactory
	kernelName     string
	inputs         layers.InputMap
	policies       *layers.Policies
	feedbackOutput *bool
}

// New starts the configuration of a batch iteration layer with the given name.
// The kernel must be set with Config.Kernel or Config.KernelName, or with the layers.PolicyKernel policy.
func New(name string) *Config {
	return &Config{name: name}
}

// Kernel sets the factory used to build the kernel.
func (c *Config) Kernel(factory layers.KernelFactory) *Config {
	c.factory = factory
	return c
}

// KernelName sets the kernel by its name in layers.KnownKernels.
// It takes precedence over the layers.PolicyKernel policy, but not over Config.Kernel.
func (c *Config) KernelName(kernelName string) *Config {
	c.kernelName = kernelName
	return c
}

// Inputs declares the category of each input port. Ports not listed are plain.
//
// If all inputs are declared plain, the layer is trivial: calls are passed directly to the kernel.
// If Inputs is not called, the categories are read from the values on each call.
func (c *Config) Inputs(inputs layers.InputMap) *Config {
	c.inputs = inputs.Clone()
	if c.inputs == nil {
		c.inputs = layers.InputMap{}
	}
	return c
}

// Policies sets the policies used by the layer and its kernel. The kernel is configured under
// the scope "<name>/kernel".
func (c *Config) Policies(policies *layers.Policies) *Config {
	c.policies = policies
	return c
}

// FeedbackOutput sets whether the kernel must feed gradients back to its inputs, overriding
// the layers.PolicyFeedbackOutput policy.
func (c *Config) FeedbackOutput(feedbackOutput bool) *Config {
	c.feedbackOutput = &feedbackOutput
	return c
}

// Done validates the configuration and builds the kernel and the Layer.
// Configuration errors (no kernel, unknown kernel, invalid policies) are returned as layers.ErrMisconfiguration.
func (c *Config) Done() (*Layer, error) {
	if c.name == "" {
		return nil, errors.Wrap(layers.ErrMisconfiguration, "batchiter.New(): empty layer name")
	}
	policy, err := c.policies.Resolve(c.name)
	if err != nil {
		return nil, errors.WithMessagef(err, "batchiter %q", c.name)
	}
	factory := c.factory
	if factory == nil {
		kernelName := c.kernelName
		if kernelName == "" {
			kernelName = policy.Kernel
		}
		if kernelName == "" {
			return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: kernel not set", c.name)
		}
		if factory, err = layers.KernelByName(kernelName); err != nil {
			return nil, errors.WithMessagef(err, "batchiter %q", c.name)
		}
	}

	kernelName := c.name + "/" + KernelScope
	kernelPolicies := c.policies.Clone()
	if c.feedbackOutput != nil {
		kernelPolicies.Set(kernelName, layers.PolicyFeedbackOutput, *c.feedbackOutput)
	} else if policy.FeedbackOutput {
		// The kernel must feed back whenever the wrapper does, even if its own scope says otherwise.
		kernelPolicies.Set(kernelName, layers.PolicyFeedbackOutput, true)
	}
	kernel, err := factory(kernelName, c.inputs.Plain(), kernelPolicies)
	if err != nil {
		if layers.KindOf(err) == nil {
			return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: building kernel: %v", c.name, err)
		}
		return nil, errors.WithMessagef(err, "batchiter %q: building kernel", c.name)
	}
	if kernel == nil {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: kernel factory returned no layer", c.name)
	}
	if err = c.inputs.Check(kernel.InputPorts()); err != nil {
		return nil, errors.WithMessagef(err, "batchiter %q", c.name)
	}
	l := &Layer{
		name:    c.name,
		kernel:  kernel,
		inputs:  c.inputs,
		trivial: c.inputs != nil && c.inputs.AllPlain(),
	}
	klog.V(1).Infof("batchiter %q: kernel %q, feedbackOutput=%v, update=%v, trivial=%v",
		l.name, kernel.Name(), kernel.IsFeedbackOutput(), kernel.IsUpdate(), l.trivial)
	return l, nil
}

// shapeRecord holds the shape of each input observed by one FeedForward call.
type shapeRecord map[string]layers.ValueShape

// Layer is the batch iteration layer. It implements layers.Layer.
type Layer struct {
	name    string
	kernel  layers.Layer
	inputs  layers.InputMap
	trivial bool

	// shapes has one record per FeedForward call not yet matched by a FeedBackward, only for
	// feedback output kernels.
	shapes layers.Stack[shapeRecord]
}

var _ layers.Layer = (*Layer)(nil)

// Name implements layers.Layer.
func (l *Layer) Name() string { return l.name }

// Kernel returns the wrapped kernel layer.
func (l *Layer) Kernel() layers.Layer { return l.kernel }

// IsTrivial returns whether all inputs were declared plain, in which case calls go straight to the kernel.
func (l *Layer) IsTrivial() bool { return l.trivial }

// InputPorts implements layers.Layer. They are the same as the kernel's.
func (l *Layer) InputPorts() *layers.PortSet { return l.kernel.InputPorts() }

// OutputPorts implements layers.Layer. They are the same as the kernel's.
func (l *Layer) OutputPorts() *layers.PortSet { return l.kernel.OutputPorts() }

// IsFeedbackOutput implements layers.Layer.
func (l *Layer) IsFeedbackOutput() bool { return l.kernel.IsFeedbackOutput() }

// IsUpdate implements layers.Layer.
func (l *Layer) IsUpdate() bool { return l.kernel.IsUpdate() }

// PendingShapes returns the number of FeedForward calls not yet matched by a FeedBackward call.
// It is always 0 if the kernel is not feedback output.
func (l *Layer) PendingShapes() int { return l.shapes.Len() }

// Init implements layers.Layer, by initializing the kernel.
func (l *Layer) Init(initializer layers.Initializer, loadBuffer layers.Buffer) error {
	return l.kernel.Init(initializer, loadBuffer)
}

// SaveWeights implements layers.Layer, by saving the kernel weights.
func (l *Layer) SaveWeights(saver layers.Buffer) error {
	return l.kernel.SaveWeights(saver)
}

// GradCollect implements layers.Layer, by collecting the kernel gradients.
func (l *Layer) GradCollect(collector layers.GradCollector) error {
	return l.kernel.GradCollect(collector)
}

// NeutralInvariant implements layers.Layer. It checks the kernel, and that there are no pending shape records.
func (l *Layer) NeutralInvariant() error {
	if err := l.kernel.NeutralInvariant(); err != nil {
		return err
	}
	return l.shapes.CheckEmpty(l.name, "shape records (FeedForward calls without FeedBackward)")
}

// FeedForward implements layers.Layer.
//
// Batched inputs are split into samples, the kernel is called once per sample, and its outputs are
// returned as batches, in the same order as the inputs.
func (l *Layer) FeedForward(input *layers.Container) (*layers.Container, error) {
	if l.trivial {
		if err := l.assertNotBatched(input, "input"); err != nil {
			return nil, err
		}
		return l.kernel.FeedForward(input)
	}
	if !input.Ports().Equal(l.kernel.InputPorts()) {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: input ports %s, wanted %s",
			l.name, input.Ports(), l.kernel.InputPorts())
	}
	if l.inputs != nil {
		for name, value := range input.All() {
			if value != nil && layers.CategoryOf(value) != l.inputs.CategoryOf(name) {
				return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: input %q is %s, but it was declared %s",
					l.name, name, layers.CategoryOf(value), l.inputs.CategoryOf(name))
			}
		}
	}
	batchNum, err := l.batchNum(input, "input")
	if err != nil {
		return nil, err
	}

	var record shapeRecord
	if l.kernel.IsFeedbackOutput() {
		record = make(shapeRecord)
		for name, value := range input.All() {
			if value != nil {
				record[name] = layers.ShapeOf(value)
			}
		}
	}

	outputs := newAccumulator(l.kernel.OutputPorts())
	for idx := range batchNum {
		output, err := l.kernel.FeedForward(sampleOf(input, l.kernel.InputPorts(), idx))
		if err != nil {
			return nil, errors.WithMessagef(err, "batchiter %q: kernel FeedForward on sample %d", l.name, idx)
		}
		if err = outputs.add(output); err != nil {
			return nil, errors.WithMessagef(err, "batchiter %q: kernel output of sample %d", l.name, idx)
		}
	}
	if record != nil {
		l.shapes.Push(record)
	}
	klog.V(2).Infof("batchiter %q: FeedForward on %d samples (%d pending shape records)", l.name, batchNum, l.shapes.Len())
	return outputs.container(), nil
}

// FeedBackward implements layers.Layer.
//
// If the kernel is neither feedback output nor update, there is nothing to do and it returns an empty container.
// Otherwise, the (batched) gradients are split into samples and the kernel FeedBackward is called for each
// sample, in reverse order. For feedback output kernels the input gradients are merged back into batches
// (in the original order), and the gradients of inputs broadcast over the batch are collapsed to the
// shapes observed in the matching FeedForward.
func (l *Layer) FeedBackward(grad *layers.Container) (*layers.Container, error) {
	if l.trivial {
		if err := l.assertNotBatched(grad, "gradient"); err != nil {
			return nil, err
		}
		return l.kernel.FeedBackward(grad)
	}
	feedbackOutput, update := l.kernel.IsFeedbackOutput(), l.kernel.IsUpdate()
	if !feedbackOutput && !update {
		return l.kernel.InputPorts().Create(), nil
	}
	if !grad.Ports().Equal(l.kernel.OutputPorts()) {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: gradient ports %s, wanted %s",
			l.name, grad.Ports(), l.kernel.OutputPorts())
	}
	for name, value := range grad.All() {
		if value != nil && layers.CategoryOf(value) != layers.Batched {
			return nil, errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: gradient %q must be batched",
				l.name, name)
		}
	}
	batchNum, err := l.batchNum(grad, "gradient")
	if err != nil {
		return nil, err
	}

	// The shape record is only popped once all samples went through the kernel.
	var record shapeRecord
	if feedbackOutput {
		var found bool
		record, found = l.shapes.Peek()
		if !found {
			return nil, errors.Wrapf(layers.ErrUnbalancedState, "batchiter %q: FeedBackward without a matching FeedForward", l.name)
		}
	}

	inputGrads := newAccumulator(l.kernel.InputPorts())
	for idx := batchNum - 1; idx >= 0; idx-- {
		sampleGrad, err := l.kernel.FeedBackward(sampleOf(grad, l.kernel.OutputPorts(), idx))
		if err != nil {
			return nil, errors.WithMessagef(err, "batchiter %q: kernel FeedBackward on sample %d", l.name, idx)
		}
		if !feedbackOutput {
			continue
		}
		if err = inputGrads.add(sampleGrad); err != nil {
			return nil, errors.WithMessagef(err, "batchiter %q: kernel gradient of sample %d", l.name, idx)
		}
	}
	if !feedbackOutput {
		return l.kernel.InputPorts().Create(), nil
	}
	l.shapes.Pop()
	inputGrads.reverse()

	result := inputGrads.container()
	for name, value := range result.All() {
		if value == nil {
			continue
		}
		target, found := record[name]
		if !found {
			return nil, errors.Wrapf(layers.ErrShapeMismatch, "batchiter %q: kernel returned a gradient for input %q, which was empty in FeedForward",
				l.name, name)
		}
		collapsed, err := layers.Collapse(value, target)
		if err != nil {
			return nil, errors.WithMessagef(err, "batchiter %q: gradient of input %q", l.name, name)
		}
		if collapsed != value {
			klog.V(2).Infof("batchiter %q: collapsed gradient of %q from %s to %s", l.name, name, layers.ShapeOf(value), target)
		}
		result = result.Set(name, collapsed)
	}
	return result, nil
}

// assertNotBatched is used by trivial layers.
func (l *Layer) assertNotBatched(c *layers.Container, what string) error {
	for name, value := range c.All() {
		if value != nil && layers.CategoryOf(value) == layers.Batched {
			return errors.Wrapf(layers.ErrMisconfiguration, "batchiter %q: %s %q is batched, but all inputs were declared plain",
				l.name, what, name)
		}
	}
	return nil
}

// batchNum returns the common batch number of the batched values in c.
func (l *Layer) batchNum(c *layers.Container, what string) (int, error) {
	batchNum := 0
	var batchPort string
	for name, value := range c.All() {
		b, ok := value.(*layers.Batch)
		if !ok || b == nil {
			continue
		}
		if b.BatchNum() == 0 {
			return 0, errors.Wrapf(layers.ErrEmptyBatch, "batchiter %q: %s %q has no elements", l.name, what, name)
		}
		if batchNum != 0 && b.BatchNum() != batchNum {
			return 0, errors.Wrapf(layers.ErrBatchMismatch, "batchiter %q: %s %q has batch number %d, but %q has %d",
				l.name, what, name, b.BatchNum(), batchPort, batchNum)
		}
		batchNum, batchPort = b.BatchNum(), name
	}
	if batchNum == 0 {
		return 0, errors.Wrapf(layers.ErrEmptyBatch, "batchiter %q: no batched %s", l.name, what)
	}
	return batchNum, nil
}
