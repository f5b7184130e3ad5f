// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package layers defines the Layer interface and the values layers exchange.
//
// A model is a tree of layers. A training step calls FeedForward from the root to the leaves, then
// FeedBackward from the leaves to the root with the gradients of the outputs, and finally GradCollect to
// harvest the gradients of all parameters into a GradCollector (usually an optimizer). Init and SaveWeights
// are called at checkpoint boundaries.
//
// Inputs, outputs and gradients are passed in a Container: one Value per named port. A Value is either
// plain (*tensors.Tensor) or batched (*Batch, one tensor per sample).
//
// Errors returned by layers wrap one of the error kinds (ErrBatchMismatch, ErrShapeMismatch, etc.), see
// KindOf. Programming errors, like accessing a port that doesn't exist, panic.
//
// Layers are not safe for concurrent use: calls must be sequential, and each FeedBackward must match
// (in reverse order) a previous FeedForward.
package layers

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
)

// Layer is the interface implemented by all layers.
type Layer interface {
	// Name of the layer, also used as its scope in Policies.
	Name() string

	// InputPorts is the set of ports of the containers accepted by FeedForward (and returned by FeedBackward).
	InputPorts() *PortSet

	// OutputPorts is the set of ports of the containers returned by FeedForward (and accepted by FeedBackward).
	OutputPorts() *PortSet

	// IsFeedbackOutput returns whether FeedBackward returns the gradients with respect to the inputs.
	IsFeedbackOutput() bool

	// IsUpdate returns whether the layer holds parameters being trained.
	IsUpdate() bool

	// FeedForward computes the outputs for the given inputs.
	FeedForward(input *Container) (*Container, error)

	// FeedBackward takes the gradients of the outputs and returns the gradients of the inputs.
	// It must be called once per FeedForward, in reverse order.
	// Layers that are not IsFeedbackOutput return an empty container.
	FeedBackward(grad *Container) (*Container, error)

	// Init initializes the parameters of the layer: they are either taken from loadBuffer or created
	// with initializer, and then registered in loadBuffer.
	Init(initializer Initializer, loadBuffer Buffer) error

	// SaveWeights stores the parameters of the layer in saver.
	SaveWeights(saver Buffer) error

	// GradCollect reports the accumulated gradients of the parameters of the layer to collector, and
	// clears them.
	GradCollect(collector GradCollector) error

	// NeutralInvariant returns an ErrUnbalancedState if the layer holds state from FeedForward calls
	// without matching FeedBackward, or gradients not yet collected.
	NeutralInvariant() error
}

// Initializer provides the initial values of parameters.
type Initializer interface {
	// IsParamExist returns whether the initializer holds a value for the parameter.
	IsParamExist(category Category, name string) bool

	// GetParam copies the value of the parameter into target, which has the expected shape.
	GetParam(name string, target *tensors.Tensor) error

	// GetFiller returns the filler registered under fillerName.
	GetFiller(fillerName string) (Filler, error)
}

// Filler fills a tensor with initial values.
type Filler interface {
	Fill(target *tensors.Tensor) error
}

// FillerFn is a function that implements Filler.
type FillerFn func(target *tensors.Tensor) error

// Fill implements Filler.
func (fn FillerFn) Fill(target *tensors.Tensor) error { return fn(target) }

// Buffer holds named parameter values, used both to load (or share) and to save parameters.
type Buffer interface {
	// TryGet returns the value stored under name, if there is one.
	TryGet(category Category, name string) (*tensors.Tensor, bool)

	// Set stores value under name, replacing any previous value.
	Set(name string, value *tensors.Tensor)
}

// GradCollector receives the gradients of the parameters, e.g.: an optimizer.
type GradCollector interface {
	// Collect the gradient of the parameter name, whose current value is value.
	Collect(name string, value, grad *tensors.Tensor) error
}
