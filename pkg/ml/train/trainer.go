// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package train implements the training step of a model (a layers.Layer) and a training Loop with hooks.
//
// A Trainer executes one training step per batch: FeedForward, the gradient of the loss with respect to the
// outputs, FeedBackward, and then the gradients of the parameters are collected into an optimizer (see package
// optimizers). The Loop iterates over a Dataset calling Trainer.TrainStep, and invoking the registered hooks.
package train

import (
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/train/metrics"
	"github.com/gomlx/layerkit/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// OutputGradFn takes the outputs of the model and returns the gradients of the loss with respect to them (a
// container with the model output ports), and the loss value itself.
type OutputGradFn func(outputs *layers.Container) (grad *layers.Container, loss float64, err error)

// Trainer runs training steps of a model.
//
// Usually it is used with a Loop, but it can also be used directly by calling TrainStep for each batch.
type Trainer struct {
	model     layers.Layer
	optimizer optimizers.Interface

	globalStep int64

	// numAccumulatingSteps is the number of training steps whose gradients are accumulated before they are
	// applied by the optimizer, and accumulatedSteps is the count since the last application.
	numAccumulatingSteps, accumulatedSteps int

	learningRateSchedule func(globalStep int64) float64
	trainMetrics         []metrics.Interface
	initialized          bool
}

// NewTrainer creates a Trainer for the model, whose parameters are updated by the optimizer.
//
// The model must be initialized with Trainer.Init before the first TrainStep.
func NewTrainer(model layers.Layer, optimizer optimizers.Interface) *Trainer {
	return &Trainer{
		model:                model,
		optimizer:            optimizer,
		numAccumulatingSteps: 1,
		trainMetrics:         []metrics.Interface{metrics.NewMeanMetric("Mean Loss", "~loss", metrics.LossMetricType)},
	}
}

// Model being trained.
func (r *Trainer) Model() layers.Layer { return r.model }

// Optimizer used to update the parameters.
func (r *Trainer) Optimizer() optimizers.Interface { return r.optimizer }

// GlobalStep returns the number of times the optimizer was applied, that is, the number of training steps
// divided by NumAccumulatingSteps.
func (r *Trainer) GlobalStep() int64 { return r.globalStep }

// SetGlobalStep sets the global step, usually restored from a checkpoint.
func (r *Trainer) SetGlobalStep(globalStep int64) { r.globalStep = globalStep }

// WithMetrics adds metrics updated with the loss of each training step.
// By default, the Trainer keeps the mean of the loss.
func (r *Trainer) WithMetrics(trainMetrics ...metrics.Interface) *Trainer {
	r.trainMetrics = append(r.trainMetrics, trainMetrics...)
	return r
}

// TrainMetrics returns the metrics updated with the loss of each training step.
func (r *Trainer) TrainMetrics() []metrics.Interface { return r.trainMetrics }

// ResetTrainMetrics resets all training metrics.
func (r *Trainer) ResetTrainMetrics() {
	for _, m := range r.trainMetrics {
		m.Reset()
	}
}

// WithLearningRateSchedule sets a function that defines the learning rate of the optimizer for each
// global step. It is applied just before the optimizer is used. See package cosineschedule.
func (r *Trainer) WithLearningRateSchedule(schedule func(globalStep int64) float64) *Trainer {
	r.learningRateSchedule = schedule
	return r
}

// AccumulateGradients configures the trainer to accumulate n steps of gradients before applying them
// with the optimizer. The mean gradient of the n steps is used.
//
// The global step is only incremented when the gradients are applied.
// It returns an error if n < 1, or if it is called in the middle of an accumulation.
func (r *Trainer) AccumulateGradients(n int) error {
	if n < 1 {
		return errors.Wrapf(layers.ErrMisconfiguration, "Trainer.AccumulateGradients(%d): n must be >= 1", n)
	}
	if r.accumulatedSteps != 0 {
		return errors.Wrapf(layers.ErrUnbalancedState,
			"Trainer.AccumulateGradients(%d): %d steps already accumulated", n, r.accumulatedSteps)
	}
	r.numAccumulatingSteps = n
	return nil
}

// NumAccumulatingSteps returns the number of steps whose gradients are accumulated before being applied.
// Defaults to 1, see AccumulateGradients.
func (r *Trainer) NumAccumulatingSteps() int { return r.numAccumulatingSteps }

// Init initializes the parameters of the model, see layers.Layer.Init.
// loadBuffer holds previously saved parameters (e.g.: checkpoints.Handler.LoadBuffer), and it can be empty.
func (r *Trainer) Init(initializer layers.Initializer, loadBuffer layers.Buffer) error {
	if err := r.model.Init(initializer, loadBuffer); err != nil {
		return errors.WithMessagef(err, "Trainer.Init(model %q)", r.model.Name())
	}
	r.initialized = true
	klog.V(1).Infof("Trainer: model %q initialized", r.model.Name())
	return nil
}

// Save the parameters of the model into saver, see layers.Layer.SaveWeights.
func (r *Trainer) Save(saver layers.Buffer) error {
	if err := r.model.SaveWeights(saver); err != nil {
		return errors.WithMessagef(err, "Trainer.Save(model %q)", r.model.Name())
	}
	return nil
}

// TrainStep runs one training step with the given inputs:
//
//  1. The outputs are computed with FeedForward.
//  2. gradFn returns the gradients of the loss with respect to the outputs, and the loss.
//  3. FeedBackward back-propagates the gradients.
//  4. Every NumAccumulatingSteps steps, the mean of the accumulated gradients of the parameters is collected
//     by the optimizer, the global step is incremented and the model is checked for unbalanced state.
//
// It returns the loss returned by gradFn.
func (r *Trainer) TrainStep(inputs *layers.Container, gradFn OutputGradFn) (loss float64, err error) {
	if !r.initialized {
		return 0, errors.Wrapf(layers.ErrMisconfiguration, "Trainer.TrainStep: model %q not initialized, "+
			"call Trainer.Init first", r.model.Name())
	}
	outputs, err := r.model.FeedForward(inputs)
	if err != nil {
		return 0, errors.WithMessagef(err, "Trainer.TrainStep(global step %d): forward", r.globalStep)
	}
	outputsGrad, loss, err := gradFn(outputs)
	if err != nil {
		return 0, errors.WithMessagef(err, "Trainer.TrainStep(global step %d): loss", r.globalStep)
	}
	if _, err = r.model.FeedBackward(outputsGrad); err != nil {
		return 0, errors.WithMessagef(err, "Trainer.TrainStep(global step %d): backward", r.globalStep)
	}
	for _, m := range r.trainMetrics {
		m.Update(loss)
	}

	r.accumulatedSteps++
	if r.accumulatedSteps < r.numAccumulatingSteps {
		return loss, nil
	}
	r.accumulatedSteps = 0
	if err = r.applyGradients(); err != nil {
		return 0, err
	}
	return loss, nil
}

// applyGradients collects the gradients of the model into the optimizer.
func (r *Trainer) applyGradients() error {
	if r.learningRateSchedule != nil {
		r.optimizer.SetLearningRate(r.learningRateSchedule(r.globalStep))
	}
	if err := optimizers.Apply(r.optimizer, r.model, 1.0/float64(r.numAccumulatingSteps)); err != nil {
		return errors.WithMessagef(err, "Trainer.TrainStep(global step %d): optimizer %s",
			r.globalStep, r.optimizer.Name())
	}
	r.globalStep++
	if klog.V(2).Enabled() {
		klog.Infof("Trainer: global step %d, learning rate %g", r.globalStep, r.optimizer.LearningRate())
	}
	if err := r.model.NeutralInvariant(); err != nil {
		return errors.WithMessagef(err, "Trainer.TrainStep(global step %d)", r.globalStep)
	}
	return nil
}
