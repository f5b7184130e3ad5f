// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizers implements a collection of ML optimizers that can be used by train.Trainer,
// or by themselves. They all implement optimizers.Interface.
//
// Optimizers receive the summed gradient of each trained parameter through layers.GradCollector
// (see layers.Layer.GradCollect), and update the parameter value in place.
package optimizers

import (
	"maps"
	"slices"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Interface implemented by optimizer implementations.
type Interface interface {
	// Collect is called once per trained parameter by layers.Layer.GradCollect, with the current value of the
	// parameter and its gradient. The optimizer updates value in place.
	layers.GradCollector

	// Name of the optimizer, as in KnownOptimizers.
	Name() string

	// LearningRate currently used.
	LearningRate() float64

	// SetLearningRate changes the learning rate used in the following updates. It's used by learning rate
	// schedules (see package cosineschedule).
	SetLearningRate(learningRate float64)

	// Clear deletes all the state kept by the optimizer (e.g. moments). It may be used to reset training.
	Clear()
}

var (
	// KnownOptimizers is a map of known optimizers by name to their default constructors, configured
	// from the policies hyperparameters (see FromPolicies).
	KnownOptimizers = map[string]func(policies *layers.Policies) (Interface, error){
		"sgd": func(policies *layers.Policies) (Interface, error) {
			lr, err := getParam(policies, ParamLearningRate, SgdDefaultLearningRate)
			if err != nil {
				return nil, err
			}
			sgd := StochasticGradientDescent(lr)
			sgd.clipStep, err = getParam(policies, ParamClipStepByValue, 0.0)
			return sgd, err
		},
		"momentum": func(policies *layers.Policies) (Interface, error) {
			lr, err := getParam(policies, ParamLearningRate, SgdDefaultLearningRate)
			if err != nil {
				return nil, err
			}
			beta, err := getParam(policies, ParamMomentum, MomentumDefaultBeta)
			if err != nil {
				return nil, err
			}
			m := Momentum(lr, beta)
			m.clipStep, err = getParam(policies, ParamClipStepByValue, 0.0)
			return m, err
		},
		"adam": func(policies *layers.Policies) (Interface, error) {
			return adamFromPolicies(Adam(), policies)
		},
		"adamax": func(policies *layers.Policies) (Interface, error) {
			return adamFromPolicies(Adam().Adamax(), policies)
		},
		"adamw": func(policies *layers.Policies) (Interface, error) {
			return adamFromPolicies(Adam().WeightDecay(0.004), policies)
		},
		"rmsprop": func(policies *layers.Policies) (Interface, error) {
			return adamFromPolicies(RMSProp(), policies)
		},
	}

	// ParamOptimizer is the policies hyperparameter with the name of the optimizer.
	// The default value is "sgd".
	ParamOptimizer = "optimizer"

	// ParamLearningRate is the policies hyperparameter for the learning rate.
	// It is used by all optimizers.
	ParamLearningRate = "learning_rate"

	// ParamMomentum is the policies hyperparameter for the decay of the velocity used by the "momentum" optimizer.
	ParamMomentum = "momentum"

	// ParamClipStepByValue is a scalar value used to clip each value of the gradient step, after
	// being scaled by the learning rate and the optimizer.
	// The step applied will be `Clip(step, -clip_step_by_value, +clip_step_by_value)`.
	// Defaults to no clipping (0).
	ParamClipStepByValue = "clip_step_by_value"
)

// Scope reserved for optimizers hyperparameters. They are looked up from this scope up to the root scope.
const Scope = "optimizers"

// getParam reads an optimizer hyperparameter from the policies.
func getParam[T any](policies *layers.Policies, key string, defaultValue T) (T, error) {
	return layers.GetPolicyOr(policies, Scope, key, defaultValue)
}

// adamFromPolicies finishes the configuration c with the policies hyperparameters.
func adamFromPolicies(c *AdamConfig, policies *layers.Policies) (Interface, error) {
	opt, err := c.FromPolicies(policies).Done()
	if err != nil {
		return nil, err
	}
	return opt, nil
}

// FromPolicies creates an optimizer from the policies hyperparameters.
// See [ParamOptimizer]. The default is "sgd".
func FromPolicies(policies *layers.Policies) (Interface, error) {
	name, err := getParam(policies, ParamOptimizer, "sgd")
	if err != nil {
		return nil, err
	}
	return ByName(policies, name)
}

// ByName returns an optimizer given the name, configured with the hyperparameters in policies (which can be nil).
// It returns a layers.ErrMisconfiguration if the optimizer is not known.
//
// Example usage:
//
//	optimizer, err := optimizers.ByName(policies, *flagOptimizer)
func ByName(policies *layers.Policies, optName string) (Interface, error) {
	optBuilder, found := KnownOptimizers[optName]
	if !found {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "unknown optimizer %q, valid values are %v",
			optName, slices.Sorted(maps.Keys(KnownOptimizers)))
	}
	return optBuilder(policies)
}

// checkGradient validates the value and gradient reported to an optimizer.
func checkGradient(optName, paramName string, value, grad *tensors.Tensor) error {
	if value == nil || grad == nil {
		return errors.Wrapf(layers.ErrMisconfiguration, "optimizer %s: parameter %q reported without value or gradient",
			optName, paramName)
	}
	if !value.Shape().EqualDimensions(grad.Shape()) {
		return errors.Wrapf(layers.ErrShapeMismatch, "optimizer %s: parameter %q has shape %s, but its gradient has shape %s",
			optName, paramName, value.Shape(), grad.Shape())
	}
	return nil
}

// clip the value to [-limit, limit], if limit > 0.
func clip(value, limit float64) float64 {
	if limit <= 0 {
		return value
	}
	return min(max(value, -limit), limit)
}
