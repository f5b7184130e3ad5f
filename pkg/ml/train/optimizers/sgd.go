// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"k8s.io/klog/v2"
)

const (
	// SgdDefaultLearningRate is the default learning rate used by the StochasticGradientDescent and
	// Momentum optimizers, when built from policies.
	SgdDefaultLearningRate = 0.1

	// MomentumDefaultBeta is the default decay of the velocity of the Momentum optimizer.
	MomentumDefaultBeta = 0.9
)

// SGD implements the stochastic gradient descent optimizer: value -= learningRate * grad.
type SGD struct {
	learningRate, clipStep float64
}

var _ Interface = (*SGD)(nil)

// StochasticGradientDescent creates an optimizer that applies the gradients scaled by the
// learning rate to the parameters.
func StochasticGradientDescent(learningRate float64) *SGD {
	return &SGD{learningRate: learningRate}
}

// ClipStepByValue sets the limit to the absolute value of each element of the update step. 0 means no clipping.
func (sgd *SGD) ClipStepByValue(limit float64) *SGD {
	sgd.clipStep = limit
	return sgd
}

// Name implements Interface.
func (sgd *SGD) Name() string { return "sgd" }

// LearningRate implements Interface.
func (sgd *SGD) LearningRate() float64 { return sgd.learningRate }

// SetLearningRate implements Interface.
func (sgd *SGD) SetLearningRate(learningRate float64) { sgd.learningRate = learningRate }

// Clear implements Interface. SGD has no state.
func (sgd *SGD) Clear() {}

// Collect implements layers.GradCollector, by updating value in place.
func (sgd *SGD) Collect(name string, value, grad *tensors.Tensor) error {
	if err := checkGradient(sgd.Name(), name, value, grad); err != nil {
		return err
	}
	klog.V(2).Infof("sgd: updating %q %s with learning rate %g", name, value.Shape(), sgd.learningRate)
	grad.ConstFlatData(func(gradFlat []float64) {
		value.MutableFlatData(func(flat []float64) {
			for ii, g := range gradFlat {
				flat[ii] -= clip(sgd.learningRate*g, sgd.clipStep)
			}
		})
	})
	return nil
}

// MomentumOptimizer keeps a velocity per parameter, a decayed sum of the past gradients, and moves the
// parameters along it: velocity = beta * velocity + grad; value -= learningRate * velocity.
type MomentumOptimizer struct {
	learningRate, beta, clipStep float64
	velocities                   map[string]*tensors.Tensor
}

var _ Interface = (*MomentumOptimizer)(nil)

// Momentum creates a MomentumOptimizer with the given learning rate and velocity decay beta.
func Momentum(learningRate, beta float64) *MomentumOptimizer {
	return &MomentumOptimizer{learningRate: learningRate, beta: beta, velocities: make(map[string]*tensors.Tensor)}
}

// Name implements Interface.
func (m *MomentumOptimizer) Name() string { return "momentum" }

// LearningRate implements Interface.
func (m *MomentumOptimizer) LearningRate() float64 { return m.learningRate }

// SetLearningRate implements Interface.
func (m *MomentumOptimizer) SetLearningRate(learningRate float64) { m.learningRate = learningRate }

// Clear implements Interface: it resets the velocities.
func (m *MomentumOptimizer) Clear() { clear(m.velocities) }

// Velocity returns the current velocity of the parameter, or nil if it was never updated.
func (m *MomentumOptimizer) Velocity(name string) *tensors.Tensor { return m.velocities[name] }

// Collect implements layers.GradCollector, by updating value in place.
func (m *MomentumOptimizer) Collect(name string, value, grad *tensors.Tensor) error {
	if err := checkGradient(m.Name(), name, value, grad); err != nil {
		return err
	}
	velocity, found := m.velocities[name]
	if !found || !velocity.Shape().EqualDimensions(value.Shape()) {
		velocity = tensors.FromShape(value.Shape())
		m.velocities[name] = velocity
	}
	grad.ConstFlatData(func(gradFlat []float64) {
		velocity.MutableFlatData(func(vFlat []float64) {
			value.MutableFlatData(func(flat []float64) {
				for ii, g := range gradFlat {
					vFlat[ii] = m.beta*vFlat[ii] + g
					flat[ii] -= clip(m.learningRate*vFlat[ii], m.clipStep)
				}
			})
		})
	})
	return nil
}
