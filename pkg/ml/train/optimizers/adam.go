// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001

	// ParamAdamEpsilon can be used to configure the default value of epsilon. It must be a float64.
	ParamAdamEpsilon = "adam_epsilon"

	// ParamAdamWeightDecay defaults to 0.0. See AdamConfig.WeightDecay.
	ParamAdamWeightDecay = "adam_weight_decay"

	// ParamAdamBeta1 is the moving average coefficient for the gradient (momentum), the numerator.
	// The default value is 0.9
	ParamAdamBeta1 = "adam_beta1"

	// ParamAdamBeta2 is the moving average coefficient for the variance, the denominator.
	// The default value is 0.999
	ParamAdamBeta2 = "adam_beta2"

	// ParamAdamBackoffSteps default to 0. Values > 0 prevents any gradient steps to be taken
	// for those many steps, to allow a better estimate of the momentum and variance.
	// See AdamConfig.WithBackoffSteps.
	ParamAdamBackoffSteps = "adam_backoff"
)

// Adam optimization is a stochastic gradient descent method based on an adaptive estimation of first-order and
// second-order moments. According to [Kingma et al., 2014](http://arxiv.org/abs/1412.6980),
// the method is "*computationally efficient, has little memory requirement, invariant to diagonal rescaling of
// gradients, and is well suited for problems that are large in terms of data/parameters*".
//
// It returns a configuration object that can be used to set its parameters. Once configured, call AdamConfig.Done,
// and it will return an optimizer that can be used with the `train.Trainer` or directly as a layers.GradCollector.
//
// See [AdamConfig.FromPolicies] to configure it from the policies hyperparameters.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: -1, // < 0 means use the default.
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-7,
	}
}

// RMSProp is an optimizer that divides the learning rate for a weight by a running average
// of the recent gradients magnitudes (L2) for that weight.
//
// It uses Adam to implement it: it's somewhat equivalent to an Adam without the 1st moment
// of the gradients.
func RMSProp() *AdamConfig {
	c := Adam()
	c.rmsProp = true
	return c
}

// AdamConfig holds the configuration for an Adam configuration, create using Adam(), and once configured
// call Done to create an Adam-based optimizer.
type AdamConfig struct {
	err          error
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	adamax       bool    // Works as Adamax.
	weightDecay  float64 // Works as AdamW.
	rmsProp      bool    // Works as RMSProp.
	backoffSteps int

	clipStepByValue float64
}

// FromPolicies will configure Adam with hyperparameters set in the policies (under Scope, or any of its parents).
// E.g.: "adam_epsilon" (see ParamAdamEpsilon) is used to set AdamConfig.Epsilon.
// It also reads ParamLearningRate, if the learning rate was not set explicitly.
//
// Errors are reported by Done.
func (c *AdamConfig) FromPolicies(policies *layers.Policies) *AdamConfig {
	read := func(key string, value *float64) {
		if c.err != nil {
			return
		}
		*value, c.err = getParam(policies, key, *value)
	}
	if c.learningRate < 0 {
		lr := AdamDefaultLearningRate
		read(ParamLearningRate, &lr)
		c.learningRate = lr
	}
	read(ParamAdamEpsilon, &c.epsilon)
	read(ParamAdamWeightDecay, &c.weightDecay)
	read(ParamAdamBeta1, &c.beta1)
	read(ParamAdamBeta2, &c.beta2)
	read(ParamClipStepByValue, &c.clipStepByValue)
	if c.err == nil {
		c.backoffSteps, c.err = getParam(policies, ParamAdamBackoffSteps, c.backoffSteps)
	}
	return c
}

// LearningRate sets the base learning rate as a floating point value. The default is AdamDefaultLearningRate.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving averages constants (default to 0.9 and 0.999, respectively).
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// Adamax configure Adam to use a Adamax, which uses the L-infinity norm of the gradients in place of the
// second moment.
func (c *AdamConfig) Adamax() *AdamConfig {
	c.adamax = true
	return c
}

// WeightDecay configure optimizer to work as AdamW, with the given static weight decay.
// This is because L2 regularization doesn't work well with Adam.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// WithBackoffSteps prevents any gradient steps to be taken until numSteps steps have been taken, to allow
// for a better estimate of the gradient momentum (numerator) and variance of gradients (denominator)
// before the optimization start.
func (c *AdamConfig) WithBackoffSteps(numSteps int) *AdamConfig {
	c.backoffSteps = numSteps
	return c
}

// ClipStepByValue sets the limit to the absolute value of each element of the update step. 0 means no clipping.
func (c *AdamConfig) ClipStepByValue(limit float64) *AdamConfig {
	c.clipStepByValue = limit
	return c
}

// Done will finish the configuration and construct the optimizer.
func (c *AdamConfig) Done() (*AdamOptimizer, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.learningRate < 0 {
		c.learningRate = AdamDefaultLearningRate
	}
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "adam: betas must be in [0, 1), got %g and %g",
			c.beta1, c.beta2)
	}
	config := *c
	return &AdamOptimizer{config: &config, learningRate: c.learningRate, moments: make(map[string]*adamMoments)}, nil
}

// AdamOptimizer implements Adam and its variants (Adamax, AdamW, RMSProp). Create it with Adam.
type AdamOptimizer struct {
	config       *AdamConfig
	learningRate float64
	moments      map[string]*adamMoments
}

// adamMoments holds the state of Adam for one parameter.
type adamMoments struct {
	step             int
	moment1, moment2 *tensors.Tensor
}

var _ Interface = (*AdamOptimizer)(nil)

// Name implements Interface.
func (o *AdamOptimizer) Name() string {
	switch {
	case o.config.rmsProp:
		return "rmsprop"
	case o.config.adamax:
		return "adamax"
	case o.config.weightDecay > 0:
		return "adamw"
	default:
		return "adam"
	}
}

// LearningRate implements Interface.
func (o *AdamOptimizer) LearningRate() float64 { return o.learningRate }

// SetLearningRate implements Interface.
func (o *AdamOptimizer) SetLearningRate(learningRate float64) { o.learningRate = learningRate }

// Clear implements Interface: it resets moments and step counts of all parameters.
func (o *AdamOptimizer) Clear() { clear(o.moments) }

// Step returns the number of updates of the parameter.
func (o *AdamOptimizer) Step(name string) int {
	if m, found := o.moments[name]; found {
		return m.step
	}
	return 0
}

// Collect implements layers.GradCollector, by updating value in place.
func (o *AdamOptimizer) Collect(name string, value, grad *tensors.Tensor) error {
	if err := checkGradient(o.Name(), name, value, grad); err != nil {
		return err
	}
	m, found := o.moments[name]
	if !found || !m.moment2.Shape().EqualDimensions(value.Shape()) {
		m = &adamMoments{moment1: tensors.FromShape(value.Shape()), moment2: tensors.FromShape(value.Shape())}
		o.moments[name] = m
	}
	m.step++
	learningRate := o.learningRate
	if m.step <= o.config.backoffSteps {
		learningRate = 0
	}
	c := o.config
	debiasTermBeta1 := 1.0 / (1.0 - math.Pow(c.beta1, float64(m.step)))
	debiasTermBeta2 := 1.0 / (1.0 - math.Pow(c.beta2, float64(m.step)))

	grad.ConstFlatData(func(gradFlat []float64) {
		m.moment1.MutableFlatData(func(m1 []float64) {
			m.moment2.MutableFlatData(func(m2 []float64) {
				value.MutableFlatData(func(flat []float64) {
					for ii, g := range gradFlat {
						if math.IsNaN(g) {
							continue
						}
						debiasedMoment1 := g
						if !c.rmsProp {
							m1[ii] = c.beta1*m1[ii] + (1-c.beta1)*g
							debiasedMoment1 = m1[ii] * debiasTermBeta1
						}
						var denominator float64
						if c.adamax {
							m2[ii] = max(c.beta2*m2[ii], math.Abs(g)) // L-infinity norm.
							denominator = m2[ii] + c.epsilon
						} else {
							m2[ii] = c.beta2*m2[ii] + (1-c.beta2)*g*g
							denominator = math.Sqrt(m2[ii]*debiasTermBeta2) + c.epsilon
						}
						step := learningRate * debiasedMoment1 / denominator
						if c.weightDecay > 0 {
							step += learningRate * flat[ii] * c.weightDecay
						}
						flat[ii] -= clip(step, c.clipStepByValue)
					}
				})
			})
		})
	})
	return nil
}
