// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cosineschedule implements a cosine annealing schedule for the learning rate.
// See New for details and example of usage, and original paper description in [1]
//
// [1] https://paperswithcode.com/method/cosine-annealing.
package cosineschedule

import (
	"math"

	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

var (
	// ParamPeriodSteps defines the number of steps in a cosine annealing period.
	//
	//   - 0: Disables cosine annealing (default): the learning rate is constant.
	//   - Positive value: Sets the period to the specified number of steps.
	//   - Negative value: Sets the period to a fraction of the total training steps (see Config.TotalSteps).
	//     -1: Period equals the total number of training steps (common setting).
	//     -2: Period equals half the total number of training steps, and so on.
	ParamPeriodSteps = "cosine_schedule_steps"

	// ParamWarmUpSteps is the number of warmup steps: during these initial steps the learning rate
	// linearly increases from 0 to the learning rate defined by optimizers.ParamLearningRate.
	// Only after the warmup steps the cosine annealing schedule starts.
	// The default is 0, which means no warmup.
	ParamWarmUpSteps = "cosine_schedule_warmup_steps"

	// ParamMinLearningRate is the minimum value of the learning rate during the
	// cosine annealing schedule.
	// Defaults to 0.0.
	ParamMinLearningRate = "cosine_schedule_min_learning_rate"
)

// Scope where the hyperparameters are looked up, under optimizers.Scope.
const Scope = optimizers.Scope + "/cosine_schedule"

// Config of the cosine annealing schedule strategy.
// New creates it and once configured, call Config.Done to get the Schedule.
type Config struct {
	err                           error
	learningRate, minLearningRate float64
	periodNumSteps                int
	warmUpSteps                   int
	totalSteps                    int64
}

// New creates a configuration to apply a cosine annealing schedule for the learning rate.
//
// Example with only one cycle, and a warmup of 1000 steps. We assume *flagNumSteps is the number of training steps:
//
//	schedule, err := cosineschedule.New().
//		LearningRate(0.01).
//		MinLearningRate(0.001).
//		WarmUpSteps(1000).
//		PeriodInSteps(*flagNumSteps).
//		Done()
//	…
//	trainer.WithLearningRateSchedule(schedule.LearningRate)
//
// Or more simply, pass the hyperparameters in the policies (see ParamPeriodSteps, ParamMinLearningRate, and
// ParamWarmUpSteps):
//
//	schedule, err := cosineschedule.New().FromPolicies(policies).Done()
func New() *Config {
	return &Config{}
}

// FromPolicies configures the cosine annealing from the policies, using the keys
// [ParamPeriodSteps], [ParamMinLearningRate], [ParamWarmUpSteps] and, if the learning rate was not
// set, optimizers.ParamLearningRate.
func (opt *Config) FromPolicies(policies *layers.Policies) *Config {
	if opt.err != nil {
		return opt
	}
	read := func(key string, value any) {
		if opt.err != nil {
			return
		}
		switch v := value.(type) {
		case *float64:
			*v, opt.err = layers.GetPolicyOr(policies, Scope, key, *v)
		case *int:
			*v, opt.err = layers.GetPolicyOr(policies, Scope, key, *v)
		}
	}
	read(ParamPeriodSteps, &opt.periodNumSteps)
	read(ParamMinLearningRate, &opt.minLearningRate)
	read(ParamWarmUpSteps, &opt.warmUpSteps)
	if opt.learningRate == 0 {
		read(optimizers.ParamLearningRate, &opt.learningRate)
	}
	return opt
}

// PeriodInSteps sets the number of steps for one period of the cosine schedule. The effective
// learning rate decreases over the given period of training steps and then is restarted at
// each new period.
//
// If negative, it's a fraction of the total number of steps, see ParamPeriodSteps.
func (opt *Config) PeriodInSteps(periodSteps int) *Config {
	opt.periodNumSteps = periodSteps
	return opt
}

// TotalSteps sets the total number of training steps, used if the period is negative.
func (opt *Config) TotalSteps(totalSteps int64) *Config {
	opt.totalSteps = totalSteps
	return opt
}

// MinLearningRate at the end of the cosine cycle. Defaults to 0.
func (opt *Config) MinLearningRate(minLearningRate float64) *Config {
	opt.minLearningRate = minLearningRate
	return opt
}

// WarmUpSteps sets the number of warmup steps, during which the learning rate linearly increases from 0.
func (opt *Config) WarmUpSteps(warmUpSteps int) *Config {
	opt.warmUpSteps = warmUpSteps
	return opt
}

// LearningRate at the start of the cosine cycle.
func (opt *Config) LearningRate(learningRate float64) *Config {
	opt.learningRate = learningRate
	return opt
}

// Done validates the configuration and returns the Schedule.
func (opt *Config) Done() (*Schedule, error) {
	if opt.err != nil {
		return nil, opt.err
	}
	if opt.learningRate <= 0 {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "cosineschedule: learning rate not configured and not "+
			"set in the policies as %q", optimizers.ParamLearningRate)
	}
	if opt.warmUpSteps < 0 {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "cosineschedule: warmup steps must be >= 0, got %d", opt.warmUpSteps)
	}
	s := &Schedule{
		learningRate:    opt.learningRate,
		minLearningRate: opt.minLearningRate,
		warmUpSteps:     opt.warmUpSteps,
		periodNumSteps:  float64(opt.periodNumSteps),
	}
	if opt.periodNumSteps < 0 {
		if opt.totalSteps <= 0 {
			return nil, errors.Wrapf(layers.ErrMisconfiguration,
				"cosineschedule: period %d is a fraction of the total number of steps, but TotalSteps was not set",
				opt.periodNumSteps)
		}
		s.periodNumSteps = float64(opt.totalSteps) / float64(-opt.periodNumSteps)
	}
	return s, nil
}

// Schedule computes the learning rate for each training step.
type Schedule struct {
	learningRate, minLearningRate float64
	warmUpSteps                   int
	periodNumSteps                float64
}

// LearningRate for the given (0-based) training step.
func (s *Schedule) LearningRate(step int64) float64 {
	if step < int64(s.warmUpSteps) {
		return s.learningRate * float64(step) / float64(s.warmUpSteps)
	}
	if s.periodNumSteps == 0 {
		return s.learningRate
	}
	cosineStep := float64(step - int64(s.warmUpSteps))
	cycle := cosineStep / s.periodNumSteps
	cycle -= math.Floor(cycle) // Take only the fractional part: so always in the range `[0.0, 1.0)`.

	cosine := math.Cos(cycle * math.Pi) // from -1.0 to 1.0
	lr := (cosine + 1) / 2              // from 0.0 to 1.0
	return lr*(s.learningRate-s.minLearningRate) + s.minLearningRate
}

// Apply sets the learning rate of the optimizer for the given step.
func (s *Schedule) Apply(optimizer optimizers.Interface, step int64) {
	optimizer.SetLearningRate(s.LearningRate(step))
}
