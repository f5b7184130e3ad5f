// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"
	"iter"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LossFn takes the outputs of the model and the labels yielded by the Dataset, and returns the gradients
// of the loss with respect to the outputs, and the loss. See MeanSquaredError for an example.
type LossFn func(outputs, labels *layers.Container) (grad *layers.Container, loss float64, err error)

// Priority for hooks, the lowest values are run first. Defaults to 0, but negative
// values are ok.
type Priority int

// OnStartFn is the type of OnStart hooks.
type OnStartFn func(loop *Loop, ds Dataset) error

// OnStepFn is the type of OnStep hooks. It receives the loss of the step just executed.
type OnStepFn func(loop *Loop, loss float64) error

// OnEndFn is the type of OnEnd hooks. It receives the loss of the last step executed.
type OnEndFn func(loop *Loop, loss float64) error

// Loop will run a training loop, invoking Trainer.TrainStep every step,
// and calling the appropriate hooks.
//
// By itself it doesn't do much, but one can attach functionality to it, like
// checkpointing, progress bars, early-stopping strategies, etc.
//
// The public attributes are meant for reading only, don't change them.
type Loop struct {
	// Trainer associated with this loop.
	Trainer *Trainer

	// LossFn used to compute the gradients of the outputs of the model.
	LossFn LossFn

	// LoopStep currently being executed.
	// It is initialized with the trainer's GlobalStep, which will be 0 for a new model.
	//
	// Notice if using Trainer.AccumulateGradients: this is a measure of "train steps", and "global steps"
	// will be incremented only every NumAccumulatingSteps train steps.
	LoopStep int

	// StartStep is the value of LoopStep at the start of a run (RunSteps or RunEpochs).
	StartStep int

	// EndStep is one-past the last step to be executed. If -1 the end step is not known (if
	// running till the end of the dataset). When running for multiple epochs (Loop.RunEpochs) it can
	// change during the run: after the first epoch, the value is extrapolated based on how many steps
	// have been run so far.
	EndStep int

	// Epoch is set when running Loop.RunEpochs() to the current running epoch, starting from 0.
	Epoch int

	// SharedData allows for cross-tools to publish and consume information. Keys (strings)
	// and semantics/type of their values are not specified by loop.
	SharedData map[string]any

	// TrainStepDurations collected during training.
	TrainStepDurations []time.Duration

	// Registered hooks.
	onStart *priorityHooks[*hookWithName[OnStartFn]]
	onStep  *priorityHooks[*hookWithName[OnStepFn]]
	onEnd   *priorityHooks[*hookWithName[OnEndFn]]
}

// NewLoop creates a new training loop for the trainer, using lossFn to compute the gradients of
// the outputs of the model.
func NewLoop(trainer *Trainer, lossFn LossFn) *Loop {
	loop := &Loop{
		Trainer:    trainer,
		LossFn:     lossFn,
		SharedData: make(map[string]any),
		onStart:    newPriorityHooks[*hookWithName[OnStartFn]](),
		onStep:     newPriorityHooks[*hookWithName[OnStepFn]](),
		onEnd:      newPriorityHooks[*hookWithName[OnEndFn]](),
		LoopStep:   int(trainer.GlobalStep()) * trainer.NumAccumulatingSteps(),
	}
	return loop
}

// start of loop, called by all looping methods.
func (loop *Loop) start(ds Dataset) error {
	for hook := range loop.onStart.All() {
		err := hook.fn(loop, ds)
		if err != nil {
			return errors.WithMessagef(err, "OnStart(hook %q)", hook.name)
		}
	}
	return nil
}

// step of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) step(inputs, labels *layers.Container) (loss float64, err error) {
	startTime := time.Now()
	loss, err = loop.Trainer.TrainStep(inputs, func(outputs *layers.Container) (*layers.Container, float64, error) {
		return loop.LossFn(outputs, labels)
	})
	loop.TrainStepDurations = append(loop.TrainStepDurations, time.Since(startTime))
	if err != nil {
		return 0, err
	}
	if err = loop.postStep(loss); err != nil {
		return 0, err
	}
	return loss, nil
}

// postStep calls the onStep hooks.
// It also checks for NaN loss, and returns an error accordingly.
func (loop *Loop) postStep(loss float64) error {
	for hook := range loop.onStep.All() {
		err := hook.fn(loop, loss)
		if err != nil {
			return errors.WithMessagef(err, "train.Loop.OnStep(hook %q)", hook.name)
		}
	}
	if math.IsNaN(loss) {
		return errors.Errorf("batch loss is NaN, training interrupted")
	}
	if math.IsInf(loss, 0) {
		return errors.Errorf("batch loss is infinity (%f), training interrupted", loss)
	}
	return nil
}

// end of loop, called by all looping methods.
// It calls the appropriate hooks.
func (loop *Loop) end(loss float64) error {
	for hook := range loop.onEnd.All() {
		if err := hook.fn(loop, loss); err != nil {
			return errors.WithMessagef(err, "OnEnd(hook %q)", hook.name)
		}
	}
	return nil
}

// RunToGlobalStep runs the loop until the target global step is reached.
// If targetGlobalStep is smaller or equal to the current global step, it does nothing and returns a 0 loss.
func (loop *Loop) RunToGlobalStep(ds Dataset, targetGlobalStep int64) (loss float64, err error) {
	globalStep := loop.Trainer.GlobalStep()
	if targetGlobalStep <= globalStep {
		return 0, nil
	}
	steps := int(targetGlobalStep-globalStep) * loop.Trainer.NumAccumulatingSteps()
	return loop.RunSteps(ds, steps)
}

// RunSteps runs those many steps. StartStep and EndStep are adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up where it left of last time.
//
// It returns the loss of the last step.
func (loop *Loop) RunSteps(ds Dataset, steps int) (loss float64, err error) {
	if steps <= 0 {
		return 0, nil
	}
	loop.Trainer.ResetTrainMetrics()
	loop.StartStep = loop.LoopStep
	loop.EndStep = loop.LoopStep + steps
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	loop.TrainStepDurations = make([]time.Duration, 0, steps)
	for loop.LoopStep = loop.StartStep; loop.LoopStep < loop.EndStep; loop.LoopStep++ {
		inputs, labels, err := ds.Yield()
		if err != nil {
			if err == io.EOF {
				return 0, errors.Errorf(
					"reached Dataset %q end after %d steps (requested %d steps) -- did you mean to use "+
						"a different (looping) Dataset, or use Loop.RunEpochs() instead of Loop.RunSteps() ?",
					ds.Name(), loop.LoopStep-loop.StartStep, steps)
			}
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed reading from Dataset %q", steps, ds.Name())
		}
		loss, err = loop.step(inputs, labels)
		if err != nil {
			return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed TrainStep(LoopStep=%d)",
				steps, loop.LoopStep)
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunSteps(%d): failed end (GlobalStep=%d)",
			steps, loop.Trainer.GlobalStep())
	}
	klog.V(1).Infof("Loop.RunSteps(%d) on dataset %q: global step %d, last loss %g",
		steps, ds.Name(), loop.Trainer.GlobalStep(), loss)
	return loss, nil
}

// RunEpochs runs the dataset epochs times. StartStep is adjusted to the current
// LoopStep, so it can be called multiple times, and it will simply pick up
// where it left of last time.
// Loop.Epoch is set to the current running epoch. EndStep starts as -1 and will
// be adjusted to expectation after the first epoch, when one knows how many steps there are
// going to be.
// Dataset.Reset is called after each epoch (including the last).
func (loop *Loop) RunEpochs(ds Dataset, epochs int) (loss float64, err error) {
	loop.Trainer.ResetTrainMetrics()
	loop.StartStep = loop.LoopStep
	loop.EndStep = -1
	loop.Epoch = 0
	if err = loop.start(ds); err != nil {
		return 0, err
	}

	loop.TrainStepDurations = nil
	for loop.Epoch = 0; loop.Epoch < epochs; loop.Epoch++ {
		yieldsPerEpoch := 0
		for {
			inputs, labels, err := ds.Yield()
			if err != nil {
				if err == io.EOF {
					// End of epoch: estimate new last step (loop.EndStep) and reset.
					loop.EndStep = loop.LoopStep + yieldsPerEpoch*(epochs-loop.Epoch-1)
					break
				}
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(epoch %d of %d): failed reading from Dataset %q",
					loop.Epoch, epochs, ds.Name())
			}
			yieldsPerEpoch++
			loss, err = loop.step(inputs, labels)
			if err != nil {
				return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed TrainStep(LoopStep=%d)",
					epochs, loop.LoopStep)
			}
			loop.LoopStep++
		}
		ds.Reset()
		if yieldsPerEpoch == 0 {
			return 0, errors.Errorf("Loop.RunEpochs(%d): dataset %q yielded no data", epochs, ds.Name())
		}
	}
	if err = loop.end(loss); err != nil {
		return 0, errors.WithMessagef(err, "Loop.RunEpochs(%d): failed end (GlobalStep=%d)",
			epochs, loop.Trainer.GlobalStep())
	}
	klog.V(1).Infof("Loop.RunEpochs(%d) on dataset %q: global step %d, last loss %g",
		epochs, ds.Name(), loop.Trainer.GlobalStep(), loss)
	return loss, nil
}

// MedianTrainStepDuration returns the median duration of each training step. It returns 1 millisecond
// if no training step was recorded (to avoid potential division by 0).
func (loop *Loop) MedianTrainStepDuration() time.Duration {
	if len(loop.TrainStepDurations) == 0 {
		return time.Millisecond
	}
	times := slices.Clone(loop.TrainStepDurations)
	slices.Sort(times)
	return times[len(times)/2]
}

// OnStart adds a hook with given priority and name (for error reporting) to the start of a loop.
func (loop *Loop) OnStart(name string, priority Priority, fn OnStartFn) {
	loop.onStart.Add(priority, &hookWithName[OnStartFn]{
		name: name,
		fn:   fn,
	})
}

// OnStep adds a hook with given priority and name (for error reporting) to each step of a loop.
// The function `fn` is called after each `Trainer.TrainStep`.
func (loop *Loop) OnStep(name string, priority Priority, fn OnStepFn) {
	loop.onStep.Add(priority, &hookWithName[OnStepFn]{
		name: name,
		fn:   fn,
	})
}

// OnEnd adds a hook with given priority and name (for error reporting) to the end of a loop,
// after the last call to `Trainer.TrainStep`.
func (loop *Loop) OnEnd(name string, priority Priority, fn OnEndFn) {
	loop.onEnd.Add(priority, &hookWithName[OnEndFn]{
		name: name,
		fn:   fn,
	})
}

// hookWithName stores a hook name and function.
type hookWithName[F any] struct {
	name string
	fn   F
}

// priorityHooks organizes hooks for type F per priority.
type priorityHooks[H any] struct {
	hooks map[Priority][]H
}

func newPriorityHooks[H any]() *priorityHooks[H] {
	return &priorityHooks[H]{
		hooks: make(map[Priority][]H),
	}
}

// Add hook at the given priority.
func (h *priorityHooks[H]) Add(priority Priority, hook H) {
	h.hooks[priority] = append(h.hooks[priority], hook)
}

// All returns an iterator over all registered hooks in priority order.
func (h *priorityHooks[H]) All() iter.Seq[H] {
	return func(yield func(H) bool) {
		keys := make([]Priority, 0, len(h.hooks))
		for key := range h.hooks {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i] < keys[j]
		})
		for _, key := range keys {
			for _, hook := range h.hooks[key] {
				if !yield(hook) {
					return
				}
			}
		}
	}
}
