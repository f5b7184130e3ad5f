// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train_test

import (
	"math"
	"testing"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/checkpoints"
	"github.com/gomlx/layerkit/pkg/ml/initializer"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/layers/arith"
	"github.com/gomlx/layerkit/pkg/ml/layers/batchiter"
	. "github.com/gomlx/layerkit/pkg/ml/train"
	"github.com/gomlx/layerkit/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	inputPorts  = layers.Ports(arith.InputPort)
	outputPorts = layers.Ports(arith.OutputPort)
)

// scalars returns a batch of scalars.
func scalars(values ...float64) *layers.Batch {
	elements := make([]*tensors.Tensor, len(values))
	for ii, v := range values {
		elements[ii] = tensors.FromScalar(v)
	}
	return must.M1(layers.NewBatch(elements...))
}

// newModel creates a model "output = w * input", iterating over batches of scalars, with w initialized to 5.
func newModel(t *testing.T) (layers.Layer, layers.Initializer) {
	policies := layers.NewPolicies().
		Set("/model/iter", layers.PolicyFeedbackOutput, true).
		Set("/model/iter/kernel/weight", layers.PolicyUpdate, true).
		Set("/model/iter/kernel", arith.ParamWeightName, "w")
	model, err := batchiter.New("model/iter").KernelName("weighted").Policies(policies).Done()
	require.NoError(t, err)
	return model, initializer.New(0).WithParam("w", tensors.FromScalar(5.0))
}

// example of the target function w=2.
func example() Example {
	return Example{
		Inputs: inputPorts.Create().Set(arith.InputPort, scalars(1, 2, 3)),
		Labels: outputPorts.Create().Set(arith.OutputPort, scalars(2, 4, 6)),
	}
}

func savedWeight(t *testing.T, trainer *Trainer) float64 {
	buffer := checkpoints.NewBuffer()
	require.NoError(t, trainer.Save(buffer))
	return tensors.ToScalar(buffer.Get("w"))
}

func TestTrainStep(t *testing.T) {
	model, ini := newModel(t)
	trainer := NewTrainer(model, optimizers.StochasticGradientDescent(0.01))
	ex := example()
	lossFn := MeanSquaredError(arith.OutputPort)
	gradFn := func(outputs *layers.Container) (*layers.Container, float64, error) {
		return lossFn(outputs, ex.Labels)
	}

	_, err := trainer.TrainStep(ex.Inputs, gradFn)
	require.ErrorIs(t, err, layers.ErrMisconfiguration, "not initialized")

	require.NoError(t, trainer.Init(ini, checkpoints.NewBuffer()))
	loss, err := trainer.TrainStep(ex.Inputs, gradFn)
	require.NoError(t, err)
	// Outputs are 5, 10, 15: loss = (9+36+81)/3, output gradients 2, 4, 6, and dw = 2*1+4*2+6*3.
	assert.InDelta(t, 42.0, loss, 1e-9)
	assert.InDelta(t, 5-0.01*28, savedWeight(t, trainer), 1e-9)
	assert.Equal(t, int64(1), trainer.GlobalStep())
	assert.InDelta(t, 42.0, trainer.TrainMetrics()[0].Read(), 1e-9)
	require.NoError(t, model.NeutralInvariant())

	// Errors in the loss are reported.
	_, err = trainer.TrainStep(ex.Inputs, func(outputs *layers.Container) (*layers.Container, float64, error) {
		return MeanSquaredError(arith.OutputPort)(outputs, outputPorts.Create().Set(arith.OutputPort, scalars(1)))
	})
	require.ErrorIs(t, err, layers.ErrBatchMismatch)
}

func TestAccumulateGradients(t *testing.T) {
	model, ini := newModel(t)
	recorder := optimizers.NewRecorder()
	trainer := NewTrainer(model, recorder)
	require.ErrorIs(t, trainer.AccumulateGradients(0), layers.ErrMisconfiguration)
	require.NoError(t, trainer.AccumulateGradients(2))
	assert.Equal(t, 2, trainer.NumAccumulatingSteps())
	require.NoError(t, trainer.Init(ini, checkpoints.NewBuffer()))

	lossFn := MeanSquaredError(arith.OutputPort)
	ex := example()
	gradFn := func(outputs *layers.Container) (*layers.Container, float64, error) {
		return lossFn(outputs, ex.Labels)
	}
	_, err := trainer.TrainStep(ex.Inputs, gradFn)
	require.NoError(t, err)
	assert.Empty(t, recorder.Reports, "gradients are only applied every 2 steps")
	assert.Equal(t, int64(0), trainer.GlobalStep())
	require.ErrorIs(t, model.NeutralInvariant(), layers.ErrUnbalancedState)
	require.ErrorIs(t, trainer.AccumulateGradients(3), layers.ErrUnbalancedState)

	// Second step with the inputs scaled by 2: dw = 4 * 28.
	ex2 := Example{Inputs: inputPorts.Create().Set(arith.InputPort, scalars(2, 4, 6))}
	_, err = trainer.TrainStep(ex2.Inputs, func(outputs *layers.Container) (*layers.Container, float64, error) {
		return lossFn(outputs, outputPorts.Create().Set(arith.OutputPort, scalars(4, 8, 12)))
	})
	require.NoError(t, err)
	require.Len(t, recorder.Reports, 1)
	assert.InDelta(t, (28.0+4*28.0)/2, tensors.ToScalar(recorder.Grad("w")), 1e-9, "mean of the accumulated gradients")
	assert.Equal(t, int64(1), trainer.GlobalStep())
	require.NoError(t, model.NeutralInvariant())
}

func TestLearningRateSchedule(t *testing.T) {
	model, ini := newModel(t)
	sgd := optimizers.StochasticGradientDescent(1)
	var steps []int64
	trainer := NewTrainer(model, sgd).WithLearningRateSchedule(func(globalStep int64) float64 {
		steps = append(steps, globalStep)
		return 0.001 * float64(globalStep+1)
	})
	require.NoError(t, trainer.Init(ini, checkpoints.NewBuffer()))
	ds := must.M1(NewInMemoryDataset("one", example())).Infinite(true)
	loop := NewLoop(trainer, MeanSquaredError(arith.OutputPort))
	_, err := loop.RunSteps(ds, 3)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2}, steps)
	assert.InDelta(t, 0.003, sgd.LearningRate(), 1e-12)
}

func TestLoop(t *testing.T) {
	model, ini := newModel(t)
	trainer := NewTrainer(model, optimizers.StochasticGradientDescent(0.01))
	require.NoError(t, trainer.Init(ini, checkpoints.NewBuffer()))
	ds := must.M1(NewInMemoryDataset("one", example())).Infinite(true)
	loop := NewLoop(trainer, MeanSquaredError(arith.OutputPort))

	var order []string
	var numStarts, numSteps, numEveryN, numEnds int
	loop.OnStart("start", 0, func(loop *Loop, ds Dataset) error {
		numStarts++
		assert.Equal(t, "one", ds.Name())
		return nil
	})
	loop.OnStep("second", 10, func(loop *Loop, loss float64) error {
		order = append(order, "second")
		return nil
	})
	loop.OnStep("first", -1, func(loop *Loop, loss float64) error {
		order = append(order, "first")
		numSteps++
		return nil
	})
	EveryNSteps(loop, 10, "every10", 0, func(loop *Loop, loss float64) error {
		numEveryN++
		return nil
	})
	loop.OnEnd("end", 0, func(loop *Loop, loss float64) error {
		numEnds++
		return nil
	})

	loss, err := loop.RunSteps(ds, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, numStarts)
	assert.Equal(t, 50, numSteps)
	assert.Equal(t, 5, numEveryN)
	assert.Equal(t, 1, numEnds)
	assert.Equal(t, []string{"first", "second"}, order[:2])
	assert.Equal(t, 50, loop.LoopStep)
	assert.Equal(t, 0, loop.StartStep)
	assert.Equal(t, 50, loop.EndStep)
	assert.Len(t, loop.TrainStepDurations, 50)
	assert.Greater(t, loop.MedianTrainStepDuration().Nanoseconds(), int64(0))
	assert.Less(t, loss, 0.01)
	assert.InDelta(t, 2.0, savedWeight(t, trainer), 0.05)

	// Continues from where it stopped.
	_, err = loop.RunToGlobalStep(ds, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(60), trainer.GlobalStep())
	assert.Equal(t, 50, loop.StartStep)
}

func TestRunEpochs(t *testing.T) {
	model, ini := newModel(t)
	trainer := NewTrainer(model, optimizers.StochasticGradientDescent(0.001))
	require.NoError(t, trainer.Init(ini, checkpoints.NewBuffer()))
	ds := must.M1(NewInMemoryDataset("three", example(), example(), example()))
	loop := NewLoop(trainer, MeanSquaredError(arith.OutputPort))
	_, err := loop.RunEpochs(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, loop.LoopStep)
	assert.Equal(t, 6, loop.EndStep)
	assert.Equal(t, int64(6), trainer.GlobalStep())

	// RunSteps fails when the dataset ends.
	_, err = loop.RunSteps(ds, 4)
	require.Error(t, err)
}

func TestLoopErrors(t *testing.T) {
	model, ini := newModel(t)
	trainer := NewTrainer(model, optimizers.StochasticGradientDescent(0.01))
	require.NoError(t, trainer.Init(ini, checkpoints.NewBuffer()))
	ds := must.M1(NewInMemoryDataset("one", example())).Infinite(true)

	nanLoss := func(outputs, labels *layers.Container) (*layers.Container, float64, error) {
		grad, _, err := MeanSquaredError(arith.OutputPort)(outputs, labels)
		return grad, math.NaN(), err
	}
	_, err := NewLoop(trainer, nanLoss).RunSteps(ds, 1)
	require.ErrorContains(t, err, "NaN")

	_, err = NewInMemoryDataset("empty")
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
}

func TestMeanAbsoluteError(t *testing.T) {
	lossFn := MeanAbsoluteError("y")
	ports := layers.Ports("y")
	outputs := ports.Create().Set("y", tensors.FromFlatDataAndDimensions([]float64{1, 5, 3, 0}, 2, 2))
	labels := ports.Create().Set("y", tensors.FromFlatDataAndDimensions([]float64{2, 3, 3, 0}, 2, 2))
	grad, loss, err := lossFn(outputs, labels)
	require.NoError(t, err)
	assert.Equal(t, 0.75, loss)
	gradT := must.M1(grad.Tensor("y"))
	assert.Equal(t, []float64{-0.25, 0.25, 0, 0}, gradT.CopyFlatData())

	// Batched outputs with plain labels: the first axis of the labels is the batch axis.
	batched := ports.Create().Set("y", scalars(1, 2))
	grad, loss, err = MeanSquaredError("y")(batched, ports.Create().Set("y", tensors.FromFlatDataAndDimensions([]float64{0, 0}, 2)))
	require.NoError(t, err)
	assert.Equal(t, 2.5, loss)
	require.IsType(t, &layers.Batch{}, grad.Get("y"))

	_, _, err = lossFn(outputs, ports.Create())
	require.ErrorIs(t, err, layers.ErrMisconfiguration)
	_, _, err = lossFn(outputs, ports.Create().Set("y", tensors.FromScalar(1.0)))
	require.ErrorIs(t, err, layers.ErrShapeMismatch)
}
