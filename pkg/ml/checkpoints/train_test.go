// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"testing"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/initializer"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/layers/arith"
	"github.com/gomlx/layerkit/pkg/ml/layers/batchiter"
	"github.com/gomlx/layerkit/pkg/ml/train"
	"github.com/gomlx/layerkit/pkg/ml/train/optimizers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTrainer(t *testing.T) *train.Trainer {
	policies := layers.NewPolicies().
		Set("/model", layers.PolicyUpdate, true).
		Set("/model", layers.PolicyFeedbackOutput, true).
		Set("/model/kernel", arith.ParamWeightName, "w")
	model, err := batchiter.New("model").KernelName("weighted").Policies(policies).Done()
	require.NoError(t, err)
	return train.NewTrainer(model, optimizers.StochasticGradientDescent(0.01))
}

func scalarBatch(values ...float64) *layers.Batch {
	elements := make([]*tensors.Tensor, len(values))
	for ii, v := range values {
		elements[ii] = tensors.FromScalar(v)
	}
	return must.M1(layers.NewBatch(elements...))
}

func TestTrainerCheckpoints(t *testing.T) {
	dir := t.TempDir()
	ini := initializer.New(0).WithParam("w", tensors.FromScalar(5.0))

	handler := must.M1(Build().Dir(dir).Keep(2).Done())
	trainer := newTrainer(t)
	require.NoError(t, handler.InitTrainer(trainer, ini))
	assert.Equal(t, int64(0), trainer.GlobalStep())

	ds := must.M1(train.NewInMemoryDataset("one", train.Example{
		Inputs: layers.Ports(arith.InputPort).Create().Set(arith.InputPort, scalarBatch(1, 2, 3)),
		Labels: layers.Ports(arith.OutputPort).Create().Set(arith.OutputPort, scalarBatch(2, 4, 6)),
	})).Infinite(true)
	loop := train.NewLoop(trainer, train.MeanSquaredError(arith.OutputPort))
	handler.AttachToLoop(loop, 4)
	_, err := loop.RunSteps(ds, 10)
	require.NoError(t, err)

	// Checkpoints at steps 4, 8 and at the end (10): only the last 2 are kept.
	list := must.M1(handler.ListCheckpoints())
	require.Len(t, list, 2)
	assert.Contains(t, list[1], "-step-00000010")
	saved := NewBuffer()
	require.NoError(t, trainer.Save(saved))
	want := tensors.ToScalar(saved.Get("w"))

	// Restore into a new trainer: the initializer value is not used.
	loaded := must.M1(Load().Dir(dir).Done())
	restored := newTrainer(t)
	require.NoError(t, loaded.InitTrainer(restored, ini))
	assert.Equal(t, int64(10), restored.GlobalStep())
	saved = NewBuffer()
	require.NoError(t, restored.Save(saved))
	assert.Equal(t, want, tensors.ToScalar(saved.Get("w")))
	assert.NotEqual(t, 5.0, want)

	// Nil handlers are no-ops.
	var nilHandler *Handler
	require.NoError(t, nilHandler.InitTrainer(newTrainer(t), ini))
	require.NoError(t, nilHandler.SaveTrainer(restored))
}
