// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// layerkit_train trains a one-parameter model "y = w * x" on synthetic data, iterating the "weighted" kernel
// over batches of scalars. It is a minimal end-to-end example of the layers, train and checkpoints packages.
//
// Usage:
//
//	layerkit_train [-steps=1000] [-checkpoint=<dir>] [-set="optimizer=adam;learning_rate=0.05"]
//
// With -checkpoint, training continues from the latest checkpoint in the directory, and the policies
// saved with it are restored (settings given with -set take precedence).
package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/layerkit/internal/fsutil"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/checkpoints"
	"github.com/gomlx/layerkit/pkg/ml/initializer"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/layers/arith"
	"github.com/gomlx/layerkit/pkg/ml/layers/batchiter"
	"github.com/gomlx/layerkit/pkg/ml/train"
	"github.com/gomlx/layerkit/pkg/ml/train/optimizers"
	"github.com/gomlx/layerkit/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/layerkit/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagNumSteps        = flag.Int("steps", 1000, "Global step to train the model to.")
	flagCheckpoint      = flag.String("checkpoint", "", "Directory to save and restore checkpoints. If empty no checkpoints are used.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 100, "Save a checkpoint every n steps, besides at the end.")
	flagCheckpointKeep  = flag.Int("checkpoint_keep", 3, "Number of checkpoints to keep. If < 0 keep all.")
	flagSeed            = flag.Uint64("seed", 42, "Seed for the synthetic data and the initialization of the weight.")
	flagProgressBar     = flag.Bool("progress", true, "Display a progress bar while training.")
)

// Hyperparameters of the synthetic data, set in the root scope of the policies.
const (
	ParamTargetWeight = "target_weight"
	ParamNoise        = "noise"
	ParamBatchSize    = "batch_size"
	ParamNumBatches   = "num_batches"
)

// modelName is the name of the batch iterator wrapping the "weighted" kernel.
const modelName = "model/iter"

// createDefaultPolicies returns the policies of the model, with the hyperparameters that can be set with -set
// in the root scope.
func createDefaultPolicies() *layers.Policies {
	return layers.NewPolicies().
		Set(commandline.RootScope, ParamTargetWeight, 3.0).
		Set(commandline.RootScope, ParamNoise, 0.01).
		Set(commandline.RootScope, ParamBatchSize, 16).
		Set(commandline.RootScope, ParamNumBatches, 8).
		Set(commandline.RootScope, optimizers.ParamOptimizer, "sgd").
		Set(commandline.RootScope, optimizers.ParamLearningRate, 0.1).
		Set(commandline.RootScope, cosineschedule.ParamPeriodSteps, -1).
		Set(commandline.RootScope, layers.PolicyFiller, initializer.FillerNormal).
		Set("/"+modelName, layers.PolicyFeedbackOutput, true).
		Set("/"+modelName+"/kernel", arith.ParamWeightName, "w").
		Set("/"+modelName+"/kernel/weight", layers.PolicyUpdate, true)
}

func main() {
	klog.InitFlags(nil)
	policies := createDefaultPolicies()
	settings := commandline.CreatePolicySettingsFlag(policies, "set")
	flag.Parse()

	cfg := config{
		settings:        *settings,
		numSteps:        *flagNumSteps,
		checkpointDir:   *flagCheckpoint,
		checkpointEvery: *flagCheckpointEvery,
		checkpointKeep:  *flagCheckpointKeep,
		seed:            *flagSeed,
		progressBar:     *flagProgressBar,
	}
	err := exceptions.TryCatch[error](func() { must.M1(run(cfg, policies, os.Stdout)) })
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// config of a training run, filled from the flags.
type config struct {
	settings                        string
	numSteps                        int
	checkpointDir                   string
	checkpointEvery, checkpointKeep int
	seed                            uint64
	progressBar                     bool
}

// run trains the model up to cfg.numSteps global steps, and writes a report to w.
func run(cfg config, policies *layers.Policies, w io.Writer) (*train.Trainer, error) {
	paramsSet, err := commandline.ParsePolicySettings(policies, cfg.settings)
	if err != nil {
		return nil, err
	}

	var handler *checkpoints.Handler
	if cfg.checkpointDir != "" {
		dir, err := fsutil.ReplaceTildeInDir(cfg.checkpointDir)
		if err != nil {
			return nil, err
		}
		handler, err = checkpoints.Build().Dir(dir).Keep(cfg.checkpointKeep).WithPolicies(policies).Done()
		if err != nil {
			return nil, err
		}
		if handler.Metadata() != nil {
			// Settings given explicitly take precedence over the ones restored from the checkpoint.
			if paramsSet, err = commandline.ParsePolicySettings(policies, cfg.settings); err != nil {
				return nil, err
			}
		}
	}
	if len(paramsSet) > 0 {
		klog.Infof("Policies set:\n%s", commandline.SprintModifiedPolicies(policies, paramsSet))
	}

	ds, err := newDataset(policies, cfg.seed)
	if err != nil {
		return nil, err
	}
	model, err := batchiter.New(modelName).KernelName("weighted").Policies(policies).Done()
	if err != nil {
		return nil, err
	}
	optimizer, err := optimizers.FromPolicies(policies)
	if err != nil {
		return nil, err
	}
	schedule, err := cosineschedule.New().FromPolicies(policies).TotalSteps(int64(cfg.numSteps)).Done()
	if err != nil {
		return nil, err
	}
	trainer := train.NewTrainer(model, optimizer).WithLearningRateSchedule(schedule.LearningRate)
	if err = handler.InitTrainer(trainer, initializer.New(cfg.seed)); err != nil {
		return nil, err
	}

	loop := train.NewLoop(trainer, train.MeanSquaredError(arith.OutputPort))
	if cfg.progressBar {
		commandline.AttachProgressBar(loop)
	}
	train.ExponentialCallback(loop, 100, 2, true, "log", 200, func(loop *train.Loop, loss float64) error {
		klog.V(1).Infof("global step %d: loss=%g", loop.Trainer.GlobalStep(), loss)
		return nil
	})
	if handler != nil {
		handler.AttachToLoop(loop, cfg.checkpointEvery)
	}
	if _, err = loop.RunToGlobalStep(ds, int64(cfg.numSteps)); err != nil {
		return nil, err
	}

	if err = commandline.ReportMetrics(w, trainer); err != nil {
		return nil, err
	}
	weight, err := learnedWeight(trainer)
	if err != nil {
		return nil, err
	}
	target, err := layers.GetPolicyOr(policies, commandline.RootScope, ParamTargetWeight, 0.0)
	if err != nil {
		return nil, err
	}
	if _, err = fmt.Fprintf(w, "Learned weight: %.4f (target %.4f)\n", weight, target); err != nil {
		return nil, err
	}
	return trainer, nil
}

// learnedWeight returns the current value of the weight of the model.
func learnedWeight(trainer *train.Trainer) (float64, error) {
	buffer := checkpoints.NewBuffer()
	if err := trainer.Save(buffer); err != nil {
		return 0, err
	}
	weight := buffer.Get("w")
	if weight == nil {
		return 0, errors.Errorf("model saved no weight %q", "w")
	}
	return tensors.ToScalar(weight), nil
}

// newDataset creates batches of scalars x uniformly sampled from [-1, 1), labeled with
// y = target_weight * x plus gaussian noise. The dataset loops indefinitely.
func newDataset(policies *layers.Policies, seed uint64) (*train.InMemoryDataset, error) {
	root := commandline.RootScope
	target, err := layers.GetPolicyOr(policies, root, ParamTargetWeight, 3.0)
	if err != nil {
		return nil, err
	}
	noise, err := layers.GetPolicyOr(policies, root, ParamNoise, 0.0)
	if err != nil {
		return nil, err
	}
	batchSize, err := layers.GetPolicyOr(policies, root, ParamBatchSize, 16)
	if err != nil {
		return nil, err
	}
	numBatches, err := layers.GetPolicyOr(policies, root, ParamNumBatches, 8)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 || numBatches <= 0 {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "%s=%d and %s=%d must be positive",
			ParamBatchSize, batchSize, ParamNumBatches, numBatches)
	}

	rng := rand.New(rand.NewPCG(seed, seed+1))
	examples := make([]train.Example, numBatches)
	for ii := range examples {
		xs := make([]*tensors.Tensor, batchSize)
		ys := make([]*tensors.Tensor, batchSize)
		for jj := range xs {
			x := 2*rng.Float64() - 1
			xs[jj] = tensors.FromScalar(x)
			ys[jj] = tensors.FromScalar(target*x + noise*rng.NormFloat64())
		}
		inputs, err := layers.NewBatch(xs...)
		if err != nil {
			return nil, err
		}
		labels, err := layers.NewBatch(ys...)
		if err != nil {
			return nil, err
		}
		examples[ii] = train.Example{
			Inputs: layers.Ports(arith.InputPort).Create().Set(arith.InputPort, inputs),
			Labels: layers.Ports(arith.OutputPort).Create().Set(arith.OutputPort, labels),
		}
	}
	ds, err := train.NewInMemoryDataset("synthetic", examples...)
	if err != nil {
		return nil, err
	}
	return ds.Infinite(true), nil
}
