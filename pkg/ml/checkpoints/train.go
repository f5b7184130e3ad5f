// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/pkg/ml/train"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InitTrainer initializes the model of the trainer with the parameters of the loaded checkpoint (if any),
// using initializer for the parameters not found there, and restores the trainer's global step.
//
// If the handler is nil, the model is initialized with initializer only.
func (h *Handler) InitTrainer(trainer *train.Trainer, initializer layers.Initializer) error {
	if h == nil {
		return trainer.Init(initializer, NewBuffer())
	}
	if err := trainer.Init(initializer, h.loadBuffer); err != nil {
		return errors.WithMessagef(err, "%s: initializing trainer", h)
	}
	if h.metadata != nil {
		trainer.SetGlobalStep(h.metadata.GlobalStep)
		klog.V(1).Infof("%s: restored global step %d", h, h.metadata.GlobalStep)
	}
	return nil
}

// SaveTrainer saves a checkpoint with the parameters of the model of the trainer, at its current global step.
//
// If the handler is nil, this is a no-op.
func (h *Handler) SaveTrainer(trainer *train.Trainer) error {
	if h == nil {
		return nil
	}
	buffer := NewBuffer()
	if err := trainer.Save(buffer); err != nil {
		return err
	}
	return h.Save(buffer, trainer.GlobalStep())
}

// OnStepFn implements train.OnStepFn, and saves a checkpoint of the loop's trainer.
// It can be used with train.EveryNSteps or train.PeriodicCallback.
func (h *Handler) OnStepFn(loop *train.Loop, _ float64) error {
	return h.SaveTrainer(loop.Trainer)
}

// AttachToLoop registers hooks to save a checkpoint every n steps, and at the end of the loop.
func (h *Handler) AttachToLoop(loop *train.Loop, n int) {
	if n > 0 {
		train.EveryNSteps(loop, n, "checkpoints", 100, h.OnStepFn)
	}
	loop.OnEnd("checkpoints", 100, h.OnStepFn)
}
