// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Apply collects the gradients of model and applies them with optimizer, exactly once per parameter name.
//
// Layers sharing a parameter (same name, same storage) each report their own gradient: they are summed before
// the update, so stateful optimizers (momentum, Adam) advance only one step per parameter.
// Each gradient is multiplied by gradScale (e.g.: 1/n for the mean of n accumulated steps).
func Apply(optimizer Interface, model layers.Layer, gradScale float64) error {
	agg := &aggregator{grads: make(map[string]*aggregatedGrad)}
	if err := model.GradCollect(agg); err != nil {
		return err
	}
	for _, name := range agg.order {
		g := agg.grads[name]
		grad := g.grad
		if gradScale != 1 {
			grad = tensors.Scale(grad, gradScale)
		}
		if err := optimizer.Collect(name, g.value, grad); err != nil {
			return err
		}
	}
	return nil
}

type aggregatedGrad struct {
	value, grad *tensors.Tensor
}

// aggregator implements layers.GradCollector, summing gradients by name in the order they are first reported.
type aggregator struct {
	order []string
	grads map[string]*aggregatedGrad
}

func (a *aggregator) Collect(name string, value, grad *tensors.Tensor) error {
	g, found := a.grads[name]
	if !found {
		a.grads[name] = &aggregatedGrad{value: value, grad: grad}
		a.order = append(a.order, name)
		return nil
	}
	if g.value != value {
		return errors.Wrapf(layers.ErrMisconfiguration,
			"parameter %q reported by more than one layer with different storage: shared parameters "+
				"must be loaded from the same buffer", name)
	}
	sum, err := tensors.Add(g.grad, grad)
	if err != nil {
		return errors.Wrapf(layers.ErrShapeMismatch, "summing gradients of shared parameter %q: %v", name, err)
	}
	g.grad = sum
	return nil
}
