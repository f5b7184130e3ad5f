// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"math"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// MeanSquaredError returns a LossFn with the mean squared error between the output port of the model
// and the same port of the labels.
//
// The port can hold a plain or a batched value. Batched outputs accept either batched labels with the same
// number of samples, or plain labels whose first axis is the batch axis.
// The mean is taken over all the values of all samples.
func MeanSquaredError(port string) LossFn {
	return elementWiseLoss("MeanSquaredError", port,
		func(output, label float64) float64 { return (output - label) * (output - label) },
		func(output, label float64) float64 { return 2 * (output - label) })
}

// MeanAbsoluteError returns a LossFn with the mean absolute error between the output port of the model
// and the same port of the labels. See MeanSquaredError for the values accepted.
func MeanAbsoluteError(port string) LossFn {
	return elementWiseLoss("MeanAbsoluteError", port,
		func(output, label float64) float64 { return math.Abs(output - label) },
		func(output, label float64) float64 {
			switch {
			case output > label:
				return 1
			case output < label:
				return -1
			default:
				return 0
			}
		})
}

// elementWiseLoss builds a LossFn that is the mean of lossFn over all values, and whose gradient is
// derivativeFn divided by the number of values.
func elementWiseLoss(lossName, port string, lossFn, derivativeFn func(output, label float64) float64) LossFn {
	return func(outputs, labels *layers.Container) (*layers.Container, float64, error) {
		if labels == nil {
			return nil, 0, errors.Wrapf(layers.ErrMisconfiguration, "%s(%q): no labels given", lossName, port)
		}
		outputValue, labelValue := outputs.Get(port), labels.Get(port)
		if outputValue == nil || labelValue == nil {
			return nil, 0, errors.Wrapf(layers.ErrMisconfiguration, "%s(%q): output (%v) or label (%v) is empty",
				lossName, port, outputValue, labelValue)
		}
		outputTensors, outputBatched := elementsOf(outputValue)
		if len(outputTensors) == 0 {
			return nil, 0, errors.Wrapf(layers.ErrEmptyBatch, "%s(%q): empty output batch", lossName, port)
		}
		labelTensors, labelBatched := elementsOf(labelValue)
		if outputBatched && !labelBatched && labelTensors[0].Rank() == outputTensors[0].Rank()+1 {
			labelTensors = layers.SplitBatch(labelTensors[0]).Elements()
		}
		if len(outputTensors) != len(labelTensors) {
			return nil, 0, errors.Wrapf(layers.ErrBatchMismatch, "%s(%q): %d outputs and %d labels",
				lossName, port, len(outputTensors), len(labelTensors))
		}

		total := 0
		for ii, output := range outputTensors {
			if !output.Shape().EqualDimensions(labelTensors[ii].Shape()) {
				return nil, 0, errors.Wrapf(layers.ErrShapeMismatch, "%s(%q): output #%d has shape %s, label has shape %s",
					lossName, port, ii, output.Shape(), labelTensors[ii].Shape())
			}
			total += output.Size()
		}
		if total == 0 {
			return nil, 0, errors.Wrapf(layers.ErrEmptyBatch, "%s(%q): no values", lossName, port)
		}

		var loss float64
		grads := make([]*tensors.Tensor, len(outputTensors))
		for ii, output := range outputTensors {
			grad := tensors.FromShape(output.Shape())
			output.ConstFlatData(func(outputFlat []float64) {
				labelTensors[ii].ConstFlatData(func(labelFlat []float64) {
					grad.MutableFlatData(func(gradFlat []float64) {
						for jj, o := range outputFlat {
							loss += lossFn(o, labelFlat[jj])
							gradFlat[jj] = derivativeFn(o, labelFlat[jj]) / float64(total)
						}
					})
				})
			})
			grads[ii] = grad
		}
		loss /= float64(total)

		var gradValue layers.Value = grads[0]
		if outputBatched {
			batch, err := layers.NewBatch(grads...)
			if err != nil {
				return nil, 0, err
			}
			gradValue = batch
		}
		return outputs.Ports().Create().Set(port, gradValue), loss, nil
	}
}

// elementsOf returns the tensors of a value, and whether it is batched.
func elementsOf(v layers.Value) ([]*tensors.Tensor, bool) {
	if b, ok := v.(*layers.Batch); ok {
		return b.Elements(), true
	}
	return []*tensors.Tensor{v.(*tensors.Tensor)}, false
}
