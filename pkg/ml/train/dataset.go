// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package train

import (
	"io"

	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// Dataset for a train.Loop provides the data, one batch at a time: a container with the inputs of the model,
// and a container with the labels, passed to the LossFn.
type Dataset interface {
	// Name identifies the dataset. Used for debugging and pretty-printing.
	Name() string

	// Reset restarts the dataset from the beginning. Can be called after io.EOF is reached.
	Reset()

	// Yield one "batch" (or whatever is the unit for a training step) or an error.
	//
	// If the error is io.EOF the training terminates normally, as it indicates end of data for finite
	// datasets, maybe the end of the epoch.
	//
	// If using Loop.RunSteps for training having an infinite dataset stream is ok. But careful
	// not to use Loop.RunEpochs on a dataset configured to loop indefinitely.
	Yield() (inputs, labels *layers.Container, err error)
}

// Example is one pair of inputs and labels yielded by an InMemoryDataset.
type Example struct {
	Inputs, Labels *layers.Container
}

// InMemoryDataset yields the examples of a slice, in order.
type InMemoryDataset struct {
	name     string
	examples []Example
	next     int
	loop     bool
}

var _ Dataset = (*InMemoryDataset)(nil)

// NewInMemoryDataset creates a Dataset that yields the given examples.
// It returns an error if there are no examples, or if any of them has no inputs.
func NewInMemoryDataset(name string, examples ...Example) (*InMemoryDataset, error) {
	if len(examples) == 0 {
		return nil, errors.Wrapf(layers.ErrMisconfiguration, "dataset %q has no examples", name)
	}
	for ii, example := range examples {
		if example.Inputs == nil {
			return nil, errors.Wrapf(layers.ErrMisconfiguration, "dataset %q: example #%d has no inputs", name, ii)
		}
	}
	return &InMemoryDataset{name: name, examples: examples}, nil
}

// Infinite configures the dataset to restart from the beginning when it reaches the end, instead of
// returning io.EOF.
func (ds *InMemoryDataset) Infinite(loop bool) *InMemoryDataset {
	ds.loop = loop
	return ds
}

// Name implements Dataset.
func (ds *InMemoryDataset) Name() string { return ds.name }

// Reset implements Dataset.
func (ds *InMemoryDataset) Reset() { ds.next = 0 }

// Len returns the number of examples.
func (ds *InMemoryDataset) Len() int { return len(ds.examples) }

// Yield implements Dataset.
func (ds *InMemoryDataset) Yield() (inputs, labels *layers.Container, err error) {
	if ds.next >= len(ds.examples) {
		if !ds.loop {
			return nil, nil, io.EOF
		}
		ds.next = 0
	}
	example := ds.examples[ds.next]
	ds.next++
	return example.Inputs, example.Labels, nil
}
