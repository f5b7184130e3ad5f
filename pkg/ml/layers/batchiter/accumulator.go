// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batchiter

import (
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/pkg/errors"
)

// sampleOf returns a container for the given ports with the sample idx of each batched value, and
// the plain values unchanged.
func sampleOf(c *layers.Container, ports *layers.PortSet, idx int) *layers.Container {
	sample := ports.Create()
	for name, value := range c.All() {
		switch v := value.(type) {
		case nil:
		case *layers.Batch:
			sample = sample.Set(name, v.At(idx))
		default:
			sample = sample.Set(name, v)
		}
	}
	return sample
}

// accumulator merges per-sample containers into batches, one per port.
type accumulator struct {
	ports   *layers.PortSet
	names   []string
	batches []*layers.Batch // nil for ports that are empty.
	count   int
}

func newAccumulator(ports *layers.PortSet) *accumulator {
	return &accumulator{ports: ports, names: ports.Names(), batches: make([]*layers.Batch, ports.Len())}
}

// add appends the values of one sample. A port must be either empty or set for all samples.
func (a *accumulator) add(sample *layers.Container) error {
	if !sample.Ports().Equal(a.ports) {
		return errors.Wrapf(layers.ErrMisconfiguration, "container has ports %s, wanted %s", sample.Ports(), a.ports)
	}
	for ii, name := range a.names {
		value := sample.Get(name)
		if a.count == 0 && value != nil {
			a.batches[ii], _ = layers.NewBatch()
		}
		if (value == nil) != (a.batches[ii] == nil) {
			return errors.Wrapf(layers.ErrMisconfiguration, "port %q is set for some samples and empty for others", name)
		}
		if value == nil {
			continue
		}
		t, ok := value.(*tensors.Tensor)
		if !ok {
			return errors.Wrapf(layers.ErrMisconfiguration, "port %q holds a %s value, kernels must return plain values",
				name, layers.CategoryOf(value))
		}
		if err := a.batches[ii].Append(t); err != nil {
			return errors.WithMessagef(err, "port %q", name)
		}
	}
	a.count++
	return nil
}

// reverse the order of the samples in all ports.
func (a *accumulator) reverse() {
	for _, b := range a.batches {
		if b != nil {
			b.Reverse()
		}
	}
}

// container returns the accumulated batches.
func (a *accumulator) container() *layers.Container {
	c := a.ports.Create()
	for ii, b := range a.batches {
		if b != nil {
			c = c.Set(a.names[ii], b)
		}
	}
	return c
}
