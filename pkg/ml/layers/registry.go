// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// KernelFactory builds a layer with the given name, used as the kernel of a composite layer.
// inputs declares the categories of the kernel inputs (kernels of a batch iteration layer always see plain
// inputs), and policies holds its configuration, resolved for the given name.
type KernelFactory func(name string, inputs InputMap, policies *Policies) (Layer, error)

// KnownKernels is a map of kernel names to their factories. It is filled by the packages implementing
// kernels (e.g. layers/arith) when imported, see RegisterKernel.
var KnownKernels = map[string]KernelFactory{}

// RegisterKernel registers a kernel factory under the given name, in KnownKernels.
// It panics if the name is already registered.
func RegisterKernel(name string, factory KernelFactory) {
	if _, found := KnownKernels[name]; found {
		exceptions.Panicf("layers.RegisterKernel(%q): kernel already registered", name)
	}
	KnownKernels[name] = factory
}

// KernelByName returns the factory of the kernel registered with the given name.
// It returns an ErrMisconfiguration if no kernel was registered with that name.
func KernelByName(name string) (KernelFactory, error) {
	factory, found := KnownKernels[name]
	if !found {
		return nil, errors.Wrapf(ErrMisconfiguration, "unknown kernel %q, known kernels are %q",
			name, slices.Sorted(maps.Keys(KnownKernels)))
	}
	return factory, nil
}
