// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"github.com/pkg/errors"
)

// Error kinds returned by layers. They are always wrapped with context (see errors.Wrapf), so match
// them with errors.Is, or use KindOf.
var (
	// ErrBatchMismatch is returned when batched values of one call disagree on the batch number.
	ErrBatchMismatch = errors.New("batch number mismatch")

	// ErrEmptyBatch is returned when a batched value has no elements, or a call has no batched value.
	ErrEmptyBatch = errors.New("empty batch")

	// ErrShapeMismatch is returned when a loaded or received value doesn't have the expected shape.
	ErrShapeMismatch = errors.New("shape mismatch")

	// ErrMissingInitializer is returned when a parameter has no loaded value and no filler to initialize it.
	ErrMissingInitializer = errors.New("missing initializer")

	// ErrDuplicateSave is returned when two different values are saved under the same parameter name.
	ErrDuplicateSave = errors.New("duplicate save")

	// ErrUnbalancedState is returned when a layer holds pending shapes or gradients at a point where it
	// should be neutral, or when a backward call has no matching forward call.
	ErrUnbalancedState = errors.New("unbalanced state")

	// ErrMisconfiguration is returned for configuration errors detectable without running data
	// through the model: unset or unknown kernel, wrong policy types, values of an undeclared category.
	ErrMisconfiguration = errors.New("misconfiguration")
)

var errorKinds = []error{
	ErrBatchMismatch, ErrEmptyBatch, ErrShapeMismatch, ErrMissingInitializer, ErrDuplicateSave,
	ErrUnbalancedState, ErrMisconfiguration,
}

// KindOf returns which of the layers error kinds (ErrBatchMismatch, ErrEmptyBatch, etc.) err wraps.
// It returns nil if err is nil or is not one of them.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range errorKinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
