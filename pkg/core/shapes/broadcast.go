// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"slices"

	"github.com/pkg/errors"
)

// BroadcastDimensions returns the dimensions resulting from broadcasting the given shapes together.
//
// Shapes are aligned on their last axes: missing leading axes are treated as dimension 1, and
// axes of dimension 1 are expanded to match the other operands. Any other disagreement is an error.
// DTypes are not checked.
func BroadcastDimensions(shapes ...Shape) ([]int, error) {
	rank := 0
	for _, s := range shapes {
		rank = max(rank, s.Rank())
	}
	dims := make([]int, rank)
	for ii := range dims {
		dims[ii] = 1
	}
	for _, s := range shapes {
		offset := rank - s.Rank()
		for axis, dim := range s.Dimensions {
			current := dims[offset+axis]
			switch {
			case dim == current || dim == 1:
				// Nothing to change.
			case current == 1:
				dims[offset+axis] = dim
			default:
				return nil, errors.Errorf("shapes %v cannot be broadcast together: axis %d has dimensions %d and %d",
					shapes, offset+axis, current, dim)
			}
		}
	}
	return dims, nil
}

// CanReduceTo returns whether a value of shape `from` could have been produced by broadcasting a value
// of shape `to`. That is, whether summing over the broadcast axes of `from` yields `to`.
func CanReduceTo(from, to Shape) bool {
	if to.Rank() > from.Rank() {
		return false
	}
	offset := from.Rank() - to.Rank()
	for axis, dim := range to.Dimensions {
		fromDim := from.Dimensions[offset+axis]
		if dim != fromDim && dim != 1 {
			return false
		}
	}
	return true
}

// BroadcastIndex maps the indices of a value of the broadcast shape `from` into the flat index
// of the value of the (smaller) shape `to` it was broadcast from.
//
// It assumes CanReduceTo(from, to) is true, and that indices has length from.Rank().
func BroadcastIndex(from, to Shape, toStrides, indices []int) int {
	offset := from.Rank() - to.Rank()
	flat := 0
	for axis, dim := range to.Dimensions {
		if dim == 1 {
			continue
		}
		flat += indices[offset+axis] * toStrides[axis]
	}
	return flat
}

// IsBroadcastOf returns whether `s` strictly expands `smaller`: it can be reduced to it
// and it's not the same dimensions.
func (s Shape) IsBroadcastOf(smaller Shape) bool {
	return CanReduceTo(s, smaller) && !slices.Equal(s.Dimensions, smaller.Dimensions)
}
