// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package layers

import (
	"fmt"

	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ValueShape describes the shape of a Value: its category, the batch number (for batched values)
// and the shape of one sample (for plain values, the tensor shape).
type ValueShape struct {
	Category Category
	BatchNum int
	Shape    shapes.Shape
}

// ShapeOf returns the ValueShape of v.
func ShapeOf(v Value) ValueShape {
	switch value := v.(type) {
	case *Batch:
		return ValueShape{Category: Batched, BatchNum: value.BatchNum(), Shape: value.ElementShape()}
	default:
		return ValueShape{Category: CategoryOf(v), Shape: v.Shape()}
	}
}

// String implements fmt.Stringer.
func (vs ValueShape) String() string {
	if vs.Category == Batched {
		return fmt.Sprintf("Batched(%d)x%s", vs.BatchNum, vs.Shape)
	}
	return vs.Shape.String()
}

// Collapse reduces the gradient grad back to the shape target, the shape of the value observed in the
// forward pass. It is the adjoint of broadcasting the forward value to the shape of grad:
//
//   - A batched gradient for a plain target is summed over the batch.
//   - Axes that were broadcast (missing leading axes, or axes of dimension 1 in target) are summed over.
//   - If grad already has the target shape, it is returned unchanged.
//
// A nil grad is returned as nil. A plain gradient can't be collapsed to a batched target, and it
// returns an ErrShapeMismatch.
func Collapse(grad Value, target ValueShape) (Value, error) {
	if grad == nil {
		return nil, nil
	}
	switch g := grad.(type) {
	case *tensors.Tensor:
		if target.Category == Batched {
			return nil, errors.Wrapf(ErrShapeMismatch, "cannot collapse plain gradient %s to %s", g.Shape(), target)
		}
		return reduceTensor(g, target.Shape)

	case *Batch:
		if g.BatchNum() == 0 {
			return nil, errors.Wrapf(ErrEmptyBatch, "cannot collapse empty gradient batch to %s", target)
		}
		if target.Category == Plain {
			total, err := tensors.Sum(g.elements...)
			if err != nil {
				return nil, errors.Wrapf(ErrShapeMismatch, "summing gradient batch: %v", err)
			}
			return reduceTensor(total, target.Shape)
		}
		if g.BatchNum() != target.BatchNum {
			return nil, errors.Wrapf(ErrBatchMismatch, "gradient batch number is %d, forward value had %d",
				g.BatchNum(), target.BatchNum)
		}
		if g.ElementShape().EqualDimensions(target.Shape) {
			return g, nil
		}
		collapsed := &Batch{elements: make([]*tensors.Tensor, 0, g.BatchNum())}
		for _, e := range g.elements {
			reduced, err := reduceTensor(e, target.Shape)
			if err != nil {
				return nil, err
			}
			collapsed.elements = append(collapsed.elements, reduced.(*tensors.Tensor))
		}
		return collapsed, nil
	}
	return nil, errors.Errorf("layers.Collapse: unknown gradient type %T", grad)
}

func reduceTensor(t *tensors.Tensor, target shapes.Shape) (Value, error) {
	reduced, err := tensors.ReduceToShape(t, target)
	if err != nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "collapsing gradient: %v", err)
	}
	return reduced, nil
}
