// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/layerkit/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Bytes returns the raw little-endian encoding of the tensor values, converted to the given dtype.
// Pass the tensor's own DType to store it at its declared precision.
func (t *Tensor) Bytes(dtype dtypes.DType) ([]byte, error) {
	t.AssertValid()
	if !IsSupportedDType(dtype) {
		return nil, errors.Errorf("tensors.Bytes: unsupported dtype %s", dtype)
	}
	elementSize := int(dtype.Memory())
	data := make([]byte, elementSize*len(t.flat))
	for ii, v := range t.flat {
		chunk := data[ii*elementSize : (ii+1)*elementSize]
		switch dtype {
		case dtypes.Float64:
			binary.LittleEndian.PutUint64(chunk, math.Float64bits(v))
		case dtypes.Float32:
			binary.LittleEndian.PutUint32(chunk, math.Float32bits(float32(v)))
		case dtypes.Float16:
			binary.LittleEndian.PutUint16(chunk, float16.Fromfloat32(float32(v)).Bits())
		case dtypes.BFloat16:
			binary.LittleEndian.PutUint16(chunk, bfloat16.FromFloat64(v).Bits())
		}
	}
	return data, nil
}

// FromBytes creates a tensor of the given shape from values encoded (see Tensor.Bytes) with storedDType.
// The returned tensor has the given shape (and its DType), independent of the precision used to store it.
func FromBytes(shape shapes.Shape, storedDType dtypes.DType, data []byte) (*Tensor, error) {
	if !IsSupportedDType(storedDType) {
		return nil, errors.Errorf("tensors.FromBytes: unsupported stored dtype %s", storedDType)
	}
	t := FromShape(shape)
	elementSize := int(storedDType.Memory())
	if len(data) != elementSize*len(t.flat) {
		return nil, errors.Errorf("tensors.FromBytes(%s, stored as %s): got %d bytes, wanted %d",
			shape, storedDType, len(data), elementSize*len(t.flat))
	}
	for ii := range t.flat {
		chunk := data[ii*elementSize : (ii+1)*elementSize]
		switch storedDType {
		case dtypes.Float64:
			t.flat[ii] = math.Float64frombits(binary.LittleEndian.Uint64(chunk))
		case dtypes.Float32:
			t.flat[ii] = float64(math.Float32frombits(binary.LittleEndian.Uint32(chunk)))
		case dtypes.Float16:
			t.flat[ii] = float64(float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32())
		case dtypes.BFloat16:
			t.flat[ii] = float64(bfloat16.FromBits(binary.LittleEndian.Uint16(chunk)).Float32())
		}
	}
	return t, nil
}
