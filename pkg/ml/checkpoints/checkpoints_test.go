// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSaver() *Buffer {
	saver := NewBuffer()
	saver.Set("W", tensors.FromFlatDataAndDimensions([]float64{0.1, -0.25, 3, 1024}, 2, 2))
	saver.Set("b", tensors.FromFlatDataAndDimensions([]float32{7}, 1))
	return saver
}

func TestBuffer(t *testing.T) {
	saver := newSaver()
	assert.Equal(t, 2, saver.Len())
	assert.Equal(t, []string{"W", "b"}, saver.Names())
	assert.Equal(t, uintptr(4*8+4), saver.Memory())
	_, found := saver.TryGet(layers.Batched, "W")
	assert.False(t, found)
	w, found := saver.TryGet(layers.Plain, "W")
	require.True(t, found)
	assert.Same(t, saver.Get("W"), w)
	saver.Delete("W")
	assert.Nil(t, saver.Get("W"))
	assert.Equal(t, 1, saver.Len())
}

func TestSaveAndLoad(t *testing.T) {
	for _, format := range []BinFormat{BinGZIP, BinUncompressed} {
		t.Run(format.String(), func(t *testing.T) {
			dir := t.TempDir()
			policies := layers.NewPolicies().
				Set("/", layers.PolicyUpdate, true).
				Set("/model/dense", "weight_dims", []int{2, 3}).
				Set("/model/dense", "weight_dtype", dtypes.Float32)
			handler := must.M1(Build().Dir(dir).WithCompression(format).WithPolicies(policies).Done())
			assert.Equal(t, 0, handler.LoadBuffer().Len())
			assert.Nil(t, handler.Metadata())
			require.NoError(t, handler.Save(newSaver(), 10))
			id := handler.Metadata().ID
			assert.NotEmpty(t, id)

			list := must.M1(handler.ListCheckpoints())
			require.Len(t, list, 1)
			assert.Contains(t, list[0], "-step-00000010")

			loadedPolicies := layers.NewPolicies()
			loaded := must.M1(Load().Dir(dir).WithPolicies(loadedPolicies).Done())
			require.Equal(t, 2, loaded.LoadBuffer().Len())
			assert.True(t, loaded.LoadBuffer().Get("W").Equal(newSaver().Get("W")))
			b := loaded.LoadBuffer().Get("b")
			assert.Equal(t, dtypes.Float32, b.DType())
			assert.Equal(t, []float64{7}, b.CopyFlatData())
			assert.Equal(t, id, loaded.Metadata().ID)
			assert.Equal(t, int64(10), loaded.Metadata().GlobalStep)

			update, err := layers.GetPolicyOr(loadedPolicies, "/any", layers.PolicyUpdate, false)
			require.NoError(t, err)
			assert.True(t, update)
			dims, err := layers.GetPolicyOr[[]int](loadedPolicies, "/model/dense/weight", "weight_dims", nil)
			require.NoError(t, err)
			assert.Equal(t, []int{2, 3}, dims)
			dtype, err := layers.GetPolicyOr(loadedPolicies, "/model/dense", "weight_dtype", dtypes.InvalidDType)
			require.NoError(t, err)
			assert.Equal(t, dtypes.Float32, dtype)
		})
	}
}

func TestStoreAs(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16, dtypes.BFloat16} {
		t.Run(dtype.String(), func(t *testing.T) {
			dir := t.TempDir()
			handler := must.M1(Build().Dir(dir).StoreAs(dtype).Done())
			require.NoError(t, handler.Save(newSaver(), 1))
			info := handler.Metadata().Params[0]
			assert.Equal(t, "W", info.Name)
			assert.Equal(t, dtypes.Float64, info.DType)
			assert.Equal(t, dtype, info.StoredDType)
			assert.Equal(t, 4*int(dtype.Memory()), info.Length)

			loaded := must.M1(Load().Dir(dir).Done())
			w := loaded.LoadBuffer().Get("W")
			assert.Equal(t, dtypes.Float64, w.DType(), "values are restored to the parameter dtype")
			assert.True(t, w.InDelta(newSaver().Get("W"), 1e-2), "got %s", w)
		})
	}

	_, err := Build().TempDir(t.TempDir(), "checkpoints_test").StoreAs(dtypes.Int32).Done()
	require.Error(t, err)
}

func TestKeep(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Keep(2).Done())
	for step := range int64(4) {
		require.NoError(t, handler.Save(newSaver(), step))
	}
	list := must.M1(handler.ListCheckpoints())
	require.Len(t, list, 2)
	assert.Contains(t, list[0], "checkpoint-n0000002-")
	assert.Contains(t, list[1], "checkpoint-n0000003-")
	entries := must.M1(os.ReadDir(dir))
	assert.Len(t, entries, 4, "only the json and bin files of the kept checkpoints remain")

	// A new handler continues the count and loads the latest.
	handler = must.M1(Build().Dir(dir).Keep(-1).Done())
	assert.Equal(t, int64(3), handler.Metadata().GlobalStep)
	require.NoError(t, handler.Save(newSaver(), 4))
	list = must.M1(handler.ListCheckpoints())
	require.Len(t, list, 3)
	assert.Contains(t, list[2], "checkpoint-n0000004-")
}

func TestSaveKeepsUnusedLoadedParams(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Done())
	require.NoError(t, handler.Save(newSaver(), 1))

	handler = must.M1(Build().Dir(dir).Done())
	saver := NewBuffer()
	saver.Set("W", tensors.FromScalarAndDimensions(0.0, 2, 2))
	require.NoError(t, handler.Save(saver, 2))
	loaded := must.M1(Load().Dir(dir).Done())
	assert.Equal(t, []string{"W", "b"}, loaded.LoadBuffer().Names())
	assert.Equal(t, []float64{0, 0, 0, 0}, loaded.LoadBuffer().Get("W").CopyFlatData())
}

func TestConfigErrors(t *testing.T) {
	_, err := Build().Done()
	require.Error(t, err)

	_, err = Load().Dir(filepath.Join(t.TempDir(), "missing")).Done()
	require.Error(t, err)

	dir := t.TempDir()
	_, err = Load().Dir(dir).Done()
	require.Error(t, err, "Load requires an existing checkpoint")

	fileName := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(fileName, []byte("x"), 0600))
	_, err = Build().Dir(fileName).Done()
	require.Error(t, err)

	var h *Handler
	require.NoError(t, h.Save(NewBuffer(), 0))
	assert.Equal(t, "", h.Dir())
}
