// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/gomlx/layerkit/pkg/core/tensors"
	"github.com/gomlx/layerkit/pkg/ml/checkpoints"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinimalUniquePaths(t *testing.T) {
	assert.Equal(t, []string{"/a/b"}, MinimalUniquePaths("/a/b"))
	assert.Equal(t, []string{"run1", "run2"}, MinimalUniquePaths("/x/run1/ckpt", "/x/run2/ckpt"))
	assert.Equal(t, []string{"a...c", "b...d"}, MinimalUniquePaths("/a/x/c", "/b/x/d"))
}

func saveCheckpoint(t *testing.T, dir string, globalStep int64) {
	policies := layers.NewPolicies().Set("/model", layers.PolicyUpdate, true)
	handler := must.M1(checkpoints.Build().Dir(dir).WithPolicies(policies).Done())
	buffer := checkpoints.NewBuffer()
	buffer.Set("w", tensors.FromFlatDataAndDimensions([]float64{1, -2, 3, -4}, 2, 2))
	buffer.Set("b", tensors.FromScalar(0.5))
	require.NoError(t, handler.Save(buffer, globalStep))
}

func TestReport(t *testing.T) {
	root := t.TempDir()
	dir1, dir2 := filepath.Join(root, "run1"), filepath.Join(root, "run2")
	saveCheckpoint(t, dir1, 1_234)
	saveCheckpoint(t, dir2, 7)

	loaded := must.M1(loadCheckpoints(dir1, dir2))
	require.Len(t, loaded, 2)
	summary := Summary(loaded)
	assert.Contains(t, summary, "run1")
	assert.Contains(t, summary, "run2")
	assert.Contains(t, summary, "1,234")
	assert.Contains(t, summary, loaded[0].handler.Metadata().ID)

	params := Params(loaded[0])
	assert.Contains(t, params, "(Float64)[2 2]")
	assert.Contains(t, params, "2.5") // Mean absolute value of w.
	assert.Contains(t, params, "0.5")
	assert.Contains(t, Policies(loaded[0]), "update")

	*flagParams = true
	defer func() { *flagParams = false }()
	var buf bytes.Buffer
	require.NoError(t, report(&buf, dir1))
	assert.Contains(t, buf.String(), "Parameters of")

	_, err := loadCheckpoints(filepath.Join(root, "missing"))
	require.Error(t, err)
	_, err = loadCheckpoints(root)
	require.ErrorContains(t, err, "no checkpoints")
}
