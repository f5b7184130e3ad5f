// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"testing"

	"github.com/gomlx/layerkit/pkg/ml/checkpoints"
	"github.com/gomlx/layerkit/pkg/ml/layers"
	"github.com/gomlx/layerkit/ui/commandline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	var buf bytes.Buffer
	trainer, err := run(config{numSteps: 300, seed: 1}, createDefaultPolicies(), &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(300), trainer.GlobalStep())
	weight, err := learnedWeight(trainer)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, weight, 0.05)
	assert.Contains(t, buf.String(), "Training metrics at global step 300")
	assert.Contains(t, buf.String(), "Learned weight:")
}

func TestRunWithCheckpoints(t *testing.T) {
	dir := t.TempDir()
	cfg := config{
		settings:        "target_weight=-2;optimizer=adam",
		numSteps:        200,
		checkpointDir:   dir,
		checkpointEvery: 50,
		checkpointKeep:  2,
		seed:            7,
		progressBar:     true,
	}
	trainer, err := run(cfg, createDefaultPolicies(), &bytes.Buffer{})
	require.NoError(t, err)
	weight, err := learnedWeight(trainer)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, weight, 0.1)

	handler, err := checkpoints.Load().Dir(dir).Done()
	require.NoError(t, err)
	assert.Equal(t, int64(200), handler.Metadata().GlobalStep)
	list, err := handler.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Continues from the checkpoint, with the policies saved with it.
	cfg.settings = ""
	cfg.numSteps = 250
	cfg.progressBar = false
	policies := createDefaultPolicies()
	trainer, err = run(cfg, policies, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Equal(t, int64(250), trainer.GlobalStep())
	target, err := layers.GetPolicyOr(policies, commandline.RootScope, ParamTargetWeight, 0.0)
	require.NoError(t, err)
	assert.Equal(t, -2.0, target)
	optimizer, err := layers.GetPolicyOr(policies, commandline.RootScope, "optimizer", "")
	require.NoError(t, err)
	assert.Equal(t, "adam", optimizer)
	weight, err = learnedWeight(trainer)
	require.NoError(t, err)
	assert.InDelta(t, -2.0, weight, 0.1)

	// Explicit settings take precedence over the restored policies.
	cfg.settings = "learning_rate=0.01"
	cfg.numSteps = 260
	policies = createDefaultPolicies()
	_, err = run(cfg, policies, &bytes.Buffer{})
	require.NoError(t, err)
	lr, err := layers.GetPolicyOr(policies, commandline.RootScope, "learning_rate", 0.0)
	require.NoError(t, err)
	assert.Equal(t, 0.01, lr)
}

func TestRunErrors(t *testing.T) {
	_, err := run(config{numSteps: 10, settings: "batch_size=0"}, createDefaultPolicies(), &bytes.Buffer{})
	require.ErrorIs(t, err, layers.ErrMisconfiguration)

	_, err = run(config{numSteps: 10, settings: "optimizer=unknown"}, createDefaultPolicies(), &bytes.Buffer{})
	require.ErrorIs(t, err, layers.ErrMisconfiguration)

	_, err = run(config{numSteps: 10, settings: "unknown_param=1"}, createDefaultPolicies(), &bytes.Buffer{})
	require.Error(t, err)
}
