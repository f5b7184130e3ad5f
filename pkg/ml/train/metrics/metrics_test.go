// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanMetric(t *testing.T) {
	m := NewMeanMetric("Mean Loss", "~loss", LossMetricType)
	assert.Equal(t, 0.0, m.Read())
	for _, v := range []float64{1, 2, 3, 6} {
		m.Update(v)
	}
	assert.Equal(t, 3.0, m.Read())
	assert.Equal(t, 4, m.Count())
	assert.Equal(t, "~loss", m.ShortName())
	assert.Equal(t, LossMetricType, m.MetricType())
	assert.Equal(t, "3.0000", m.PrettyPrint(m.Read()))
	m.Reset()
	assert.Equal(t, 0, m.Count())

	m.WithPrettyPrint(func(value float64) string { return "x" })
	assert.Equal(t, "x", m.PrettyPrint(1))
}

func TestMovingAverage(t *testing.T) {
	m := NewExponentialMovingAverageMetric("Moving Average Loss", "~mloss", LossMetricType, 0.5)
	m.Update(4)
	assert.Equal(t, 4.0, m.Read(), "first value has weight 1")
	m.Update(2)
	assert.Equal(t, 3.0, m.Read())
	m.Update(2)
	// Weight is max(0.5, 1/3).
	assert.Equal(t, 2.5, m.Read())
	m.Reset()
	assert.Equal(t, 0.0, m.Read())
}

func TestStreamingMedian(t *testing.T) {
	metric := NewMedianMetric("Median Loss", "~medloss", LossMetricType).WithSampleSize(10_000).WithSeed(42)
	assert.Equal(t, 0.0, metric.Read())

	// Sample from 0.01 < r < 1.0 randomly, and then feed StreamingMedian values of 1/r.
	const numExamples = 100_001
	rng := rand.New(rand.NewPCG(1, 2))
	values := make([]float64, 0, numExamples)
	for range numExamples {
		r := 1 / (rng.Float64()*0.99 + 0.01)
		values = append(values, r)
		metric.Update(r)
	}
	slices.Sort(values)
	require.InDelta(t, values[numExamples/2], metric.Read(), 0.1)

	metric.Reset()
	metric = metric.WithSampleSize(3)
	for _, v := range []float64{5, 1, 3} {
		metric.Update(v)
	}
	assert.Equal(t, 3.0, metric.Read())
}
