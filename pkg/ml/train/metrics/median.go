// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"math/rand/v2"
	"slices"
)

// StreamingMedianMetric implements a metric that keeps an approximate median of a metric from a streaming
// input, using reservoir sampling.
type StreamingMedianMetric struct {
	baseMetric
	maxNumSamples, samplesSeen int
	samples                    []float64
	rng                        *rand.Rand
}

var _ Interface = (*StreamingMedianMetric)(nil)

// NewMedianMetric creates a streaming median metric.
func NewMedianMetric(name, shortName, metricType string) *StreamingMedianMetric {
	return &StreamingMedianMetric{
		baseMetric:    baseMetric{name: name, shortName: shortName, metricType: metricType},
		maxNumSamples: 10_001,
	}
}

// WithSampleSize configures the number of random samples to keep to estimate the median.
func (m *StreamingMedianMetric) WithSampleSize(n int) *StreamingMedianMetric {
	m.maxNumSamples = n
	return m
}

// WithSeed makes the sampling deterministic.
func (m *StreamingMedianMetric) WithSeed(seed uint64) *StreamingMedianMetric {
	m.rng = rand.New(rand.NewPCG(seed, seed))
	return m
}

// Update implements Interface.
func (m *StreamingMedianMetric) Update(x float64) {
	if m.samples == nil {
		m.samples = make([]float64, 0, min(m.maxNumSamples, 1024))
		m.samplesSeen = 0
		if m.rng == nil {
			m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		}
	}
	m.samplesSeen++

	// Simple case: we have space to simply store the new sampled x.
	if len(m.samples) < m.maxNumSamples {
		m.samples = append(m.samples, x)
		return
	}

	// We must decide whether to keep x:
	if m.rng.Float64() >= float64(m.maxNumSamples)/float64(m.samplesSeen) {
		return
	}
	m.samples[m.rng.IntN(m.maxNumSamples)] = x
}

// Read implements Interface. It returns 0 if no samples were seen.
func (m *StreamingMedianMetric) Read() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	slices.Sort(m.samples)
	return m.samples[len(m.samples)/2]
}

// Reset implements Interface.
func (m *StreamingMedianMetric) Reset() {
	m.samples = nil
	m.samplesSeen = 0
}
