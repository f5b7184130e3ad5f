// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package metrics holds a library of metrics that aggregate a scalar (usually the loss) over the training steps.
package metrics

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Interface for a Metric.
type Interface interface {
	// Name of the metric.
	Name() string

	// ShortName is a shortened version of the name (preferably a few characters) to display in progress bars or
	// similar UIs.
	ShortName() string

	// MetricType is a key for metrics that share the same quantity or semantics. Eg.:
	// "Moving-Average-Loss" and "Mean-Loss" would both have the same "loss" metric type.
	MetricType() string

	// Update the metric with the value of a new step.
	Update(value float64)

	// Read the current value of the metric. It returns 0 if no value was seen yet.
	Read() float64

	// PrettyPrint is used to pretty-print a metric value, usually in a short form.
	PrettyPrint(value float64) string

	// Reset the metric internal state, when starting a new run.
	Reset()
}

const (
	// LossMetricType is the type of loss metrics.
	LossMetricType = "loss"
)

// PrettyPrintFn is a function to convert a metric value to a string.
type PrettyPrintFn func(value float64) string

// baseMetric implements the naming of the metrics.
type baseMetric struct {
	name, shortName, metricType string
	pPrintFn                    PrettyPrintFn // if nil will display default.
}

func (m *baseMetric) Name() string {
	return m.name
}

func (m *baseMetric) ShortName() string {
	return m.shortName
}

func (m *baseMetric) MetricType() string {
	return m.metricType
}

func (m *baseMetric) PrettyPrint(value float64) string {
	if m.pPrintFn == nil {
		return humanize.FormatFloat("#,###.####", value)
	}
	return m.pPrintFn(value)
}

// MeanMetric keeps the mean of all the values seen since the last Reset.
type MeanMetric struct {
	baseMetric
	total float64
	count int
}

var _ Interface = (*MeanMetric)(nil)

// NewMeanMetric creates a metric that keeps the mean of the values.
func NewMeanMetric(name, shortName, metricType string) *MeanMetric {
	return &MeanMetric{baseMetric: baseMetric{name: name, shortName: shortName, metricType: metricType}}
}

// WithPrettyPrint sets the function used to pretty-print the values.
func (m *MeanMetric) WithPrettyPrint(pPrintFn PrettyPrintFn) *MeanMetric {
	m.pPrintFn = pPrintFn
	return m
}

// Update implements Interface.
func (m *MeanMetric) Update(value float64) {
	m.total += value
	m.count++
}

// Read implements Interface.
func (m *MeanMetric) Read() float64 {
	if m.count == 0 {
		return 0
	}
	return m.total / float64(m.count)
}

// Count returns the number of values seen since the last Reset.
func (m *MeanMetric) Count() int { return m.count }

// Reset implements Interface.
func (m *MeanMetric) Reset() {
	m.total, m.count = 0, 0
}

// movingAverageMetric implements an exponential moving average.
//
// It behaves just like a MeanMetric, but each new value has weight of max(newExampleWeight, 1/count),
// and the stored mean is decayed by 1 minus that weight.
type movingAverageMetric struct {
	baseMetric
	newExampleWeight float64
	mean             float64
	count            int
}

// NewExponentialMovingAverageMetric creates a metric that takes new values with the given weight
// (newExampleWeight), and decays the current mean to 1-newExampleWeight.
//
// A typical value of newExampleWeight is 0.01, the smaller the value, the slower the moving average moves.
//
// This doesn't have a set prior, it will start being a normal average until there are enough terms, and it
// becomes an exponential moving average.
func NewExponentialMovingAverageMetric(name, shortName, metricType string, newExampleWeight float64) Interface {
	return &movingAverageMetric{
		baseMetric:       baseMetric{name: name, shortName: shortName, metricType: metricType},
		newExampleWeight: newExampleWeight,
	}
}

// Update implements Interface.
func (m *movingAverageMetric) Update(value float64) {
	m.count++
	weight := max(m.newExampleWeight, 1/float64(m.count))
	m.mean = m.mean*(1-weight) + value*weight
}

// Read implements Interface.
func (m *movingAverageMetric) Read() float64 { return m.mean }

// Reset implements Interface.
func (m *movingAverageMetric) Reset() {
	m.mean, m.count = 0, 0
}

// String implements fmt.Stringer.
func (m *movingAverageMetric) String() string {
	return fmt.Sprintf("%s=%s", m.shortName, m.PrettyPrint(m.mean))
}
