// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"fmt"
	"strings"

	"github.com/gomlx/layerkit/pkg/core/tensors"
)

// Reported is one call to Recorder.Collect.
type Reported struct {
	Name        string
	Value, Grad *tensors.Tensor
}

// Recorder is an optimizer that doesn't change the parameters: it only records what was reported to it.
// It's used for testing and to inspect gradients.
type Recorder struct {
	Reports []Reported
}

var _ Interface = (*Recorder)(nil)

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// Name implements Interface.
func (r *Recorder) Name() string { return "recorder" }

// LearningRate implements Interface. It is always 0.
func (r *Recorder) LearningRate() float64 { return 0 }

// SetLearningRate implements Interface. It is ignored.
func (r *Recorder) SetLearningRate(float64) {}

// Clear implements Interface, by dropping the records.
func (r *Recorder) Clear() { r.Reports = nil }

// Collect implements layers.GradCollector. It records a copy of the gradient.
func (r *Recorder) Collect(name string, value, grad *tensors.Tensor) error {
	if err := checkGradient(r.Name(), name, value, grad); err != nil {
		return err
	}
	r.Reports = append(r.Reports, Reported{Name: name, Value: value, Grad: grad.Clone()})
	return nil
}

// Grad returns the last gradient reported for the parameter, or nil if none.
func (r *Recorder) Grad(name string) *tensors.Tensor {
	for ii := len(r.Reports) - 1; ii >= 0; ii-- {
		if r.Reports[ii].Name == name {
			return r.Reports[ii].Grad
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (r *Recorder) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Recorder: %d reports\n", len(r.Reports))
	for _, report := range r.Reports {
		_, _ = fmt.Fprintf(&sb, "\t%q: %s\n", report.Name, report.Grad)
	}
	return sb.String()
}
