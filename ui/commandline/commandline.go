// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line: a progress bar for
// train.Loop, and flags to configure the policies of the model.
package commandline

import (
	"fmt"
	"io"

	"github.com/gomlx/layerkit/pkg/ml/train"
)

// ReportMetrics writes to w the current value of the training metrics of the trainer.
func ReportMetrics(w io.Writer, trainer *train.Trainer) error {
	if _, err := fmt.Fprintf(w, "Training metrics at global step %d:\n", trainer.GlobalStep()); err != nil {
		return err
	}
	for _, metric := range trainer.TrainMetrics() {
		if _, err := fmt.Fprintf(w, "\t%s (%s): %s\n", metric.Name(), metric.ShortName(),
			metric.PrettyPrint(metric.Read())); err != nil {
			return err
		}
	}
	return nil
}
