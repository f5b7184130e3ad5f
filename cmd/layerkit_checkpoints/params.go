// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/layerkit/pkg/core/tensors"
)

// Params renders the parameters of the checkpoint, in the order they were saved, with their shapes and the
// statistics of their values.
func Params(c *checkpoint) string {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "Bytes", "Stored As", "MAV", "RMS", "MaxAV")
	buffer := c.handler.LoadBuffer()
	for _, info := range c.handler.Metadata().Params {
		shape := info.Shape()
		row := []string{info.Name, shape.String(), humanize.Comma(int64(shape.Size())),
			humanize.Bytes(uint64(shape.Memory())), info.StoredDType.String()}
		value := buffer.Get(info.Name)
		if value == nil || value.Size() == 0 {
			row = append(row, "-", "-", "-")
		} else {
			mav, rms, maxAV := tensors.Stats(value)
			row = append(row, fmt.Sprintf("%.3g", mav), fmt.Sprintf("%.3g", rms), fmt.Sprintf("%.3g", maxAV))
		}
		table.Row(row...)
	}
	return render(fmt.Sprintf("Parameters of %q", c.name), table)
}

// Policies renders the policies saved with the checkpoint.
func Policies(c *checkpoint) string {
	table := newPlainTable(lipgloss.Left)
	table.Headers("Scope", "Key", "Type", "Value")
	for _, policy := range c.handler.Metadata().Policies {
		table.Row(policy.Scope, policy.Key, policy.ValueType, fmt.Sprintf("%v", policy.Value))
	}
	return render(fmt.Sprintf("Policies of %q", c.name), table)
}
