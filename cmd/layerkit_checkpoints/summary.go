// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// Summary renders one column per checkpoint with its id, global step, number of parameters, number of values
// and memory used.
func Summary(loaded []*checkpoint) string {
	numCheckpoints := len(loaded)
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	rows := map[string][]string{}
	rowNames := []string{"checkpoint", "id", "global step", "saved at", "# params", "# values", "# bytes"}
	for _, name := range rowNames {
		rows[name] = make([]string, numCheckpoints+1)
		rows[name][0] = name
	}
	for ii, c := range loaded {
		col := ii + 1
		metadata := c.handler.Metadata()
		buffer := c.handler.LoadBuffer()
		var numValues int
		for _, info := range metadata.Params {
			numValues += info.Shape().Size()
		}
		rows["checkpoint"][col] = c.name
		rows["id"][col] = metadata.ID
		rows["global step"][col] = humanize.Comma(metadata.GlobalStep)
		rows["saved at"][col] = humanize.Time(metadata.Time)
		rows["# params"][col] = humanize.Comma(int64(len(metadata.Params)))
		rows["# values"][col] = humanize.Comma(int64(numValues))
		rows["# bytes"][col] = humanize.Bytes(uint64(buffer.Memory()))
	}
	for _, name := range rowNames {
		table.Row(rows[name]...)
	}
	return render("Summary", table)
}
