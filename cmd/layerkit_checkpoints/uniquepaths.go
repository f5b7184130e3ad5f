// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"path/filepath"
	"slices"
	"strings"
)

// MinimalUniquePaths returns for each path the shortest name that distinguishes it from the others:
// the path components that differ from some other path. If only the first and last differing components are
// used, they are joined by "...". Paths with no differences are named by their last component.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	split := make([][]string, len(paths))
	for ii, path := range paths {
		split[ii] = strings.Split(filepath.Clean(path), string(filepath.Separator))
	}
	names := make([]string, len(paths))
	for ii, parts := range split {
		var diffs []int
		for jj, other := range split {
			if ii == jj {
				continue
			}
			for kk := range min(len(parts), len(other)) {
				if parts[kk] != other[kk] && !slices.Contains(diffs, kk) {
					diffs = append(diffs, kk)
				}
			}
		}
		slices.Sort(diffs)
		switch len(diffs) {
		case 0:
			names[ii] = parts[len(parts)-1]
		case 1:
			names[ii] = parts[diffs[0]]
		default:
			names[ii] = parts[diffs[0]] + "..." + parts[diffs[len(diffs)-1]]
		}
	}
	return names
}
