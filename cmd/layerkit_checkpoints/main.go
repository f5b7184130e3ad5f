// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// layerkit_checkpoints reports on the contents of checkpoint directories saved by the checkpoints package.
//
// Usage:
//
//	layerkit_checkpoints [-summary] [-params] [-policies] <dir> [<dir> ...]
//
// With more than one directory, the summary displays one column per directory.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/layerkit/internal/fsutil"
	"github.com/gomlx/layerkit/pkg/ml/checkpoints"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary  = flag.Bool("summary", false, "Display a summary of the checkpoints: id, global step and sizes.")
	flagParams   = flag.Bool("params", false, "Lists the parameters saved, with their shapes and statistics.")
	flagPolicies = flag.Bool("policies", false, "Lists the policies saved with the checkpoint, if any.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'layerkit_checkpoints -help'")
		os.Exit(1)
	}
	if !*flagSummary && !*flagParams && !*flagPolicies {
		*flagSummary = true
	}
	err := exceptions.TryCatch[error](func() { must.M(report(os.Stdout, args...)) })
	if err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// checkpoint loaded from a directory.
type checkpoint struct {
	dir, name string
	handler   *checkpoints.Handler
}

// loadCheckpoints loads the latest checkpoint of each of the directories.
// Directories without checkpoints are reported as errors.
func loadCheckpoints(dirs ...string) ([]*checkpoint, error) {
	names := MinimalUniquePaths(dirs...)
	loaded := make([]*checkpoint, 0, len(dirs))
	for ii, dir := range dirs {
		dir, err := fsutil.ReplaceTildeInDir(dir)
		if err != nil {
			return nil, err
		}
		exists, err := fsutil.FileExists(dir)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, errors.Errorf("checkpoint directory %q does not exist", dir)
		}
		handler, err := checkpoints.Load().Dir(dir).Done()
		if err != nil {
			return nil, errors.WithMessagef(err, "loading checkpoint from %q", dir)
		}
		if handler.Metadata() == nil {
			return nil, errors.Errorf("no checkpoints found in %q", dir)
		}
		klog.V(1).Infof("loaded %s", handler)
		loaded = append(loaded, &checkpoint{dir: dir, name: names[ii], handler: handler})
	}
	return loaded, nil
}

// report writes the requested reports for the checkpoints in dirs.
func report(w io.Writer, dirs ...string) error {
	loaded, err := loadCheckpoints(dirs...)
	if err != nil {
		return err
	}
	if *flagSummary {
		if _, err = fmt.Fprintln(w, Summary(loaded)); err != nil {
			return err
		}
	}
	for _, c := range loaded {
		if *flagParams {
			if _, err = fmt.Fprintln(w, Params(c)); err != nil {
				return err
			}
		}
		if *flagPolicies {
			if _, err = fmt.Fprintln(w, Policies(c)); err != nil {
				return err
			}
		}
	}
	return nil
}
