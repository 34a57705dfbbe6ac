// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/google/subcommands"

	"go.chromium.org/amtest/internal/adb"
	"go.chromium.org/amtest/internal/config"
	"go.chromium.org/amtest/internal/logging"
)

// listCmd implements subcommands.Command to list attached devices or, with
// -config, the configured suites.
type listCmd struct {
	adbPath    string
	configPath string
	w          io.Writer // where to write the listing

	// newTransport can be set by tests to stub out the adb server.
	newTransport func() (adb.Transport, error)
}

var _ = subcommands.Command(&listCmd{})

func newListCmd(w io.Writer) *listCmd {
	lc := &listCmd{w: w}
	lc.newTransport = func() (adb.Transport, error) {
		var opts []adb.Option
		if lc.adbPath != "" {
			opts = append(opts, adb.WithADBPath(lc.adbPath))
		}
		return adb.NewServer(opts...)
	}
	return lc
}

func (*listCmd) Name() string     { return "list" }
func (*listCmd) Synopsis() string { return "list attached devices or configured suites" }
func (*listCmd) Usage() string {
	return `Usage: list [flag]...

Description:
    Lists the serials of attached devices usable for running suites, one per
    line. With -config, lists the configured suites instead.

Flag:
`
}

func (lc *listCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&lc.adbPath, "adb", "", "path to the adb binary (default: from PATH)")
	f.StringVar(&lc.configPath, "config", "", "list the suites of this run config instead of devices")
}

func (lc *listCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if lc.configPath != "" {
		return lc.listSuites(ctx)
	}
	t, err := lc.newTransport()
	if err != nil {
		logging.Info(ctx, "Failed to reach adb: ", err)
		return subcommands.ExitFailure
	}
	serials, err := t.Devices(ctx)
	if err != nil {
		logging.Info(ctx, "Failed to list devices: ", err)
		return subcommands.ExitFailure
	}
	for _, s := range serials {
		fmt.Fprintln(lc.w, s)
	}
	return subcommands.ExitSuccess
}

func (lc *listCmd) listSuites(ctx context.Context) subcommands.ExitStatus {
	cfg, err := config.Load(lc.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}
	for _, s := range cfg.Suites {
		fmt.Fprintln(lc.w, s.Name)
	}
	return subcommands.ExitSuccess
}
