// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"os"
	"path/filepath"
	"time"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"go.chromium.org/amtest/internal/adb"
	"go.chromium.org/amtest/internal/config"
	"go.chromium.org/amtest/internal/instrumentation"
	"go.chromium.org/amtest/internal/logging"
	"go.chromium.org/amtest/internal/run"
	"go.chromium.org/amtest/internal/xcontext"
)

const fullLogName = "full.txt" // file in the artifact dir containing full output

// runCmd implements subcommands.Command to support running suites.
type runCmd struct {
	configPath   string
	adbPath      string
	timeout      time.Duration // overall timeout; 0 if no timeout
	failForTests bool          // exit with 1 if any individual tests fail
}

var _ = subcommands.Command(&runCmd{})

func (*runCmd) Name() string     { return "run" }
func (*runCmd) Synopsis() string { return "run instrumentation suites" }
func (*runCmd) Usage() string {
	return `Usage: run [flag]...

Description:
    Runs the configured instrumentation suites across all usable attached
    devices. Exits with 0 if all suites reached a terminal state, even if
    some tests failed; pass -failfortests to exit with 1 on test failures.
    Non-zero exit codes otherwise indicate run-level issues, e.g. no devices
    or a lost adb server.

Flag:
`
}

func (r *runCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.configPath, "config", "amtest.yaml", "path to the run config file")
	f.StringVar(&r.adbPath, "adb", "", "path to the adb binary (default: from PATH)")
	f.DurationVar(&r.timeout, "timeout", 0, "overall run timeout (e.g. 30m); 0 for none")
	f.BoolVar(&r.failForTests, "failfortests", false, "exit with 1 if any tests fail")
}

func (r *runCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if r.timeout > 0 {
		var cancel xcontext.CancelFunc
		ctx, cancel = xcontext.WithTimeout(ctx, r.timeout,
			errors.Errorf("%v: global timeout reached (%v)", context.DeadlineExceeded, r.timeout))
		defer cancel(context.Canceled)
	}

	cfg, err := config.Load(r.configPath)
	if err != nil {
		logging.Info(ctx, "Failed to load config: ", err)
		return subcommands.ExitUsageError
	}

	if err := os.MkdirAll(cfg.ArtifactDir, 0755); err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}

	// Log the full output of the command to disk.
	fullLog, err := os.Create(filepath.Join(cfg.ArtifactDir, fullLogName))
	if err != nil {
		logging.Info(ctx, err)
		return subcommands.ExitFailure
	}
	defer fullLog.Close()
	ctx = logging.AttachLogger(ctx,
		logging.NewSinkLogger(logging.LevelDebug, true, logging.NewWriterSink(fullLog)))

	var opts []adb.Option
	if r.adbPath != "" {
		opts = append(opts, adb.WithADBPath(r.adbPath))
	}
	server, err := adb.NewServer(opts...)
	if err != nil {
		logging.Info(ctx, "Failed to reach adb: ", err)
		return subcommands.ExitFailure
	}

	pool, err := run.DiscoverPool(ctx, server, cfg.DeviceFilter())
	if err != nil {
		logging.Info(ctx, "Device discovery failed: ", err)
		return subcommands.ExitFailure
	}
	if pool.Size() == 0 {
		logging.Info(ctx, "No usable devices attached")
		return subcommands.ExitFailure
	}
	defer pool.Shutdown()

	concurrency := cfg.Concurrency
	if concurrency == 0 {
		concurrency = pool.Size()
	}

	orch := run.NewOrchestrator(&run.Config{
		Transport:     server,
		Pool:          pool,
		Package:       cfg.Package,
		Runner:        cfg.Runner,
		Codes:         cfg.StatusCodes,
		SuiteTimeout:  cfg.SuiteTimeout.Std(),
		ArtifactDir:   cfg.ArtifactDir,
		LogBufferSize: cfg.LogBufferSize,
		Concurrency:   concurrency,
	})

	res, runErr := orch.Run(ctx, cfg.Plan(), &consoleListener{ctx: ctx})
	if runErr != nil {
		logging.Infof(ctx, "Run aborted: %v", runErr)
		return subcommands.ExitFailure
	}

	logging.Infof(ctx, "%d suite(s), %d test(s), %d failure(s), %d suite error(s)",
		res.SuitesRun, res.TestsRun, res.Failures, len(res.SuiteErrors))
	for _, se := range res.SuiteErrors {
		logging.Infof(ctx, "Suite %s: %s: %s", se.Suite, se.Reason, se.Message)
	}
	if len(res.SuiteErrors) > 0 {
		return subcommands.ExitFailure
	}
	if r.failForTests && res.Failures > 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// consoleListener reports test progress to the attached logger.
type consoleListener struct {
	ctx context.Context
}

var _ run.Listener = &consoleListener{}

func (c *consoleListener) SuiteStarted(name string, numTests int) {
	logging.Infof(c.ctx, "=== Suite %s started", name)
}

func (c *consoleListener) SuiteEnded(name string, numTests int, elapsed time.Duration) {
	logging.Infof(c.ctx, "=== Suite %s ended: %d test(s)", name, numTests)
}

func (c *consoleListener) SuiteErrored(name string, reason instrumentation.Reason, msg string) {
	logging.Infof(c.ctx, "=== Suite %s errored: %s: %s", name, reason, msg)
}

func (c *consoleListener) TestStarted(class, test string, ordinal int) {
	logging.Debugf(c.ctx, "RUN  %s.%s", class, test)
}

func (c *consoleListener) TestPassed(class, test string, ordinal int, d time.Duration) {
	logging.Infof(c.ctx, "PASS %s.%s (%v)", class, test, d)
}

func (c *consoleListener) TestFailed(class, test string, ordinal int, stack string) {
	logging.Infof(c.ctx, "FAIL %s.%s", class, test)
	if stack != "" {
		logging.Debugf(c.ctx, "%s", stack)
	}
}

func (c *consoleListener) TestIgnored(class, test string, ordinal int) {
	logging.Infof(c.ctx, "SKIP %s.%s", class, test)
}

func (c *consoleListener) TestAssumptionViolated(class, test string, ordinal int, msg string) {
	logging.Infof(c.ctx, "SKIP %s.%s (assumption violated)", class, test)
}
