// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package run

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.chromium.org/amtest/internal/adb"
	"go.chromium.org/amtest/internal/devicepool"
	"go.chromium.org/amtest/internal/instrumentation"
	"go.chromium.org/amtest/internal/logcat"
	"go.chromium.org/amtest/internal/logging"
	"go.chromium.org/amtest/internal/testplan"
	"go.chromium.org/amtest/internal/xcontext"
)

// errSuiteTimeout cancels a suite context when the per-suite deadline
// elapses.
var errSuiteTimeout = errors.New("per-suite timeout elapsed")

// LogWatch attaches a callback to captured log lines whose tag matches Tag.
// Watches are registered on every capture session.
type LogWatch struct {
	Tag *regexp.Regexp
	Fn  logcat.WatchFunc
}

// Config carries everything workers need to execute suites. The pool and
// the plan cursor are explicit shared objects, not globals.
type Config struct {
	Transport adb.Transport
	Pool      *devicepool.Pool

	// Package and Runner identify the on-device instrumentation,
	// invoked as "am instrument <pkg>/<runner>".
	Package string
	Runner  string

	// Codes overrides the protocol's status code mapping. Nil means the
	// stock mapping.
	Codes *instrumentation.StatusCodes

	// SuiteTimeout bounds one suite's execution. Zero means no bound.
	SuiteTimeout time.Duration

	// ArtifactDir receives per-device logcat captures and marker files.
	ArtifactDir string

	// LogBufferSize, if non-empty, is applied to the device's logcat
	// ring buffer before capture (e.g. "5M").
	LogBufferSize string

	LogWatches []LogWatch

	// Concurrency is the desired number of concurrent workers. It is
	// capped at the pool size.
	Concurrency int

	// Clock is used for durations and marker timestamps. Nil means the
	// real clock.
	Clock clock.Clock
}

// worker is the per-device control loop: acquire a device, pull the next
// suite, execute it, release the device, repeat.
type worker struct {
	cfg      *Config
	plan     testplan.Plan
	listener Listener
	clk      clock.Clock
}

func newWorker(cfg *Config, plan testplan.Plan, listener Listener) *worker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewClock()
	}
	return &worker{cfg: cfg, plan: plan, listener: listener, clk: clk}
}

// run loops until the plan is exhausted, the pool shuts down, or ctx is
// canceled. Pool shutdown and plan exhaustion are normal termination.
func (w *worker) run(ctx context.Context) error {
	for {
		dev, err := w.cfg.Pool.Acquire(ctx)
		if errors.Is(err, devicepool.ErrPoolClosed) {
			return nil
		}
		if err != nil {
			return err
		}

		suite, ok := w.plan.Next()
		if !ok {
			w.cfg.Pool.Release(dev)
			return nil
		}

		w.runSuite(ctx, dev, suite)

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// runSuite executes one suite and reports exactly one terminal suite event.
// The device is released on every exit path, including panics, before the
// worker pulls again.
func (w *worker) runSuite(ctx context.Context, dev *devicepool.Device, suite testplan.Suite) {
	defer w.cfg.Pool.Release(dev)
	ctx = logging.SetLogPrefix(ctx, "["+dev.Serial()+"] ")
	logging.Infof(ctx, "Running suite %s", suite.Name)

	fwd := newForwarder(w.listener)
	fwd.Event(instrumentation.SuiteStarted{Name: suite.Name})

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = errors.Errorf("panic while executing suite: %v", r)
			}
		}()
		return w.executeSuite(ctx, dev, suite, fwd)
	}()
	if err == nil {
		return
	}

	logging.Infof(ctx, "Suite %s errored: %v", suite.Name, err)
	if fwd.terminalSeen() {
		// The parser already delivered a terminal event; don't report a
		// second one.
		return
	}
	reason := instrumentation.ReasonInternal
	switch {
	case errors.Is(err, errSuiteTimeout):
		reason = instrumentation.ReasonTimeout
	case errors.Is(err, logcat.ErrStreamClosed):
		reason = instrumentation.ReasonDeviceLost
	}
	w.listener.SuiteErrored(suite.Name, reason, err.Error())
}

// executeSuite runs the instrumentation and feeds its output through the
// parser. A nil return means a terminal event was delivered via the parser;
// a non-nil return means the caller must report the terminal outcome.
func (w *worker) executeSuite(ctx context.Context, dev *devicepool.Device, suite testplan.Suite, sink instrumentation.Sink) error {
	sctx := ctx
	if w.cfg.SuiteTimeout > 0 {
		var cancel xcontext.CancelFunc
		sctx, cancel = xcontext.WithTimeout(ctx, w.cfg.SuiteTimeout,
			errors.Wrapf(errSuiteTimeout, "suite %s did not finish in %v", suite.Name, w.cfg.SuiteTimeout))
		defer cancel(context.Canceled)
	}

	parser := instrumentation.New(&instrumentation.Config{
		SuiteName: suite.Name,
		Sink:      sink,
		Codes:     w.cfg.Codes,
		Clock:     w.clk,
	})

	if w.cfg.LogBufferSize != "" {
		if err := adb.SetLogBufferSize(sctx, w.cfg.Transport, dev.Serial(), w.cfg.LogBufferSize); err != nil {
			logging.Debugf(sctx, "Failed to set log buffer size: %v", err)
		}
	}
	if err := adb.ClearLog(sctx, w.cfg.Transport, dev.Serial()); err != nil {
		logging.Debugf(sctx, "Failed to clear device log: %v", err)
	}

	rec, stopCapture, err := w.startLogCapture(sctx, dev, suite, parser)
	if err != nil {
		return err
	}
	defer stopCapture()

	rec.Mark(suite.Name + ".start")

	proc, err := w.cfg.Transport.Instrument(sctx, dev.Serial(), w.cfg.Package, w.cfg.Runner, suite.Args)
	if err != nil {
		return errors.Wrap(err, "starting instrumentation")
	}

	// Kill the run as soon as the suite context ends or the log capture
	// dies, so the read loop below never outlives a timeout, a
	// cancellation, or a lost device.
	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-sctx.Done():
			proc.Terminate()
		case <-rec.Done():
			proc.Terminate()
		case <-readDone:
		}
	}()

	sc := bufio.NewScanner(proc.Output())
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		parser.ParseLine(sctx, sc.Text())
	}

	if err := sctx.Err(); err != nil {
		// Timed out or canceled; the worker reports the reason rather
		// than letting the parser call it a premature end.
		return err
	}

	if err := proc.Wait(sctx); err != nil {
		logging.Debugf(sctx, "Instrumentation process exited: %v", err)
	}

	// The capture session ends with the suite. A log stream that died on
	// its own means the device is likely gone and the run output cannot
	// be trusted.
	stopCapture()
	if err := rec.Err(); err != nil {
		return errors.Wrap(err, "device log capture terminated mid-suite")
	}

	parser.Close(sctx)
	return nil
}

// startLogCapture opens the capture session for one suite: a logcat stream
// copied verbatim to a per-device artifact, with markers at suite and test
// boundaries and the configured tag watchers attached.
func (w *worker) startLogCapture(ctx context.Context, dev *devicepool.Device, suite testplan.Suite, parser *instrumentation.Parser) (*logcat.Recorder, func(), error) {
	dir := filepath.Join(w.cfg.ArtifactDir, dev.Serial())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, nil, errors.Wrap(err, "creating artifact directory")
	}
	session := uuid.New().String()[:8]
	capture, err := os.Create(filepath.Join(dir, fmt.Sprintf("logcat-%s.txt", session)))
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating log capture file")
	}

	stream, err := w.cfg.Transport.Logcat(ctx, dev.Serial(), "-v", "brief")
	if err != nil {
		capture.Close()
		return nil, nil, errors.Wrap(err, "attaching to device log")
	}

	rec := logcat.New(stream.Output(), capture, logcat.WithClock(w.clk))
	for _, lw := range w.cfg.LogWatches {
		rec.Watch(lw.Tag, lw.Fn)
	}
	parser.AddBoundaryObserver(markerObserver{rec})
	rec.Start(ctx)

	// stop is called once, on the first of the success path and the
	// deferred cleanup. The suite's end marker is taken here so it closes
	// the capture window on every exit path.
	var stopOnce sync.Once
	stop := func() {
		stopOnce.Do(func() {
			rec.Mark(suite.Name + ".end")
			rec.Stop()
			stream.Terminate()
			markers, err := os.Create(filepath.Join(dir, fmt.Sprintf("log_markers-%s.txt", session)))
			if err != nil {
				logging.Debugf(ctx, "Failed to create marker file: %v", err)
			} else {
				if err := rec.WriteMarkers(markers); err != nil {
					logging.Debugf(ctx, "Failed to write markers: %v", err)
				}
				markers.Close()
			}
			capture.Close()
		})
	}
	return rec, stop, nil
}

// markerObserver places logcat markers at test boundaries as the parser
// resolves them.
type markerObserver struct {
	rec *logcat.Recorder
}

func (o markerObserver) TestStarted(id string) { o.rec.Mark(id + ".start") }
func (o markerObserver) TestEnded(id string)   { o.rec.Mark(id + ".end") }
