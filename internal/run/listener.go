// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package run executes a test plan across a pool of devices: per-device
// workers pull suites, run them through the instrumentation parser, and
// report ordered events to a client Listener.
package run

import (
	"sync"
	"time"

	"go.chromium.org/amtest/internal/instrumentation"
)

// Listener receives test execution callbacks. Calls are made inline on the
// worker executing the suite, in strict event order within a suite; no
// ordering holds between suites running on different devices. An
// implementation must not block unboundedly or it will stall its worker.
type Listener interface {
	SuiteStarted(name string, numTests int)
	SuiteEnded(name string, numTests int, elapsed time.Duration)
	SuiteErrored(name string, reason instrumentation.Reason, msg string)
	TestStarted(class, test string, ordinal int)
	TestPassed(class, test string, ordinal int, d time.Duration)
	TestFailed(class, test string, ordinal int, stack string)
	TestIgnored(class, test string, ordinal int)
	TestAssumptionViolated(class, test string, ordinal int, msg string)
}

// MultiListener fans callbacks out to multiple listeners in order.
type MultiListener struct {
	listeners []Listener
}

// NewMultiListener creates a MultiListener. Nil entries are dropped.
func NewMultiListener(listeners ...Listener) *MultiListener {
	ml := &MultiListener{}
	for _, l := range listeners {
		if l != nil {
			ml.listeners = append(ml.listeners, l)
		}
	}
	return ml
}

func (ml *MultiListener) SuiteStarted(name string, numTests int) {
	for _, l := range ml.listeners {
		l.SuiteStarted(name, numTests)
	}
}

func (ml *MultiListener) SuiteEnded(name string, numTests int, elapsed time.Duration) {
	for _, l := range ml.listeners {
		l.SuiteEnded(name, numTests, elapsed)
	}
}

func (ml *MultiListener) SuiteErrored(name string, reason instrumentation.Reason, msg string) {
	for _, l := range ml.listeners {
		l.SuiteErrored(name, reason, msg)
	}
}

func (ml *MultiListener) TestStarted(class, test string, ordinal int) {
	for _, l := range ml.listeners {
		l.TestStarted(class, test, ordinal)
	}
}

func (ml *MultiListener) TestPassed(class, test string, ordinal int, d time.Duration) {
	for _, l := range ml.listeners {
		l.TestPassed(class, test, ordinal, d)
	}
}

func (ml *MultiListener) TestFailed(class, test string, ordinal int, stack string) {
	for _, l := range ml.listeners {
		l.TestFailed(class, test, ordinal, stack)
	}
}

func (ml *MultiListener) TestIgnored(class, test string, ordinal int) {
	for _, l := range ml.listeners {
		l.TestIgnored(class, test, ordinal)
	}
}

func (ml *MultiListener) TestAssumptionViolated(class, test string, ordinal int, msg string) {
	for _, l := range ml.listeners {
		l.TestAssumptionViolated(class, test, ordinal, msg)
	}
}

var _ Listener = &MultiListener{}

// forwarder converts parser events into Listener callbacks for one suite and
// remembers whether a terminal suite event has been delivered, so the worker
// can report exactly one terminal outcome per suite.
type forwarder struct {
	listener Listener

	mu       sync.Mutex
	started  bool
	terminal bool
}

var _ instrumentation.Sink = &forwarder{}

func newForwarder(listener Listener) *forwarder {
	return &forwarder{listener: listener}
}

func (f *forwarder) Event(ev instrumentation.Event) {
	switch ev := ev.(type) {
	case instrumentation.SuiteStarted:
		// The worker announces the suite before any output; the parser
		// re-announces with the declared test count. Only the first one
		// reaches the listener.
		if !f.setStarted() {
			f.listener.SuiteStarted(ev.Name, ev.NumTests)
		}
	case instrumentation.TestStarted:
		f.listener.TestStarted(ev.Class, ev.Test, ev.Ordinal)
	case instrumentation.TestPassed:
		f.listener.TestPassed(ev.Class, ev.Test, ev.Ordinal, ev.Duration)
	case instrumentation.TestFailed:
		f.listener.TestFailed(ev.Class, ev.Test, ev.Ordinal, ev.Stack)
	case instrumentation.TestIgnored:
		f.listener.TestIgnored(ev.Class, ev.Test, ev.Ordinal)
	case instrumentation.TestAssumptionViolated:
		f.listener.TestAssumptionViolated(ev.Class, ev.Test, ev.Ordinal, ev.Message)
	case instrumentation.SuiteEnded:
		f.setTerminal()
		f.listener.SuiteEnded(ev.Name, ev.NumTests, ev.Elapsed)
	case instrumentation.SuiteErrored:
		f.setTerminal()
		f.listener.SuiteErrored(ev.Name, ev.Reason, ev.Message)
	}
}

// setStarted marks that a suite start has been delivered and reports whether
// one had been delivered before.
func (f *forwarder) setStarted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.started
	f.started = true
	return prev
}

func (f *forwarder) setTerminal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminal = true
}

func (f *forwarder) terminalSeen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminal
}
