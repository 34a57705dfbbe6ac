// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package instrumentation

import "time"

// Event is a tagged variant over the test execution events produced by one
// instrumentation run. Concrete types are the *Event structs below.
type Event interface {
	isEvent()
}

// Reason classifies why a suite errored.
type Reason string

const (
	// ReasonPrematureEnd indicates the output stream ended before a
	// terminal status or result line was observed.
	ReasonPrematureEnd Reason = "premature termination"
	// ReasonRunFailed indicates the run reported a run-level failure
	// (e.g. a crashed process or a non-OK instrumentation code).
	ReasonRunFailed Reason = "instrumentation run failed"
	// ReasonTimeout indicates the per-suite timeout elapsed.
	ReasonTimeout Reason = "suite timed out"
	// ReasonDeviceLost indicates the device became unreachable.
	ReasonDeviceLost Reason = "device lost"
	// ReasonInternal indicates a host-side failure while executing the
	// suite (process start failure, panic, etc).
	ReasonInternal Reason = "internal error"
)

// SuiteStarted is emitted once when a suite's run begins. NumTests is the
// value of the protocol's numtests key, or 0 if not yet known.
type SuiteStarted struct {
	Name     string
	NumTests int
}

// TestStarted is emitted when a test begins. Ordinal is assigned in arrival
// order within the suite, starting from 1.
type TestStarted struct {
	Class   string
	Test    string
	Ordinal int
}

// TestPassed is emitted when a test completes successfully.
type TestPassed struct {
	Class    string
	Test     string
	Ordinal  int
	Duration time.Duration
	Stream   string
}

// TestFailed is emitted when a test fails or errors. Stack carries the
// reported stack trace, if any.
type TestFailed struct {
	Class    string
	Test     string
	Ordinal  int
	Duration time.Duration
	Stack    string
	Stream   string
}

// TestIgnored is emitted when a test is skipped.
type TestIgnored struct {
	Class   string
	Test    string
	Ordinal int
	Stream  string
}

// TestAssumptionViolated is emitted when a test's assumption does not hold
// on the device, which is not a failure.
type TestAssumptionViolated struct {
	Class    string
	Test     string
	Ordinal  int
	Duration time.Duration
	Message  string
}

// SuiteEnded is the suite's successful terminal event. NumTests is the
// number of tests that completed; Elapsed is the on-device execution time if
// the run reported one.
type SuiteEnded struct {
	Name     string
	NumTests int
	Elapsed  time.Duration
}

// SuiteErrored is the suite's failing terminal event. Test-level failures do
// not produce it; only run-level anomalies do.
type SuiteErrored struct {
	Name    string
	Reason  Reason
	Message string
}

func (SuiteStarted) isEvent()           {}
func (TestStarted) isEvent()            {}
func (TestPassed) isEvent()             {}
func (TestFailed) isEvent()             {}
func (TestIgnored) isEvent()            {}
func (TestAssumptionViolated) isEvent() {}
func (SuiteEnded) isEvent()             {}
func (SuiteErrored) isEvent()           {}

// Sink receives parsed events in arrival order.
type Sink interface {
	Event(ev Event)
}

// SinkFunc is a Sink that calls a function.
type SinkFunc func(ev Event)

// Event calls the underlying function.
func (f SinkFunc) Event(ev Event) { f(ev) }

// BoundaryObserver is notified at test boundaries in stream order. The logcat
// recorder registers one to place markers delimiting each test's log range.
type BoundaryObserver interface {
	// TestStarted gets called when a test starts. id is "class.test".
	TestStarted(id string)
	// TestEnded gets called when a test reports its terminal status.
	TestEnded(id string)
}
