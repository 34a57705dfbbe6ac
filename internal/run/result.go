// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package run

import (
	"sync"
	"time"

	"go.chromium.org/amtest/internal/instrumentation"
)

// SuiteError describes one suite that errored at run level. Test-level
// failures are not suite errors.
type SuiteError struct {
	Suite   string
	Reason  instrumentation.Reason
	Message string
}

// Result is the aggregate outcome of one orchestrated run.
type Result struct {
	// SuitesRun counts suites that reached a terminal event.
	SuitesRun int
	// TestsRun counts tests that reported a terminal status.
	TestsRun int
	// Failures counts failed tests.
	Failures int
	// SuiteErrors lists run-level suite errors, in completion order.
	SuiteErrors []SuiteError
}

// OK reports whether the run completed with no failed tests and no suite
// errors.
func (r *Result) OK() bool {
	return r.Failures == 0 && len(r.SuiteErrors) == 0
}

// resultListener aggregates a Result from listener callbacks. It is
// registered alongside the client's listener on every worker.
type resultListener struct {
	mu  sync.Mutex
	res Result
}

var _ Listener = &resultListener{}

func newResultListener() *resultListener { return &resultListener{} }

// Result returns a snapshot of the aggregate outcome.
func (r *resultListener) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.res
	res.SuiteErrors = append([]SuiteError(nil), r.res.SuiteErrors...)
	return &res
}

func (r *resultListener) SuiteStarted(name string, numTests int) {}

func (r *resultListener) SuiteEnded(name string, numTests int, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.SuitesRun++
}

func (r *resultListener) SuiteErrored(name string, reason instrumentation.Reason, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.SuitesRun++
	r.res.SuiteErrors = append(r.res.SuiteErrors, SuiteError{Suite: name, Reason: reason, Message: msg})
}

func (r *resultListener) TestStarted(class, test string, ordinal int) {}

func (r *resultListener) TestPassed(class, test string, ordinal int, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.TestsRun++
}

func (r *resultListener) TestFailed(class, test string, ordinal int, stack string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.TestsRun++
	r.res.Failures++
}

func (r *resultListener) TestIgnored(class, test string, ordinal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.TestsRun++
}

func (r *resultListener) TestAssumptionViolated(class, test string, ordinal int, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.res.TestsRun++
}
