// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package testplan defines test suites and the single-pass plan sources
// workers pull them from.
package testplan

import (
	"sync"
)

// Suite is a named group of tests executed as a single "am instrument"
// invocation. Args are extra arguments passed to the instrument command
// (e.g. "-e class com.example.FooTest"). A Suite is immutable after
// creation; Name is not required to be unique within a plan.
type Suite struct {
	Name string
	Args []string
}

// NewSuite returns a Suite with a defensive copy of args.
func NewSuite(name string, args []string) Suite {
	return Suite{Name: name, Args: append([]string(nil), args...)}
}

// Plan is a strictly ordered, single-pass source of test suites.
//
// Next is safe for concurrent use: every suite in the plan is delivered to
// exactly one caller, in plan order, and none is skipped. Exhaustion is
// signaled by ok=false and is a normal terminal condition, not an error.
type Plan interface {
	Next() (s Suite, ok bool)
}

// slicePlan serves suites from a fixed slice.
type slicePlan struct {
	mu     sync.Mutex
	suites []Suite
	next   int
}

// New returns a Plan that delivers the given suites in order.
func New(suites ...Suite) Plan {
	return &slicePlan{suites: append([]Suite(nil), suites...)}
}

func (p *slicePlan) Next() (Suite, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.next >= len(p.suites) {
		return Suite{}, false
	}
	s := p.suites[p.next]
	p.next++
	return s, true
}

// chanPlan serves suites from a channel, allowing lazy or unbounded
// generation upstream. No suite beyond the one being delivered is buffered
// here; backpressure is the channel's.
type chanPlan struct {
	ch <-chan Suite
}

// NewChan returns a Plan fed by ch. The plan is exhausted once ch is closed
// and drained. Channel receives give the required exactly-once semantics
// under concurrent callers.
func NewChan(ch <-chan Suite) Plan {
	return &chanPlan{ch: ch}
}

func (p *chanPlan) Next() (Suite, bool) {
	s, ok := <-p.ch
	return s, ok
}
