// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testplan_test

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"go.chromium.org/amtest/internal/testplan"
)

func TestPlanOrder(t *testing.T) {
	plan := testplan.New(
		testplan.NewSuite("a", []string{"-e", "class", "com.example.A"}),
		testplan.NewSuite("b", nil),
		testplan.NewSuite("c", nil),
	)

	var got []string
	for {
		s, ok := plan.Next()
		if !ok {
			break
		}
		got = append(got, s.Name)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, got); diff != "" {
		t.Errorf("Suites delivered in unexpected order (-want +got):\n%s", diff)
	}

	// Exhaustion is stable.
	if _, ok := plan.Next(); ok {
		t.Error("Next returned ok=true after exhaustion")
	}
}

// TestPlanConcurrentExactlyOnce pulls a plan of K suites from N goroutines
// and verifies the union of deliveries equals the plan with no duplicates.
func TestPlanConcurrentExactlyOnce(t *testing.T) {
	const (
		numSuites  = 1000
		numPullers = 8
	)

	var suites []testplan.Suite
	for i := 0; i < numSuites; i++ {
		suites = append(suites, testplan.NewSuite(fmt.Sprintf("suite%04d", i), nil))
	}
	plan := testplan.New(suites...)

	var mu sync.Mutex
	var got []string
	var wg sync.WaitGroup
	for i := 0; i < numPullers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, ok := plan.Next()
				if !ok {
					return
				}
				mu.Lock()
				got = append(got, s.Name)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Strings(got)
	var want []string
	for _, s := range suites {
		want = append(want, s.Name)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Delivered suite set differs from plan (-want +got):\n%s", diff)
	}
}

func TestChanPlan(t *testing.T) {
	ch := make(chan testplan.Suite)
	plan := testplan.NewChan(ch)

	go func() {
		ch <- testplan.NewSuite("lazy1", nil)
		ch <- testplan.NewSuite("lazy2", nil)
		close(ch)
	}()

	var got []string
	for {
		s, ok := plan.Next()
		if !ok {
			break
		}
		got = append(got, s.Name)
	}
	if diff := cmp.Diff([]string{"lazy1", "lazy2"}, got); diff != "" {
		t.Errorf("Suites delivered in unexpected order (-want +got):\n%s", diff)
	}
}

func TestSuiteImmutable(t *testing.T) {
	args := []string{"-e", "debug", "false"}
	s := testplan.NewSuite("s", args)
	args[2] = "true"
	if s.Args[2] != "false" {
		t.Error("Suite aliased the caller's args slice")
	}
}
