// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package xcontext

import (
	"context"
	"errors"
	"testing"
	"time"

	"code.cloudfoundry.org/clock"
	"code.cloudfoundry.org/clock/fakeclock"
)

// isDone checks if the Done channel of ctx is closed.
func isDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// waitDone waits cancellation of ctx up to 10 seconds. It returns true if the
// context is canceled; otherwise false.
func waitDone(ctx context.Context) bool {
	const timeout = 10 * time.Second

	// Use the real timer.
	tm := time.NewTimer(timeout)
	defer tm.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-tm.C:
		return false
	}
}

// useFakeClock installs a fake clock initialized with the UNIX epoch.
// restore must be called later to uninstall the fake clock.
func useFakeClock() (fclk *fakeclock.FakeClock, restore func()) {
	fclk = fakeclock.NewFakeClock(time.Unix(0, 0))
	clk = fclk
	restore = func() { clk = clock.NewClock() }
	return fclk, restore
}

func TestWithCancel(t *testing.T) {
	ctx, cancel := WithCancel(context.Background())
	defer cancel(context.Canceled)

	if isDone(ctx) {
		t.Error("On init: Done is already signaled")
	}
	if err := ctx.Err(); err != nil {
		t.Errorf("On init: Err is already set: %v", err)
	}

	// Cancel the context with wantErr.
	wantErr := errors.New("custom error")
	cancel(wantErr)

	if !isDone(ctx) {
		t.Error("After first cancel: Done is not signaled yet")
	}
	if err := ctx.Err(); err != wantErr {
		t.Errorf("After first cancel: Err = %v; want %v", err, wantErr)
	}

	// Canceling an already canceled context has no effect.
	cancel(errors.New("another error"))

	if err := ctx.Err(); err != wantErr {
		t.Errorf("After second cancel: Err = %v; want %v", err, wantErr)
	}
}

func TestWithCancelParent(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	defer parentCancel()

	ctx, cancel := WithCancel(parent)
	defer cancel(context.Canceled)

	parentCancel()

	if !waitDone(ctx) {
		t.Fatal("Done is not signaled after canceling the parent")
	}
	if err := ctx.Err(); err != context.Canceled {
		t.Errorf("Err = %v; want %v", err, context.Canceled)
	}
}

func TestWithTimeout(t *testing.T) {
	fclk, restore := useFakeClock()
	defer restore()

	wantErr := errors.New("suite timed out")
	ctx, cancel := WithTimeout(context.Background(), time.Minute, wantErr)
	defer cancel(context.Canceled)

	if isDone(ctx) {
		t.Error("On init: Done is already signaled")
	}

	fclk.WaitForWatcherAndIncrement(time.Minute)

	if !waitDone(ctx) {
		t.Fatal("Done is not signaled after reaching the deadline")
	}
	if err := ctx.Err(); err != wantErr {
		t.Errorf("Err = %v; want %v", err, wantErr)
	}
}

func TestWithTimeoutAlreadyExpired(t *testing.T) {
	_, restore := useFakeClock()
	defer restore()

	wantErr := errors.New("suite timed out")
	ctx, cancel := WithTimeout(context.Background(), -time.Second, wantErr)
	defer cancel(context.Canceled)

	if !isDone(ctx) {
		t.Fatal("Done is not signaled for an already expired deadline")
	}
	if err := ctx.Err(); err != wantErr {
		t.Errorf("Err = %v; want %v", err, wantErr)
	}
}

func TestWithTimeoutExplicitCancelWins(t *testing.T) {
	_, restore := useFakeClock()
	defer restore()

	deadlineErr := errors.New("suite timed out")
	ctx, cancel := WithTimeout(context.Background(), time.Hour, deadlineErr)

	wantErr := errors.New("run canceled")
	cancel(wantErr)

	if err := ctx.Err(); err != wantErr {
		t.Errorf("Err = %v; want %v", err, wantErr)
	}
}

func TestWithDeadlineValue(t *testing.T) {
	want := time.Unix(1000, 0)
	ctx, cancel := WithDeadline(context.Background(), want, errors.New("deadline"))
	defer cancel(context.Canceled)

	got, ok := ctx.Deadline()
	if !ok {
		t.Fatal("Deadline not set")
	}
	if !got.Equal(want) {
		t.Errorf("Deadline = %v; want %v", got, want)
	}
}
