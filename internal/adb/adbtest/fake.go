// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package adbtest provides a scriptable fake implementation of the adb
// transport for unit tests.
package adbtest

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.chromium.org/amtest/internal/adb"
)

// Fake is an adb.Transport whose behavior is scripted per call. Hook fields
// left nil get a benign default: discovery returns Serials, logcat streams
// stay open until terminated, one-shot commands succeed with empty output.
type Fake struct {
	// Serials are the devices reported by Devices.
	Serials []string
	// InstrumentFunc scripts Instrument calls.
	InstrumentFunc func(ctx context.Context, serial, pkg, runner string, args []string) (adb.Process, error)
	// LogcatFunc scripts Logcat calls.
	LogcatFunc func(ctx context.Context, serial string, args ...string) (adb.Process, error)
	// CommandFunc scripts Command calls.
	CommandFunc func(ctx context.Context, serial, name string, args ...string) (string, error)

	mu       sync.Mutex
	commands []string
}

var _ adb.Transport = &Fake{}

// Devices returns the scripted serial list.
func (f *Fake) Devices(ctx context.Context) ([]string, error) {
	return append([]string(nil), f.Serials...), nil
}

// Instrument dispatches to InstrumentFunc.
func (f *Fake) Instrument(ctx context.Context, serial, pkg, runner string, args []string) (adb.Process, error) {
	f.record(fmt.Sprintf("instrument %s %s/%s", serial, pkg, runner))
	if f.InstrumentFunc == nil {
		return nil, fmt.Errorf("adbtest: Instrument not scripted")
	}
	return f.InstrumentFunc(ctx, serial, pkg, runner, args)
}

// Logcat dispatches to LogcatFunc, defaulting to an open, silent stream.
func (f *Fake) Logcat(ctx context.Context, serial string, args ...string) (adb.Process, error) {
	f.record(fmt.Sprintf("logcat %s", serial))
	if f.LogcatFunc == nil {
		return NewHangingProcess(nil), nil
	}
	return f.LogcatFunc(ctx, serial, args...)
}

// Command dispatches to CommandFunc, defaulting to empty success.
func (f *Fake) Command(ctx context.Context, serial, name string, args ...string) (string, error) {
	f.record(fmt.Sprintf("command %s %s", serial, name))
	if f.CommandFunc == nil {
		return "", nil
	}
	return f.CommandFunc(ctx, serial, name, args...)
}

// Commands returns a log of the transport calls made so far.
func (f *Fake) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *Fake) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, s)
}

// Process is a scriptable adb.Process backed by an in-memory pipe.
type Process struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	exitErr error
	exited  chan struct{}

	termOnce   sync.Once
	terminated chan struct{}
}

func newProcess(exitErr error) *Process {
	pr, pw := io.Pipe()
	return &Process{
		pr:         pr,
		pw:         pw,
		exitErr:    exitErr,
		exited:     make(chan struct{}),
		terminated: make(chan struct{}),
	}
}

// NewProcess returns a Process that emits the given lines, then exits with
// exitErr.
func NewProcess(lines []string, exitErr error) *Process {
	p := newProcess(exitErr)
	go func() {
		for _, l := range lines {
			if _, err := io.WriteString(p.pw, l+"\n"); err != nil {
				break
			}
		}
		p.pw.Close()
		close(p.exited)
	}()
	return p
}

// NewHangingProcess returns a Process that emits the given lines and then
// produces no further output and does not exit until terminated, like a
// wedged instrumentation run or an attached logcat.
func NewHangingProcess(lines []string) *Process {
	p := newProcess(nil)
	go func() {
		for _, l := range lines {
			if _, err := io.WriteString(p.pw, l+"\n"); err != nil {
				break
			}
		}
		<-p.terminated
		p.pw.Close()
		close(p.exited)
	}()
	return p
}

// NewStream returns a Process fed interactively with Feed, for simulating a
// live logcat. CloseStream ends it as if the device disconnected.
func NewStream() *Process {
	p := newProcess(nil)
	go func() {
		<-p.terminated
		p.pw.Close()
		select {
		case <-p.exited:
		default:
			close(p.exited)
		}
	}()
	return p
}

// Feed writes one line to the stream. It blocks until the consumer reads it.
func (p *Process) Feed(line string) {
	io.WriteString(p.pw, line+"\n")
}

// CloseStream closes the stream as if the remote end went away.
func (p *Process) CloseStream() {
	p.pw.Close()
}

// Output implements adb.Process.
func (p *Process) Output() io.ReadCloser { return p.pr }

// Wait implements adb.Process.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.exited:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Terminate implements adb.Process.
func (p *Process) Terminate() {
	p.termOnce.Do(func() { close(p.terminated) })
	p.pr.CloseWithError(io.EOF)
}

// Terminated reports whether Terminate has been called.
func (p *Process) Terminated() bool {
	select {
	case <-p.terminated:
		return true
	default:
		return false
	}
}
