// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package adb implements the device transport consumed by the execution
// core: starting instrumentation runs, streaming device logs, and running
// one-shot shell commands on devices attached to a local ADB server.
package adb

import (
	"context"
	"io"
)

// Process is a handle to a live device-side command started through a
// Transport.
type Process interface {
	// Output returns the merged stdout/stderr of the command as a live
	// line stream. It yields EOF when the command exits or is terminated.
	Output() io.ReadCloser
	// Wait blocks until the command exits or ctx is done. It may be
	// called at most once.
	Wait(ctx context.Context) error
	// Terminate makes a best-effort attempt to kill the command and any
	// processes it spawned. It is safe to call concurrently with reads
	// from Output and after exit.
	Terminate()
}

// Transport abstracts the ADB layer. The execution core only consumes this
// contract; Server is the production implementation and adbtest.Fake the
// test one.
type Transport interface {
	// Devices lists the serials of devices currently online.
	Devices(ctx context.Context) ([]string, error)
	// Instrument starts "am instrument -r -w <args> <pkg>/<runner>" on the
	// device and returns a handle streaming its output.
	Instrument(ctx context.Context, serial, pkg, runner string, args []string) (Process, error)
	// Logcat attaches to the device's log stream with the given logcat
	// arguments.
	Logcat(ctx context.Context, serial string, args ...string) (Process, error)
	// Command runs a one-shot shell command on the device and returns its
	// combined output.
	Command(ctx context.Context, serial, name string, args ...string) (string, error)
}

// ClearLog clears all of the device's log buffers so a capture session
// starts fresh.
func ClearLog(ctx context.Context, t Transport, serial string) error {
	_, err := t.Command(ctx, serial, "logcat", "-b", "all", "-c")
	return err
}

// SetLogBufferSize sets the device's logcat ring buffer size, e.g. "5M".
func SetLogBufferSize(ctx context.Context, t Transport, serial, size string) error {
	_, err := t.Command(ctx, serial, "logcat", "-G", size)
	return err
}
