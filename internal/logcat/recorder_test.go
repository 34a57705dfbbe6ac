// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package logcat_test

import (
	"bytes"
	"context"
	"io"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"go.chromium.org/amtest/internal/logcat"
)

// syncBuffer is a bytes.Buffer safe for concurrent reads from the test
// goroutine while the capture loop writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecorderCapturesVerbatim(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)
	rec.Start(ctx)

	lines := []string{
		"I/ActivityManager( 1234): Start proc com.example",
		"D/TestRunner( 5678): run started",
	}
	for _, l := range lines {
		io.WriteString(pw, l+"\n")
	}
	pw.Close()
	<-rec.Done()

	want := strings.Join(lines, "\n") + "\n"
	if got := dst.String(); got != want {
		t.Errorf("Captured %q; want %q", got, want)
	}
	if err := rec.Err(); !errors.Is(err, logcat.ErrStreamClosed) {
		t.Errorf("Err = %v; want ErrStreamClosed", err)
	}
}

func TestRecorderStop(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)
	rec.Start(ctx)

	io.WriteString(pw, "I/Tag( 1): hello\n")
	rec.Stop()

	if err := rec.Err(); err != nil {
		t.Errorf("Err = %v after Stop; want nil", err)
	}
}

// TestRecorderMarkers verifies marker offsets are monotonic and slice the
// exact byte ranges written between them.
func TestRecorderMarkers(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)
	rec.Start(ctx)

	m0 := rec.Mark("suite.start")

	line1 := "I/Tag( 1): inside suite\n"
	io.WriteString(pw, line1)
	waitForOffset(t, rec, m0.Offset+int64(len(line1)))
	m1 := rec.Mark("suite.end")

	line2 := "I/Tag( 1): after suite\n"
	io.WriteString(pw, line2)
	pw.Close()
	<-rec.Done()

	if m0.Offset > m1.Offset {
		t.Errorf("Marker offsets not monotonic: %d > %d", m0.Offset, m1.Offset)
	}
	got := dst.String()[m0.Offset:m1.Offset]
	if got != line1 {
		t.Errorf("Bytes between markers = %q; want %q", got, line1)
	}

	var labels []string
	for _, m := range rec.Markers() {
		labels = append(labels, m.Label)
	}
	if diff := cmp.Diff([]string{"suite.start", "suite.end"}, labels); diff != "" {
		t.Errorf("Markers mismatch (-want +got):\n%s", diff)
	}

	var sidecar bytes.Buffer
	if err := rec.WriteMarkers(&sidecar); err != nil {
		t.Fatalf("WriteMarkers failed: %v", err)
	}
	wantSidecar := "suite.start\t0\nsuite.end\t24\n"
	if sidecar.String() != wantSidecar {
		t.Errorf("Sidecar = %q; want %q", sidecar.String(), wantSidecar)
	}
}

// waitForOffset waits until the capture reaches at least the wanted offset.
func waitForOffset(t *testing.T, rec *logcat.Recorder, want int64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec.Offset() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("Timed out waiting for capture offset %d", want)
}

func TestRecorderWatchOrderAndFiltering(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)

	var mu sync.Mutex
	var got []string
	rec.Watch(regexp.MustCompile(`^ButlerService$`), func(line string) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, line)
	})
	rec.Start(ctx)

	lines := []string{
		"D/ButlerService( 10): cmd 1",
		"I/OtherTag( 11): noise",
		"D/ButlerService( 10): cmd 2",
		"garbage line without a tag",
		"D/ButlerServiceExtra( 12): not an exact match",
	}
	for _, l := range lines {
		io.WriteString(pw, l+"\n")
	}
	pw.Close()
	<-rec.Done()

	// Watchers drain asynchronously after capture ends.
	want := []string{"D/ButlerService( 10): cmd 1", "D/ButlerService( 10): cmd 2"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		done := len(got) >= len(want)
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Watched lines mismatch (-want +got):\n%s", diff)
	}
}

// TestRecorderSlowWatcherDoesNotStallCapture blocks a watcher and verifies
// the capture loop still consumes and persists every line, and that the
// watcher observes every matching line exactly once after it unblocks.
func TestRecorderSlowWatcherDoesNotStallCapture(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)

	unblock := make(chan struct{})
	var mu sync.Mutex
	var got []string
	rec.Watch(regexp.MustCompile(`^Slow$`), func(line string) {
		<-unblock
		mu.Lock()
		defer mu.Unlock()
		got = append(got, line)
	})
	rec.Start(ctx)

	const n = 2000
	go func() {
		for i := 0; i < n; i++ {
			io.WriteString(pw, "I/Slow( 1): line "+itoa(i)+"\n")
		}
		pw.Close()
	}()

	// Capture must reach EOF while the watcher is still blocked on its
	// first line.
	select {
	case <-rec.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("Capture loop stalled behind a blocking watcher")
	}
	close(unblock)

	var wantBytes int64
	for i := 0; i < n; i++ {
		wantBytes += int64(len("I/Slow( 1): line " + itoa(i) + "\n"))
	}
	if gotBytes := int64(len(dst.String())); gotBytes != wantBytes {
		t.Errorf("Captured %d bytes; want %d", gotBytes, wantBytes)
	}

	// The queued lines drain to the watcher exactly once, in order.
	deadline := time.Now().Add(10 * time.Second)
	for {
		mu.Lock()
		done := len(got) >= n
		mu.Unlock()
		if done || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != n {
		t.Fatalf("Watcher observed %d lines; want %d", len(got), n)
	}
	for i, line := range got {
		if want := "I/Slow( 1): line " + itoa(i); line != want {
			t.Fatalf("got[%d] = %q; want %q", i, line, want)
		}
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{byte('0' + n%10)}, b...)
		n /= 10
	}
	return string(b)
}

func TestRecorderStopBeforeStart(t *testing.T) {
	pr, _ := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)

	stopped := make(chan struct{})
	go func() {
		rec.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop on a never-started recorder blocked")
	}
}

// TestRecorderStopAfterStreamClosed verifies Stop keeps the original
// termination reason when the stream already died on its own.
func TestRecorderStopAfterStreamClosed(t *testing.T) {
	ctx := context.Background()
	pr, pw := io.Pipe()
	var dst syncBuffer
	rec := logcat.New(pr, &dst)
	rec.Start(ctx)

	pw.Close()
	<-rec.Done()
	rec.Stop()

	if err := rec.Err(); !errors.Is(err, logcat.ErrStreamClosed) {
		t.Errorf("Err = %v after Stop on a dead stream; want ErrStreamClosed", err)
	}
}
