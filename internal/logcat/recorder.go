// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package logcat captures a device's log stream to an append-only
// destination, records position markers at suite and test boundaries, and
// feeds registered tag watchers.
package logcat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/pkg/errors"

	"go.chromium.org/amtest/internal/logging"
)

// ErrStreamClosed is the termination reason when the device log stream
// closes on its own, e.g. because the device disconnected. It is
// distinguishable from an explicit Stop, which terminates with a nil reason.
var ErrStreamClosed = errors.New("device log stream closed")

// Marker is a labeled position in one capture session. Offsets are byte
// offsets into the captured artifact and are monotonically non-decreasing
// within a session, so the bytes between two markers are exactly the log
// lines captured between them.
type Marker struct {
	Label  string
	Offset int64
	Time   time.Time
}

// WatchFunc receives one matching log line. It runs on the watcher's own
// goroutine; a slow watcher delays only itself, never the capture loop.
type WatchFunc func(line string)

// watcher buffers matching lines for one callback. The queue is unbounded so
// every matching line is delivered exactly once even when the callback falls
// behind; the capture loop never blocks on it. Memory is bounded by how far
// the callback lags, not by capture volume.
type watcher struct {
	tag *regexp.Regexp
	fn  WatchFunc

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []string
	closed bool
}

func newWatcher(tag *regexp.Regexp, fn WatchFunc) *watcher {
	w := &watcher{tag: tag, fn: fn}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *watcher) enqueue(line string) {
	w.mu.Lock()
	w.queue = append(w.queue, line)
	w.mu.Unlock()
	w.cond.Signal()
}

func (w *watcher) close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.cond.Signal()
}

// run delivers queued lines to the callback in arrival order until the queue
// is closed and drained.
func (w *watcher) run() {
	for {
		w.mu.Lock()
		for len(w.queue) == 0 && !w.closed {
			w.cond.Wait()
		}
		if len(w.queue) == 0 {
			w.mu.Unlock()
			return
		}
		line := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()
		w.fn(line)
	}
}

// briefTagRegexp extracts the tag from a logcat "brief"-format line like
// "D/ButlerService( 1234): setting changed".
var briefTagRegexp = regexp.MustCompile(`^[VDIWEF]/([^(]+)\(`)

// Recorder copies a device log stream verbatim to a destination writer.
type Recorder struct {
	src io.ReadCloser
	dst io.Writer
	clk clock.Clock

	mu       sync.Mutex
	offset   int64
	markers  []Marker
	watchers []*watcher
	started  bool

	stopping int32 // set before closing src on Stop
	done     chan struct{}
	err      error // termination reason, valid after done is closed
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the clock used for marker timestamps.
func WithClock(clk clock.Clock) Option {
	return func(r *Recorder) { r.clk = clk }
}

// New creates a Recorder copying src to dst. The recorder owns src and
// closes it on Stop.
func New(src io.ReadCloser, dst io.Writer, opts ...Option) *Recorder {
	r := &Recorder{
		src:  src,
		dst:  dst,
		clk:  clock.NewClock(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Watch registers fn to be called for every subsequent captured line whose
// logcat tag matches tag. Each watcher observes every matching line exactly
// once, in arrival order. Must be called before Start.
func (r *Recorder) Watch(tag *regexp.Regexp, fn WatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, newWatcher(tag, fn))
}

// Start begins the capture loop. The loop runs until Stop is called or the
// source stream closes.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	watchers := r.watchers
	r.mu.Unlock()

	logging.Debug(ctx, "Log capture started")
	for _, w := range watchers {
		go w.run()
	}

	go func() {
		err := r.copyLoop(watchers)
		// Watcher goroutines drain their remaining queue and exit on
		// their own; capture termination must not wait on them.
		for _, w := range watchers {
			w.close()
		}
		if atomic.LoadInt32(&r.stopping) != 0 {
			err = nil
		}
		r.err = err
		close(r.done)
	}()
}

func (r *Recorder) copyLoop(watchers []*watcher) error {
	sc := bufio.NewScanner(r.src)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()

		r.mu.Lock()
		n, err := io.WriteString(r.dst, line+"\n")
		r.offset += int64(n)
		r.mu.Unlock()
		if err != nil {
			return errors.Wrap(err, "writing log capture")
		}

		tag := lineTag(line)
		for _, w := range watchers {
			if w.tag.MatchString(tag) {
				w.enqueue(line)
			}
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(ErrStreamClosed, err.Error())
	}
	return ErrStreamClosed
}

// lineTag returns the logcat tag of a brief-format line, or "" if the line
// has no recognizable tag.
func lineTag(line string) string {
	m := briefTagRegexp.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(m[1])
}

// Mark records the current write position under label and returns the
// marker. Safe to call concurrently with capture.
func (r *Recorder) Mark(label string) Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := Marker{Label: label, Offset: r.offset, Time: r.clk.Now()}
	r.markers = append(r.markers, m)
	return m
}

// Offset returns the current write position of the capture.
func (r *Recorder) Offset() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.offset
}

// Markers returns all markers recorded so far, in order.
func (r *Recorder) Markers() []Marker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Marker(nil), r.markers...)
}

// WriteMarkers writes the marker sidecar in "label<TAB>offset" form.
func (r *Recorder) WriteMarkers(w io.Writer) error {
	for _, m := range r.Markers() {
		if _, err := fmt.Fprintf(w, "%s\t%d\n", m.Label, m.Offset); err != nil {
			return errors.Wrap(err, "writing log markers")
		}
	}
	return nil
}

// Stop terminates the capture loop and waits for it to finish; watchers
// drain their remaining queues asynchronously. A capture stopped this way
// before the stream closed reports a nil Err; if the stream had already
// closed on its own, the original termination reason is kept. Stopping a
// recorder that was never started is a no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if !started {
		r.src.Close()
		return
	}
	select {
	case <-r.done:
		// The capture already ended on its own; keep its reason.
		return
	default:
	}
	atomic.StoreInt32(&r.stopping, 1)
	r.src.Close()
	<-r.done
}

// Done is closed when the capture loop has terminated for any reason.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Err reports why the capture loop terminated: nil after an explicit Stop,
// or an error wrapping ErrStreamClosed if the device log stream closed on
// its own. It must not be called before Done is closed.
func (r *Recorder) Err() error { return r.err }
