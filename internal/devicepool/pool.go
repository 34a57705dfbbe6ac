// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package devicepool provides a concurrency-safe pool of reserved devices.
//
// Workers call Acquire to reserve a device for exclusive use and Release to
// return it. Waiters are woken in FIFO order so that no worker is starved by
// a stream of newer acquirers.
package devicepool

import (
	"container/list"
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrPoolClosed is returned by Acquire after Shutdown. Workers treat it as
// an orderly exit signal, not a suite failure.
var ErrPoolClosed = errors.New("device pool is shut down")

// Device is an opaque handle to a device reservable from a Pool. The pool
// does not create or validate devices; it only tracks ownership.
type Device struct {
	serial string
}

// NewDevice returns a device handle for the given ADB serial.
func NewDevice(serial string) *Device {
	return &Device{serial: serial}
}

// Serial returns the device's ADB serial number.
func (d *Device) Serial() string { return d.serial }

func (d *Device) String() string { return d.serial }

// waiter represents one blocked Acquire call. ch has capacity 1 so a
// releaser can hand a device over without blocking.
type waiter struct {
	ch chan *Device
}

// Pool is a FIFO-fair device resource pool.
type Pool struct {
	mu       sync.Mutex
	free     []*Device
	waiters  *list.List // of *waiter
	reserved map[*Device]struct{}
	closed   bool
}

// New creates a pool holding the given devices, all initially available.
func New(devices []*Device) *Pool {
	p := &Pool{
		waiters:  list.New(),
		reserved: make(map[*Device]struct{}),
	}
	p.free = append(p.free, devices...)
	return p
}

// Add makes an additional device available to the pool. If acquirers are
// waiting, the oldest one receives it immediately.
func (p *Pool) Add(d *Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.handOver(d)
}

// Acquire blocks until a device is available and returns it exclusively
// reserved for the caller. It fails with ErrPoolClosed if the pool has been
// or becomes shut down, and with ctx.Err() if ctx is done first.
func (p *Pool) Acquire(ctx context.Context) (*Device, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		d := p.free[0]
		p.free = p.free[1:]
		p.reserved[d] = struct{}{}
		p.mu.Unlock()
		return d, nil
	}

	w := &waiter{ch: make(chan *Device, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case d, ok := <-w.ch:
		if !ok {
			return nil, ErrPoolClosed
		}
		return d, nil
	case <-ctx.Done():
		p.mu.Lock()
		// The waiter may have been handed a device concurrently with
		// cancellation. If so, take the device and put it back so it is
		// not leaked.
		select {
		case d, ok := <-w.ch:
			if ok {
				delete(p.reserved, d)
				p.handOverLockedRemoved(d)
			}
		default:
			p.waiters.Remove(elem)
		}
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns a reserved device to the pool, waking the oldest waiter if
// any. Releasing after shutdown is a no-op; the device is simply dropped.
func (p *Pool) Release(d *Device) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reserved[d]; !ok {
		// Releasing an unreserved device indicates a worker bug; ignore
		// rather than corrupting the free list.
		return
	}
	delete(p.reserved, d)
	if p.closed {
		return
	}
	p.handOver(d)
}

// handOver gives d to the oldest waiter, or parks it on the free list.
// p.mu must be held.
func (p *Pool) handOver(d *Device) {
	if elem := p.waiters.Front(); elem != nil {
		p.waiters.Remove(elem)
		w := elem.Value.(*waiter)
		p.reserved[d] = struct{}{}
		w.ch <- d
		return
	}
	p.free = append(p.free, d)
}

// handOverLockedRemoved is handOver for the cancellation race in Acquire,
// where the waiter has already been removed from the list.
func (p *Pool) handOverLockedRemoved(d *Device) {
	if p.closed {
		return
	}
	p.handOver(d)
}

// Shutdown closes the pool. All pending and future Acquire calls fail with
// ErrPoolClosed. Devices still reserved stay owned by their holders until
// released; released devices are dropped. Shutdown is idempotent.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for elem := p.waiters.Front(); elem != nil; elem = elem.Next() {
		close(elem.Value.(*waiter).ch)
	}
	p.waiters.Init()
	p.free = nil
}

// Available returns the number of devices currently free. Intended for
// status reporting and tests; the value may be stale by the time it is used.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Size returns the number of devices tracked by the pool, free or reserved.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + len(p.reserved)
}
