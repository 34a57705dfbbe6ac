// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package run

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"go.chromium.org/amtest/internal/adb"
	"go.chromium.org/amtest/internal/devicepool"
	"go.chromium.org/amtest/internal/logging"
	"go.chromium.org/amtest/internal/testplan"
)

// DiscoverPool queries the transport for attached devices and builds a pool
// from them. filter, if non-nil, limits the pool to serials it accepts.
func DiscoverPool(ctx context.Context, t adb.Transport, filter func(serial string) bool) (*devicepool.Pool, error) {
	serials, err := t.Devices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}
	var devs []*devicepool.Device
	for _, s := range serials {
		if filter != nil && !filter(s) {
			continue
		}
		devs = append(devs, devicepool.NewDevice(s))
	}
	logging.Infof(ctx, "Discovered %d device(s)", len(devs))
	return devicepool.New(devs), nil
}

// Orchestrator runs a test plan to completion over a device pool.
type Orchestrator struct {
	cfg Config
}

// NewOrchestrator creates an Orchestrator. The config is copied; later
// mutations of cfg by the caller have no effect.
func NewOrchestrator(cfg *Config) *Orchestrator {
	return &Orchestrator{cfg: *cfg}
}

// Run drains the plan and returns the aggregate result. It starts
// min(Concurrency, pool size) workers; each holds at most one device at a
// time, so idle capacity stays visible to other pool users. Artifacts land
// under a fresh per-run directory below ArtifactDir.
//
// Run returns when the plan is drained, the pool is shut down, or ctx is
// canceled. The result accumulated so far is returned even on error,
// alongside the first worker error.
func (o *Orchestrator) Run(ctx context.Context, plan testplan.Plan, listener Listener) (*Result, error) {
	cfg := o.cfg
	if cfg.Pool == nil {
		return nil, errors.New("no device pool configured")
	}
	if cfg.Pool.Size() == 0 {
		return nil, errors.New("device pool is empty")
	}
	n := cfg.Concurrency
	if n < 1 {
		n = 1
	}
	if s := cfg.Pool.Size(); n > s {
		n = s
	}

	runID := uuid.New().String()
	cfg.ArtifactDir = filepath.Join(cfg.ArtifactDir, runID)
	logging.Infof(ctx, "Starting run %s with %d worker(s)", runID, n)

	res := newResultListener()
	ml := NewMultiListener(res, listener)

	// Workers share one plan cursor; each suite is delivered to exactly
	// one of them. No shared cancellation: one worker failing does not
	// abort suites in flight elsewhere.
	var g errgroup.Group
	for i := 0; i < n; i++ {
		w := newWorker(&cfg, plan, ml)
		g.Go(func() error {
			return w.run(ctx)
		})
	}
	err := g.Wait()

	r := res.Result()
	logging.Infof(ctx, "Run %s finished: %d suite(s), %d test(s), %d failure(s), %d suite error(s)",
		runID, r.SuitesRun, r.TestsRun, r.Failures, len(r.SuiteErrors))
	return r, err
}
