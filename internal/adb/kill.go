// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package adb

import (
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

// killSession makes a best-effort attempt to kill all processes in the
// session led by pid. It makes several passes over the list of running
// processes, killing any that are part of the session. After it doesn't
// find any new processes, it returns.
// Note that this is racy: it's possible (but hopefully unlikely) that
// continually-forking processes could spawn children that don't get killed.
func killSession(pid int) {
	sid, err := unix.Getsid(pid)
	if err != nil {
		// The leader is already gone; kill just the pid if it exists.
		unix.Kill(pid, unix.SIGKILL)
		return
	}
	const maxPasses = 3
	for i := 0; i < maxPasses; i++ {
		pids, err := process.Pids()
		if err != nil {
			return
		}
		n := 0
		for _, p := range pids {
			p := int(p)
			if s, err := unix.Getsid(p); err == nil && s == sid {
				unix.Kill(p, unix.SIGKILL)
				n++
			}
		}
		// If we didn't find any processes in the session, we're done.
		if n == 0 {
			return
		}
	}
}
