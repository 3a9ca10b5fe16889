// Copyright 2026 The avfs Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package avfs

import (
	"fmt"
	"time"

	"github.com/tabulon-ext/avfs/workerpool"
	"golang.org/x/sys/unix"
)

// Return the running worker for id, starting one if necessary. When the
// pool is full the least recently used idle worker is evicted to make room,
// and if every worker is busy their replies are served until one is idle.
// Gives up with workerpool.ErrPoolExhausted after AcquireTimeout.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) acquireWorker(id workerpool.Identity) (w *workerpool.Worker, err error) {
	// The wait is made of real poll(2) calls, so it is measured against the
	// wall clock rather than d.clock.
	deadline := time.Now().Add(d.cfg.AcquireTimeout)

	for {
		d.reap()

		// The common case.
		existing := d.pool.Lookup(id)
		if existing != nil && !existing.Terminating() {
			w = existing
			return
		}

		var victim *workerpool.Worker
		switch {
		case existing != nil:
			// We asked it to exit, but it still holds the identity.
			victim = existing

		case d.pool.FreeSlot() >= 0:
			if w, err = d.pool.Spawn(d.pool.FreeSlot(), id); err != nil {
				err = fmt.Errorf("Spawn(%v): %w", id, err)
			}

			return

		default:
			// A worker whose channels failed holds its slot until it is
			// reaped. Asking again escalates to SIGKILL.
			victim = d.pool.OldestExited()
			if victim == nil {
				victim = d.pool.OldestIdle()
			}
		}

		if !time.Now().Before(deadline) {
			err = workerpool.ErrPoolExhausted
			return
		}

		if victim != nil {
			d.evict(victim)
			continue
		}

		// Every worker is busy. One of them may become idle once it has
		// answered, so serve replies for a while.
		wait := time.Until(deadline)
		if wait > d.cfg.PollInterval {
			wait = d.cfg.PollInterval
		}

		if err = d.serveWorkers(wait); err != nil {
			return
		}
	}
}

// Ask w to exit and wait a bounded time for it to do so. A worker that is
// asked a second time is killed.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) evict(w *workerpool.Worker) {
	d.stats.Evictions++
	if err := d.pool.Terminate(w); err != nil {
		// Most likely it has already exited and the notice is on its way.
		d.debugLogger.Printf("Terminate: %v", err)
	}

	if _, err := d.pool.WaitWake(d.cfg.ExitWait); err != nil {
		d.errorLogger.Printf("WaitWake: %v", err)
	}
}

// Wait up to timeout for worker replies or exits, serving any replies that
// arrive. The device is left alone.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) serveWorkers(timeout time.Duration) (err error) {
	fds, workers := d.pollSet(false)

	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err == unix.EINTR {
		err = nil
		return
	}

	if err != nil {
		err = fmt.Errorf("Poll: %w", err)
		return
	}

	if n == 0 {
		return
	}

	for i, w := range workers {
		if fds[1+i].Revents&readable != 0 && !w.Broken() {
			d.serveReply(w)
		}
	}

	return
}
