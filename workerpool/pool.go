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

// Package workerpool manages the bounded set of privilege-separated worker
// processes that execute file system requests on the dispatcher's behalf,
// one per caller identity, and the operations pending on each.
//
// A Pool is owned by a single goroutine (the dispatcher's event loop).
// Process exits are observed by helper goroutines, which only post a notice
// and write to a wake pipe; slots change state only inside Reap.
package workerpool

import (
	"errors"
	"fmt"
	"log"
	"os"
	"syscall"
	"time"

	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"
)

// No slot could be freed for a new identity in time.
var ErrPoolExhausted = errors.New("no worker slot available")

// The state of a slot in the pool.
type SlotState int

const (
	// Available for a new worker.
	SlotFree SlotState = iota

	// The worker's channels have failed, or it has been seen to exit; it
	// takes no requests and awaits cleanup by Reap.
	SlotExited

	// Bound to a live worker.
	SlotRunning
)

func (s SlotState) String() string {
	switch s {
	case SlotExited:
		return "exited"
	case SlotRunning:
		return "running"
	}

	return "free"
}

type slot struct {
	state SlotState

	// INVARIANT: worker == nil iff state == SlotFree
	worker *Worker
}

type exitNotice struct {
	w   *Worker
	err error
}

type Config struct {
	// The maximum number of workers alive at once.
	MaxWorkers int

	Spawner Spawner
	Clock   timeutil.Clock

	// Lifecycle events are logged here. May be nil.
	Logger *log.Logger
}

type Pool struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	spawner Spawner
	clock   timeutil.Clock
	logger  *log.Logger

	/////////////////////////
	// Mutable state
	/////////////////////////

	// INVARIANT: len(slots) == MaxWorkers
	// INVARIANT: For each identity, at most one slot in state SlotRunning
	//            holds a worker with that identity.
	// INVARIANT: For all i, slots[i].worker == nil or slots[i].worker.slot == i
	slots []slot

	// Exit notices from per-worker wait goroutines.
	exits chan exitNotice

	// A non-blocking pipe written whenever there is something for the event
	// loop to look at that is not a descriptor it polls.
	wakeR int
	wakeW int
}

func New(cfg Config) (p *Pool, err error) {
	if cfg.MaxWorkers <= 0 {
		err = fmt.Errorf("MaxWorkers must be positive, got %d", cfg.MaxWorkers)
		return
	}

	var fds [2]int
	if err = unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		err = fmt.Errorf("Pipe2: %w", err)
		return
	}

	p = &Pool{
		spawner: cfg.Spawner,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		slots:   make([]slot, cfg.MaxWorkers),
		exits:   make(chan exitNotice, cfg.MaxWorkers),
		wakeR:   fds[0],
		wakeW:   fds[1],
	}

	return
}

func (p *Pool) debugf(format string, v ...interface{}) {
	if p.logger != nil {
		p.logger.Printf(format, v...)
	}
}

// Release the pool's own descriptors. Workers must already be gone.
func (p *Pool) Close() {
	unix.Close(p.wakeR)
	unix.Close(p.wakeW)
}

////////////////////////////////////////////////////////////////////////
// Slots
////////////////////////////////////////////////////////////////////////

// Return the running worker for id, or nil.
func (p *Pool) Lookup(id Identity) *Worker {
	for i := range p.slots {
		s := &p.slots[i]
		if s.state == SlotRunning && s.worker.id == id {
			return s.worker
		}
	}

	return nil
}

// Return the index of a free slot, or -1.
func (p *Pool) FreeSlot() int {
	for i := range p.slots {
		if p.slots[i].state == SlotFree {
			return i
		}
	}

	return -1
}

// Return the state of slot i and its worker, if any.
func (p *Pool) Slot(i int) (state SlotState, w *Worker) {
	state, w = p.slots[i].state, p.slots[i].worker
	return
}

// Return the running workers, in slot order.
func (p *Pool) Running() (ws []*Worker) {
	for i := range p.slots {
		if p.slots[i].state == SlotRunning {
			ws = append(ws, p.slots[i].worker)
		}
	}

	return
}

// Return every worker not yet reaped, running or not.
func (p *Pool) Workers() (ws []*Worker) {
	for i := range p.slots {
		if w := p.slots[i].worker; w != nil {
			ws = append(ws, w)
		}
	}

	return
}

// Return the idle running worker used least recently, or nil if every
// running worker has pending operations.
func (p *Pool) OldestIdle() (oldest *Worker) {
	for _, w := range p.Running() {
		if !w.Idle() {
			continue
		}

		if oldest == nil || w.lastUse.Before(oldest.lastUse) {
			oldest = w
		}
	}

	return
}

// Return a worker whose channels failed and whose exit has not yet been
// reaped, or nil.
func (p *Pool) OldestExited() (oldest *Worker) {
	for i := range p.slots {
		s := &p.slots[i]
		if s.state != SlotExited {
			continue
		}

		if oldest == nil || s.worker.lastUse.Before(oldest.lastUse) {
			oldest = s.worker
		}
	}

	return
}

// Start a worker for id in free slot i.
func (p *Pool) Spawn(i int, id Identity) (w *Worker, err error) {
	if p.slots[i].state != SlotFree {
		panic(fmt.Sprintf("Spawn into %v slot %d", p.slots[i].state, i))
	}

	if existing := p.Lookup(id); existing != nil {
		panic(fmt.Sprintf("Spawn: %v already running", existing))
	}

	// One pipe for each direction. The child's ends are closed here once the
	// spawner has handed them over.
	reqR, reqW, err := os.Pipe()
	if err != nil {
		err = fmt.Errorf("Pipe: %w", err)
		return
	}

	repR, repW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		err = fmt.Errorf("Pipe: %w", err)
		return
	}

	proc, err := p.spawner.Spawn(id, reqR, repW)
	reqR.Close()
	repW.Close()

	if err != nil {
		reqW.Close()
		repR.Close()
		err = fmt.Errorf("Spawn: %w", err)
		return
	}

	w = &Worker{
		id:       id,
		slot:     i,
		proc:     proc,
		requests: reqW,
		replies:  repR,
		lastUse:  p.clock.Now(),
	}

	p.slots[i] = slot{state: SlotRunning, worker: w}
	go p.waitForExit(w)

	p.debugf("Started %v", w)
	return
}

func (p *Pool) waitForExit(w *Worker) {
	err := w.proc.Wait()
	p.exits <- exitNotice{w: w, err: err}
	p.Wake()
}

// Stop routing requests to w, e.g. because its reply channel failed. The
// slot is freed once the process is seen to exit.
func (p *Pool) MarkExited(w *Worker) {
	s := &p.slots[w.slot]
	if s.worker != w || s.state != SlotRunning {
		return
	}

	s.state = SlotExited
	w.broken = true
	p.debugf("Channels of %v failed", w)
}

// Ask w to exit: SIGTERM the first time, SIGKILL on any later call.
func (p *Pool) Terminate(w *Worker) (err error) {
	sig := syscall.SIGTERM
	if w.terminating {
		sig = syscall.SIGKILL
	}

	w.terminating = true
	p.debugf("Sending %v to %v", sig, w)

	if err = w.proc.Signal(sig); err != nil {
		err = fmt.Errorf("Signal(%v): %w", sig, err)
		return
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Exits
////////////////////////////////////////////////////////////////////////

// Return the descriptor that becomes readable when Reap has work to do or
// Wake has been called.
func (p *Pool) WakeFd() int {
	return p.wakeR
}

// Make WakeFd readable. Safe to call from any goroutine.
func (p *Pool) Wake() {
	unix.Write(p.wakeW, []byte{0})
}

// Block until WakeFd is readable or the timeout expires. Returns true in
// the former case.
func (p *Pool) WaitWake(timeout time.Duration) (woken bool, err error) {
	fds := []unix.PollFd{{Fd: int32(p.wakeR), Events: unix.POLLIN}}

	// Wall clock rather than p.clock: this bounds a real poll(2), which a
	// simulated clock would never see the end of.
	deadline := time.Now().Add(timeout)

	for {
		ms := int(time.Until(deadline) / time.Millisecond)
		if ms < 0 {
			ms = 0
		}

		var n int
		n, err = unix.Poll(fds, ms)
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			err = fmt.Errorf("Poll: %w", err)
			return
		}

		woken = n > 0
		return
	}
}

func (p *Pool) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.wakeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Process the exit notices that have arrived, freeing the slots of the
// workers concerned and closing their channels. The reaped workers are
// returned with their pending operations still in place; the caller must
// resolve them, since the kernel may be waiting on some.
func (p *Pool) Reap() (reaped []*Worker) {
	p.drainWake()

	for {
		var n exitNotice
		select {
		case n = <-p.exits:
		default:
			return
		}

		w := n.w
		s := &p.slots[w.slot]
		if s.worker != w {
			panic(fmt.Sprintf("Exit notice for %v, which is not in its slot", w))
		}

		w.broken = true
		w.closeChannels()
		*s = slot{}

		if n.err != nil {
			p.debugf("%v exited: %v", w, n.err)
		} else {
			p.debugf("%v exited", w)
		}

		reaped = append(reaped, w)
	}
}

// Find and cancel the live pending op with the given unique id on any
// worker. Returns nil if there is none.
func (p *Pool) Cancel(unique uint32) (op *PendingOp, w *Worker) {
	for _, cand := range p.Workers() {
		o := cand.Pending.Find(unique)
		if o != nil && !o.Cancelled {
			o.Cancelled = true
			op, w = o, cand
			return
		}
	}

	return
}

// Terminate every worker and wait up to timeout for them to exit, then kill
// any that remain and wait up to timeout again. Returns the workers reaped.
func (p *Pool) Shutdown(timeout time.Duration) (reaped []*Worker, err error) {
	for round := 0; round < 2; round++ {
		ws := p.Workers()
		if len(ws) == 0 {
			return
		}

		for _, w := range ws {
			if e := p.Terminate(w); e != nil {
				p.debugf("%v: %v", w, e)
			}
		}

		// Wall clock, as in WaitWake.
		deadline := time.Now().Add(timeout)
		for len(p.Workers()) > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				break
			}

			if _, err = p.WaitWake(remaining); err != nil {
				return
			}

			reaped = append(reaped, p.Reap()...)
		}
	}

	if n := len(p.Workers()); n > 0 {
		err = fmt.Errorf("%d workers did not exit", n)
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Invariants
////////////////////////////////////////////////////////////////////////

func (p *Pool) CheckInvariants() (err error) {
	running := make(map[Identity]int)
	for i := range p.slots {
		s := &p.slots[i]
		if (s.worker == nil) != (s.state == SlotFree) {
			err = fmt.Errorf("slot %d in state %v has worker %v", i, s.state, s.worker)
			return
		}

		if s.worker == nil {
			continue
		}

		if s.worker.slot != i {
			err = fmt.Errorf("%v found in slot %d", s.worker, i)
			return
		}

		if s.state == SlotRunning {
			running[s.worker.id]++
			if running[s.worker.id] > 1 {
				err = fmt.Errorf("identity %v has %d running workers", s.worker.id, running[s.worker.id])
				return
			}
		}
	}

	return
}
