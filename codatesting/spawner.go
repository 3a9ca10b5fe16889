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

// Package codatesting provides test doubles for running the dispatcher
// without a Coda kernel module or root privileges: a fake kernel device
// and a spawner whose workers are goroutines in the test process.
package codatesting

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/tabulon-ext/avfs/workerpool"
	"golang.org/x/sys/unix"
)

// Runs a worker's body. It should return when requests reaches EOF or fails.
type ServeFunc func(id workerpool.Identity, requests io.Reader, replies io.Writer) error

// A workerpool.Spawner that runs each worker as a goroutine calling Serve.
// Signals are simulated: SIGKILL always ends the worker, SIGTERM does unless
// IgnoreSIGTERM is set.
type Spawner struct {
	Serve         ServeFunc
	IgnoreSIGTERM bool

	mu      sync.Mutex
	procs   []*Process // GUARDED_BY(mu)
	nextPid int        // GUARDED_BY(mu)
}

var _ workerpool.Spawner = &Spawner{}

func (s *Spawner) Spawn(
	id workerpool.Identity,
	requests, replies *os.File) (p workerpool.Process, err error) {
	// The pool closes its copies once we return, so take our own.
	req, err := dupFile(requests)
	if err != nil {
		return
	}

	rep, err := dupFile(replies)
	if err != nil {
		req.Close()
		return
	}

	s.mu.Lock()
	s.nextPid++
	proc := &Process{
		id:         id,
		pid:        1000000 + s.nextPid,
		ignoreTerm: s.IgnoreSIGTERM,
		requests:   req,
		replies:    rep,
		done:       make(chan struct{}),
	}

	s.procs = append(s.procs, proc)
	s.mu.Unlock()

	go proc.run(s.Serve)

	p = proc
	return
}

// Return every process spawned so far, in order.
func (s *Spawner) Processes() []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*Process(nil), s.procs...)
}

// Duplicate f into a non-blocking descriptor, so that closing the copy
// interrupts a goroutine blocked reading it.
func dupFile(f *os.File) (dup *os.File, err error) {
	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		err = fmt.Errorf("Dup: %w", err)
		return
	}

	unix.CloseOnExec(fd)
	if err = unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		err = fmt.Errorf("SetNonblock: %w", err)
		return
	}

	dup = os.NewFile(uintptr(fd), f.Name())
	return
}

////////////////////////////////////////////////////////////////////////
// Process
////////////////////////////////////////////////////////////////////////

// A simulated worker process.
type Process struct {
	id         workerpool.Identity
	pid        int
	ignoreTerm bool

	requests *os.File
	replies  *os.File

	mu      sync.Mutex
	signals []os.Signal // GUARDED_BY(mu)
	err     error       // GUARDED_BY(mu)

	exitOnce sync.Once
	done     chan struct{}
}

func (p *Process) Identity() workerpool.Identity {
	return p.id
}

func (p *Process) Pid() int {
	return p.pid
}

// Return the signals delivered so far.
func (p *Process) Signals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]os.Signal(nil), p.signals...)
}

// Has the process exited?
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) Signal(sig os.Signal) error {
	if p.Exited() {
		return errors.New("process already finished")
	}

	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if sig == syscall.SIGKILL || sig == syscall.SIGTERM && !p.ignoreTerm {
		p.Crash()
	}

	return nil
}

func (p *Process) Wait() error {
	<-p.done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// End the process abruptly, as if it had died.
func (p *Process) Crash() {
	p.requests.Close()
	p.replies.Close()
}

func (p *Process) run(serve ServeFunc) {
	err := serve(p.id, p.requests, p.replies)

	p.mu.Lock()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		p.err = err
	}
	p.mu.Unlock()

	p.exitOnce.Do(func() {
		p.requests.Close()
		p.replies.Close()
		close(p.done)
	})
}
