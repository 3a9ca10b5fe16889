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
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"syscall"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/internal/buffer"
	"github.com/tabulon-ext/avfs/internal/namespace"
	"github.com/tabulon-ext/avfs/workerpool"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"
)

// Returned internally when the kernel closes the device, which ends Run
// without error.
var errDeviceClosed = errors.New("device closed")

// Reported to a request's trace span when the kernel abandons it.
var errCancelled = errors.New("cancelled by the kernel")

// Counters describing the work a Dispatcher has done.
type Stats struct {
	Requests  uint64 // read from the device
	Forwarded uint64 // sent to a worker
	Replies   uint64 // received from workers
	Cancelled uint64 // abandoned by the kernel while with a worker
	Orphans   uint64 // answered with EIO because their worker died
	Evictions uint64 // termination signals sent to make room for a worker

	Purges  uint64
	Zaps    uint64
	Flushes uint64
	Sweeps  uint64

	// Current sizes.
	Nodes   int
	Workers int
}

// A Dispatcher serves the Coda kernel device for one mounted volume. All of
// its state is owned by the goroutine calling Run; the only concurrency is
// in the worker processes it feeds.
type Dispatcher struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	cfg         DispatcherConfig
	clock       timeutil.Clock
	debugLogger *log.Logger
	errorLogger *log.Logger
	conn        *Connection

	// The mount point as seen from inside the volume, or "" if unknown.
	mountPath string

	// The private directory holding backing files.
	backingDir string

	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	ns *namespace.Namespace

	// GUARDED_BY(mu)
	pool *workerpool.Pool

	// When a flush notification was first owed, or the zero time if none
	// is.
	//
	// GUARDED_BY(mu)
	flushArmed time.Time

	// Loop iterations since the cache was last swept.
	//
	// GUARDED_BY(mu)
	cycles int

	// GUARDED_BY(mu)
	stats Stats

	// Storage for the request being decoded.
	//
	// GUARDED_BY(mu)
	in buffer.InMessage

	// GUARDED_BY(mu)
	running bool
}

// Create a dispatcher serving the Coda device dev. Responsibility for
// closing dev is transferred to the dispatcher; see Close.
func NewDispatcher(
	dev *os.File,
	config *DispatcherConfig) (d *Dispatcher, err error) {
	if config == nil {
		config = &DispatcherConfig{}
	}

	if err = config.Validate(); err != nil {
		return
	}

	cfg := config.withDefaults()
	if cfg.Spawner == nil {
		err = errors.New("DispatcherConfig.Spawner is required")
		return
	}

	pool, err := workerpool.New(workerpool.Config{
		MaxWorkers: cfg.MaxWorkers,
		Spawner:    cfg.Spawner,
		Clock:      cfg.Clock,
		Logger:     cfg.DebugLogger,
	})

	if err != nil {
		err = fmt.Errorf("workerpool.New: %w", err)
		return
	}

	// Backing files live in a directory of our own, which workers may pass
	// through but not list or modify.
	backingDir, err := os.MkdirTemp(cfg.TempDir, fmt.Sprintf("avfs_coda_%d_", os.Getpid()))
	if err != nil {
		pool.Close()
		err = fmt.Errorf("MkdirTemp: %w", err)
		return
	}

	if err = os.Chmod(backingDir, 0711); err != nil {
		pool.Close()
		os.Remove(backingDir)
		err = fmt.Errorf("Chmod: %w", err)
		return
	}

	d = &Dispatcher{
		cfg:         cfg,
		clock:       cfg.Clock,
		debugLogger: cfg.DebugLogger,
		errorLogger: cfg.ErrorLogger,
		conn:        newConnection(dev),
		backingDir:  backingDir,
		ns:          namespace.New(cfg.Clock, backingDir, cfg.DebugLogger),
		pool:        pool,
	}

	if cfg.MountPoint != "" {
		d.mountPath = path.Clean("/" + cfg.MountPoint)
	}

	d.mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return
}

// Return a snapshot of the dispatcher's counters. Safe to call from any
// goroutine.
func (d *Dispatcher) Stats() (s Stats) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s = d.stats
	s.Nodes = d.ns.Len()
	s.Workers = len(d.pool.Running())
	return
}

// Release the device and the dispatcher's other descriptors, and remove the
// backing file directory. Must not be called while Run is in progress.
func (d *Dispatcher) Close() (err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pool.Close()
	err = d.conn.close()

	if rmErr := os.RemoveAll(d.backingDir); rmErr != nil && err == nil {
		err = fmt.Errorf("RemoveAll: %w", rmErr)
	}

	return
}

func (d *Dispatcher) checkInvariants() {
	if err := d.ns.CheckInvariants(); err != nil {
		panic(err)
	}

	if err := d.pool.CheckInvariants(); err != nil {
		panic(err)
	}

	// INVARIANT: A worker whose channels failed is never left running.
	for _, w := range d.pool.Running() {
		if w.Broken() {
			panic(fmt.Sprintf("%v is broken but still running", w))
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Event loop
////////////////////////////////////////////////////////////////////////

// Serve the device until the kernel closes it, ctx is cancelled or a
// protocol error occurs, then stop the workers, answer whatever they left
// unanswered and delete the remaining backing files. Returns nil in the
// first two cases and a *ProtocolError in the last. Must not be called more
// than once.
func (d *Dispatcher) Run(ctx context.Context) (err error) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		err = errors.New("Run called twice")
		return
	}

	d.running = true
	d.mu.Unlock()

	// Cancellation must interrupt the readiness wait. The goroutine is gone
	// by the time Run returns, so it never touches a closed pool.
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	defer func() {
		close(stop)
		<-watcherDone
	}()

	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			d.pool.Wake()
		case <-stop:
		}
	}()

	err = d.loop(ctx)
	if err == errDeviceClosed {
		d.debugLogger.Println("Device closed by the kernel")
		err = nil
	}

	if err != nil {
		d.errorLogger.Printf("Stopping: %v", err)
	}

	d.mu.Lock()
	d.shutdown()
	d.mu.Unlock()

	return
}

func (d *Dispatcher) loop(ctx context.Context) (err error) {
	for {
		if ctx.Err() != nil {
			return
		}

		d.mu.Lock()
		d.housekeeping()
		fds, workers := d.pollSet(true)
		d.mu.Unlock()

		var n int
		n, err = unix.Poll(fds, int(d.cfg.PollInterval/time.Millisecond))
		if err == unix.EINTR {
			continue
		}

		if err != nil {
			err = &ProtocolError{Op: "waiting for the device", Err: err}
			return
		}

		if n == 0 {
			continue
		}

		d.mu.Lock()
		err = d.handleReady(fds, workers)
		d.mu.Unlock()

		if err != nil {
			return
		}
	}
}

const readable = unix.POLLIN | unix.POLLHUP | unix.POLLERR

// Build the descriptors for one readiness wait: the pool's wake pipe, the
// device if requested, then the reply channel of each worker returned.
func (d *Dispatcher) pollSet(withDevice bool) (
	fds []unix.PollFd,
	workers []*workerpool.Worker) {
	fds = append(fds, unix.PollFd{Fd: int32(d.pool.WakeFd()), Events: unix.POLLIN})
	if withDevice {
		fds = append(fds, unix.PollFd{Fd: int32(d.conn.Fd()), Events: unix.POLLIN})
	}

	for _, w := range d.pool.Running() {
		if w.Broken() {
			continue
		}

		workers = append(workers, w)
		fds = append(fds, unix.PollFd{Fd: int32(w.ReplyFd()), Events: unix.POLLIN})
	}

	return
}

// Act on the results of a wait built by pollSet(true).
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) handleReady(
	fds []unix.PollFd,
	workers []*workerpool.Worker) (err error) {
	// Replies first: waiting for a worker slot while handling the request
	// may consume replies itself, which would leave these results stale.
	for i, w := range workers {
		if fds[2+i].Revents&readable != 0 && !w.Broken() {
			d.serveReply(w)
		}
	}

	dev := fds[1].Revents
	if dev&unix.POLLNVAL != 0 {
		err = &ProtocolError{Op: "waiting for the device", Err: unix.EBADF}
		return
	}

	if dev&readable != 0 {
		err = d.readRequest()
	}

	return
}

// Work done on every iteration, busy or not.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) housekeeping() {
	d.reap()

	if !d.flushArmed.IsZero() && !d.clock.Now().Before(d.flushArmed.Add(d.cfg.FlushDelay)) {
		d.flushArmed = time.Time{}
		d.flush()
	}

	// The sweep is paced by loop iterations rather than time, and only runs
	// while the cache is over its high-water mark.
	d.cycles++
	if d.ns.Len() > d.cfg.MaxCachedNodes && d.cycles > d.cfg.SweepInterval {
		d.cycles = 0
		d.sweep()
	}
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) reap() {
	for _, w := range d.pool.Reap() {
		d.resolveOrphans(w)
	}
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) sweep() {
	before := d.ns.Len()
	evicted := d.ns.Sweep(d.cfg.KeepTime, d.purge)
	d.stats.Sweeps++

	d.debugLogger.Printf("Swept %d of %d cached nodes", evicted, before)
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) shutdown() {
	reaped, err := d.pool.Shutdown(d.cfg.ExitWait)
	if err != nil {
		d.errorLogger.Printf("Shutdown: %v", err)
	}

	for _, w := range reaped {
		d.resolveOrphans(w)
	}

	// Anything still alive has ignored two signals; answer for it.
	for _, w := range d.pool.Workers() {
		d.resolveOrphans(w)
	}

	if err := d.ns.DiscardAll(); err != nil {
		d.errorLogger.Printf("DiscardAll: %v", err)
	}

	d.flushArmed = time.Time{}
	d.flush()
}

////////////////////////////////////////////////////////////////////////
// Messages to the kernel
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) reply(msg []byte) {
	if err := d.conn.WriteMessage(msg); err != nil {
		d.errorLogger.Printf("Replying to the kernel: %v", err)
	}
}

// Answer a request with a bare status.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) replyStatus(h *codaops.InHeader, errno syscall.Errno) {
	d.debugLogger.Printf("-> kernel: %v unique %d result %d", h.Opcode, h.Unique, errno)
	d.reply(codaops.NewReply(h, errno))
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) notify(opcode codaops.Opcode, fid codaops.Fid) {
	d.debugLogger.Printf("-> kernel: %v %v", opcode, fid)
	d.reply(codaops.Notification(opcode, fid))
}

// Tell the kernel that n and its handle are gone.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) purge(n *namespace.Node) {
	d.stats.Purges++
	d.notify(codaops.OpPurgeFid, n.Handle().Fid())
}

// Tell the kernel to reconsider n's attributes and content.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) zap(n *namespace.Node) {
	d.stats.Zaps++
	d.notify(codaops.OpZapFile, n.Handle().Fid())
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) flush() {
	d.stats.Flushes++
	d.notify(codaops.OpFlush, codaops.RootFid)
}
