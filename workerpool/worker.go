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

package workerpool

import (
	"fmt"
	"os"
	"time"

	"github.com/tabulon-ext/avfs/workerproto"
)

// The (uid, gid) pair a worker runs as. Requests are routed by the file
// system credentials of their caller.
type Identity struct {
	UID uint32
	GID uint32
}

func (id Identity) String() string {
	return fmt.Sprintf("%d/%d", id.UID, id.GID)
}

// A worker process bound to one identity for its whole life.
type Worker struct {
	id   Identity
	slot int
	proc Process

	// Our ends of the worker's channels: we write requests and read replies.
	requests *os.File
	replies  *os.File

	// Set once termination has been requested, so that a second attempt
	// escalates to SIGKILL.
	terminating bool

	// Set when a channel failed; the worker gets no further requests.
	broken bool

	lastUse time.Time

	Pending PendingLog
}

func (w *Worker) Identity() Identity {
	return w.id
}

func (w *Worker) Slot() int {
	return w.slot
}

func (w *Worker) Pid() int {
	return w.proc.Pid()
}

func (w *Worker) LastUse() time.Time {
	return w.lastUse
}

func (w *Worker) Terminating() bool {
	return w.terminating
}

func (w *Worker) Broken() bool {
	return w.broken
}

// Record that the worker was chosen for a request.
func (w *Worker) Touch(now time.Time) {
	w.lastUse = now
}

// Return the descriptor to wait on for replies.
func (w *Worker) ReplyFd() int {
	return int(w.replies.Fd())
}

// Idle workers are candidates for eviction.
func (w *Worker) Idle() bool {
	return w.Pending.Len() == 0
}

func (w *Worker) String() string {
	return fmt.Sprintf("worker %v [pid %d, slot %d]", w.id, w.Pid(), w.slot)
}

// Write a request frame to the worker. A failure marks the worker broken.
func (w *Worker) Send(r *workerproto.Request) (err error) {
	if w.broken {
		err = fmt.Errorf("%v: channel broken", w)
		return
	}

	if err = workerproto.WriteRequest(w.requests, r); err != nil {
		w.broken = true
		err = fmt.Errorf("%v: WriteRequest: %w", w, err)
		return
	}

	return
}

// Read one reply frame. Should be called only once the reply channel is
// readable. A failure, including EOF, marks the worker broken.
func (w *Worker) ReadReply() (reply []byte, err error) {
	if reply, err = workerproto.ReadReply(w.replies); err != nil {
		w.broken = true
		err = fmt.Errorf("%v: ReadReply: %w", w, err)
		return
	}

	return
}

func (w *Worker) closeChannels() {
	w.requests.Close()
	w.replies.Close()
}
