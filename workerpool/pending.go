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
	"time"

	"github.com/jacobsa/reqtrace"
	"github.com/tabulon-ext/avfs/codaops"
)

// What the dispatcher must do when the reply to a pending operation
// arrives.
type OpKind int

const (
	// Post-process according to the opcode and forward.
	KindPlain OpKind = iota

	// First open of a file session: the worker has materialized the backing
	// file, which must now be stat'ed and acquired.
	KindOpen

	// Last write-mode close of a file session: the worker has written the
	// backing file back, and the session can now be released.
	KindWriteback
)

func (k OpKind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindWriteback:
		return "writeback"
	}

	return "plain"
}

// A kernel request forwarded to a worker and not yet answered.
type PendingOp struct {
	// The kernel's correlation id, shared by the request and its reply.
	Unique uint32

	// The decoded request, and a private copy of the bytes it arrived in.
	Op      codaops.Op
	Message []byte

	Kind OpKind

	// Set when the kernel has abandoned the request. A cancelled op stays in
	// its worker's list so that a late reply is recognized and discarded,
	// but it no longer keeps the worker busy.
	Cancelled bool

	// When the request was sent.
	Sent time.Time

	// Ends the trace span for the request. May be nil.
	Report reqtrace.ReportFunc
}

// Finish the op's trace span, if any. Safe to call more than once.
func (op *PendingOp) Done(err error) {
	if op.Report != nil {
		op.Report(err)
		op.Report = nil
	}
}

// The operations sent to one worker, in dispatch order. Replies are matched
// by unique id, not by position, since a worker may answer out of order.
type PendingLog struct {
	ops []*PendingOp
}

// Append op. Called before the request is written to the worker, so that a
// reply can never arrive for an op the log doesn't know.
func (l *PendingLog) Enqueue(op *PendingOp) {
	l.ops = append(l.ops, op)
}

// Return the op with the given unique id, or nil.
func (l *PendingLog) Find(unique uint32) *PendingOp {
	for _, op := range l.ops {
		if op.Unique == unique {
			return op
		}
	}

	return nil
}

// Remove and return the op with the given unique id, or nil.
func (l *PendingLog) Take(unique uint32) (op *PendingOp) {
	for i, o := range l.ops {
		if o.Unique == unique {
			op = o
			l.ops = append(l.ops[:i], l.ops[i+1:]...)
			return
		}
	}

	return
}

// Remove and return every op.
func (l *PendingLog) TakeAll() (ops []*PendingOp) {
	ops = l.ops
	l.ops = nil
	return
}

// Return the number of ops, cancelled or not.
func (l *PendingLog) Len() int {
	return len(l.ops)
}

// Return the number of ops the kernel is still waiting for.
func (l *PendingLog) Live() (n int) {
	for _, op := range l.ops {
		if !op.Cancelled {
			n++
		}
	}

	return
}

// Return the unique ids of all ops, for logging.
func (l *PendingLog) Uniques() (ids []uint32) {
	for _, op := range l.ops {
		ids = append(ids, op.Unique)
	}

	return
}
