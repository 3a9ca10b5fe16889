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

	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/internal/namespace"
	"github.com/tabulon-ext/avfs/workerpool"
)

// Read one reply from w, which the caller has seen to be readable, and
// complete the operation it answers.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) serveReply(w *workerpool.Worker) {
	reply, err := w.ReadReply()
	if err != nil {
		d.abandon(w, err)
		return
	}

	// Without a header there is no telling which request this answers, so
	// nothing the worker says can be trusted any more.
	oh, err := codaops.DecodeOutHeader(reply)
	if err != nil {
		d.abandon(w, fmt.Errorf("malformed reply: %w", err))
		return
	}

	op := w.Pending.Take(oh.Unique)
	if op == nil {
		d.errorLogger.Printf("Reply from %v for unique %d, which is not pending", w, oh.Unique)
		return
	}

	d.stats.Replies++
	d.debugLogger.Printf("<- %v: %v unique %d result %d", w, oh.Opcode, oh.Unique, oh.Result)

	h := op.Op.Hdr()
	if oh.Opcode != h.Opcode {
		d.errorLogger.Printf("%v answered %v unique %d with %v", w, h.Opcode, h.Unique, oh.Opcode)
		reply = codaops.NewReply(h, EIO)
	}

	d.complete(op, reply)
}

// Stop using w after its channels failed or it broke the framing: route
// nothing more to it, ask it to exit and answer what it was doing with EIO.
// Its slot is freed once the exit is reaped.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) abandon(w *workerpool.Worker, err error) {
	d.pool.MarkExited(w)

	// A worker already asked to exit is escalated by acquireWorker if it
	// still holds its slot when one is needed.
	if w.Terminating() {
		d.debugLogger.Printf("Abandoning %v: %v", w, err)
	} else {
		d.errorLogger.Printf("Abandoning %v: %v", w, err)
		if err := d.pool.Terminate(w); err != nil {
			d.debugLogger.Printf("Terminate: %v", err)
		}
	}

	d.resolveOrphans(w)
}

// Answer every operation still pending on w, which has died or is being
// abandoned, as if it had replied EIO.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) resolveOrphans(w *workerpool.Worker) {
	for _, op := range w.Pending.TakeAll() {
		h := op.Op.Hdr()
		if !op.Cancelled {
			d.stats.Orphans++
			d.errorLogger.Printf("%v went away with %v unique %d pending", w, h.Opcode, h.Unique)
		}

		d.complete(op, codaops.NewReply(h, EIO))
	}
}

// Bring the namespace up to date with the reply to op and pass the reply to
// the kernel, unless the kernel has given up on it.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) complete(op *workerpool.PendingOp, reply []byte) {
	oh, err := codaops.DecodeOutHeader(reply)
	if err != nil {
		panic(err)
	}

	if op.Op.Hdr().Opcode.Mutates() && d.flushArmed.IsZero() {
		d.flushArmed = d.clock.Now()
	}

	ok := oh.Result == 0
	switch typed := op.Op.(type) {
	case *codaops.OpenOp:
		reply = d.completeOpen(op, typed, reply, ok)

	case *codaops.CloseOp:
		d.completeWriteback(op, typed, reply)
		reply = nil

	case *codaops.LookupOp:
		reply = d.completeChild(&typed.InHeader, typed.Fid, typed.Name, reply, ok)

	case *codaops.CreateOp:
		reply = d.completeChild(&typed.InHeader, typed.Fid, typed.Name, reply, ok)

	case *codaops.MkdirOp:
		reply = d.completeChild(&typed.InHeader, typed.Fid, typed.Name, reply, ok)

	case *codaops.RemoveOp:
		if ok {
			d.completeRemove(typed.Fid, typed.Name)
		}

	case *codaops.RmdirOp:
		if ok {
			d.completeRemove(typed.Fid, typed.Name)
		}

	case *codaops.RenameOp:
		if ok {
			d.completeRename(typed)
		}
	}

	if reply != nil {
		d.answer(op, reply)
	}

	op.Done(oh.Err())
}

// Send a worker's reply on to the kernel.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) answer(op *workerpool.PendingOp, reply []byte) {
	h := op.Op.Hdr()
	if op.Cancelled {
		d.debugLogger.Printf("Dropping reply to cancelled %v unique %d", h.Opcode, h.Unique)
		return
	}

	d.debugLogger.Printf("-> kernel: %v unique %d (%d bytes)", h.Opcode, h.Unique, len(reply))
	d.reply(reply)
}

// The worker has materialized the backing file for a first open, or failed
// to.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) completeOpen(
	op *workerpool.PendingOp,
	typed *codaops.OpenOp,
	reply []byte,
	ok bool) []byte {
	h := &typed.InHeader

	var of *namespace.OpenFile
	n, found := d.lookupFid(typed.Fid)
	if found {
		of = d.ns.FindOpen(n, h.Pid)
	}

	if of == nil || of.Ready {
		d.errorLogger.Printf("Open file for %v unique %d not found", typed.Fid, h.Unique)
		if ok {
			reply = codaops.NewReply(h, ENOENT)
		}

		return reply
	}

	if !ok || op.Cancelled {
		d.discard(n, of)
		return reply
	}

	of.Ready = true
	return d.acquireOpen(h, n, of, codaops.IsWriteMode(typed.Flags))
}

// The worker has written back the content of a file whose last writer
// closed it. The session ends whatever the outcome.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) completeWriteback(
	op *workerpool.PendingOp,
	typed *codaops.CloseOp,
	reply []byte) {
	n, found := d.lookupFid(typed.Fid)
	if found {
		if of := d.ns.FindOpen(n, typed.Pid); of != nil {
			d.release(n, of)
		}
	}

	d.answer(op, reply)

	if found && !n.Unlinked() {
		d.zap(n)
	}
}

// A LOOKUP, CREATE or MKDIR of name within the directory named by fid
// succeeded: materialize the child and give the kernel its handle.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) completeChild(
	h *codaops.InHeader,
	fid codaops.Fid,
	name string,
	reply []byte,
	ok bool) []byte {
	if !ok {
		return reply
	}

	parent, found := d.lookupFid(fid)
	if !found || parent.Unlinked() {
		d.debugLogger.Printf("%v of %q: directory %v has gone", h.Opcode, name, fid)
		return codaops.NewReply(h, ENOENT)
	}

	var child *namespace.Node
	switch name {
	case ".":
		child = parent

	case "..":
		child = parent
		if !parent.IsRoot() {
			child = parent.Parent()
		}

	default:
		child = d.ns.GetOrCreateChild(parent, name)
	}

	if err := codaops.SetReplyFid(reply, child.Handle().Fid()); err != nil {
		d.errorLogger.Printf("%v of %q: %v", h.Opcode, name, err)
		return codaops.NewReply(h, EIO)
	}

	return reply
}

// The child called name of the directory named by fid is gone.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) completeRemove(fid codaops.Fid, name string) {
	parent, found := d.lookupFid(fid)
	if !found {
		return
	}

	if n := d.ns.RemoveChild(parent, name); n != nil {
		d.purgeTree(n)
	}
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) completeRename(op *codaops.RenameOp) {
	src, srcFound := d.lookupFid(op.SourceFid)
	dst, dstFound := d.lookupFid(op.DestFid)

	var moving *namespace.Node
	if srcFound {
		moving = d.ns.LookupChild(src, op.SourceName)
	}

	// Whatever was at the destination has been replaced.
	if dstFound {
		if occupant := d.ns.LookupChild(dst, op.DestName); occupant != nil && occupant != moving {
			d.ns.RemoveChild(dst, op.DestName)
			d.purgeTree(occupant)
		}
	}

	if moving == nil {
		return
	}

	if !dstFound || dst.Unlinked() {
		d.ns.RemoveChild(src, op.SourceName)
		d.purgeTree(moving)
		return
	}

	if _, err := d.ns.MoveChild(src, op.SourceName, dst, op.DestName); err != nil {
		d.errorLogger.Printf("Rename: %v", err)
		d.ns.RemoveChild(src, op.SourceName)
		d.purgeTree(moving)
	}
}

// Purge n, which has just been unlinked, together with its cached
// descendants, freeing whatever has no open files.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) purgeTree(n *namespace.Node) {
	pruned := d.ns.Prune(n)
	if len(pruned) > 0 {
		d.errorLogger.Printf("Deleted %q with %d cached descendants", n.Path(), len(pruned))
	}

	for _, c := range pruned {
		d.purge(c)
		d.ns.Reclaim(c)
	}

	d.purge(n)
	d.ns.Reclaim(n)
}
