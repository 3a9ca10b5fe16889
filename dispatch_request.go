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
	"io"
	"path"

	"github.com/jacobsa/reqtrace"
	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/internal/namespace"
	"github.com/tabulon-ext/avfs/workerpool"
	"github.com/tabulon-ext/avfs/workerproto"
	"github.com/tabulon-ext/avfs/workerutil"
)

// Read and dispatch one request from the device. Only errors that end the
// dispatcher are returned; everything else is answered to the kernel.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) readRequest() (err error) {
	if err = d.conn.ReadMessage(&d.in); err != nil {
		if err == io.EOF {
			err = errDeviceClosed
			return
		}

		err = &ProtocolError{Op: "reading the device", Err: err}
		return
	}

	op, err := codaops.Decode(&d.in)
	if err != nil {
		err = &ProtocolError{Op: "decoding a request", Err: err}
		return
	}

	d.stats.Requests++

	// The input buffer is reused for the next request, and the worker and
	// the reply both need the original bytes.
	msg := append([]byte(nil), d.in.Bytes()...)

	h := op.Hdr()
	d.debugLogger.Printf(
		"<- kernel: %v unique %d pid %d fsuid %d fsgid %d",
		h.Opcode,
		h.Unique,
		h.Pid,
		h.Cred.FSUID,
		h.Cred.FSGID)

	err = d.dispatch(op, msg)
	return
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) dispatch(op codaops.Op, msg []byte) (err error) {
	switch typed := op.(type) {
	case *codaops.RootOp:
		d.reply(codaops.EncodeReply(
			&typed.InHeader,
			0,
			&codaops.RootOut{Fid: codaops.RootFid},
			nil))

	case *codaops.SignalOp:
		d.cancel(typed.Unique)

	case *codaops.GetattrOp:
		err = d.forwardNode(op, msg, typed.Fid)

	case *codaops.AccessOp:
		err = d.forwardNode(op, msg, typed.Fid)

	case *codaops.ReadlinkOp:
		err = d.forwardNode(op, msg, typed.Fid)

	case *codaops.SetattrOp:
		err = d.forwardNode(op, msg, typed.Fid)

	case *codaops.LookupOp:
		err = d.forwardChild(op, msg, typed.Fid, typed.Name)

	case *codaops.CreateOp:
		err = d.forwardChild(op, msg, typed.Fid, typed.Name)

	case *codaops.RemoveOp:
		err = d.forwardChild(op, msg, typed.Fid, typed.Name)

	case *codaops.RmdirOp:
		err = d.forwardChild(op, msg, typed.Fid, typed.Name)

	case *codaops.MkdirOp:
		err = d.forwardChild(op, msg, typed.Fid, typed.Name)

	case *codaops.RenameOp:
		var dst *namespace.Node
		if dst, err = d.resolve(typed.DestFid); err != nil {
			return
		}

		err = d.forwardChild(
			op,
			msg,
			typed.SourceFid,
			typed.SourceName,
			path.Join(dst.Path(), typed.DestName))

	case *codaops.SymlinkOp:
		err = d.forwardChild(op, msg, typed.Fid, typed.Name, typed.Target)

	case *codaops.LinkOp:
		var src *namespace.Node
		if src, err = d.resolve(typed.SourceFid); err != nil {
			return
		}

		err = d.forwardChild(op, msg, typed.DestFid, typed.Name, src.Path())

	case *codaops.OpenOp:
		err = d.open(typed, msg)

	case *codaops.CloseOp:
		err = d.close(typed, msg)

	default:
		d.debugLogger.Printf("Not implemented: %v", op.Hdr().Opcode)
		d.replyStatus(op.Hdr(), EPERM)
	}

	return
}

// Find the node for a Fid from the kernel. A Fid we never issued, or whose
// node has been freed, is fatal.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) resolve(fid codaops.Fid) (n *namespace.Node, err error) {
	n, err = d.ns.ResolveFid(fid)
	if err != nil {
		err = &ProtocolError{Op: fmt.Sprintf("resolving %v", fid), Err: err}
		return
	}

	return
}

// Like resolve, but for Fids carried by requests already accepted, whose
// nodes may since have been freed. Never fatal.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) lookupFid(fid codaops.Fid) (n *namespace.Node, ok bool) {
	h, err := namespace.HandleFromFid(fid)
	if err != nil {
		return
	}

	n, ok = d.ns.Lookup(h)
	return
}

// Forward a request concerning the file named by fid, with its path.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) forwardNode(
	op codaops.Op,
	msg []byte,
	fid codaops.Fid) (err error) {
	n, err := d.resolve(fid)
	if err != nil {
		return
	}

	d.forward(op, msg, workerpool.KindPlain, n.Path())
	return
}

// Forward a request concerning the child called name of the directory named
// by fid, with the child's path and any extra path.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) forwardChild(
	op codaops.Op,
	msg []byte,
	fid codaops.Fid,
	name string,
	extra ...string) (err error) {
	parent, err := d.resolve(fid)
	if err != nil {
		return
	}

	p := path.Join(parent.Path(), name)

	// Looking into the mount point from inside the volume would recurse
	// into ourselves.
	if p == d.mountPath {
		d.debugLogger.Printf("Refusing %v of the mount point %q", op.Hdr().Opcode, p)
		d.replyStatus(op.Hdr(), ENOENT)
		return
	}

	d.forward(op, msg, workerpool.KindPlain, append([]string{p}, extra...)...)
	return
}

// Send a request to the worker for its caller's identity, recording it as
// pending. Returns false if the request was instead answered with an error
// before being recorded, leaving any cleanup to the caller. A request that
// was recorded but could not be written is completed with EIO along with
// the rest of the worker's pending operations.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) forward(
	op codaops.Op,
	msg []byte,
	kind workerpool.OpKind,
	paths ...string) (sent bool) {
	h := op.Hdr()

	for _, p := range paths {
		if len(p)+1 > workerproto.MaxPathSize {
			d.replyStatus(h, ENAMETOOLONG)
			return
		}
	}

	id := workerpool.Identity{UID: h.Cred.FSUID, GID: h.Cred.FSGID}
	w, err := d.acquireWorker(id)
	if err != nil {
		d.errorLogger.Printf("No worker for %v: %v", id, err)
		d.replyStatus(h, ENOMEM)
		return
	}

	now := d.clock.Now()
	_, report := reqtrace.StartSpan(d.cfg.OpContext, h.Opcode.String())
	pending := &workerpool.PendingOp{
		Unique:  h.Unique,
		Op:      op,
		Message: msg,
		Kind:    kind,
		Sent:    now,
		Report:  report,
	}

	// Enqueue before writing, so that the reply always finds it.
	w.Pending.Enqueue(pending)
	w.Touch(now)

	sent = true
	if err = w.Send(&workerproto.Request{Message: msg, Paths: paths}); err != nil {
		d.abandon(w, fmt.Errorf("sending %v unique %d: %w", h.Opcode, h.Unique, err))
		return
	}

	d.stats.Forwarded++
	d.debugLogger.Printf("-> %v: %v unique %d %q", w, h.Opcode, h.Unique, paths)
	return
}

// Abandon the pending operation with the given unique id. Its worker is not
// told; a late reply is recognized and dropped.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) cancel(unique uint32) {
	op, w := d.pool.Cancel(unique)
	if op == nil {
		d.debugLogger.Printf("SIGNAL for unique %d, which is not pending", unique)
		return
	}

	d.stats.Cancelled++
	op.Done(errCancelled)
	d.debugLogger.Printf("Cancelled %v unique %d on %v", op.Op.Hdr().Opcode, unique, w)
}

////////////////////////////////////////////////////////////////////////
// Open files
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) open(op *codaops.OpenOp, msg []byte) (err error) {
	n, err := d.resolve(op.Fid)
	if err != nil {
		return
	}

	h := &op.InHeader
	forWrite := codaops.IsWriteMode(op.Flags)

	// A caller that already has the file open shares its backing file.
	if of := d.ns.FindOpen(n, h.Pid); of != nil {
		if !of.Ready {
			d.debugLogger.Printf("%q is still being opened for pid %d", n.Path(), h.Pid)
			d.replyStatus(h, EAGAIN)
			return
		}

		if op.Flags&codaops.OpenTrunc != 0 {
			if err := d.ns.TruncateBackingFile(of); err != nil {
				d.errorLogger.Printf("TruncateBackingFile: %v", err)
			}
		}

		d.reply(d.acquireOpen(h, n, of, forWrite))
		return
	}

	// The worker fills a file we created, rather than one it names.
	of, _ := d.ns.Open(n, h.Pid)
	if err := d.ns.CreateBackingFile(of, h.Cred.FSUID, h.Cred.FSGID); err != nil {
		d.errorLogger.Printf("CreateBackingFile: %v", err)
		d.discard(n, of)
		d.replyStatus(h, workerutil.Errno(err))
		return nil
	}

	if !d.forward(op, msg, workerpool.KindOpen, n.Path(), of.BackingPath) {
		d.discard(n, of)
	}

	return
}

// Count an open of a materialized backing file and build the reply that
// hands it to the kernel.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) acquireOpen(
	h *codaops.InHeader,
	n *namespace.Node,
	of *namespace.OpenFile,
	forWrite bool) (reply []byte) {
	st, err := d.ns.StatBackingFile(of)
	if err != nil {
		d.errorLogger.Printf("StatBackingFile: %v", err)
		if of.Use == 0 {
			d.discard(n, of)
		}

		reply = codaops.NewReply(h, workerutil.Errno(err))
		return
	}

	d.ns.Acquire(of, forWrite)
	reply = codaops.EncodeReply(
		h,
		0,
		&codaops.OpenOut{Dev: uint64(st.Dev), Inode: st.Ino},
		nil)

	return
}

// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) close(op *codaops.CloseOp, msg []byte) (err error) {
	n, err := d.resolve(op.Fid)
	if err != nil {
		return
	}

	h := &op.InHeader
	of := d.ns.FindOpen(n, h.Pid)
	if of == nil || !of.Ready {
		d.debugLogger.Printf("CLOSE of %q by pid %d, which has no open file", n.Path(), h.Pid)
		d.replyStatus(h, ENOENT)
		return
	}

	// The last writer's close waits for the content to be written back.
	if of.WriteUse > 0 && codaops.IsWriteMode(op.Flags) {
		if d.ns.ReleaseWrite(of) {
			if !d.forward(op, msg, workerpool.KindWriteback, n.Path(), of.BackingPath) {
				d.release(n, of)
			}

			return
		}
	}

	d.release(n, of)
	d.replyStatus(h, 0)
	return
}

// Record a close, freeing n if it was waiting for its last open file.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) release(n *namespace.Node, of *namespace.OpenFile) {
	destroyed, err := d.ns.Release(n, of)
	if err != nil {
		d.errorLogger.Printf("Release(%q): %v", n.Path(), err)
	}

	if destroyed && n.Unlinked() {
		d.ns.Reclaim(n)
	}
}

// Drop an open file that was never handed to the kernel.
//
// LOCKS_REQUIRED(d.mu)
func (d *Dispatcher) discard(n *namespace.Node, of *namespace.OpenFile) {
	if err := d.ns.Discard(n, of); err != nil {
		d.errorLogger.Printf("Discard(%q): %v", n.Path(), err)
	}

	if n.Unlinked() {
		d.ns.Reclaim(n)
	}
}
