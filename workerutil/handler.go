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

// Package workerutil contains the worker side of the dispatcher/worker
// contract: a Handler interface with one method per forwarded request, and
// Serve, which reads request frames, calls the handler and writes kernel
// replies.
package workerutil

import (
	"github.com/tabulon-ext/avfs/codaops"
)

// The paths the dispatcher resolved for a request. Their meaning depends on
// the request:
//
//	GETATTR, ACCESS, READLINK, SETATTR: Path1 is the file.
//	LOOKUP, CREATE, REMOVE, RMDIR, MKDIR: Path1 is the named child.
//	OPEN, CLOSE: Path1 is the file and Path2 its backing file.
//	RENAME: Path1 is the source and Path2 the destination.
//	SYMLINK: Path1 is the new link and Path2 its target.
//	LINK: Path1 is the new link and Path2 the existing file.
type Paths struct {
	Path1 string
	Path2 string
}

// An interface with a method for each request the dispatcher forwards to
// workers. Methods return syscall.Errno values to report file system
// errors; any other error is reported to the kernel as EIO.
//
// For OPEN the handler must leave the file's content in the backing file
// (creating it), which the kernel then uses directly. For CLOSE, which is
// only forwarded for the last writer of a session, the handler must copy
// the backing file's content back to the file.
//
// The Fid in LOOKUP, CREATE and MKDIR replies is chosen by the dispatcher,
// so handlers return only the type or attributes.
//
// See NotImplementedHandler for a convenient way to embed default
// implementations for methods you don't care about.
type Handler interface {
	Getattr(op *codaops.GetattrOp, p Paths) (attr codaops.Vattr, err error)
	Access(op *codaops.AccessOp, p Paths) error
	Open(op *codaops.OpenOp, p Paths) error
	Close(op *codaops.CloseOp, p Paths) error
	Lookup(op *codaops.LookupOp, p Paths) (vtype codaops.VType, err error)
	Create(op *codaops.CreateOp, p Paths) (attr codaops.Vattr, err error)
	Readlink(op *codaops.ReadlinkOp, p Paths) (target string, err error)
	Setattr(op *codaops.SetattrOp, p Paths) error
	Remove(op *codaops.RemoveOp, p Paths) error
	Rmdir(op *codaops.RmdirOp, p Paths) error
	Mkdir(op *codaops.MkdirOp, p Paths) (attr codaops.Vattr, err error)
	Rename(op *codaops.RenameOp, p Paths) error
	Symlink(op *codaops.SymlinkOp, p Paths) error
	Link(op *codaops.LinkOp, p Paths) error
}
