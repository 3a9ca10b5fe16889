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

package workerutil

import (
	"errors"
	"fmt"
	"io"
	"log"
	"syscall"

	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/workerproto"
)

// Serve requests read from requests by calling the associated Handler
// method, writing each reply to replies. Requests the worker does not
// handle are answered with EPERM, as the dispatcher would. Returns nil when
// requests reaches EOF, and an error if a channel fails.
//
// logger may be nil.
func Serve(
	requests io.Reader,
	replies io.Writer,
	h Handler,
	logger *log.Logger) (err error) {
	for {
		var req *workerproto.Request
		req, err = workerproto.ReadRequest(requests)
		if err == io.EOF {
			err = nil
			return
		}

		if err != nil {
			err = fmt.Errorf("ReadRequest: %w", err)
			return
		}

		reply := handleRequest(req, h, logger)
		if reply == nil {
			continue
		}

		if err = workerproto.WriteReply(replies, reply); err != nil {
			err = fmt.Errorf("WriteReply: %w", err)
			return
		}
	}
}

func handleRequest(
	req *workerproto.Request,
	h Handler,
	logger *log.Logger) (reply []byte) {
	op, err := codaops.DecodeBytes(req.Message)
	if err != nil {
		// Answer if we can at least tell who is waiting.
		if hdr, herr := decodeHeader(req.Message); herr == nil {
			reply = codaops.NewReply(hdr, syscall.EIO)
		}

		logf(logger, "Dropping malformed request: %v", err)
		return
	}

	var p Paths
	if len(req.Paths) > 0 {
		p.Path1 = req.Paths[0]
	}

	if len(req.Paths) > 1 {
		p.Path2 = req.Paths[1]
	}

	logf(logger, "%v %q %q", op.Hdr().Opcode, p.Path1, p.Path2)
	reply = dispatch(op, p, h)
	return
}

func dispatch(op codaops.Op, p Paths, h Handler) []byte {
	hdr := op.Hdr()

	switch typed := op.(type) {
	case *codaops.GetattrOp:
		attr, err := h.Getattr(typed, p)
		if err != nil {
			return codaops.NewReply(hdr, Errno(err))
		}

		return codaops.EncodeReply(hdr, 0, &codaops.GetattrOut{Attr: attr}, nil)

	case *codaops.AccessOp:
		return codaops.NewReply(hdr, Errno(h.Access(typed, p)))

	case *codaops.OpenOp:
		return codaops.NewReply(hdr, Errno(h.Open(typed, p)))

	case *codaops.CloseOp:
		return codaops.NewReply(hdr, Errno(h.Close(typed, p)))

	case *codaops.LookupOp:
		vtype, err := h.Lookup(typed, p)
		if err != nil {
			return codaops.NewReply(hdr, Errno(err))
		}

		return codaops.EncodeReply(hdr, 0, &codaops.LookupOut{VType: vtype}, nil)

	case *codaops.CreateOp:
		attr, err := h.Create(typed, p)
		if err != nil {
			return codaops.NewReply(hdr, Errno(err))
		}

		return codaops.EncodeReply(hdr, 0, &codaops.CreateOut{Attr: attr}, nil)

	case *codaops.ReadlinkOp:
		target, err := h.Readlink(typed, p)
		if err != nil {
			return codaops.NewReply(hdr, Errno(err))
		}

		return codaops.ReadlinkReply(hdr, target)

	case *codaops.SetattrOp:
		return codaops.NewReply(hdr, Errno(h.Setattr(typed, p)))

	case *codaops.RemoveOp:
		return codaops.NewReply(hdr, Errno(h.Remove(typed, p)))

	case *codaops.RmdirOp:
		return codaops.NewReply(hdr, Errno(h.Rmdir(typed, p)))

	case *codaops.MkdirOp:
		attr, err := h.Mkdir(typed, p)
		if err != nil {
			return codaops.NewReply(hdr, Errno(err))
		}

		return codaops.EncodeReply(hdr, 0, &codaops.CreateOut{Attr: attr}, nil)

	case *codaops.RenameOp:
		return codaops.NewReply(hdr, Errno(h.Rename(typed, p)))

	case *codaops.SymlinkOp:
		return codaops.NewReply(hdr, Errno(h.Symlink(typed, p)))

	case *codaops.LinkOp:
		return codaops.NewReply(hdr, Errno(h.Link(typed, p)))

	default:
		return codaops.NewReply(hdr, syscall.EPERM)
	}
}

// Return the kernel error number for err: zero for nil, the error number
// itself for a syscall.Errno anywhere in the chain, and EIO otherwise.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return syscall.EIO
}

func decodeHeader(msg []byte) (h *codaops.InHeader, err error) {
	hdr, err := codaops.DecodeInHeader(msg)
	h = &hdr
	return
}

func logf(logger *log.Logger, format string, v ...interface{}) {
	if logger != nil {
		logger.Printf(format, v...)
	}
}
