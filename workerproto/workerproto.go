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

// Package workerproto frames the messages exchanged between the dispatcher
// and its worker processes over a pair of pipes.
//
// A request frame is a length, then the sizes of the kernel request and of
// up to two paths, then the request bytes and the NUL-terminated paths. A
// path's size includes its terminator and is zero when the path is absent.
// A reply frame is a length followed by a kernel reply. Integers are in
// host byte order.
package workerproto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/internal/buffer"
)

// The longest path a request may carry, including its terminator.
const MaxPathSize = 4096

// The largest frame either side will accept, excluding the length prefix.
const MaxFrameSize = 12 + codaops.MaxMessageSize + 2*MaxPathSize

var errFrameSize = errors.New("frame size out of range")

// A kernel request forwarded to a worker, together with the paths the
// dispatcher resolved for it.
type Request struct {
	Message []byte

	// At most two entries.
	Paths []string
}

// The fixed part of a request frame.
type requestSizes struct {
	ReqSize   uint32
	Path1Size uint32
	Path2Size uint32
}

// Append the frame for r to b.
func AppendRequest(b []byte, r *Request) ([]byte, error) {
	if len(r.Paths) > 2 {
		return b, fmt.Errorf("request carries %d paths", len(r.Paths))
	}

	var sizes requestSizes
	sizes.ReqSize = uint32(len(r.Message))
	for i, p := range r.Paths {
		if len(p)+1 > MaxPathSize {
			return b, fmt.Errorf("path of %d bytes too long", len(p))
		}

		if i == 0 {
			sizes.Path1Size = uint32(len(p) + 1)
		} else {
			sizes.Path2Size = uint32(len(p) + 1)
		}
	}

	m := buffer.NewOutMessage(4 + 12 + len(r.Message) + int(sizes.Path1Size+sizes.Path2Size))
	m.AppendStruct(uint32(0))
	m.AppendStruct(&sizes)
	m.Append(r.Message)
	for _, p := range r.Paths {
		m.AppendString(p)
	}

	m.PutStructAt(0, uint32(m.Len()-4))
	return append(b, m.Bytes()...), nil
}

// Write r to w with a single call to w.Write, so that a frame is never
// interleaved with another writer's.
func WriteRequest(w io.Writer, r *Request) (err error) {
	b, err := AppendRequest(nil, r)
	if err != nil {
		return
	}

	_, err = w.Write(b)
	return
}

// Read a request frame from r. io.EOF is returned only if r ends cleanly
// between frames.
func ReadRequest(r io.Reader) (req *Request, err error) {
	frame, err := readFrame(r)
	if err != nil {
		return
	}

	var m buffer.InMessage
	m.InitBytes(frame)

	var sizes requestSizes
	if err = m.Consume(&sizes); err != nil {
		err = fmt.Errorf("request sizes: %w", err)
		return
	}

	req = &Request{}
	if req.Message = m.ConsumeBytes(int(sizes.ReqSize)); req.Message == nil {
		err = fmt.Errorf("request of %d bytes overruns frame", sizes.ReqSize)
		return
	}

	for _, size := range []uint32{sizes.Path1Size, sizes.Path2Size} {
		if size == 0 {
			continue
		}

		b := m.ConsumeBytes(int(size))
		if b == nil || b[len(b)-1] != 0 || bytes.IndexByte(b, 0) != len(b)-1 {
			err = fmt.Errorf("malformed path of %d bytes", size)
			return
		}

		req.Paths = append(req.Paths, string(b[:len(b)-1]))
	}

	if m.Remaining() != 0 {
		err = fmt.Errorf("%d trailing bytes in request frame", m.Remaining())
		return
	}

	return
}

// Write a reply frame with a single call to w.Write.
func WriteReply(w io.Writer, reply []byte) (err error) {
	m := buffer.NewOutMessage(4 + len(reply))
	m.AppendStruct(uint32(len(reply)))
	m.Append(reply)

	_, err = w.Write(m.Bytes())
	return
}

// Read a reply frame from r.
func ReadReply(r io.Reader) (reply []byte, err error) {
	reply, err = readFrame(r)
	return
}

func readFrame(r io.Reader) (frame []byte, err error) {
	var prefix [4]byte
	if _, err = io.ReadFull(r, prefix[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = fmt.Errorf("frame length: %w", err)
		}

		return
	}

	size := buffer.Order.Uint32(prefix[:])
	if size == 0 || size > MaxFrameSize {
		err = fmt.Errorf("frame of %d bytes: %w", size, errFrameSize)
		return
	}

	frame = make([]byte, size)
	if _, err = io.ReadFull(r, frame); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}

		err = fmt.Errorf("frame body: %w", err)
		frame = nil
		return
	}

	return
}
