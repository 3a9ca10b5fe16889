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

package codaops

import (
	"encoding/binary"
	"fmt"
	"syscall"

	"github.com/tabulon-ext/avfs/internal/buffer"
)

// Build a header-only reply to the request described by h, carrying the
// given error (zero for success).
func NewReply(h *InHeader, errno syscall.Errno) []byte {
	return EncodeReply(h, errno, nil, nil)
}

// Build a reply to h with an optional fixed-size body and an optional tail
// of raw bytes following it.
func EncodeReply(
	h *InHeader,
	errno syscall.Errno,
	body interface{},
	tail []byte) []byte {
	m := buffer.NewOutMessage(OutHeaderSize)
	m.AppendStruct(&OutHeader{
		Opcode: h.Opcode,
		Unique: h.Unique,
		Result: int32(errno),
	})

	if body != nil {
		m.AppendStruct(wireOut(body))
	}

	m.Append(tail)
	return m.Bytes()
}

// Build a READLINK reply carrying the given target.
func ReadlinkReply(h *InHeader, target string) []byte {
	out := ReadlinkOut{
		Count: len(target),
		Data:  OutHeaderSize + binary.Size(readlinkOut{}),
	}

	return EncodeReply(h, 0, &out, []byte(target))
}

// Decode the header of a reply produced by a worker.
func DecodeOutHeader(reply []byte) (h OutHeader, err error) {
	var m buffer.InMessage
	m.InitBytes(reply)
	if err = m.Consume(&h); err != nil {
		err = fmt.Errorf("reply header: %w", err)
	}

	return
}

// Decode the body that follows the header of a reply into v, which must be a
// pointer to one of the reply body types.
func DecodeReplyBody(reply []byte, v interface{}) (err error) {
	var m buffer.InMessage
	m.InitBytes(reply)
	if m.ConsumeBytes(OutHeaderSize) == nil {
		err = fmt.Errorf("reply of %d bytes has no header", len(reply))
		return
	}

	if err = consumeOut(&m, v); err != nil {
		err = fmt.Errorf("reply body: %w", err)
	}

	return
}

func consumeOut(m *buffer.InMessage, v interface{}) (err error) {
	switch out := v.(type) {
	case *OpenOut:
		var w openOut
		if err = m.Consume(&w); err == nil {
			*out = OpenOut{Dev: w.Dev, Inode: w.Inode}
		}

	case *LookupOut:
		var w lookupOut
		if err = m.Consume(&w); err == nil {
			*out = LookupOut{Fid: w.Fid, VType: VType(w.VType)}
		}

	case *CreateOut:
		var w createOut
		if err = m.Consume(&w); err == nil {
			*out = CreateOut{Fid: w.Fid, Attr: w.Attr.attr()}
		}

	case *GetattrOut:
		var w getattrOut
		if err = m.Consume(&w); err == nil {
			*out = GetattrOut{Attr: w.Attr.attr()}
		}

	case *ReadlinkOut:
		var w readlinkOut
		if err = m.Consume(&w); err == nil {
			*out = ReadlinkOut{Count: int(w.Count), Data: int(w.Data)}
		}

	default:
		err = m.Consume(v)
	}

	return
}

// Return the error carried by a reply header, or nil if it reports success.
func (h *OutHeader) Err() error {
	if h.Result == 0 {
		return nil
	}

	return syscall.Errno(h.Result)
}

// Return the Fid carried by a LOOKUP, CREATE or MKDIR reply, all of which
// begin their bodies with it.
func ReplyFid(reply []byte) (fid Fid, err error) {
	err = DecodeReplyBody(reply, &fid)
	return
}

// Overwrite in place the Fid carried by a LOOKUP, CREATE or MKDIR reply.
// Workers answer with whatever Fid they like; the dispatcher substitutes the
// handle of the node it materialized.
func SetReplyFid(reply []byte, fid Fid) (err error) {
	if len(reply) < OutHeaderSize+binary.Size(fid) {
		err = fmt.Errorf("reply of %d bytes too short for a fid", len(reply))
		return
	}

	buffer.PutStruct(reply, OutHeaderSize, &fid)
	return
}

// Overwrite the result of a reply in place.
func SetReplyResult(reply []byte, errno syscall.Errno) (err error) {
	h, err := DecodeOutHeader(reply)
	if err != nil {
		return
	}

	h.Result = int32(errno)
	buffer.PutStruct(reply, 0, &h)
	return
}

// Build an unsolicited message for the kernel. PURGEFID, ZAPFILE and ZAPDIR
// carry the Fid concerned; FLUSH carries nothing. Unsolicited messages
// always report success and have a zero unique.
func Notification(opcode Opcode, fid Fid) []byte {
	m := buffer.NewOutMessage(OutHeaderSize + binary.Size(fid))
	m.AppendStruct(&OutHeader{Opcode: opcode})
	if opcode != OpFlush {
		m.AppendStruct(&FidOut{Fid: fid})
	}

	return m.Bytes()
}
