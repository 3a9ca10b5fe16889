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

	"github.com/tabulon-ext/avfs/internal/buffer"
)

// Decode the request held by m, which must be positioned at its start.
// Structural problems (a message too short for its opcode, a name offset
// outside the message, an unterminated name) are returned as errors; the
// caller is expected to treat them as protocol corruption.
func Decode(m *buffer.InMessage) (o Op, err error) {
	var wh inHeader
	if err = m.Consume(&wh); err != nil {
		err = fmt.Errorf("header: %w", err)
		return
	}

	h := wh.header()

	switch h.Opcode {
	case OpRoot:
		o = &RootOp{InHeader: h}

	case OpSignal:
		o = &SignalOp{InHeader: h}

	case OpGetattr:
		var in fidIn
		if err = m.Consume(&in); err != nil {
			break
		}

		o = &GetattrOp{InHeader: h, Fid: in.Fid}

	case OpReadlink:
		var in fidIn
		if err = m.Consume(&in); err != nil {
			break
		}

		o = &ReadlinkOp{InHeader: h, Fid: in.Fid}

	case OpAccess, OpOpen, OpClose:
		var in fidFlagsIn
		if err = m.Consume(&in); err != nil {
			break
		}

		switch h.Opcode {
		case OpAccess:
			o = &AccessOp{InHeader: h, Fid: in.Fid, Flags: in.Flags}
		case OpOpen:
			o = &OpenOp{InHeader: h, Fid: in.Fid, Flags: in.Flags}
		default:
			o = &CloseOp{InHeader: h, Fid: in.Fid, Flags: in.Flags}
		}

	case OpSetattr:
		var in setattrIn
		if err = m.Consume(&in); err != nil {
			break
		}

		o = &SetattrOp{InHeader: h, Fid: in.Fid, Attr: in.Attr.attr()}

	case OpLookup:
		var in lookupIn
		if err = m.Consume(&in); err != nil {
			break
		}

		op := &LookupOp{InHeader: h, Fid: in.Fid, Flags: in.Flags}
		if op.Name, err = m.String(in.Name); err != nil {
			break
		}

		o = op

	case OpCreate:
		var in createIn
		if err = m.Consume(&in); err != nil {
			break
		}

		op := &CreateOp{
			InHeader: h,
			Fid:      in.Fid,
			Mode:     in.Mode,
			Excl:     in.Excl,
			Attr:     in.Attr.attr(),
		}

		if op.Name, err = m.String(in.Name); err != nil {
			break
		}

		o = op

	case OpRemove, OpRmdir:
		var in removeIn
		if err = m.Consume(&in); err != nil {
			break
		}

		var name string
		if name, err = m.String(in.Name); err != nil {
			break
		}

		if h.Opcode == OpRemove {
			o = &RemoveOp{InHeader: h, Fid: in.Fid, Name: name}
		} else {
			o = &RmdirOp{InHeader: h, Fid: in.Fid, Name: name}
		}

	case OpMkdir:
		var in mkdirIn
		if err = m.Consume(&in); err != nil {
			break
		}

		op := &MkdirOp{InHeader: h, Fid: in.Fid, Attr: in.Attr.attr()}
		if op.Name, err = m.String(in.Name); err != nil {
			break
		}

		o = op

	case OpRename:
		var in renameIn
		if err = m.Consume(&in); err != nil {
			break
		}

		op := &RenameOp{InHeader: h, SourceFid: in.SourceFid, DestFid: in.DestFid}
		if op.SourceName, err = m.String(in.SourceName); err != nil {
			break
		}

		if op.DestName, err = m.String(in.DestName); err != nil {
			break
		}

		o = op

	case OpSymlink:
		var in symlinkIn
		if err = m.Consume(&in); err != nil {
			break
		}

		op := &SymlinkOp{InHeader: h, Fid: in.Fid, Attr: in.Attr.attr()}
		if op.Target, err = m.String(in.Target); err != nil {
			break
		}

		if op.Name, err = m.String(in.Name); err != nil {
			break
		}

		o = op

	case OpLink:
		var in linkIn
		if err = m.Consume(&in); err != nil {
			break
		}

		op := &LinkOp{InHeader: h, SourceFid: in.SourceFid, DestFid: in.DestFid}
		if op.Name, err = m.String(in.Name); err != nil {
			break
		}

		o = op

	default:
		o = &UnknownOp{InHeader: h}
	}

	if err != nil {
		err = fmt.Errorf("decoding %v: %w", h.Opcode, err)
		o = nil
	}

	return
}

// Decode only the header of a request, e.g. to answer one whose body is
// malformed.
func DecodeInHeader(b []byte) (h InHeader, err error) {
	var m buffer.InMessage
	m.InitBytes(b)

	var wh inHeader
	if err = m.Consume(&wh); err != nil {
		err = fmt.Errorf("header: %w", err)
		return
	}

	h = wh.header()
	return
}

// Decode a request from raw bytes.
func DecodeBytes(b []byte) (o Op, err error) {
	var m buffer.InMessage
	m.InitBytes(b)
	o, err = Decode(&m)
	return
}

////////////////////////////////////////////////////////////////////////
// Encoding
////////////////////////////////////////////////////////////////////////

// Accumulates the strings that follow a request's fixed part, handing out
// their offsets from the start of the message.
type nameTable struct {
	next  int32
	names []string
}

func newNameTable(body interface{}) *nameTable {
	return &nameTable{next: int32(InHeaderSize + binary.Size(body))}
}

func (t *nameTable) add(s string) (offset int32) {
	offset = t.next
	t.names = append(t.names, s)
	t.next += int32(len(s) + 1)
	return
}

// Encode op as the kernel would send it. Names are laid out after the fixed
// part in the order their offset fields appear.
func Encode(op Op) []byte {
	h := op.Hdr()
	var body interface{}
	var names *nameTable

	switch o := op.(type) {
	case *RootOp, *SignalOp, *UnknownOp:

	case *GetattrOp:
		body = &fidIn{Fid: o.Fid}

	case *ReadlinkOp:
		body = &fidIn{Fid: o.Fid}

	case *AccessOp:
		body = &fidFlagsIn{Fid: o.Fid, Flags: o.Flags}

	case *OpenOp:
		body = &fidFlagsIn{Fid: o.Fid, Flags: o.Flags}

	case *CloseOp:
		body = &fidFlagsIn{Fid: o.Fid, Flags: o.Flags}

	case *SetattrOp:
		body = &setattrIn{Fid: o.Fid, Attr: o.Attr.wire()}

	case *LookupOp:
		in := &lookupIn{Fid: o.Fid, Flags: o.Flags}
		names = newNameTable(in)
		in.Name = names.add(o.Name)
		body = in

	case *CreateOp:
		in := &createIn{Fid: o.Fid, Attr: o.Attr.wire(), Excl: o.Excl, Mode: o.Mode}
		names = newNameTable(in)
		in.Name = names.add(o.Name)
		body = in

	case *RemoveOp:
		in := &removeIn{Fid: o.Fid}
		names = newNameTable(in)
		in.Name = names.add(o.Name)
		body = in

	case *RmdirOp:
		in := &removeIn{Fid: o.Fid}
		names = newNameTable(in)
		in.Name = names.add(o.Name)
		body = in

	case *MkdirOp:
		in := &mkdirIn{Fid: o.Fid, Attr: o.Attr.wire()}
		names = newNameTable(in)
		in.Name = names.add(o.Name)
		body = in

	case *RenameOp:
		in := &renameIn{SourceFid: o.SourceFid, DestFid: o.DestFid}
		names = newNameTable(in)
		in.SourceName = names.add(o.SourceName)
		in.DestName = names.add(o.DestName)
		body = in

	case *SymlinkOp:
		in := &symlinkIn{Fid: o.Fid, Attr: o.Attr.wire()}
		names = newNameTable(in)
		in.Target = names.add(o.Target)
		in.Name = names.add(o.Name)
		body = in

	case *LinkOp:
		in := &linkIn{SourceFid: o.SourceFid, DestFid: o.DestFid}
		names = newNameTable(in)
		in.Name = names.add(o.Name)
		body = in

	default:
		panic(fmt.Sprintf("Encode: unexpected op type %T", op))
	}

	m := buffer.NewOutMessage(MaxMessageSize)
	m.AppendStruct(h.wire())
	if body != nil {
		m.AppendStruct(body)
	}

	if names != nil {
		for _, s := range names.names {
			m.AppendString(s)
		}
	}

	return m.Bytes()
}
