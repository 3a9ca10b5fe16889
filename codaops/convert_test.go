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

package codaops_test

import (
	"encoding/binary"
	"syscall"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/kylelemons/godebug/pretty"
	"github.com/tabulon-ext/avfs/codaops"
)

func TestCodaOps(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ConvertTest struct {
	hdr codaops.InHeader
}

func init() { RegisterTestSuite(&ConvertTest{}) }

func (t *ConvertTest) SetUp(ti *TestInfo) {
	t.hdr = codaops.InHeader{
		Unique: 17,
		Pid:    1234,
		Pgid:   1234,
		Sid:    1,
		Cred: codaops.Cred{
			UID:   1000,
			EUID:  1000,
			FSUID: 1001,
			GID:   100,
			EGID:  100,
			FSGID: 101,
		},
	}
}

func (t *ConvertTest) header(opcode codaops.Opcode) codaops.InHeader {
	h := t.hdr
	h.Opcode = opcode
	return h
}

// Encode then decode, returning the decoded op.
func (t *ConvertTest) roundTrip(op codaops.Op) codaops.Op {
	decoded, err := codaops.DecodeBytes(codaops.Encode(op))
	AssertEq(nil, err)
	return decoded
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *ConvertTest) HeaderSizes() {
	ExpectEq(48, codaops.InHeaderSize)
	ExpectEq(12, codaops.OutHeaderSize)
}

// Sizes of the fixed part of each request, as sizeof(struct coda_xxx_in)
// on LP64 Linux.
func (t *ConvertTest) RequestSizes() {
	attr := codaops.UnsetVattr()
	fid := codaops.RootFid

	testCases := []struct {
		op   codaops.Op
		size int
	}{
		{&codaops.GetattrOp{Fid: fid}, 60},
		{&codaops.ReadlinkOp{Fid: fid}, 60},
		{&codaops.OpenOp{Fid: fid}, 64},
		{&codaops.SetattrOp{Fid: fid, Attr: attr}, 200},
		{&codaops.LookupOp{Fid: fid}, 68},
		{&codaops.CreateOp{Fid: fid, Attr: attr}, 216},
		{&codaops.RemoveOp{Fid: fid}, 64},
		{&codaops.MkdirOp{Fid: fid, Attr: attr}, 208},
		{&codaops.SymlinkOp{Fid: fid, Attr: attr}, 208},
		{&codaops.LinkOp{SourceFid: fid, DestFid: fid}, 76},
		{&codaops.RenameOp{SourceFid: fid, DestFid: fid}, 80},
	}

	for _, tc := range testCases {
		msg := codaops.Encode(tc.op)

		// Subtract the empty names that follow the fixed part.
		names := 0
		switch tc.op.(type) {
		case *codaops.RenameOp, *codaops.SymlinkOp:
			names = 2
		case *codaops.LookupOp, *codaops.CreateOp, *codaops.RemoveOp,
			*codaops.MkdirOp, *codaops.LinkOp:
			names = 1
		}

		ExpectEq(tc.size, len(msg)-names, "%T", tc.op)
	}
}

// Sizes of each reply, as sizeof(struct coda_xxx_out) on LP64 Linux.
func (t *ConvertTest) ReplySizes() {
	h := t.header(codaops.OpGetattr)

	testCases := []struct {
		body interface{}
		size int
	}{
		{&codaops.RootOut{}, 24},
		{&codaops.OpenOut{}, 32},
		{&codaops.LookupOut{}, 28},
		{&codaops.CreateOut{}, 160},
		{&codaops.GetattrOut{}, 152},
		{&codaops.ReadlinkOut{}, 24},
		{&codaops.FidOut{}, 24},
	}

	for _, tc := range testCases {
		ExpectEq(tc.size, len(codaops.EncodeReply(&h, 0, tc.body, nil)), "%T", tc.body)
	}
}

// A CREATE request laid out by hand at the offsets the kernel uses.
func (t *ConvertTest) DecodeKernelLayout() {
	const name = "burrito"
	msg := make([]byte, 216+len(name)+1)
	put32 := func(off int, v uint32) { binary.NativeEndian.PutUint32(msg[off:], v) }
	put64 := func(off int, v uint64) { binary.NativeEndian.PutUint64(msg[off:], v) }

	// struct coda_in_hdr
	put32(0, uint32(codaops.OpCreate))
	put32(4, 17)
	binary.NativeEndian.PutUint16(msg[8:], 1234)
	binary.NativeEndian.PutUint16(msg[10:], 1233)
	binary.NativeEndian.PutUint16(msg[12:], 7)
	put32(16+3*4, 1001) // cr_fsuid
	put32(16+7*4, 101)  // cr_fsgid

	// VFid
	put32(48, 0)
	put32(52, 3)
	put32(56, 1)

	// struct coda_vattr at 64
	put64(64, uint64(codaops.VReg))
	binary.NativeEndian.PutUint16(msg[64+8:], 0644)
	binary.NativeEndian.PutUint16(msg[64+10:], 0xffff) // va_nlink = -1
	put32(64+12, 1000)
	put32(64+16, 100)
	put64(64+32, 4096)        // va_size
	put64(64+40, ^uint64(0))  // va_blocksize = -1
	put64(64+64, 1500000000)  // va_mtime.tv_sec
	put64(64+104, ^uint64(0)) // va_flags

	put32(200, 1)    // excl
	put32(204, 0600) // mode
	put32(208, 216)  // name
	copy(msg[216:], name)

	op, err := codaops.DecodeBytes(msg)
	AssertEq(nil, err)
	AssertThat(op, HasSameTypeAs(&codaops.CreateOp{}))

	create := op.(*codaops.CreateOp)
	ExpectEq(17, create.Unique)
	ExpectEq(1234, create.Pid)
	ExpectEq(1233, create.Pgid)
	ExpectEq(7, create.Sid)
	ExpectEq(1001, create.Cred.FSUID)
	ExpectEq(101, create.Cred.FSGID)
	ExpectEq("0.3.1", create.Fid.String())
	ExpectEq(codaops.VReg, create.Attr.Type)
	ExpectEq(0644, create.Attr.Mode)
	ExpectEq(codaops.Unset32, create.Attr.Nlink)
	ExpectEq(1000, create.Attr.UID)
	ExpectEq(100, create.Attr.GID)
	ExpectEq(4096, create.Attr.Size)
	ExpectEq(codaops.Unset32, create.Attr.Blocksize)
	ExpectEq(1500000000, create.Attr.Mtime.Sec)
	ExpectEq(codaops.Unset32, create.Attr.Flags)
	ExpectEq(1, create.Excl)
	ExpectEq(0600, create.Mode)
	ExpectEq(name, create.Name)
}

// Attributes in a GETATTR reply and the container in an OPEN reply land
// where the kernel reads them.
func (t *ConvertTest) ReplyKernelLayout() {
	h := t.header(codaops.OpGetattr)
	attr := codaops.Vattr{
		Type:      codaops.VDir,
		Mode:      0755,
		Nlink:     2,
		Blocksize: 4096,
		Size:      0x1234,
		Gen:       codaops.Unset32,
	}

	reply := codaops.EncodeReply(&h, 0, &codaops.GetattrOut{Attr: attr}, nil)
	AssertEq(152, len(reply))
	ExpectEq(uint64(codaops.VDir), binary.NativeEndian.Uint64(reply[16:]))
	ExpectEq(0755, binary.NativeEndian.Uint16(reply[16+8:]))
	ExpectEq(2, binary.NativeEndian.Uint16(reply[16+10:]))
	ExpectEq(0x1234, binary.NativeEndian.Uint64(reply[16+32:]))
	ExpectEq(4096, binary.NativeEndian.Uint64(reply[16+40:]))
	ExpectEq(^uint64(0), binary.NativeEndian.Uint64(reply[16+96:]))

	h = t.header(codaops.OpOpen)
	reply = codaops.EncodeReply(&h, 0, &codaops.OpenOut{Dev: 0x801, Inode: 99}, nil)
	AssertEq(32, len(reply))
	ExpectEq(0x801, binary.NativeEndian.Uint64(reply[16:]))
	ExpectEq(99, binary.NativeEndian.Uint64(reply[24:]))
}

func (t *ConvertTest) RootFid() {
	ExpectTrue(codaops.RootFid.IsRoot())
	ExpectFalse(codaops.Fid{0, 1, 1}.IsRoot())
	ExpectEq("0.1.1", codaops.Fid{0, 1, 1}.String())
}

func (t *ConvertTest) OpcodeNames() {
	ExpectEq("LOOKUP", codaops.OpLookup.String())
	ExpectEq("PURGEFID", codaops.OpPurgeFid.String())
	ExpectThat(codaops.Opcode(99).String(), HasSubstr("99"))
}

func (t *ConvertTest) MutatingOpcodes() {
	ExpectTrue(codaops.OpCreate.Mutates())
	ExpectTrue(codaops.OpRename.Mutates())
	ExpectTrue(codaops.OpClose.Mutates())
	ExpectFalse(codaops.OpLookup.Mutates())
	ExpectFalse(codaops.OpGetattr.Mutates())
	ExpectFalse(codaops.OpOpen.Mutates())
}

func (t *ConvertTest) WriteModes() {
	ExpectFalse(codaops.IsWriteMode(codaops.OpenRead))
	ExpectTrue(codaops.IsWriteMode(codaops.OpenWrite))
	ExpectTrue(codaops.IsWriteMode(codaops.OpenRead | codaops.OpenTrunc))
}

func (t *ConvertTest) Lookup() {
	op := &codaops.LookupOp{
		InHeader: t.header(codaops.OpLookup),
		Fid:      codaops.Fid{0, 3, 1},
		Name:     "taco",
		Flags:    4,
	}

	decoded := t.roundTrip(op)
	if diff := pretty.Compare(op, decoded); diff != "" {
		AddFailure("Decoded op differs: %s", diff)
	}

	ExpectEq(1001, decoded.Hdr().Cred.FSUID)
	ExpectEq(101, decoded.Hdr().Cred.FSGID)
}

func (t *ConvertTest) Rename() {
	op := &codaops.RenameOp{
		InHeader:   t.header(codaops.OpRename),
		SourceFid:  codaops.Fid{0, 1, 1},
		SourceName: "foo",
		DestFid:    codaops.RootFid,
		DestName:   "burrito",
	}

	decoded := t.roundTrip(op)
	if diff := pretty.Compare(op, decoded); diff != "" {
		AddFailure("Decoded op differs: %s", diff)
	}
}

func (t *ConvertTest) Symlink() {
	op := &codaops.SymlinkOp{
		InHeader: t.header(codaops.OpSymlink),
		Fid:      codaops.RootFid,
		Target:   "/etc/passwd",
		Name:     "link",
		Attr:     codaops.UnsetVattr(),
	}

	decoded := t.roundTrip(op)
	if diff := pretty.Compare(op, decoded); diff != "" {
		AddFailure("Decoded op differs: %s", diff)
	}
}

func (t *ConvertTest) OpenAndClose() {
	open := &codaops.OpenOp{
		InHeader: t.header(codaops.OpOpen),
		Fid:      codaops.Fid{0, 2, 7},
		Flags:    codaops.OpenWrite | codaops.OpenTrunc,
	}

	decoded := t.roundTrip(open)
	AssertThat(decoded, HasSameTypeAs(&codaops.OpenOp{}))
	ExpectEq(open.Flags, decoded.(*codaops.OpenOp).Flags)
	ExpectTrue(open.Fid == decoded.(*codaops.OpenOp).Fid)

	close := &codaops.CloseOp{
		InHeader: t.header(codaops.OpClose),
		Fid:      open.Fid,
		Flags:    open.Flags,
	}

	decoded = t.roundTrip(close)
	AssertThat(decoded, HasSameTypeAs(&codaops.CloseOp{}))
}

func (t *ConvertTest) UnknownOpcode() {
	op := &codaops.UnknownOp{InHeader: t.header(codaops.OpIoctl)}

	decoded := t.roundTrip(op)
	AssertThat(decoded, HasSameTypeAs(&codaops.UnknownOp{}))
	ExpectEq(codaops.OpIoctl, decoded.Hdr().Opcode)
}

func (t *ConvertTest) TruncatedHeader() {
	msg := codaops.Encode(&codaops.RootOp{InHeader: t.header(codaops.OpRoot)})

	_, err := codaops.DecodeBytes(msg[:20])
	ExpectThat(err, Error(HasSubstr("header")))
}

func (t *ConvertTest) TruncatedBody() {
	msg := codaops.Encode(&codaops.GetattrOp{
		InHeader: t.header(codaops.OpGetattr),
		Fid:      codaops.Fid{0, 1, 1},
	})

	_, err := codaops.DecodeBytes(msg[:len(msg)-1])
	ExpectThat(err, Error(HasSubstr("GETATTR")))
}

func (t *ConvertTest) UnterminatedName() {
	msg := codaops.Encode(&codaops.RemoveOp{
		InHeader: t.header(codaops.OpRemove),
		Fid:      codaops.RootFid,
		Name:     "foo",
	})

	_, err := codaops.DecodeBytes(msg[:len(msg)-1])
	ExpectThat(err, Error(HasSubstr("unterminated")))
}

func (t *ConvertTest) ReplyHeader() {
	h := t.header(codaops.OpGetattr)
	reply := codaops.NewReply(&h, syscall.ENOENT)
	AssertEq(codaops.OutHeaderSize, len(reply))

	out, err := codaops.DecodeOutHeader(reply)
	AssertEq(nil, err)
	ExpectEq(codaops.OpGetattr, out.Opcode)
	ExpectEq(17, out.Unique)
	ExpectEq(int32(syscall.ENOENT), out.Result)
	ExpectThat(out.Err(), Error(Equals(syscall.ENOENT.Error())))
}

func (t *ConvertTest) SubstituteReplyFid() {
	h := t.header(codaops.OpLookup)
	reply := codaops.EncodeReply(
		&h,
		0,
		&codaops.LookupOut{Fid: codaops.Fid{9, 9, 9}, VType: codaops.VDir},
		nil)

	AssertEq(nil, codaops.SetReplyFid(reply, codaops.Fid{0, 4, 2}))

	var out codaops.LookupOut
	AssertEq(nil, codaops.DecodeReplyBody(reply, &out))
	ExpectEq("0.4.2", out.Fid.String())
	ExpectEq(codaops.VDir, out.VType)
}

func (t *ConvertTest) SubstituteReplyFid_TooShort() {
	h := t.header(codaops.OpLookup)
	reply := codaops.NewReply(&h, 0)

	err := codaops.SetReplyFid(reply, codaops.Fid{0, 4, 2})
	ExpectThat(err, Error(HasSubstr("too short")))
}

func (t *ConvertTest) ReadlinkReply() {
	h := t.header(codaops.OpReadlink)
	reply := codaops.ReadlinkReply(&h, "target")

	var out codaops.ReadlinkOut
	AssertEq(nil, codaops.DecodeReplyBody(reply, &out))
	AssertEq(6, out.Count)
	ExpectEq("target", string(reply[out.Data:out.Data+out.Count]))
}

func (t *ConvertTest) Notifications() {
	purge := codaops.Notification(codaops.OpPurgeFid, codaops.Fid{0, 5, 1})
	AssertEq(codaops.OutHeaderSize+12, len(purge))

	h, err := codaops.DecodeOutHeader(purge)
	AssertEq(nil, err)
	ExpectEq(codaops.OpPurgeFid, h.Opcode)
	ExpectEq(0, h.Unique)
	ExpectEq(0, h.Result)

	fid, err := codaops.ReplyFid(purge)
	AssertEq(nil, err)
	ExpectEq("0.5.1", fid.String())

	flush := codaops.Notification(codaops.OpFlush, codaops.RootFid)
	ExpectEq(codaops.OutHeaderSize, len(flush))
}
