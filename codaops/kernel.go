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
)

// The largest message exchanged with the kernel in either direction.
const MaxMessageSize = 4096

// The structures below mirror <linux/coda.h> as built with
// CONFIG_CODA_FS_OLD_API on LP64 targets: requests carry full credentials
// and files are named by three-word ViceFids. C alignment padding is spelled
// out with blank fields so that binary.Size matches sizeof.

// A file identifier as seen by the kernel (Volume, Vnode, Unique). The
// dispatcher treats it as an opaque fixed-width handle; the all-zero value
// denotes the root.
type Fid [3]uint32

var RootFid = Fid{}

func (f Fid) IsRoot() bool {
	return f == RootFid
}

func (f Fid) String() string {
	return fmt.Sprintf("%x.%x.%x", f[0], f[1], f[2])
}

// Credentials of the process that caused a request.
type Cred struct {
	UID   uint32
	EUID  uint32
	SUID  uint32
	FSUID uint32
	GID   uint32
	EGID  uint32
	SGID  uint32
	FSGID uint32
}

// The header that begins every request from the kernel, widened for use by
// the rest of the program. See inHeader for the wire form.
type InHeader struct {
	Opcode Opcode
	Unique uint32
	Pid    int32
	Pgid   int32
	Sid    int32
	Cred   Cred
}

// struct coda_in_hdr.
type inHeader struct {
	Opcode uint32
	Unique uint32
	Pid    uint16
	Pgid   uint16
	Sid    uint16
	_      [2]byte
	Cred   Cred
}

func (h *InHeader) wire() *inHeader {
	return &inHeader{
		Opcode: uint32(h.Opcode),
		Unique: h.Unique,
		Pid:    uint16(h.Pid),
		Pgid:   uint16(h.Pgid),
		Sid:    uint16(h.Sid),
		Cred:   h.Cred,
	}
}

func (w *inHeader) header() InHeader {
	return InHeader{
		Opcode: Opcode(w.Opcode),
		Unique: w.Unique,
		Pid:    int32(w.Pid),
		Pgid:   int32(w.Pgid),
		Sid:    int32(w.Sid),
		Cred:   w.Cred,
	}
}

// The header that begins every reply and unsolicited message to the kernel
// (struct coda_out_hdr).
type OutHeader struct {
	Opcode Opcode
	Unique uint32
	Result int32
}

var (
	InHeaderSize  = binary.Size(inHeader{})
	OutHeaderSize = binary.Size(OutHeader{})
)

// The type of a file, as reported in Vattr.Type and lookup replies.
type VType int32

const (
	VNon  VType = 0
	VReg  VType = 1
	VDir  VType = 2
	VBlk  VType = 3
	VChr  VType = 4
	VLnk  VType = 5
	VSock VType = 6
	VFifo VType = 7
	VBad  VType = 8
)

func (t VType) String() string {
	switch t {
	case VReg:
		return "file"
	case VDir:
		return "directory"
	case VLnk:
		return "symlink"
	case VBlk:
		return "block"
	case VChr:
		return "char"
	case VSock:
		return "socket"
	case VFifo:
		return "fifo"
	}

	return "none"
}

// The type of a directory entry, as recorded in directory files.
type DirentType uint8

const (
	DT_Unknown   DirentType = 0
	DT_FIFO      DirentType = 1
	DT_Char      DirentType = 2
	DT_Directory DirentType = 4
	DT_Block     DirentType = 6
	DT_File      DirentType = 8
	DT_Link      DirentType = 10
	DT_Socket    DirentType = 12
)

type Timespec struct {
	Sec  int64
	Nsec int64
}

// File attributes. In SETATTR requests, fields the caller does not want to
// change hold all ones (see the Unset constants). The kernel's narrower
// fields are widened here; see vattr for the wire form.
type Vattr struct {
	Type      VType
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Blocksize uint32
	FileID    uint64
	Size      uint64
	Atime     Timespec
	Mtime     Timespec
	Ctime     Timespec
	Gen       uint32
	Flags     uint32
	Rdev      uint64
	Bytes     uint64
	Filerev   uint64
}

const (
	Unset32  = ^uint32(0)
	Unset64  = ^uint64(0)
	UnsetSec = int64(-1)
)

// A Vattr with every field marked unset.
func UnsetVattr() Vattr {
	unsetTime := Timespec{Sec: UnsetSec, Nsec: UnsetSec}
	return Vattr{
		Type:      VNon,
		Mode:      Unset32,
		Nlink:     Unset32,
		UID:       Unset32,
		GID:       Unset32,
		Blocksize: Unset32,
		FileID:    Unset64,
		Size:      Unset64,
		Atime:     unsetTime,
		Mtime:     unsetTime,
		Ctime:     unsetTime,
		Gen:       Unset32,
		Flags:     Unset32,
		Rdev:      Unset64,
		Bytes:     Unset64,
		Filerev:   Unset64,
	}
}

// struct coda_vattr.
type vattr struct {
	Type      int64  // long
	Mode      uint16 // u_short
	Nlink     int16  // short
	UID       uint32 // vuid_t
	GID       uint32 // vgid_t
	_         [4]byte
	FileID    int64  // long
	Size      uint64 // u_quad_t
	Blocksize int64  // long
	Atime     Timespec
	Mtime     Timespec
	Ctime     Timespec
	Gen       uint64 // u_long
	Flags     uint64 // u_long
	Rdev      uint64 // cdev_t
	Bytes     uint64 // u_quad_t
	Filerev   uint64 // u_quad_t
}

// Narrow a to its wire form. All-ones fields stay all ones.
func (a *Vattr) wire() (w vattr) {
	w = vattr{
		Type:    int64(a.Type),
		Mode:    uint16(a.Mode),
		Nlink:   int16(a.Nlink),
		UID:     a.UID,
		GID:     a.GID,
		FileID:  int64(a.FileID),
		Size:    a.Size,
		Atime:   a.Atime,
		Mtime:   a.Mtime,
		Ctime:   a.Ctime,
		Gen:     uint64(a.Gen),
		Flags:   uint64(a.Flags),
		Rdev:    a.Rdev,
		Bytes:   a.Bytes,
		Filerev: a.Filerev,
	}

	w.Blocksize = int64(a.Blocksize)
	if a.Blocksize == Unset32 {
		w.Blocksize = -1
	}

	if a.Gen == Unset32 {
		w.Gen = Unset64
	}

	if a.Flags == Unset32 {
		w.Flags = Unset64
	}

	return
}

// Widen w, mapping the kernel's all-ones fields to the Unset constants.
func (w *vattr) attr() (a Vattr) {
	a = Vattr{
		Type:      VType(w.Type),
		Mode:      uint32(w.Mode),
		Nlink:     uint32(w.Nlink),
		UID:       w.UID,
		GID:       w.GID,
		Blocksize: uint32(w.Blocksize),
		FileID:    uint64(w.FileID),
		Size:      w.Size,
		Atime:     w.Atime,
		Mtime:     w.Mtime,
		Ctime:     w.Ctime,
		Gen:       uint32(w.Gen),
		Flags:     uint32(w.Flags),
		Rdev:      w.Rdev,
		Bytes:     w.Bytes,
		Filerev:   w.Filerev,
	}

	if w.Mode == ^uint16(0) {
		a.Mode = Unset32
	}

	if w.Nlink == -1 {
		a.Nlink = Unset32
	}

	if w.Blocksize == -1 {
		a.Blocksize = Unset32
	}

	if w.Gen == Unset64 {
		a.Gen = Unset32
	}

	if w.Flags == Unset64 {
		a.Flags = Unset32
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Request bodies
////////////////////////////////////////////////////////////////////////

// Name fields hold offsets from the start of the message. Each body
// includes the trailing padding of its C struct, since the kernel places
// the first name at sizeof(struct coda_xxx_in).

// GETATTR, READLINK.
type fidIn struct {
	Fid Fid
}

// ACCESS, OPEN, CLOSE.
type fidFlagsIn struct {
	Fid   Fid
	Flags int32
}

type lookupIn struct {
	Fid   Fid
	Name  int32
	Flags int32
}

type createIn struct {
	Fid  Fid
	_    [4]byte
	Attr vattr
	Excl int32
	Mode int32
	Name int32
	_    [4]byte
}

type setattrIn struct {
	Fid  Fid
	_    [4]byte
	Attr vattr
}

// REMOVE, RMDIR.
type removeIn struct {
	Fid  Fid
	Name int32
}

type mkdirIn struct {
	Fid  Fid
	_    [4]byte
	Attr vattr
	Name int32
	_    [4]byte
}

type renameIn struct {
	SourceFid  Fid
	SourceName int32
	DestFid    Fid
	DestName   int32
}

type symlinkIn struct {
	Fid    Fid
	Target int32
	Attr   vattr
	Name   int32
	_      [4]byte
}

type linkIn struct {
	SourceFid Fid
	DestFid   Fid
	Name      int32
}

////////////////////////////////////////////////////////////////////////
// Reply bodies
////////////////////////////////////////////////////////////////////////

// Reply bodies are built and read through these types; EncodeReply and
// DecodeReplyBody translate them to and from the wire structs further down.

type RootOut struct {
	Fid Fid
}

// The container file the kernel should use for an opened file.
type OpenOut struct {
	Dev   uint64
	Inode uint64
}

type LookupOut struct {
	Fid   Fid
	VType VType
}

// CREATE, MKDIR.
type CreateOut struct {
	Fid  Fid
	Attr Vattr
}

type GetattrOut struct {
	Attr Vattr
}

// The link target follows the fixed part; Data is its offset from the start
// of the message.
type ReadlinkOut struct {
	Count int
	Data  int
}

// PURGEFID, ZAPFILE, ZAPDIR.
type FidOut struct {
	Fid Fid
}

// struct coda_open_out, with the header's trailing padding.
type openOut struct {
	_     [4]byte
	Dev   uint64 // cdev_t
	Inode uint64 // ino_t
}

type lookupOut struct {
	Fid   Fid
	VType int32
}

type createOut struct {
	Fid  Fid
	Attr vattr
}

type getattrOut struct {
	_    [4]byte
	Attr vattr
}

// The data field is a caddr_t the kernel reinterprets as an offset.
type readlinkOut struct {
	Count int32
	Data  int64
}

// Return the wire form of a reply body, or nil for none.
func wireOut(body interface{}) interface{} {
	switch b := body.(type) {
	case nil:
		return nil

	case *RootOut:
		return b

	case *FidOut:
		return b

	case *OpenOut:
		return &openOut{Dev: b.Dev, Inode: b.Inode}

	case *LookupOut:
		return &lookupOut{Fid: b.Fid, VType: int32(b.VType)}

	case *CreateOut:
		return &createOut{Fid: b.Fid, Attr: b.Attr.wire()}

	case *GetattrOut:
		return &getattrOut{Attr: b.Attr.wire()}

	case *ReadlinkOut:
		return &readlinkOut{Count: int32(b.Count), Data: int64(b.Data)}

	case *Fid:
		return b
	}

	panic(fmt.Sprintf("unexpected reply body type %T", body))
}
