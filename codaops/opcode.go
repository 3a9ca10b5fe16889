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

// Package codaops contains the message formats exchanged with the Coda kernel
// module over its character device, and typed representations of the
// requests the dispatcher and its workers understand.
//
// Every message starts with a fixed header. Requests carry an opcode, a
// per-request unique number the reply must echo, the caller's process IDs and
// credentials; replies carry the opcode, the unique number and a result that
// is zero or a positive errno. Names are passed as byte offsets from the start
// of the message to NUL-terminated strings following the fixed part.
package codaops

import "fmt"

// An opcode identifying the kind of a kernel message.
type Opcode uint32

const (
	OpRoot      Opcode = 2
	OpOpenByFD  Opcode = 3
	OpOpen      Opcode = 4
	OpClose     Opcode = 5
	OpIoctl     Opcode = 6
	OpGetattr   Opcode = 7
	OpSetattr   Opcode = 8
	OpAccess    Opcode = 9
	OpLookup    Opcode = 10
	OpCreate    Opcode = 11
	OpRemove    Opcode = 12
	OpLink      Opcode = 13
	OpRename    Opcode = 14
	OpMkdir     Opcode = 15
	OpRmdir     Opcode = 16
	OpSymlink   Opcode = 18
	OpReadlink  Opcode = 19
	OpFsync     Opcode = 20
	OpVget      Opcode = 22
	OpSignal    Opcode = 23
	OpReplace   Opcode = 24
	OpFlush     Opcode = 25
	OpPurgeUser Opcode = 26
	OpZapFile   Opcode = 27
	OpZapDir    Opcode = 28
	OpPurgeFid  Opcode = 30
	OpStatfs    Opcode = 34
)

var opcodeNames = map[Opcode]string{
	OpRoot:      "ROOT",
	OpOpenByFD:  "OPEN_BY_FD",
	OpOpen:      "OPEN",
	OpClose:     "CLOSE",
	OpIoctl:     "IOCTL",
	OpGetattr:   "GETATTR",
	OpSetattr:   "SETATTR",
	OpAccess:    "ACCESS",
	OpLookup:    "LOOKUP",
	OpCreate:    "CREATE",
	OpRemove:    "REMOVE",
	OpLink:      "LINK",
	OpRename:    "RENAME",
	OpMkdir:     "MKDIR",
	OpRmdir:     "RMDIR",
	OpSymlink:   "SYMLINK",
	OpReadlink:  "READLINK",
	OpFsync:     "FSYNC",
	OpVget:      "VGET",
	OpSignal:    "SIGNAL",
	OpReplace:   "REPLACE",
	OpFlush:     "FLUSH",
	OpPurgeUser: "PURGEUSER",
	OpZapFile:   "ZAPFILE",
	OpZapDir:    "ZAPDIR",
	OpPurgeFid:  "PURGEFID",
	OpStatfs:    "STATFS",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}

	return fmt.Sprintf("Opcode(%d)", uint32(o))
}

// Does a successful reply to this opcode change the file system in a way the
// kernel's attribute cache may not have seen?
func (o Opcode) Mutates() bool {
	switch o {
	case OpCreate, OpMkdir, OpRemove, OpRmdir, OpRename, OpSymlink, OpLink,
		OpSetattr, OpClose:
		return true
	}

	return false
}

// Flags carried by OPEN, CLOSE and ACCESS requests.
const (
	OpenRead  = 0x001
	OpenWrite = 0x002
	OpenTrunc = 0x010
	OpenExcl  = 0x100
	OpenCreat = 0x200
)

// Does the supplied open or close mode ask for write access?
func IsWriteMode(flags int32) bool {
	return flags&(OpenWrite|OpenTrunc) != 0
}
