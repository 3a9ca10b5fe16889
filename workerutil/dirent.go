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
	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/internal/buffer"
)

// The longest name a directory entry can carry.
const MaxNameLen = 255

// A struct representing an entry within a directory file, describing a
// child. Directory files are what a worker materializes in the backing file
// when a directory is opened; the kernel parses them itself.
type Dirent struct {
	// An inode number for the child. Must be non-zero for the entry to be
	// visible.
	Fileno uint32
	Name   string
	Type   codaops.DirentType
}

// Append the supplied directory entry to the given buffer in the format
// the Coda kernel module expects of directory files, returning the
// resulting buffer. Names longer than MaxNameLen are truncated.
func AppendDirent(input []byte, d Dirent) (output []byte) {
	// The layout of struct venus_dirent, with the name NUL-terminated and
	// the record padded to a multiple of four bytes.
	type venusDirent struct {
		Fileno uint32
		Reclen uint16
		Type   uint8
		Namlen uint8
	}

	const alignment = 4
	const nameOffset = 4 + 2 + 1 + 1

	name := d.Name
	if len(name) > MaxNameLen {
		name = name[:MaxNameLen]
	}

	nameLen := (len(name) + 1 + alignment - 1) &^ (alignment - 1)
	de := venusDirent{
		Fileno: d.Fileno,
		Reclen: uint16(nameOffset + nameLen),
		Type:   uint8(d.Type),
		Namlen: uint8(len(name)),
	}

	m := buffer.NewOutMessage(int(de.Reclen))
	m.AppendStruct(&de)
	m.AppendString(name)

	// Add any necessary padding.
	var padding [alignment]byte
	m.Append(padding[:nameLen-len(name)-1])

	output = append(input, m.Bytes()...)
	return
}
