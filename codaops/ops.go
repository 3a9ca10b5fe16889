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

// A request read from the kernel. Each concrete type below corresponds to
// one opcode; the embedded InHeader identifies the request and its caller.
type Op interface {
	// Return the header the request arrived with.
	Hdr() *InHeader
}

func (h *InHeader) Hdr() *InHeader {
	return h
}

////////////////////////////////////////////////////////////////////////
// Requests answered by the dispatcher itself
////////////////////////////////////////////////////////////////////////

// Ask for the handle of the root of the volume. Sent once at mount time.
type RootOp struct {
	InHeader
}

// Tell the dispatcher that the caller of an earlier request, identified by
// Unique, was interrupted and no longer waits for the reply.
type SignalOp struct {
	InHeader
}

// A request with an opcode the dispatcher does not recognize.
type UnknownOp struct {
	InHeader
}

////////////////////////////////////////////////////////////////////////
// Requests on a single file
////////////////////////////////////////////////////////////////////////

// Fetch the attributes of a file.
type GetattrOp struct {
	InHeader
	Fid Fid
}

// Check whether the caller may access a file with the given mode bits.
type AccessOp struct {
	InHeader
	Fid   Fid
	Flags int32
}

// Open a file. The dispatcher answers with the device and inode of a local
// container file holding the content, which the kernel then reads and writes
// directly.
type OpenOp struct {
	InHeader
	Fid   Fid
	Flags int32
}

// Close a file previously opened with the same flags.
type CloseOp struct {
	InHeader
	Fid   Fid
	Flags int32
}

// Read the target of a symbolic link.
type ReadlinkOp struct {
	InHeader
	Fid Fid
}

// Change attributes of a file. Fields of Attr left at their Unset values are
// not to be changed.
type SetattrOp struct {
	InHeader
	Fid  Fid
	Attr Vattr
}

////////////////////////////////////////////////////////////////////////
// Requests naming a child of a directory
////////////////////////////////////////////////////////////////////////

// Look up a child by name within a directory.
type LookupOp struct {
	InHeader
	Fid   Fid
	Name  string
	Flags int32
}

// Create a regular file within a directory.
type CreateOp struct {
	InHeader
	Fid  Fid
	Name string
	Mode int32
	Excl int32
	Attr Vattr
}

// Unlink a non-directory child.
type RemoveOp struct {
	InHeader
	Fid  Fid
	Name string
}

// Remove an empty child directory.
type RmdirOp struct {
	InHeader
	Fid  Fid
	Name string
}

// Create a child directory.
type MkdirOp struct {
	InHeader
	Fid  Fid
	Name string
	Attr Vattr
}

// Move SourceName within SourceFid to DestName within DestFid, replacing any
// existing DestName.
type RenameOp struct {
	InHeader
	SourceFid  Fid
	SourceName string
	DestFid    Fid
	DestName   string
}

// Create a symbolic link called Name within Fid, pointing at Target.
type SymlinkOp struct {
	InHeader
	Fid    Fid
	Target string
	Name   string
	Attr   Vattr
}

// Create a hard link called Name within DestFid to the file SourceFid.
type LinkOp struct {
	InHeader
	SourceFid Fid
	DestFid   Fid
	Name      string
}
