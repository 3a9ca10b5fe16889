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

package loopback

import (
	"github.com/tabulon-ext/avfs/codaops"
	"golang.org/x/sys/unix"
)

func vtypeFromMode(mode uint32) codaops.VType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return codaops.VReg
	case unix.S_IFDIR:
		return codaops.VDir
	case unix.S_IFLNK:
		return codaops.VLnk
	case unix.S_IFBLK:
		return codaops.VBlk
	case unix.S_IFCHR:
		return codaops.VChr
	case unix.S_IFSOCK:
		return codaops.VSock
	case unix.S_IFIFO:
		return codaops.VFifo
	}

	return codaops.VNon
}

func direntTypeFromMode(mode uint32) codaops.DirentType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return codaops.DT_File
	case unix.S_IFDIR:
		return codaops.DT_Directory
	case unix.S_IFLNK:
		return codaops.DT_Link
	case unix.S_IFBLK:
		return codaops.DT_Block
	case unix.S_IFCHR:
		return codaops.DT_Char
	case unix.S_IFSOCK:
		return codaops.DT_Socket
	case unix.S_IFIFO:
		return codaops.DT_FIFO
	}

	return codaops.DT_Unknown
}

func convertAttributes(st *unix.Stat_t) codaops.Vattr {
	return codaops.Vattr{
		Type:      vtypeFromMode(st.Mode),
		Mode:      st.Mode & 07777,
		Nlink:     uint32(st.Nlink),
		UID:       st.Uid,
		GID:       st.Gid,
		Blocksize: uint32(st.Blksize),
		FileID:    st.Ino,
		Size:      uint64(st.Size),
		Atime:     convertTime(st.Atim),
		Mtime:     convertTime(st.Mtim),
		Ctime:     convertTime(st.Ctim),
		Rdev:      uint64(st.Rdev),
		Bytes:     uint64(st.Blocks) * 512,
	}
}

func convertTime(ts unix.Timespec) codaops.Timespec {
	return codaops.Timespec{Sec: int64(ts.Sec), Nsec: int64(ts.Nsec)}
}

// Return the timespec to pass to utimensat for a possibly unset time.
func utimeFor(ts codaops.Timespec) unix.Timespec {
	if ts.Sec == codaops.UnsetSec {
		return unix.Timespec{Nsec: unix.UTIME_OMIT}
	}

	return unix.NsecToTimespec(ts.Sec*1e9 + ts.Nsec)
}
