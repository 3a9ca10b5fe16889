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

package namespace

import (
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// An open file session for one node and one requesting process. Its
// content is staged in a backing file that the kernel reads and writes
// directly; a worker fills it on first open and copies it back when the
// last writer closes.
type OpenFile struct {
	Pid         int32
	BackingPath string

	// The number of opens not yet closed, and how many of them asked for
	// write access.
	//
	// INVARIANT: 0 <= WriteUse <= Use
	Use      int
	WriteUse int

	// Set once a worker has materialized the backing file.
	Ready bool
}

// Return the open file session for n and pid, or nil.
func (ns *Namespace) FindOpen(n *Node, pid int32) *OpenFile {
	for _, of := range n.files {
		if of.Pid == pid {
			return of
		}
	}

	return nil
}

// Find or create the open file session for n and pid. A new session gets a
// fresh backing path; the file itself is created by CreateBackingFile.
func (ns *Namespace) Open(n *Node, pid int32) (of *OpenFile, created bool) {
	if of = ns.FindOpen(n, pid); of != nil {
		return
	}

	ns.seq++
	of = &OpenFile{
		Pid:         pid,
		BackingPath: filepath.Join(ns.dir, fmt.Sprintf("open_%d", ns.seq)),
	}

	n.files = append(n.files, of)
	created = true

	ns.debugf("Open %q for pid %d: %s", n.path, pid, of.BackingPath)
	return
}

// Record an open of of's backing file.
func (ns *Namespace) Acquire(of *OpenFile, forWrite bool) {
	of.Use++
	if forWrite {
		of.WriteUse++
	}
}

// Record the close of a write-mode open. Returns true when that was the
// last writer, meaning the backing file's content must be written back
// before the session ends.
func (ns *Namespace) ReleaseWrite(of *OpenFile) (writeback bool) {
	if of.WriteUse <= 0 {
		return
	}

	of.WriteUse--
	writeback = of.WriteUse == 0
	return
}

// Record the close of an open. When no opens remain the backing file is
// deleted and the session destroyed, and destroyed is true.
func (ns *Namespace) Release(n *Node, of *OpenFile) (destroyed bool, err error) {
	if of.Use > 0 {
		of.Use--
	}

	if of.Use > 0 {
		return
	}

	ns.detach(n, of)
	destroyed = true
	err = deleteBackingFile(of.BackingPath)
	return
}

// Drop a session that was never acquired, e.g. because the worker failed to
// materialize it. Any backing file the worker left behind is deleted.
func (ns *Namespace) Discard(n *Node, of *OpenFile) (err error) {
	if of.Use != 0 {
		panic(fmt.Sprintf("Discard: %q has %d uses", of.BackingPath, of.Use))
	}

	ns.detach(n, of)
	err = deleteBackingFile(of.BackingPath)
	return
}

func (ns *Namespace) detach(n *Node, of *OpenFile) {
	for i, f := range n.files {
		if f == of {
			n.files = append(n.files[:i], n.files[i+1:]...)
			return
		}
	}
}

// Delete the backing files of every open file session, e.g. at shutdown.
// Sessions are destroyed. The first error encountered is returned.
func (ns *Namespace) DiscardAll() (err error) {
	ns.ForEach(func(n *Node) {
		for _, of := range n.files {
			if e := deleteBackingFile(of.BackingPath); e != nil && err == nil {
				err = e
			}
		}

		n.files = nil
	})

	return
}

////////////////////////////////////////////////////////////////////////
// Backing files
////////////////////////////////////////////////////////////////////////

// None of these follow symlinks, and none accept anything but a regular
// file at the backing path.

// Create of's backing file, empty, for a worker running as uid and gid to
// fill. Ownership is only handed over when running as root.
func (ns *Namespace) CreateBackingFile(of *OpenFile, uid, gid uint32) (err error) {
	fd, err := unix.Open(
		of.BackingPath,
		unix.O_WRONLY|unix.O_CREAT|unix.O_EXCL|unix.O_NOFOLLOW|unix.O_CLOEXEC,
		0600)

	if err != nil {
		err = fmt.Errorf("Open(%s): %w", of.BackingPath, err)
		return
	}

	defer unix.Close(fd)

	if unix.Geteuid() == 0 {
		if err = unix.Fchown(fd, int(uid), int(gid)); err != nil {
			err = fmt.Errorf("Fchown(%s): %w", of.BackingPath, err)
			return
		}
	}

	return
}

// Truncate of's backing file to zero length.
func (ns *Namespace) TruncateBackingFile(of *OpenFile) (err error) {
	fd, err := openBackingFile(of.BackingPath)
	if err != nil {
		return
	}

	defer unix.Close(fd)

	if err = unix.Ftruncate(fd, 0); err != nil {
		err = fmt.Errorf("Ftruncate(%s): %w", of.BackingPath, err)
		return
	}

	return
}

// Return the attributes of of's backing file.
func (ns *Namespace) StatBackingFile(of *OpenFile) (st unix.Stat_t, err error) {
	if err = unix.Lstat(of.BackingPath, &st); err != nil {
		err = fmt.Errorf("Lstat(%s): %w", of.BackingPath, err)
		return
	}

	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		err = fmt.Errorf("%s: not a regular file (mode %o)", of.BackingPath, st.Mode)
		return
	}

	return
}

func openBackingFile(p string) (fd int, err error) {
	fd, err = unix.Open(p, unix.O_WRONLY|unix.O_NOFOLLOW|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		err = fmt.Errorf("Open(%s): %w", p, err)
		return
	}

	var st unix.Stat_t
	if err = unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		err = fmt.Errorf("Fstat(%s): %w", p, err)
		return
	}

	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		unix.Close(fd)
		err = fmt.Errorf("%s: not a regular file (mode %o)", p, st.Mode)
		return
	}

	return
}

// The kernel may still hold the inode open, so truncate before unlinking to
// give the space back right away. Whatever is at p is unlinked; only a
// regular file is truncated.
func deleteBackingFile(p string) (err error) {
	fd, err := openBackingFile(p)
	switch {
	case err == nil:
		if err = unix.Ftruncate(fd, 0); err != nil {
			err = fmt.Errorf("Ftruncate(%s): %w", p, err)
		}

		unix.Close(fd)
		if err != nil {
			return
		}

	case errors.Is(err, unix.ENOENT):
		return nil
	}

	err = unix.Unlink(p)
	if err == unix.ENOENT {
		err = nil
	}

	if err != nil {
		err = fmt.Errorf("Unlink(%s): %w", p, err)
		return
	}

	return
}
