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

// Package loopback contains a worker body that serves requests against a
// real directory tree: the virtual path "/a/b" names root/a/b. It runs with
// the identity of the worker that hosts it, so permission checks are the
// kernel's own.
package loopback

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	fallocate "github.com/detailyang/go-fallocate"
	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/workerutil"
	"golang.org/x/sys/unix"
)

type loopbackHandler struct {
	root   string
	logger *log.Logger
}

var _ workerutil.Handler = &loopbackHandler{}

// Create a handler that mirrors the tree under root. logger may be nil.
func NewLoopbackHandler(
	root string,
	logger *log.Logger) (h workerutil.Handler, err error) {
	var st unix.Stat_t
	if err = unix.Stat(root, &st); err != nil {
		err = fmt.Errorf("Stat(%s): %w", root, err)
		return
	}

	if st.Mode&unix.S_IFMT != unix.S_IFDIR {
		err = fmt.Errorf("%s is not a directory", root)
		return
	}

	h = &loopbackHandler{root: root, logger: logger}
	return
}

func (h *loopbackHandler) logf(format string, v ...interface{}) {
	if h.logger != nil {
		h.logger.Printf(format, v...)
	}
}

// Return the real path for a virtual one. Cleaning against "/" first keeps
// ".." components from climbing out of the root.
func (h *loopbackHandler) realPath(p string) string {
	return filepath.Join(h.root, filepath.Clean("/"+filepath.FromSlash(p)))
}

func (h *loopbackHandler) lstat(p string) (attr codaops.Vattr, err error) {
	var st unix.Stat_t
	if err = unix.Lstat(h.realPath(p), &st); err != nil {
		return
	}

	attr = convertAttributes(&st)
	return
}

////////////////////////////////////////////////////////////////////////
// Attributes and names
////////////////////////////////////////////////////////////////////////

func (h *loopbackHandler) Getattr(
	op *codaops.GetattrOp,
	p workerutil.Paths) (attr codaops.Vattr, err error) {
	attr, err = h.lstat(p.Path1)
	return
}

func (h *loopbackHandler) Access(
	op *codaops.AccessOp,
	p workerutil.Paths) error {
	return unix.Access(h.realPath(p.Path1), uint32(op.Flags)&(unix.R_OK|unix.W_OK|unix.X_OK))
}

func (h *loopbackHandler) Lookup(
	op *codaops.LookupOp,
	p workerutil.Paths) (vtype codaops.VType, err error) {
	attr, err := h.lstat(p.Path1)
	if err != nil {
		return
	}

	vtype = attr.Type
	return
}

func (h *loopbackHandler) Readlink(
	op *codaops.ReadlinkOp,
	p workerutil.Paths) (target string, err error) {
	target, err = os.Readlink(h.realPath(p.Path1))
	return
}

func (h *loopbackHandler) Setattr(
	op *codaops.SetattrOp,
	p workerutil.Paths) (err error) {
	fsPath := h.realPath(p.Path1)
	a := &op.Attr

	if a.Mode != codaops.Unset32 {
		if err = unix.Chmod(fsPath, a.Mode&07777); err != nil {
			return
		}
	}

	if a.UID != codaops.Unset32 || a.GID != codaops.Unset32 {
		uid, gid := -1, -1
		if a.UID != codaops.Unset32 {
			uid = int(a.UID)
		}

		if a.GID != codaops.Unset32 {
			gid = int(a.GID)
		}

		if err = unix.Lchown(fsPath, uid, gid); err != nil {
			return
		}
	}

	if a.Size != codaops.Unset64 {
		if err = unix.Truncate(fsPath, int64(a.Size)); err != nil {
			return
		}
	}

	if a.Atime.Sec != codaops.UnsetSec || a.Mtime.Sec != codaops.UnsetSec {
		ts := []unix.Timespec{utimeFor(a.Atime), utimeFor(a.Mtime)}
		err = unix.UtimesNanoAt(unix.AT_FDCWD, fsPath, ts, unix.AT_SYMLINK_NOFOLLOW)
		if err != nil {
			return
		}
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Namespace changes
////////////////////////////////////////////////////////////////////////

func (h *loopbackHandler) Create(
	op *codaops.CreateOp,
	p workerutil.Paths) (attr codaops.Vattr, err error) {
	flags := unix.O_CREAT | unix.O_WRONLY | unix.O_CLOEXEC
	if op.Excl != 0 {
		flags |= unix.O_EXCL
	}

	fd, err := unix.Open(h.realPath(p.Path1), flags, uint32(op.Mode)&07777)
	if err != nil {
		return
	}

	unix.Close(fd)
	attr, err = h.lstat(p.Path1)
	return
}

func (h *loopbackHandler) Mkdir(
	op *codaops.MkdirOp,
	p workerutil.Paths) (attr codaops.Vattr, err error) {
	mode := uint32(0777)
	if op.Attr.Mode != codaops.Unset32 {
		mode = op.Attr.Mode & 07777
	}

	if err = unix.Mkdir(h.realPath(p.Path1), mode); err != nil {
		return
	}

	attr, err = h.lstat(p.Path1)
	return
}

func (h *loopbackHandler) Remove(
	op *codaops.RemoveOp,
	p workerutil.Paths) error {
	return unix.Unlink(h.realPath(p.Path1))
}

func (h *loopbackHandler) Rmdir(
	op *codaops.RmdirOp,
	p workerutil.Paths) error {
	return unix.Rmdir(h.realPath(p.Path1))
}

func (h *loopbackHandler) Rename(
	op *codaops.RenameOp,
	p workerutil.Paths) error {
	return unix.Rename(h.realPath(p.Path1), h.realPath(p.Path2))
}

func (h *loopbackHandler) Symlink(
	op *codaops.SymlinkOp,
	p workerutil.Paths) error {
	return unix.Symlink(p.Path2, h.realPath(p.Path1))
}

func (h *loopbackHandler) Link(
	op *codaops.LinkOp,
	p workerutil.Paths) error {
	return unix.Link(h.realPath(p.Path2), h.realPath(p.Path1))
}

////////////////////////////////////////////////////////////////////////
// Content
////////////////////////////////////////////////////////////////////////

// Materialize the file's content in the backing file named by Path2.
func (h *loopbackHandler) Open(
	op *codaops.OpenOp,
	p workerutil.Paths) (err error) {
	fsPath := h.realPath(p.Path1)

	var st unix.Stat_t
	if err = unix.Stat(fsPath, &st); err != nil {
		return
	}

	if codaops.IsWriteMode(op.Flags) {
		if err = unix.Access(fsPath, unix.W_OK); err != nil {
			return
		}
	}

	// The dispatcher has normally created the backing file already, and
	// deletes it again if we fail.
	backing, err := os.OpenFile(
		p.Path2,
		os.O_CREATE|os.O_TRUNC|os.O_WRONLY|unix.O_NOFOLLOW,
		0600)

	if err != nil {
		return
	}

	defer func() {
		if closeErr := backing.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if st.Mode&unix.S_IFMT == unix.S_IFDIR {
		err = h.writeDirectory(fsPath, backing)
		return
	}

	if op.Flags&codaops.OpenTrunc != 0 {
		return
	}

	err = h.copyContent(fsPath, backing, st.Size)
	return
}

func (h *loopbackHandler) copyContent(fsPath string, dst *os.File, size int64) (err error) {
	src, err := os.Open(fsPath)
	if err != nil {
		return
	}

	defer src.Close()

	// Reserve the space up front so that a full disk fails the open rather
	// than a later write by the kernel.
	if size > 0 {
		if err = fallocate.Fallocate(dst, 0, size); err != nil {
			h.logf("Fallocate(%s, %d): %v", dst.Name(), size, err)
			err = nil
		}
	}

	if _, err = io.Copy(dst, src); err != nil {
		err = fmt.Errorf("copying %s: %w", fsPath, err)
		return
	}

	return
}

func (h *loopbackHandler) writeDirectory(fsPath string, dst *os.File) (err error) {
	entries, err := os.ReadDir(fsPath)
	if err != nil {
		return
	}

	var st unix.Stat_t
	if err = unix.Stat(fsPath, &st); err != nil {
		return
	}

	buf := workerutil.AppendDirent(nil, workerutil.Dirent{
		Fileno: uint32(st.Ino),
		Name:   ".",
		Type:   codaops.DT_Directory,
	})

	buf = workerutil.AppendDirent(buf, workerutil.Dirent{
		Fileno: uint32(st.Ino),
		Name:   "..",
		Type:   codaops.DT_Directory,
	})

	for _, e := range entries {
		var cst unix.Stat_t
		if err := unix.Lstat(filepath.Join(fsPath, e.Name()), &cst); err != nil {
			h.logf("Skipping %s: %v", e.Name(), err)
			continue
		}

		// A zero file number hides the entry.
		fileno := uint32(cst.Ino)
		if fileno == 0 {
			fileno = 1
		}

		buf = workerutil.AppendDirent(buf, workerutil.Dirent{
			Fileno: fileno,
			Name:   e.Name(),
			Type:   direntTypeFromMode(cst.Mode),
		})
	}

	_, err = dst.Write(buf)
	return
}

// Write the backing file named by Path2 back to the file.
func (h *loopbackHandler) Close(
	op *codaops.CloseOp,
	p workerutil.Paths) (err error) {
	src, err := os.OpenFile(p.Path2, os.O_RDONLY|unix.O_NOFOLLOW, 0)
	if err != nil {
		return
	}

	defer src.Close()

	dst, err := os.OpenFile(h.realPath(p.Path1), os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return
	}

	if _, err = io.Copy(dst, src); err != nil {
		dst.Close()
		err = fmt.Errorf("writing back %s: %w", p.Path1, err)
		return
	}

	err = dst.Close()
	return
}
