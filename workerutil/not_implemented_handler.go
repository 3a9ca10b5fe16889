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
	"syscall"

	"github.com/tabulon-ext/avfs/codaops"
)

// A Handler that responds to all requests with ENOSYS. Embed this in your
// struct to inherit default implementations for the methods you don't care
// about, ensuring your struct will continue to implement Handler even as
// new methods are added.
type NotImplementedHandler struct {
}

var _ Handler = &NotImplementedHandler{}

func (h *NotImplementedHandler) Getattr(
	op *codaops.GetattrOp,
	p Paths) (attr codaops.Vattr, err error) {
	err = syscall.ENOSYS
	return
}

func (h *NotImplementedHandler) Access(op *codaops.AccessOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Open(op *codaops.OpenOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Close(op *codaops.CloseOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Lookup(
	op *codaops.LookupOp,
	p Paths) (vtype codaops.VType, err error) {
	err = syscall.ENOSYS
	return
}

func (h *NotImplementedHandler) Create(
	op *codaops.CreateOp,
	p Paths) (attr codaops.Vattr, err error) {
	err = syscall.ENOSYS
	return
}

func (h *NotImplementedHandler) Readlink(
	op *codaops.ReadlinkOp,
	p Paths) (target string, err error) {
	err = syscall.ENOSYS
	return
}

func (h *NotImplementedHandler) Setattr(op *codaops.SetattrOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Remove(op *codaops.RemoveOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Rmdir(op *codaops.RmdirOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Mkdir(
	op *codaops.MkdirOp,
	p Paths) (attr codaops.Vattr, err error) {
	err = syscall.ENOSYS
	return
}

func (h *NotImplementedHandler) Rename(op *codaops.RenameOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Symlink(op *codaops.SymlinkOp, p Paths) error {
	return syscall.ENOSYS
}

func (h *NotImplementedHandler) Link(op *codaops.LinkOp, p Paths) error {
	return syscall.ENOSYS
}
