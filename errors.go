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

package avfs

import (
	"fmt"
	"syscall"
)

// Errors corresponding to kernel error numbers. These may be used in replies
// to the kernel.
const (
	EAGAIN       = syscall.EAGAIN
	EINVAL       = syscall.EINVAL
	EIO          = syscall.EIO
	ENAMETOOLONG = syscall.ENAMETOOLONG
	ENFILE       = syscall.ENFILE
	ENOENT       = syscall.ENOENT
	ENOMEM       = syscall.ENOMEM
	ENOSYS       = syscall.ENOSYS
	EPERM        = syscall.EPERM
)

// An error that means the kernel and the dispatcher no longer agree on the
// state of the connection: the device could not be read, a message was
// malformed, or the kernel referred to a handle it was never given. The
// dispatcher stops serving when it sees one.
type ProtocolError struct {
	// What the dispatcher was doing.
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
