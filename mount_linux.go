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
	"unsafe"

	"golang.org/x/sys/unix"
)

// The version of struct coda_mount_data this package speaks.
const codaMountVersion = 1

// The layout of struct coda_mount_data, which tells the kernel which open
// device serves the new mount.
type mountData struct {
	Version int32
	Fd      int32
}

// Mount a Coda volume on dir, served through the device open as fd.
func mount(dir string, fd int) (err error) {
	fstype, err := unix.BytePtrFromString("coda")
	if err != nil {
		return
	}

	target, err := unix.BytePtrFromString(dir)
	if err != nil {
		return
	}

	data := mountData{Version: codaMountVersion, Fd: int32(fd)}

	// The mount data is a binary struct, which unix.Mount cannot pass.
	_, _, errno := unix.Syscall6(
		unix.SYS_MOUNT,
		uintptr(unsafe.Pointer(fstype)),
		uintptr(unsafe.Pointer(target)),
		uintptr(unsafe.Pointer(fstype)),
		0,
		uintptr(unsafe.Pointer(&data)),
		0)

	if errno != 0 {
		err = fmt.Errorf("mount(%s): %w", dir, errno)
		return
	}

	return
}
