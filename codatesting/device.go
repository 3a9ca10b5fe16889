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

package codatesting

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tabulon-ext/avfs/codaops"
	"golang.org/x/sys/unix"
)

// A stand-in for the Coda character device. Like the device, it delivers
// exactly one message per read, in both directions. The dispatcher uses the
// file returned by File; the test plays the kernel through the other
// methods.
type Device struct {
	kernel     *os.File
	dispatcher *os.File
}

func NewDevice() (d *Device, err error) {
	fds, err := unix.Socketpair(
		unix.AF_UNIX,
		unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC,
		0)

	if err != nil {
		err = fmt.Errorf("Socketpair: %w", err)
		return
	}

	// The kernel side is non-blocking so that reads can time out.
	if err = unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		err = fmt.Errorf("SetNonblock: %w", err)
		return
	}

	d = &Device{
		kernel:     os.NewFile(uintptr(fds[0]), "kernel"),
		dispatcher: os.NewFile(uintptr(fds[1]), "device"),
	}

	return
}

// The dispatcher's end.
func (d *Device) File() *os.File {
	return d.dispatcher
}

// Send a request as the kernel would.
func (d *Device) Send(op codaops.Op) (err error) {
	err = d.SendRaw(codaops.Encode(op))
	return
}

func (d *Device) SendRaw(msg []byte) (err error) {
	if _, err = d.kernel.Write(msg); err != nil {
		err = fmt.Errorf("Write: %w", err)
		return
	}

	return
}

// Read the next message from the dispatcher, waiting at most timeout.
func (d *Device) Read(timeout time.Duration) (msg []byte, err error) {
	if err = d.kernel.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return
	}

	buf := make([]byte, codaops.MaxMessageSize)
	n, err := d.kernel.Read(buf)
	if err != nil {
		err = fmt.Errorf("Read: %w", err)
		return
	}

	msg = buf[:n]
	return
}

// Is err from Read a timeout?
func IsTimeout(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// Close the kernel's end, as if the file system were unmounted.
func (d *Device) CloseKernel() error {
	return d.kernel.Close()
}

func (d *Device) Close() {
	d.kernel.Close()
	d.dispatcher.Close()
}
