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
	"io"
	"os"

	"github.com/tabulon-ext/avfs/internal/buffer"
	"golang.org/x/sys/unix"
)

// A connection to the Coda kernel module, through its character device.
// Every read returns exactly one request and every write delivers exactly
// one reply or notification.
type Connection struct {
	dev *os.File
	fd  int
}

// Responsibility for closing dev is transferred to the result.
func newConnection(dev *os.File) (c *Connection) {
	c = &Connection{
		dev: dev,
		fd:  int(dev.Fd()),
	}

	return
}

// Return the descriptor to wait on for requests.
func (c *Connection) Fd() int {
	return c.fd
}

// Implements io.Reader for InMessage.Init, with one read(2) per call.
func (c *Connection) Read(p []byte) (n int, err error) {
	for {
		n, err = unix.Read(c.fd, p)
		if err == unix.EINTR {
			continue
		}

		if n < 0 {
			n = 0
		}

		return
	}
}

// Read the next request into m. Return io.EOF if the kernel has closed the
// device.
func (c *Connection) ReadMessage(m *buffer.InMessage) (err error) {
	if err = m.Init(c); err != nil {
		if err != io.EOF {
			err = fmt.Errorf("read: %w", err)
		}

		return
	}

	return
}

// Write a reply or notification to the kernel.
func (c *Connection) WriteMessage(msg []byte) (err error) {
	var n int
	for {
		n, err = unix.Write(c.fd, msg)
		if err != unix.EINTR {
			break
		}
	}

	if err != nil {
		err = fmt.Errorf("write: %w", err)
		return
	}

	if n != len(msg) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(msg))
		return
	}

	return
}

func (c *Connection) close() error {
	return c.dev.Close()
}
