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

package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// The largest message, in either direction, that the Coda kernel module and
// the dispatcher exchange. Longer reads are truncated by the kernel.
const MaxMessageSize = 4096

// Messages are laid out in host order, matching the C structs the kernel
// module reads and writes.
var Order binary.ByteOrder = binary.NativeEndian

var errShort = errors.New("message too short")

// An incoming message from the kernel or from a worker. Provides storage for
// messages read from a device and sequential decoding of their fixed-size
// segments.
type InMessage struct {
	storage [MaxMessageSize]byte
	data    []byte
	offset  int
}

// Initialize with the data read by a single call to r.Read. The device
// delivers exactly one message per read.
func (m *InMessage) Init(r io.Reader) (err error) {
	n, err := r.Read(m.storage[:])
	if err != nil {
		return
	}

	if n == 0 {
		err = io.EOF
		return
	}

	m.data = m.storage[:n]
	m.offset = 0
	return
}

// Initialize with a message that has already been read. The message is not
// copied; the caller must not modify b while m is in use.
func (m *InMessage) InitBytes(b []byte) {
	m.data = b
	m.offset = 0
}

// Return the full contents of the message.
func (m *InMessage) Bytes() []byte {
	return m.data
}

// Return the size of the message in bytes.
func (m *InMessage) Len() int {
	return len(m.data)
}

// Return the number of bytes not yet consumed.
func (m *InMessage) Remaining() int {
	return len(m.data) - m.offset
}

// Decode the next binary.Size(v) bytes of the message into v, which must be
// a pointer to a fixed-size value.
func (m *InMessage) Consume(v interface{}) (err error) {
	size := binary.Size(v)
	if size < 0 {
		panic(fmt.Sprintf("Consume: unsized type %T", v))
	}

	b := m.ConsumeBytes(size)
	if b == nil {
		err = fmt.Errorf("consuming %T at offset %d: %w", v, m.offset, errShort)
		return
	}

	err = binary.Read(bytes.NewReader(b), Order, v)
	return
}

// Consume the next n bytes from the message, returning nil if there are fewer
// than n bytes available.
func (m *InMessage) ConsumeBytes(n int) (b []byte) {
	if n < 0 || m.Remaining() < n {
		return
	}

	b = m.data[m.offset : m.offset+n]
	m.offset += n
	return
}

// Return the NUL-terminated string starting at the given offset from the
// start of the message. The kernel refers to names this way.
func (m *InMessage) String(offset int32) (s string, err error) {
	if offset < 0 || int(offset) >= len(m.data) {
		err = fmt.Errorf("string offset %d outside message of %d bytes", offset, len(m.data))
		return
	}

	tail := m.data[offset:]
	end := bytes.IndexByte(tail, 0)
	if end < 0 {
		err = fmt.Errorf("unterminated string at offset %d", offset)
		return
	}

	s = string(tail[:end])
	return
}
