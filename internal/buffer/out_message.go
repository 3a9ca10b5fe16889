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
	"fmt"
)

// OutMessage provides a mechanism for constructing a single contiguous
// message from multiple segments, where the first segment is always a
// fixed-size header.
//
// The zero value is an empty message ready for use.
type OutMessage struct {
	buf bytes.Buffer
}

// Create a message with room for size bytes without reallocating.
func NewOutMessage(size int) (m *OutMessage) {
	m = &OutMessage{}
	m.buf.Grow(size)
	return
}

// Reset the message so that it is ready to be used again.
func (m *OutMessage) Reset() {
	m.buf.Reset()
}

// Append the binary encoding of v, which must be a fixed-size value or a
// pointer to one.
func (m *OutMessage) AppendStruct(v interface{}) {
	if err := binary.Write(&m.buf, Order, v); err != nil {
		panic(fmt.Sprintf("AppendStruct(%T): %v", v, err))
	}
}

// Append the supplied bytes verbatim.
func (m *OutMessage) Append(p []byte) {
	m.buf.Write(p)
}

// Append s followed by a NUL terminator.
func (m *OutMessage) AppendString(s string) {
	m.buf.WriteString(s)
	m.buf.WriteByte(0)
}

// Overwrite the bytes at the given offset with the encoding of v. The segment
// must already exist.
func (m *OutMessage) PutStructAt(offset int, v interface{}) {
	PutStruct(m.buf.Bytes(), offset, v)
}

// Return the current size of the message.
func (m *OutMessage) Len() int {
	return m.buf.Len()
}

// Return a reference to the current contents of the message.
func (m *OutMessage) Bytes() []byte {
	return m.buf.Bytes()
}

// Overwrite the bytes of b at offset with the encoding of v, panicking if the
// segment does not fit. Used to patch fields of already-built messages.
func PutStruct(b []byte, offset int, v interface{}) {
	size := binary.Size(v)
	if size < 0 || offset < 0 || offset+size > len(b) {
		panic(fmt.Sprintf("PutStruct(%T) at %d overflows %d bytes", v, offset, len(b)))
	}

	var tmp bytes.Buffer
	if err := binary.Write(&tmp, Order, v); err != nil {
		panic(fmt.Sprintf("PutStruct(%T): %v", v, err))
	}

	copy(b[offset:], tmp.Bytes())
}
