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
	"fmt"
	"reflect"
	"syscall"

	"github.com/jacobsa/oglematchers"
	"github.com/tabulon-ext/avfs/codaops"
)

// Match messages ([]byte) to the kernel that reply to the request with the
// given unique id, carrying the given result.
func IsReply(unique uint32, errno syscall.Errno) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error { return isReply(c, unique, errno) },
		fmt.Sprintf("reply to %d with result %d", unique, errno))
}

func isReply(c interface{}, unique uint32, errno syscall.Errno) error {
	h, err := outHeader(c)
	if err != nil {
		return err
	}

	if h.Unique != unique {
		return fmt.Errorf("which is %v for unique %d", h.Opcode, h.Unique)
	}

	if h.Result != int32(errno) {
		return fmt.Errorf("which has result %d", h.Result)
	}

	return nil
}

// Match unsolicited messages ([]byte) of the given kind concerning the given
// Fid. The Fid is ignored for FLUSH.
func IsNotification(opcode codaops.Opcode, fid codaops.Fid) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error { return isNotification(c, opcode, fid) },
		fmt.Sprintf("%v for %v", opcode, fid))
}

func isNotification(c interface{}, opcode codaops.Opcode, fid codaops.Fid) error {
	h, err := outHeader(c)
	if err != nil {
		return err
	}

	if h.Opcode != opcode || h.Unique != 0 {
		return fmt.Errorf("which is %v for unique %d", h.Opcode, h.Unique)
	}

	if opcode == codaops.OpFlush {
		return nil
	}

	actual, err := codaops.ReplyFid(c.([]byte))
	if err != nil {
		return err
	}

	if actual != fid {
		return fmt.Errorf("which concerns %v", actual)
	}

	return nil
}

func outHeader(c interface{}) (h codaops.OutHeader, err error) {
	msg, ok := c.([]byte)
	if !ok {
		err = fmt.Errorf("which is of type %v", reflect.TypeOf(c))
		return
	}

	if h, err = codaops.DecodeOutHeader(msg); err != nil {
		err = fmt.Errorf("which cannot be decoded: %v", err)
		return
	}

	return
}
