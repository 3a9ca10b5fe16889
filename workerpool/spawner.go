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

package workerpool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
)

// A running worker process.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error

	// Block until the process exits, releasing its resources.
	Wait() error
}

// Starts worker processes. The new worker must read requests from requests
// and write replies to replies, running with the supplied identity before
// it touches the file system. The pool closes its copies of both files once
// Spawn returns.
type Spawner interface {
	Spawn(id Identity, requests, replies *os.File) (Process, error)
}

// A Spawner that runs a worker binary, typically the current executable in
// its worker mode. In the child the request channel is fd 3 and the reply
// channel fd 4; no other descriptors are inherited.
type ExecSpawner struct {
	// The binary to run, and its arguments (not including argv[0]).
	Path string
	Args []string

	// The worker's environment. Nil means that of the current process.
	Env []string

	// Where the worker's stderr goes. Nil means /dev/null.
	Stderr io.Writer
}

// The descriptors at which an ExecSpawner's workers find their channels.
const (
	RequestFd = 3
	ReplyFd   = 4
)

func (s *ExecSpawner) Spawn(
	id Identity,
	requests, replies *os.File) (p Process, err error) {
	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = s.Env
	cmd.Stderr = s.Stderr
	cmd.ExtraFiles = []*os.File{requests, replies}

	// Drop to the caller's identity, with its group as the only
	// supplementary group, before exec. A new session keeps terminal
	// signals aimed at the dispatcher away from the worker.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
		Credential: &syscall.Credential{
			Uid:         id.UID,
			Gid:         id.GID,
			Groups:      []uint32{id.GID},
			NoSetGroups: os.Geteuid() != 0,
		},
	}

	if err = cmd.Start(); err != nil {
		err = fmt.Errorf("Start(%s) as %v: %w", s.Path, id, err)
		return
	}

	p = &execProcess{cmd: cmd}
	return
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}
