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
	"os"

	"golang.org/x/net/context"
)

// A struct representing the status of a mount operation, with a method that
// waits for unmounting.
type MountedVolume struct {
	dir        string
	dispatcher *Dispatcher
	cancel     context.CancelFunc

	// The result to return from Join. Not valid until the channel is closed.
	joinStatus          error
	joinStatusAvailable chan struct{}
}

// Return the directory on which the volume is mounted (or where we
// attempted to mount it.)
func (mv *MountedVolume) Dir() string {
	return mv.dir
}

// Return the dispatcher serving the volume, e.g. to read its Stats.
func (mv *MountedVolume) Dispatcher() *Dispatcher {
	return mv.dispatcher
}

// Block until the dispatcher has stopped, because the volume was unmounted
// or a protocol error occurred, and every worker is gone.
//
// The return value will be non-nil if anything unexpected happened while
// serving. May be called multiple times.
func (mv *MountedVolume) Join(ctx context.Context) error {
	select {
	case <-mv.joinStatusAvailable:
		return mv.joinStatus
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unmount the volume and stop the dispatcher. Use Join to wait for it to
// finish.
func (mv *MountedVolume) Unmount() (err error) {
	err = unmount(mv.dir)
	mv.cancel()
	return
}

// Open the Coda device at devicePath, start a dispatcher serving it and
// mount the volume on dir. This function blocks until the volume is
// mounted, which involves the dispatcher answering the kernel's first
// request.
//
// config.Spawner must be set. config.MountPoint is set to dir.
func Mount(
	devicePath string,
	dir string,
	config *DispatcherConfig) (mv *MountedVolume, err error) {
	dev, err := os.OpenFile(devicePath, os.O_RDWR, 0)
	if err != nil {
		err = fmt.Errorf("OpenFile: %w", err)
		return
	}

	var cfg DispatcherConfig
	if config != nil {
		cfg = *config
	}

	cfg.MountPoint = dir

	d, err := NewDispatcher(dev, &cfg)
	if err != nil {
		dev.Close()
		err = fmt.Errorf("NewDispatcher: %w", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	mv = &MountedVolume{
		dir:                 dir,
		dispatcher:          d,
		cancel:              cancel,
		joinStatusAvailable: make(chan struct{}),
	}

	// The kernel asks for the root of the volume from within mount(2), so
	// the dispatcher must already be serving.
	go func() {
		mv.joinStatus = d.Run(ctx)
		d.Close()
		close(mv.joinStatusAvailable)
	}()

	if err = mount(dir, d.conn.Fd()); err != nil {
		cancel()
		<-mv.joinStatusAvailable
		mv = nil
		return
	}

	return
}

// Unmount the volume mounted on dir.
func Unmount(dir string) error {
	return unmount(dir)
}
