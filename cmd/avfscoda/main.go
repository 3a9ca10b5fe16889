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
// avfscoda serves a Coda kernel device, mirroring a directory tree through
// per-user worker processes. The same binary runs the workers when invoked
// with --worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"github.com/tabulon-ext/avfs"
	"github.com/tabulon-ext/avfs/samples/loopback"
	"github.com/tabulon-ext/avfs/workerpool"
	"github.com/tabulon-ext/avfs/workerutil"
)

var (
	fDevice     = pflag.String("device", "/dev/cfs0", "Path to the Coda device.")
	fMountPoint = pflag.String("mount-point", "", "Path to mount point.")
	fConfig     = pflag.String("config", "", "Optional YAML dispatcher configuration.")
	fRoot       = pflag.String("root", "/", "Directory tree to present in the volume.")
	fWorker     = pflag.Bool("worker", false, "Serve as a worker on fds 3 and 4.")
	fVerbose    = pflag.Bool("verbose", false, "Log each request a worker handles.")
)

func main() {
	// Keep --avfs.debug, --syncutil.check_invariants and friends.
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)
	pflag.Parse()

	var err error
	if *fWorker {
		err = runWorker()
	} else {
		err = runDispatcher()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "avfscoda: %v\n", err)
		os.Exit(1)
	}
}

func runWorker() (err error) {
	var logger *log.Logger
	if *fVerbose {
		logger = log.New(os.Stderr, fmt.Sprintf("worker %d: ", os.Getpid()), log.Lmicroseconds)
	}

	h, err := loopback.NewLoopbackHandler(*fRoot, logger)
	if err != nil {
		return
	}

	requests := os.NewFile(workerpool.RequestFd, "requests")
	replies := os.NewFile(workerpool.ReplyFd, "replies")
	if _, err = requests.Stat(); err != nil {
		err = fmt.Errorf("request channel: %w", err)
		return
	}

	// The dispatcher stops workers with SIGTERM; the default action is what
	// we want.
	err = workerutil.Serve(requests, replies, h, logger)
	return
}

func runDispatcher() (err error) {
	if *fMountPoint == "" {
		err = fmt.Errorf("you must set --mount-point")
		return
	}

	config := &avfs.DispatcherConfig{}
	if *fConfig != "" {
		if config, err = avfs.LoadConfig(*fConfig); err != nil {
			return
		}
	}

	self, err := os.Executable()
	if err != nil {
		err = fmt.Errorf("Executable: %w", err)
		return
	}

	args := []string{"--worker", "--root", *fRoot}
	if *fVerbose {
		args = append(args, "--verbose")
	}

	config.Spawner = &workerpool.ExecSpawner{
		Path:   self,
		Args:   args,
		Stderr: os.Stderr,
	}

	mv, err := avfs.Mount(*fDevice, *fMountPoint, config)
	if err != nil {
		err = fmt.Errorf("Mount: %w", err)
		return
	}

	// Unmount on the usual signals; the dispatcher then sees the device
	// close and Join returns.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		log.Printf("Received %v; unmounting %s", sig, mv.Dir())
		if err := mv.Unmount(); err != nil {
			log.Printf("Unmount: %v", err)
		}
	}()

	if err = mv.Join(context.Background()); err != nil {
		err = fmt.Errorf("Join: %w", err)
		return
	}

	return
}
