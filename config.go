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
	"log"
	"os"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/tabulon-ext/avfs/workerpool"
	"golang.org/x/net/context"
	"gopkg.in/yaml.v3"
)

// Optional configuration accepted by NewDispatcher and Mount. The zero value
// of each field selects its default. Durations are written in YAML as Go
// duration strings, e.g. "10m".
type DispatcherConfig struct {
	// The most workers alive at once. Default 10.
	MaxWorkers int `yaml:"max_workers"`

	// How long a cached node may go unused before the sweep evicts it.
	// Default 10m.
	KeepTime time.Duration `yaml:"keep_time"`

	// How long after a mutating request the kernel is told to flush its
	// caches. Default 2s.
	FlushDelay time.Duration `yaml:"flush_delay"`

	// The number of cached nodes above which the sweep runs, and the number
	// of loop iterations between sweeps. Defaults 5000 and 1000.
	MaxCachedNodes int `yaml:"max_cached_nodes"`
	SweepInterval  int `yaml:"sweep_interval"`

	// The longest the event loop waits for the device or a worker before
	// doing housekeeping. Default 2s.
	PollInterval time.Duration `yaml:"poll_interval"`

	// How long to wait for an evicted worker to exit before trying again.
	// Default 1s.
	ExitWait time.Duration `yaml:"exit_wait"`

	// How long a request may wait for a worker slot before it fails with
	// ENOMEM. Default 30s.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// Where backing files for open files are created. Default os.TempDir().
	TempDir string `yaml:"temp_dir"`

	// The directory on which the volume is mounted. Requests naming this
	// path within the volume are refused, so that workers never look into
	// the mount itself. Set by Mount.
	MountPoint string `yaml:"mount_point"`

	// Starts worker processes. Required.
	Spawner workerpool.Spawner `yaml:"-"`

	// The clock used for cache and flush timing. Default the real clock.
	Clock timeutil.Clock `yaml:"-"`

	// A logger to use for debugging output. If nil, output is controlled by
	// the --avfs.debug flag.
	DebugLogger *log.Logger `yaml:"-"`

	// A logger for conditions that indicate a bug or an unhealthy worker. If
	// nil, they are written to stderr.
	ErrorLogger *log.Logger `yaml:"-"`

	// The parent of the contexts used to trace requests. Default
	// context.Background().
	OpContext context.Context `yaml:"-"`
}

// Load a configuration from a YAML file. Fields not mentioned keep their
// zero values, and so their defaults.
func LoadConfig(path string) (*DispatcherConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config DispatcherConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks for values that no default can repair.
func (c *DispatcherConfig) Validate() error {
	if c.MaxWorkers < 0 {
		return fmt.Errorf("max_workers must not be negative, got %d", c.MaxWorkers)
	}

	if c.MaxCachedNodes < 0 {
		return fmt.Errorf("max_cached_nodes must not be negative, got %d", c.MaxCachedNodes)
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("sweep_interval must not be negative, got %d", c.SweepInterval)
	}

	durations := map[string]time.Duration{
		"keep_time":       c.KeepTime,
		"flush_delay":     c.FlushDelay,
		"poll_interval":   c.PollInterval,
		"exit_wait":       c.ExitWait,
		"acquire_timeout": c.AcquireTimeout,
	}

	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %v", name, d)
		}
	}

	return nil
}

// Return a copy of c with defaults filled in.
func (c *DispatcherConfig) withDefaults() (out DispatcherConfig) {
	out = *c

	if out.MaxWorkers == 0 {
		out.MaxWorkers = 10
	}

	if out.KeepTime == 0 {
		out.KeepTime = 600 * time.Second
	}

	if out.FlushDelay == 0 {
		out.FlushDelay = 2 * time.Second
	}

	if out.MaxCachedNodes == 0 {
		out.MaxCachedNodes = 5000
	}

	if out.SweepInterval == 0 {
		out.SweepInterval = 1000
	}

	if out.PollInterval == 0 {
		out.PollInterval = 2 * time.Second
	}

	if out.ExitWait == 0 {
		out.ExitWait = time.Second
	}

	if out.AcquireTimeout == 0 {
		out.AcquireTimeout = 30 * time.Second
	}

	if out.TempDir == "" {
		out.TempDir = os.TempDir()
	}

	if out.Clock == nil {
		out.Clock = timeutil.RealClock()
	}

	if out.DebugLogger == nil {
		out.DebugLogger = getLogger()
	}

	if out.ErrorLogger == nil {
		out.ErrorLogger = newErrorLogger()
	}

	if out.OpContext == nil {
		out.OpContext = context.Background()
	}

	return
}
