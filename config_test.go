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

package avfs_test

import (
	"io/ioutil"
	"os"
	"path"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/tabulon-ext/avfs"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type ConfigTest struct {
	dir string
}

var _ SetUpInterface = &ConfigTest{}
var _ TearDownInterface = &ConfigTest{}

func init() { RegisterTestSuite(&ConfigTest{}) }

func (t *ConfigTest) SetUp(ti *TestInfo) {
	var err error
	t.dir, err = ioutil.TempDir("", "config_test")
	AssertEq(nil, err)
}

func (t *ConfigTest) TearDown() {
	os.RemoveAll(t.dir)
}

func (t *ConfigTest) write(contents string) (p string) {
	p = path.Join(t.dir, "avfs.yaml")
	AssertEq(nil, ioutil.WriteFile(p, []byte(contents), 0600))
	return
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *ConfigTest) LoadsFields() {
	p := t.write(`
max_workers: 3
keep_time: 10m
flush_delay: 500ms
max_cached_nodes: 100
sweep_interval: 7
temp_dir: /var/tmp/avfs
`)

	config, err := avfs.LoadConfig(p)
	AssertEq(nil, err)

	ExpectEq(3, config.MaxWorkers)
	ExpectEq(10*time.Minute, config.KeepTime)
	ExpectEq(500*time.Millisecond, config.FlushDelay)
	ExpectEq(100, config.MaxCachedNodes)
	ExpectEq(7, config.SweepInterval)
	ExpectEq("/var/tmp/avfs", config.TempDir)

	// Unmentioned fields are left for the defaults.
	ExpectEq(0, config.PollInterval)
	ExpectEq("", config.MountPoint)
	ExpectEq(nil, config.Spawner)
}

func (t *ConfigTest) EmptyFile() {
	config, err := avfs.LoadConfig(t.write(""))
	AssertEq(nil, err)
	ExpectEq(0, config.MaxWorkers)
}

func (t *ConfigTest) MissingFile() {
	_, err := avfs.LoadConfig(path.Join(t.dir, "missing.yaml"))
	ExpectThat(err, Error(HasSubstr("failed to read config file")))
}

func (t *ConfigTest) MalformedFile() {
	_, err := avfs.LoadConfig(t.write("max_workers: [1, 2"))
	ExpectThat(err, Error(HasSubstr("failed to parse config file")))
}

func (t *ConfigTest) BadDuration() {
	_, err := avfs.LoadConfig(t.write("keep_time: soon"))
	ExpectThat(err, Error(HasSubstr("failed to parse config file")))
}

func (t *ConfigTest) NegativeValuesAreRejected() {
	_, err := avfs.LoadConfig(t.write("max_workers: -1"))
	ExpectThat(err, Error(HasSubstr("max_workers")))

	config := &avfs.DispatcherConfig{FlushDelay: -time.Second}
	ExpectThat(config.Validate(), Error(HasSubstr("flush_delay")))
}

func (t *ConfigTest) NewDispatcherRequiresSpawner() {
	r, w, err := os.Pipe()
	AssertEq(nil, err)
	defer w.Close()
	defer r.Close()

	_, err = avfs.NewDispatcher(r, &avfs.DispatcherConfig{})
	ExpectThat(err, Error(HasSubstr("Spawner")))
}
