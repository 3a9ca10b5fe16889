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

package loopback_test

import (
	"io/ioutil"
	"os"
	"path"
	"syscall"
	"testing"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"github.com/tabulon-ext/avfs/codaops"
	"github.com/tabulon-ext/avfs/internal/buffer"
	"github.com/tabulon-ext/avfs/samples/loopback"
	"github.com/tabulon-ext/avfs/workerutil"
)

func TestLoopback(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type LoopbackTest struct {
	// The tree being served.
	root string

	// Where backing files go.
	cache string

	h workerutil.Handler
}

func init() { RegisterTestSuite(&LoopbackTest{}) }

func (t *LoopbackTest) SetUp(ti *TestInfo) {
	var err error

	t.root, err = ioutil.TempDir("", "loopback_test")
	AssertEq(nil, err)

	t.cache, err = ioutil.TempDir("", "loopback_test_cache")
	AssertEq(nil, err)

	t.h, err = loopback.NewLoopbackHandler(t.root, nil)
	AssertEq(nil, err)
}

func (t *LoopbackTest) TearDown() {
	os.RemoveAll(t.root)
	os.RemoveAll(t.cache)
}

func (t *LoopbackTest) paths(p1, p2 string) workerutil.Paths {
	return workerutil.Paths{Path1: p1, Path2: p2}
}

func (t *LoopbackTest) writeFile(name, contents string) {
	err := ioutil.WriteFile(path.Join(t.root, name), []byte(contents), 0644)
	AssertEq(nil, err)
}

// Parse a directory file into a map from name to type.
func parseDirents(b []byte) (m map[string]codaops.DirentType) {
	m = make(map[string]codaops.DirentType)
	for len(b) >= 8 {
		reclen := int(buffer.Order.Uint16(b[4:]))
		namlen := int(b[7])
		AssertGe(reclen, 8+namlen+1)
		AssertLe(reclen, len(b))

		m[string(b[8:8+namlen])] = codaops.DirentType(b[6])
		b = b[reclen:]
	}

	AssertEq(0, len(b))
	return
}

////////////////////////////////////////////////////////////////////////
// Tests
////////////////////////////////////////////////////////////////////////

func (t *LoopbackTest) RootMustBeDirectory() {
	t.writeFile("foo", "taco")

	_, err := loopback.NewLoopbackHandler(path.Join(t.root, "foo"), nil)
	ExpectThat(err, Error(HasSubstr("not a directory")))

	_, err = loopback.NewLoopbackHandler(path.Join(t.root, "missing"), nil)
	ExpectThat(err, Error(HasSubstr("Stat")))
}

func (t *LoopbackTest) GetattrAndLookup() {
	t.writeFile("foo", "taco")
	AssertEq(nil, os.Mkdir(path.Join(t.root, "dir"), 0755))
	AssertEq(nil, os.Symlink("foo", path.Join(t.root, "link")))

	attr, err := t.h.Getattr(&codaops.GetattrOp{}, t.paths("/foo", ""))
	AssertEq(nil, err)
	ExpectEq(codaops.VReg, attr.Type)
	ExpectEq(4, attr.Size)
	ExpectEq(0644, attr.Mode)
	ExpectEq(1, attr.Nlink)

	vtype, err := t.h.Lookup(&codaops.LookupOp{}, t.paths("/dir", ""))
	AssertEq(nil, err)
	ExpectEq(codaops.VDir, vtype)

	vtype, err = t.h.Lookup(&codaops.LookupOp{}, t.paths("/link", ""))
	AssertEq(nil, err)
	ExpectEq(codaops.VLnk, vtype)

	_, err = t.h.Lookup(&codaops.LookupOp{}, t.paths("/missing", ""))
	ExpectEq(int(syscall.ENOENT), int(workerutil.Errno(err)))
}

func (t *LoopbackTest) DotDotStaysInsideRoot() {
	t.writeFile("foo", "taco")

	attr, err := t.h.Getattr(&codaops.GetattrOp{}, t.paths("/../../foo", ""))
	AssertEq(nil, err)
	ExpectEq(4, attr.Size)
}

func (t *LoopbackTest) OpenCopiesContent() {
	t.writeFile("foo", "taco burrito")
	backing := path.Join(t.cache, "b0")

	err := t.h.Open(&codaops.OpenOp{Flags: codaops.OpenRead}, t.paths("/foo", backing))
	AssertEq(nil, err)

	contents, err := ioutil.ReadFile(backing)
	AssertEq(nil, err)
	ExpectEq("taco burrito", string(contents))
}

func (t *LoopbackTest) OpenWithTruncLeavesBackingEmpty() {
	t.writeFile("foo", "taco")
	backing := path.Join(t.cache, "b0")

	err := t.h.Open(
		&codaops.OpenOp{Flags: codaops.OpenWrite | codaops.OpenTrunc},
		t.paths("/foo", backing))
	AssertEq(nil, err)

	fi, err := os.Stat(backing)
	AssertEq(nil, err)
	ExpectEq(0, fi.Size())
}

func (t *LoopbackTest) OpenMissingFile() {
	backing := path.Join(t.cache, "b0")

	err := t.h.Open(&codaops.OpenOp{Flags: codaops.OpenRead}, t.paths("/foo", backing))
	ExpectEq(int(syscall.ENOENT), int(workerutil.Errno(err)))

	_, err = os.Stat(backing)
	ExpectTrue(os.IsNotExist(err))
}

func (t *LoopbackTest) OpenRefusesSymlinkedBackingFile() {
	t.writeFile("foo", "taco")
	victim := path.Join(t.cache, "victim")
	AssertEq(nil, ioutil.WriteFile(victim, []byte("secret"), 0600))

	backing := path.Join(t.cache, "b0")
	AssertEq(nil, os.Symlink(victim, backing))

	err := t.h.Open(&codaops.OpenOp{Flags: codaops.OpenRead}, t.paths("/foo", backing))
	ExpectEq(int(syscall.ELOOP), int(workerutil.Errno(err)))

	contents, err := ioutil.ReadFile(victim)
	AssertEq(nil, err)
	ExpectEq("secret", string(contents))
}

func (t *LoopbackTest) OpenDirectoryWritesDirents() {
	t.writeFile("foo", "taco")
	AssertEq(nil, os.Mkdir(path.Join(t.root, "dir"), 0755))
	AssertEq(nil, os.Symlink("foo", path.Join(t.root, "link")))
	backing := path.Join(t.cache, "b0")

	err := t.h.Open(&codaops.OpenOp{Flags: codaops.OpenRead}, t.paths("/", backing))
	AssertEq(nil, err)

	contents, err := ioutil.ReadFile(backing)
	AssertEq(nil, err)

	m := parseDirents(contents)
	ExpectEq(5, len(m))
	ExpectEq(codaops.DT_Directory, m["."])
	ExpectEq(codaops.DT_Directory, m[".."])
	ExpectEq(codaops.DT_File, m["foo"])
	ExpectEq(codaops.DT_Directory, m["dir"])
	ExpectEq(codaops.DT_Link, m["link"])
}

func (t *LoopbackTest) CloseWritesBack() {
	t.writeFile("foo", "taco burrito enchilada")
	backing := path.Join(t.cache, "b0")
	AssertEq(nil, ioutil.WriteFile(backing, []byte("queso"), 0600))

	err := t.h.Close(&codaops.CloseOp{Flags: codaops.OpenWrite}, t.paths("/foo", backing))
	AssertEq(nil, err)

	contents, err := ioutil.ReadFile(path.Join(t.root, "foo"))
	AssertEq(nil, err)
	ExpectEq("queso", string(contents))
}

func (t *LoopbackTest) CreateAndMkdir() {
	attr, err := t.h.Create(&codaops.CreateOp{Mode: 0640}, t.paths("/foo", ""))
	AssertEq(nil, err)
	ExpectEq(codaops.VReg, attr.Type)
	ExpectEq(0, attr.Size)

	_, err = t.h.Create(&codaops.CreateOp{Mode: 0640, Excl: 1}, t.paths("/foo", ""))
	ExpectEq(int(syscall.EEXIST), int(workerutil.Errno(err)))

	mkdirAttr := codaops.UnsetVattr()
	mkdirAttr.Mode = 0700
	attr, err = t.h.Mkdir(&codaops.MkdirOp{Attr: mkdirAttr}, t.paths("/dir", ""))
	AssertEq(nil, err)
	ExpectEq(codaops.VDir, attr.Type)

	fi, err := os.Stat(path.Join(t.root, "dir"))
	AssertEq(nil, err)
	ExpectTrue(fi.IsDir())
}

func (t *LoopbackTest) RemoveAndRmdir() {
	t.writeFile("foo", "taco")
	AssertEq(nil, os.Mkdir(path.Join(t.root, "dir"), 0755))

	ExpectEq(int(syscall.EISDIR), int(workerutil.Errno(t.h.Remove(&codaops.RemoveOp{}, t.paths("/dir", "")))))
	ExpectEq(int(syscall.ENOTDIR), int(workerutil.Errno(t.h.Rmdir(&codaops.RmdirOp{}, t.paths("/foo", "")))))

	ExpectEq(nil, t.h.Remove(&codaops.RemoveOp{}, t.paths("/foo", "")))
	ExpectEq(nil, t.h.Rmdir(&codaops.RmdirOp{}, t.paths("/dir", "")))

	entries, err := ioutil.ReadDir(t.root)
	AssertEq(nil, err)
	ExpectEq(0, len(entries))
}

func (t *LoopbackTest) Rename() {
	t.writeFile("foo", "taco")
	AssertEq(nil, os.Mkdir(path.Join(t.root, "dir"), 0755))

	err := t.h.Rename(&codaops.RenameOp{}, t.paths("/foo", "/dir/bar"))
	AssertEq(nil, err)

	contents, err := ioutil.ReadFile(path.Join(t.root, "dir", "bar"))
	AssertEq(nil, err)
	ExpectEq("taco", string(contents))
}

func (t *LoopbackTest) SymlinkAndReadlink() {
	err := t.h.Symlink(&codaops.SymlinkOp{}, t.paths("/link", "some/target"))
	AssertEq(nil, err)

	target, err := t.h.Readlink(&codaops.ReadlinkOp{}, t.paths("/link", ""))
	AssertEq(nil, err)
	ExpectEq("some/target", target)
}

func (t *LoopbackTest) Link() {
	t.writeFile("foo", "taco")

	err := t.h.Link(&codaops.LinkOp{}, t.paths("/bar", "/foo"))
	AssertEq(nil, err)

	attr, err := t.h.Getattr(&codaops.GetattrOp{}, t.paths("/bar", ""))
	AssertEq(nil, err)
	ExpectEq(2, attr.Nlink)
}

func (t *LoopbackTest) SetattrChangesOnlySetFields() {
	t.writeFile("foo", "taco burrito")

	attr := codaops.UnsetVattr()
	attr.Size = 4
	attr.Mode = 0600

	err := t.h.Setattr(&codaops.SetattrOp{Attr: attr}, t.paths("/foo", ""))
	AssertEq(nil, err)

	fi, err := os.Stat(path.Join(t.root, "foo"))
	AssertEq(nil, err)
	ExpectEq(4, fi.Size())
	ExpectEq(os.FileMode(0600), fi.Mode().Perm())
}

func (t *LoopbackTest) SetattrTimes() {
	t.writeFile("foo", "taco")

	attr := codaops.UnsetVattr()
	attr.Mtime = codaops.Timespec{Sec: 1234567890, Nsec: 0}

	err := t.h.Setattr(&codaops.SetattrOp{Attr: attr}, t.paths("/foo", ""))
	AssertEq(nil, err)

	fi, err := os.Stat(path.Join(t.root, "foo"))
	AssertEq(nil, err)
	ExpectEq(1234567890, fi.ModTime().Unix())
}
