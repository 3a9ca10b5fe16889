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

// Package namespace maintains the dispatcher's shadow of the parts of the
// mounted namespace the kernel currently knows about.
//
// Each node is addressed by a Handle, a generation-tagged index into an
// arena of slots. Handles are what the kernel sees (encoded as Fids); a
// freed slot's generation is bumped so that a handle outliving its node is
// recognized as stale rather than silently denoting a newer node.
//
// A Namespace is not safe for concurrent use.
package namespace

import (
	"errors"
	"fmt"
	"log"
	"path"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/tabulon-ext/avfs/codaops"
)

var (
	// The handle is not one this package could ever have issued.
	ErrInvalidHandle = errors.New("invalid handle")

	// The handle was issued, but its node has since been reclaimed.
	ErrStaleHandle = errors.New("stale handle")
)

// An opaque reference to a node. The zero value refers to the root.
type Handle struct {
	Index      uint32
	Generation uint32
}

var RootHandle = Handle{}

// Encode the handle for the kernel. The volume word is always zero, which
// is also what makes the root handle the all-zero Fid.
func (h Handle) Fid() codaops.Fid {
	return codaops.Fid{0, h.Index, h.Generation}
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.Index, h.Generation)
}

// Decode a Fid received from the kernel. Only the shape of the Fid is
// checked; use Namespace.Resolve to check that it refers to a live node.
func HandleFromFid(f codaops.Fid) (h Handle, err error) {
	if f[0] != 0 {
		err = fmt.Errorf("fid %v: %w", f, ErrInvalidHandle)
		return
	}

	h = Handle{Index: f[1], Generation: f[2]}
	if h.Index == 0 && h.Generation != 0 {
		err = fmt.Errorf("fid %v: %w", f, ErrInvalidHandle)
		return
	}

	return
}

////////////////////////////////////////////////////////////////////////
// Node
////////////////////////////////////////////////////////////////////////

// A file or directory the kernel has been told about.
type Node struct {
	handle Handle
	name   string

	// The parent path joined with name, or "/" for the root. Recomputed when
	// the node or one of its ancestors moves.
	path string

	// INVARIANT: parent == nil iff this is the root or unlinked is true
	// INVARIANT: If parent != nil, parent.children[name] == this
	parent *Node

	// INVARIANT: For all k, v: v.name == k and v.parent == this
	children map[string]*Node

	// Open file sessions, at most one per requesting process.
	files []*OpenFile

	// Set once the node has been removed from its parent. An unlinked node is
	// never linked again; it lives on only until reclaimed.
	unlinked bool

	lastAccess time.Time
}

func (n *Node) Handle() Handle {
	return n.handle
}

func (n *Node) Name() string {
	return n.name
}

func (n *Node) Path() string {
	return n.path
}

func (n *Node) Parent() *Node {
	return n.parent
}

func (n *Node) Unlinked() bool {
	return n.unlinked
}

func (n *Node) IsRoot() bool {
	return n.handle == RootHandle
}

func (n *Node) NumChildren() int {
	return len(n.children)
}

func (n *Node) NumOpenFiles() int {
	return len(n.files)
}

func (n *Node) LastAccess() time.Time {
	return n.lastAccess
}

////////////////////////////////////////////////////////////////////////
// Namespace
////////////////////////////////////////////////////////////////////////

type slot struct {
	node       *Node
	generation uint32
}

// An arena of nodes rooted at a node that always exists.
type Namespace struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock  timeutil.Clock
	logger *log.Logger

	// Directory in which backing files are created, and the counter that
	// names them.
	dir string
	seq uint64

	/////////////////////////
	// Mutable state
	/////////////////////////

	// INVARIANT: len(slots) >= 1
	// INVARIANT: slots[0].node is the root, with generation 0
	// INVARIANT: For all i > 0, slots[i].generation > 0
	// INVARIANT: For all i, slots[i].node == nil or slots[i].node.handle ==
	//            Handle{i, slots[i].generation}
	slots []slot

	// INVARIANT: This is all and only indices i > 0 of slots such that
	// slots[i].node == nil
	free []uint32

	// The number of non-nil entries in slots.
	live int
}

// Create a namespace containing only the root. Backing files for open files
// are created in dir, which must be private to the caller: nobody else may
// be able to create or rename entries in it.
func New(
	clock timeutil.Clock,
	dir string,
	logger *log.Logger) (ns *Namespace) {
	ns = &Namespace{
		clock:  clock,
		logger: logger,
		dir:    dir,
	}

	root := &Node{
		handle:     RootHandle,
		path:       "/",
		children:   make(map[string]*Node),
		lastAccess: clock.Now(),
	}

	ns.slots = []slot{{node: root}}
	ns.live = 1

	return
}

func (ns *Namespace) Root() *Node {
	return ns.slots[0].node
}

// Return the number of nodes allocated, including the root and nodes that
// have been unlinked but not yet reclaimed.
func (ns *Namespace) Len() int {
	return ns.live
}

func (ns *Namespace) debugf(format string, v ...interface{}) {
	if ns.logger != nil {
		ns.logger.Printf(format, v...)
	}
}

// Find the live node for h without touching its access time. Returns false
// for handles that are invalid or stale.
func (ns *Namespace) Lookup(h Handle) (n *Node, ok bool) {
	if int64(h.Index) >= int64(len(ns.slots)) {
		return
	}

	s := &ns.slots[h.Index]
	if s.node == nil || s.generation != h.Generation {
		return
	}

	n, ok = s.node, true
	return
}

// Find the live node for h, recording that it has been accessed. An error
// means the kernel referred to something it cannot have been given, which
// is protocol corruption.
func (ns *Namespace) Resolve(h Handle) (n *Node, err error) {
	if h.Index == 0 && h.Generation != 0 || int64(h.Index) >= int64(len(ns.slots)) {
		err = fmt.Errorf("handle %v: %w", h, ErrInvalidHandle)
		return
	}

	n, ok := ns.Lookup(h)
	if !ok {
		err = fmt.Errorf("handle %v: %w", h, ErrStaleHandle)
		return
	}

	n.lastAccess = ns.clock.Now()
	return
}

// Resolve a Fid received from the kernel.
func (ns *Namespace) ResolveFid(f codaops.Fid) (n *Node, err error) {
	h, err := HandleFromFid(f)
	if err != nil {
		return
	}

	n, err = ns.Resolve(h)
	return
}

// Return the cached child of parent with the given name, or nil.
func (ns *Namespace) LookupChild(parent *Node, name string) *Node {
	return parent.children[name]
}

// Return the child of parent with the given name, creating it if it is not
// cached. The child's access time is refreshed either way.
func (ns *Namespace) GetOrCreateChild(parent *Node, name string) (n *Node) {
	if parent.unlinked {
		panic(fmt.Sprintf("GetOrCreateChild(%q) under unlinked %q", name, parent.path))
	}

	now := ns.clock.Now()
	if n = parent.children[name]; n != nil {
		n.lastAccess = now
		return
	}

	n = &Node{
		name:       name,
		path:       path.Join(parent.path, name),
		parent:     parent,
		children:   make(map[string]*Node),
		lastAccess: now,
	}

	n.handle = ns.allocate(n)
	parent.children[name] = n

	ns.debugf("Allocated %v for %q", n.handle, n.path)
	return
}

// Unlink the child of parent with the given name, returning it or nil if it
// is not cached. The node is not freed; see Reclaim.
func (ns *Namespace) RemoveChild(parent *Node, name string) (n *Node) {
	n = parent.children[name]
	if n == nil {
		return
	}

	ns.unlink(n)
	return
}

func (ns *Namespace) unlink(n *Node) {
	delete(n.parent.children, n.name)
	n.parent = nil
	n.unlinked = true
}

// Move the child of srcParent called name so that it becomes the child of
// dstParent called newName, keeping its handle. The paths of the node and
// all of its cached descendants are recomputed. The destination name must
// be free. Returns nil if the source is not cached.
func (ns *Namespace) MoveChild(
	srcParent *Node,
	name string,
	dstParent *Node,
	newName string) (n *Node, err error) {
	n = srcParent.children[name]
	if n == nil {
		return
	}

	if dstParent.unlinked {
		err = fmt.Errorf("MoveChild: destination %q is unlinked", dstParent.path)
		return
	}

	if occupant := dstParent.children[newName]; occupant != nil && occupant != n {
		err = fmt.Errorf("MoveChild: %q already exists in %q", newName, dstParent.path)
		return
	}

	// Refuse to create a cycle.
	for a := dstParent; a != nil; a = a.parent {
		if a == n {
			err = fmt.Errorf("MoveChild: %q is an ancestor of %q", n.path, dstParent.path)
			return
		}
	}

	delete(srcParent.children, name)
	n.name = newName
	n.parent = dstParent
	dstParent.children[newName] = n
	n.lastAccess = ns.clock.Now()

	// Fix up paths for the whole subtree.
	stack := []*Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cur.path = path.Join(cur.parent.path, cur.name)
		for _, c := range cur.children {
			stack = append(stack, c)
		}
	}

	ns.debugf("Moved %v to %q", n.handle, n.path)
	return
}

// Unlink every cached descendant of n, returning them deepest first. Used
// when n has been removed from the underlying file system, since the
// kernel can no longer reach any of them by name.
func (ns *Namespace) Prune(n *Node) (pruned []*Node) {
	type frame struct {
		n        *Node
		expanded bool
	}

	stack := []frame{{n: n}}
	for len(stack) > 0 {
		top := len(stack) - 1
		if !stack[top].expanded {
			stack[top].expanded = true
			for _, c := range stack[top].n.children {
				stack = append(stack, frame{n: c})
			}

			continue
		}

		cur := stack[top].n
		stack = stack[:top]
		if cur == n {
			continue
		}

		ns.unlink(cur)
		pruned = append(pruned, cur)
	}

	return
}

// Free n if it is unlinked, has no open files and no children. Otherwise
// do nothing and return false; a node may be asked again once its last file
// closes.
func (ns *Namespace) Reclaim(n *Node) (freed bool) {
	switch {
	case n.IsRoot():
		ns.debugf("Reclaim: refusing to free the root")
		return

	case !n.unlinked:
		ns.debugf("Reclaim: %v (%q) is still linked", n.handle, n.path)
		return

	case len(n.files) != 0:
		ns.debugf("Reclaim: %v (%q) has %d open files", n.handle, n.path, len(n.files))
		return

	case len(n.children) != 0:
		ns.debugf("Reclaim: %v (%q) has %d children", n.handle, n.path, len(n.children))
		return
	}

	s := &ns.slots[n.handle.Index]
	if s.node != n {
		// Already freed.
		return
	}

	s.node = nil
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}

	ns.free = append(ns.free, n.handle.Index)
	ns.live--
	freed = true

	ns.debugf("Freed %v (%q)", n.handle, n.path)
	return
}

func (ns *Namespace) allocate(n *Node) (h Handle) {
	var index uint32
	if l := len(ns.free); l > 0 {
		index = ns.free[l-1]
		ns.free = ns.free[:l-1]
	} else {
		index = uint32(len(ns.slots))
		ns.slots = append(ns.slots, slot{generation: 1})
	}

	s := &ns.slots[index]
	s.node = n
	ns.live++

	h = Handle{Index: index, Generation: s.generation}
	return
}

// Call f for every allocated node, in slot order.
func (ns *Namespace) ForEach(f func(n *Node)) {
	for i := range ns.slots {
		if n := ns.slots[i].node; n != nil {
			f(n)
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Invariants
////////////////////////////////////////////////////////////////////////

// Check the structural invariants of the arena and the tree, returning the
// first violation found.
func (ns *Namespace) CheckInvariants() (err error) {
	if len(ns.slots) == 0 || ns.slots[0].node == nil || ns.slots[0].generation != 0 {
		err = errors.New("root slot is not populated")
		return
	}

	free := make(map[uint32]struct{})
	for _, i := range ns.free {
		if i == 0 || int(i) >= len(ns.slots) || ns.slots[i].node != nil {
			err = fmt.Errorf("bad free index %d", i)
			return
		}

		free[i] = struct{}{}
	}

	live := 0
	for i := range ns.slots {
		s := &ns.slots[i]
		if i > 0 && s.generation == 0 {
			err = fmt.Errorf("slot %d has generation zero", i)
			return
		}

		n := s.node
		if n == nil {
			if _, ok := free[uint32(i)]; !ok {
				err = fmt.Errorf("empty slot %d not on free list", i)
				return
			}

			continue
		}

		live++
		if n.handle != (Handle{uint32(i), s.generation}) {
			err = fmt.Errorf("slot %d holds node with handle %v", i, n.handle)
			return
		}

		if (n.parent == nil) != (i == 0 || n.unlinked) {
			err = fmt.Errorf("node %v (%q) has inconsistent parent", n.handle, n.path)
			return
		}

		if n.parent != nil && n.parent.children[n.name] != n {
			err = fmt.Errorf("node %v (%q) missing from its parent", n.handle, n.path)
			return
		}

		for name, c := range n.children {
			if c.name != name || c.parent != n {
				err = fmt.Errorf("child %q of %q has bad back link", name, n.path)
				return
			}
		}

		for _, of := range n.files {
			if of.Use < 0 || of.WriteUse < 0 || of.WriteUse > of.Use {
				err = fmt.Errorf("open file of %q has counts %d/%d", n.path, of.Use, of.WriteUse)
				return
			}
		}
	}

	if live != ns.live {
		err = fmt.Errorf("live count %d, expected %d", ns.live, live)
		return
	}

	return
}
