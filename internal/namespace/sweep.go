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

package namespace

import (
	"time"
)

// Evict cached nodes that the kernel has not referred to within retention.
// Only childless nodes without open files are eligible, and never the root.
// The tree is walked in post-order so that a directory whose cached
// children are all evicted may itself be evicted in the same pass.
//
// For each evicted node, evict is called after the node is unlinked and
// before it is reclaimed, so that the caller can tell the kernel to forget
// its handle. Returns the number of nodes evicted.
func (ns *Namespace) Sweep(retention time.Duration, evict func(n *Node)) (count int) {
	cutoff := ns.clock.Now().Add(-retention)

	type frame struct {
		n        *Node
		expanded bool
	}

	stack := []frame{{n: ns.Root()}}
	for len(stack) > 0 {
		top := len(stack) - 1
		if !stack[top].expanded {
			stack[top].expanded = true
			for _, c := range stack[top].n.children {
				stack = append(stack, frame{n: c})
			}

			continue
		}

		n := stack[top].n
		stack = stack[:top]

		if n.IsRoot() ||
			len(n.children) != 0 ||
			len(n.files) != 0 ||
			!n.lastAccess.Before(cutoff) {
			continue
		}

		ns.unlink(n)
		if evict != nil {
			evict(n)
		}

		ns.Reclaim(n)
		count++
	}

	if count > 0 {
		ns.debugf("Sweep evicted %d nodes; %d remain", count, ns.live)
	}

	return
}
