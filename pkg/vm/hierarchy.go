// Copyright 2024 The zVMO Authors.
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

package vm

import (
	"zvmo.dev/zvmo/pkg/sync"
)

// HierarchyState is shared by every node of one VM object tree. It holds
// the single lock that serializes all operations on the tree and the
// generation counter that invalidates cached derivations.
//
// Lock order: HierarchyState.mu precedes pmm.Pool.mu and the reclaim
// queue lock. It must never be held across a PageRequest wait or a user
// soft-fault.
type HierarchyState struct {
	// mu is the hierarchy lock.
	mu sync.Mutex

	// genCount counts mutations of any object in the tree. It is only
	// written with mu held. A reader that drops mu and re-acquires it
	// must compare genCount to detect intervening mutations.
	genCount uint64
}

// NewHierarchyState creates the shared state for a new object tree.
func NewHierarchyState() *HierarchyState {
	return &HierarchyState{}
}

// incGenLocked records a mutation that may invalidate cached attribution
// or mapping state anywhere in the tree.
//
// Preconditions: h.mu must be locked.
func (h *HierarchyState) incGenLocked() {
	h.genCount++
}

// genLocked returns the current generation count.
//
// Preconditions: h.mu must be locked.
func (h *HierarchyState) genLocked() uint64 {
	return h.genCount
}
