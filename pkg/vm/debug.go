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
	"fmt"
	"strings"

	"zvmo.dev/zvmo/pkg/log"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// DebugDump logs a snapshot of the object for fault diagnosis: size,
// options, policy, per-state page counts, pins and tree shape.
func (o *PagedObject) DebugDump() {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	log.Infof("vm: object %q (user id %d): %s", o.name, o.userID, o.debugStringLocked())
}

// debugStringLocked renders the object state on one line.
//
// Preconditions: o.hs.mu must be locked.
func (o *PagedObject) debugStringLocked() string {
	c := o.cow
	var committed, zeros, gone, pinned, loaned, dirty uint64
	c.pages.ForEachInRange(vmpage.Range{End: c.size}, func(s *pageSlot) bool {
		switch s.state {
		case slotPage:
			committed++
			if s.loaned {
				loaned++
			}
			if s.dirty == DirtyDirty || s.dirty == DirtyAwaitingClean {
				dirty++
			}
		case slotZero:
			zeros++
		case slotGone:
			gone++
		}
		if s.pinCount > 0 {
			pinned++
		}
		return true
	})
	var b strings.Builder
	fmt.Fprintf(&b, "size %#x policy %s", c.size, o.cachePolicy)
	var opts []string
	for _, f := range []struct {
		bit  Options
		name string
	}{
		{OptResizable, "resizable"},
		{OptContiguous, "contiguous"},
		{OptSlice, "slice"},
		{OptDiscardable, "discardable"},
	} {
		if o.options&f.bit != 0 {
			opts = append(opts, f.name)
		}
	}
	if len(opts) != 0 {
		fmt.Fprintf(&b, " [%s]", strings.Join(opts, ","))
	}
	fmt.Fprintf(&b, " pages{committed %d zero %d discarded %d pinned %d loaned %d dirty %d}",
		committed, zeros, gone, pinned, loaned, dirty)
	fmt.Fprintf(&b, " mappings %d children %d", len(o.mappings), len(c.children))
	if c.parent != nil {
		fmt.Fprintf(&b, " parent window [%#x, +%#x)", c.parentOffset, c.parentLimit)
	}
	if c.source != nil {
		props := c.source.Properties()
		fmt.Fprintf(&b, " source{pager %t preserving %t specific %t detached %t}",
			props.IsUserPager, props.IsPreservingPageContent, props.ProvidesSpecificPhysicalPages, c.sourceDetached)
	}
	if c.options&OptDiscardable != 0 {
		fmt.Fprintf(&b, " lock count %d discarded %t", c.lockCount, c.discarded)
	}
	return b.String()
}
