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

	"zvmo.dev/zvmo/pkg/vmpage"
)

// A Mapping is one entry of an address space that maps a range of a
// PagedObject. The object notifies every registered mapping before a
// mutation can change what the mapping observes, and before any frame in
// the range is freed.
//
// Both methods are invoked with the hierarchy lock held and must be
// idempotent; they must not call back into the object.
type Mapping interface {
	// UnmapRange removes the mapping's translations for object offsets
	// in r.
	UnmapRange(r vmpage.Range)

	// RemoveWriteRange downgrades the mapping's translations for object
	// offsets in r to read-only.
	RemoveWriteRange(r vmpage.Range)
}

// RangeChangeOp selects the mapping notification issued by a mutation.
type RangeChangeOp int

const (
	// RangeChangeUnmap removes translations.
	RangeChangeUnmap RangeChangeOp = iota

	// RangeChangeRemoveWrite downgrades translations to read-only.
	RangeChangeRemoveWrite
)

func (op RangeChangeOp) String() string {
	switch op {
	case RangeChangeUnmap:
		return "Unmap"
	case RangeChangeRemoveWrite:
		return "RemoveWrite"
	default:
		return fmt.Sprintf("invalid op %d", int(op))
	}
}

// mappingEntry records one registered mapping and the object range it
// covers.
type mappingEntry struct {
	m Mapping
	r vmpage.Range
}

// rangeChangeUpdateLocked notifies every mapping of this object whose
// range intersects r, then recurses into children whose parent-visible
// window intersects r, with offsets translated into each child's space.
//
// No frame freed by the triggering mutation may be released to the
// allocator before this returns; callers free frames only after this
// completes.
//
// Preconditions: c.hs.mu must be locked. r must be page-aligned.
func (c *CowPages) rangeChangeUpdateLocked(r vmpage.Range, op RangeChangeOp) {
	if r.Length() == 0 {
		return
	}
	if !r.IsPageAligned() {
		panic(fmt.Sprintf("unaligned range change %v", r))
	}
	if o := c.paged; o != nil {
		for _, me := range o.mappings {
			if sub := me.r.Intersect(r); sub.Length() != 0 {
				switch op {
				case RangeChangeUnmap:
					me.m.UnmapRange(sub)
				case RangeChangeRemoveWrite:
					me.m.RemoveWriteRange(sub)
				}
			}
		}
	}
	for _, child := range c.children {
		// The child observes parent offsets [parentOffset,
		// parentOffset+parentLimit) as its own [0, parentLimit).
		window := vmpage.Range{Start: child.parentOffset, End: child.parentOffset + child.parentLimit}
		sub := window.Intersect(r)
		if sub.Length() == 0 {
			continue
		}
		childR := vmpage.Range{Start: sub.Start - child.parentOffset, End: sub.End - child.parentOffset}
		if !child.isSlice {
			// A snapshot child only reads through where it has not
			// forked its own frame; narrowing per-page is not worth it,
			// and the notification must stay idempotent anyway.
			childR = childR.Intersect(vmpage.Range{Start: 0, End: child.size})
			if childR.Length() == 0 {
				continue
			}
		}
		child.rangeChangeUpdateLocked(childR, op)
	}
}
