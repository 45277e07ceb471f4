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

	"github.com/google/btree"

	"zvmo.dev/zvmo/pkg/vm/pmm"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// slotState distinguishes what a populated page list entry represents.
type slotState uint8

const (
	// slotPage holds a committed physical frame.
	slotPage slotState = iota

	// slotZero is a zero marker: the offset reads as zeros without a
	// frame, and does not consult the parent or the page source.
	slotZero

	// slotGone marks an offset whose content was discarded while the
	// object was unlocked. Only discardable objects carry it.
	slotGone
)

// DirtyState tracks writeback state of a pager-backed page.
type DirtyState uint8

const (
	// DirtyUntracked is the only state of pages in objects without a
	// dirty-tracking source.
	DirtyUntracked DirtyState = iota

	// DirtyClean pages match the source's copy; writes must fault so the
	// transition to DirtyDirty is observed.
	DirtyClean

	// DirtyDirty pages have been modified since the source last saw
	// them.
	DirtyDirty

	// DirtyAwaitingClean pages are being written back; a write during
	// this window returns the page to DirtyDirty.
	DirtyAwaitingClean
)

func (ds DirtyState) String() string {
	switch ds {
	case DirtyUntracked:
		return "untracked"
	case DirtyClean:
		return "clean"
	case DirtyDirty:
		return "dirty"
	case DirtyAwaitingClean:
		return "awaiting-clean"
	default:
		return fmt.Sprintf("invalid dirty state %d", uint8(ds))
	}
}

// pageSlot is one entry of a pageList, keyed by page-aligned object
// offset. Absent offsets have no slot at all.
type pageSlot struct {
	off   uint64
	state slotState

	// frame is valid iff state == slotPage.
	frame pmm.Paddr

	// pinCount counts outstanding pins of this offset.
	pinCount uint16

	// loaned is true if frame was borrowed from another object's loan.
	loaned bool

	// alwaysNeed excludes the page from reclaim.
	alwaysNeed bool

	// dirty is meaningful only for pager-backed objects with dirty
	// tracking.
	dirty DirtyState
}

func slotLess(a, b *pageSlot) bool {
	return a.off < b.off
}

// pageList maps page-aligned offsets to slots. It is not safe for
// concurrent use; callers hold the hierarchy lock.
type pageList struct {
	tree *btree.BTreeG[*pageSlot]
}

func newPageList() *pageList {
	return &pageList{tree: btree.NewG(16, slotLess)}
}

// Lookup returns the slot at off, or nil.
func (pl *pageList) Lookup(off uint64) *pageSlot {
	s, _ := pl.tree.Get(&pageSlot{off: off})
	return s
}

// LookupOrAllocate returns the slot at off, inserting an empty slotZero
// slot if none exists. Callers overwrite the state.
func (pl *pageList) LookupOrAllocate(off uint64) *pageSlot {
	if s := pl.Lookup(off); s != nil {
		return s
	}
	s := &pageSlot{off: off, state: slotZero}
	pl.tree.ReplaceOrInsert(s)
	return s
}

// Insert adds slot s, replacing any existing slot at the same offset.
// The replaced slot is returned so the caller can free its frame.
func (pl *pageList) Insert(s *pageSlot) *pageSlot {
	old, _ := pl.tree.ReplaceOrInsert(s)
	return old
}

// Remove deletes and returns the slot at off, or nil.
func (pl *pageList) Remove(off uint64) *pageSlot {
	s, _ := pl.tree.Delete(&pageSlot{off: off})
	return s
}

// Len returns the number of populated slots.
func (pl *pageList) Len() int {
	return pl.tree.Len()
}

// ForEachInRange calls f on every populated slot with offset in r, in
// ascending order. Iteration stops if f returns false. f must not mutate
// the tree structure; use the offset lists from ForEachInRange plus
// Remove for structural changes.
func (pl *pageList) ForEachInRange(r vmpage.Range, f func(s *pageSlot) bool) {
	pl.tree.AscendRange(&pageSlot{off: r.Start}, &pageSlot{off: r.End}, func(s *pageSlot) bool {
		return f(s)
	})
}

// OffsetsInRange collects the offsets of populated slots in r. It exists
// so callers can remove slots found during iteration without mutating
// the tree mid-walk.
func (pl *pageList) OffsetsInRange(r vmpage.Range) []uint64 {
	var offs []uint64
	pl.ForEachInRange(r, func(s *pageSlot) bool {
		offs = append(offs, s.off)
		return true
	})
	return offs
}

// FirstInRange returns the first populated slot with offset in r, or
// nil.
func (pl *pageList) FirstInRange(r vmpage.Range) *pageSlot {
	var found *pageSlot
	pl.ForEachInRange(r, func(s *pageSlot) bool {
		found = s
		return false
	})
	return found
}

// AnyPinnedInRange reports whether any slot in r has a nonzero pin
// count.
func (pl *pageList) AnyPinnedInRange(r vmpage.Range) bool {
	pinned := false
	pl.ForEachInRange(r, func(s *pageSlot) bool {
		if s.pinCount > 0 {
			pinned = true
			return false
		}
		return true
	})
	return pinned
}

// TakeRange removes all slots in r and returns them in ascending offset
// order.
func (pl *pageList) TakeRange(r vmpage.Range) []*pageSlot {
	var taken []*pageSlot
	for _, off := range pl.OffsetsInRange(r) {
		taken = append(taken, pl.Remove(off))
	}
	return taken
}

// SpliceList carries slots moved between objects by TakePages and
// SupplyPages. Offsets inside a SpliceList are relative to the start of
// the range they were taken from.
type SpliceList struct {
	length uint64
	slots  []*pageSlot
}

// NewSpliceList creates an empty splice list covering length bytes.
func NewSpliceList(length uint64) *SpliceList {
	return &SpliceList{length: length}
}

// Length returns the byte length the list covers.
func (sl *SpliceList) Length() uint64 {
	return sl.length
}

// append adds s, which must have a relative offset greater than all
// existing entries.
func (sl *SpliceList) append(s *pageSlot) {
	if n := len(sl.slots); n > 0 && sl.slots[n-1].off >= s.off {
		panic(fmt.Sprintf("splice list offsets out of order: %#x after %#x", s.off, sl.slots[n-1].off))
	}
	if s.off >= sl.length {
		panic(fmt.Sprintf("splice list offset %#x beyond length %#x", s.off, sl.length))
	}
	sl.slots = append(sl.slots, s)
}

// take removes and returns all entries.
func (sl *SpliceList) take() []*pageSlot {
	s := sl.slots
	sl.slots = nil
	return s
}

// freeInto releases every frame still held by the list into pool. Used
// when a splice list is dropped instead of supplied.
func (sl *SpliceList) freeInto(pool *pmm.Pool) {
	for _, s := range sl.take() {
		if s.state == slotPage {
			pool.Free(s.frame)
		}
	}
}
