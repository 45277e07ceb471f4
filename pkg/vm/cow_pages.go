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
	"bytes"
	"fmt"

	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/log"
	"zvmo.dev/zvmo/pkg/vm/pmm"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// zeroPage is the all-zero reference pattern. Reads of uncommitted
// offsets copy from it; the dedup scan compares against it.
var zeroPage [vmpage.PageSize]byte

// maxPinCount is the per-page pin limit.
const maxPinCount = ^uint16(0)

// CowPages is the page container of one object: the sparse page table,
// the copy-on-write tree links, the page source binding, and the pin,
// loan, dirty and discard bookkeeping. All methods suffixed Locked
// require the hierarchy lock.
//
// A CowPages normally dies with its PagedObject. It outlives it only
// while slice children still reference its frames; destruction then
// completes when the last such child goes away.
type CowPages struct {
	hs   *HierarchyState
	pool *pmm.Pool

	// paged is the owning facade. It is nulled at destruction; a nil
	// paged with live children marks a node kept alive by slices.
	paged *PagedObject

	options Options
	size    uint64
	pages   *pageList

	// source supplies content for offsets never committed locally. Only
	// roots carry one.
	source         Source
	provider       *PhysicalPageProvider
	dirtyTracking  bool
	sourceDetached bool

	parent *CowPages
	// parentOffset and parentLimit define the window of the parent this
	// child observes: child offset o reads parent offset o+parentOffset
	// while o < parentLimit.
	parentOffset uint64
	parentLimit  uint64
	isSlice      bool
	children     []*CowPages

	pinnedCount uint64

	// Discardable state.
	lockCount uint64
	discarded bool

	dead bool

	// Attribution cache for the full-object query.
	attrGen   uint64
	attrPages uint64
	attrValid bool
}

func newCowPages(hs *HierarchyState, pool *pmm.Pool, options Options, size uint64) *CowPages {
	return &CowPages{
		hs:      hs,
		pool:    pool,
		options: options,
		size:    size,
		pages:   newPageList(),
	}
}

func pageRangeAt(off uint64) vmpage.Range {
	return vmpage.Range{Start: off, End: off + vmpage.PageSize}
}

// markMutatedLocked invalidates cached derivations after any mutation.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) markMutatedLocked() {
	c.hs.incGenLocked()
}

// isContiguous returns whether committed frames are physically fixed.
func (c *CowPages) isContiguous() bool {
	return c.options&OptContiguous != 0
}

// walkSliceLocked resolves a slice chain to the owning container and
// translates off into its space. Non-slice containers return themselves.
//
// Preconditions: c.hs.mu must be locked. off < c.size.
func (c *CowPages) walkSliceLocked(off uint64) (*CowPages, uint64) {
	for c.isSlice {
		off += c.parentOffset
		c = c.parent
	}
	return c, off
}

// contentRef describes where content for one offset currently lives.
type contentRef struct {
	// owner and slot are set if an ancestor (possibly c itself) holds a
	// populated slot. A slotZero or slotGone slot means zero content.
	owner *CowPages
	slot  *pageSlot

	// sourceOwner is set if the offset must come from a page source;
	// sourceOff is the offset in sourceOwner's space.
	sourceOwner *CowPages
	sourceOff   uint64
}

// findContentLocked walks the parent chain to find the content visible
// at off. A fully-zero result has all fields nil.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. off < c.size.
func (c *CowPages) findContentLocked(off uint64) contentRef {
	cur, curOff := c, off
	for {
		if s := cur.pages.Lookup(curOff); s != nil {
			return contentRef{owner: cur, slot: s}
		}
		if cur.source != nil {
			return contentRef{sourceOwner: cur, sourceOff: curOff}
		}
		if cur.parent == nil || curOff >= cur.parentLimit {
			return contentRef{}
		}
		curOff += cur.parentOffset
		cur = cur.parent
		if curOff >= cur.size {
			return contentRef{}
		}
	}
}

// readableBytesLocked returns the bytes readable at the page containing
// off without committing anything, or a request to wait on if the page
// must be fetched. Contiguous objects are the exception: a decommitted
// fixed frame is reclaimed synchronously, dropping the lock across the
// pool recall.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. off is
// page-aligned and < c.size.
func (c *CowPages) readableBytesLocked(off uint64) ([]byte, *PageRequest, error) {
	ref := c.findContentLocked(off)
	switch {
	case ref.slot != nil && ref.slot.state == slotPage:
		return c.pool.PageData(ref.slot.frame), nil, nil
	case ref.slot != nil:
		return zeroPage[:], nil, nil
	case ref.sourceOwner != nil:
		if ref.sourceOwner.provider != nil {
			s, err := ref.sourceOwner.reclaimContiguousLocked(ref.sourceOff)
			if err != nil {
				return nil, nil, err
			}
			return c.pool.PageData(s.frame), nil, nil
		}
		req, err := ref.sourceOwner.requestPageLocked(ref.sourceOff)
		return nil, req, err
	default:
		return zeroPage[:], nil, nil
	}
}

// requestPageLocked asks c's source for the page at off.
//
// Preconditions: c.hs.mu must be locked. c.source != nil. c.provider ==
// nil; contiguous frames are reclaimed synchronously, see
// reclaimContiguousLocked.
func (c *CowPages) requestPageLocked(off uint64) (*PageRequest, error) {
	if c.sourceDetached {
		return nil, zxerr.NotFound
	}
	return c.source.Request(pageRangeAt(off)), nil
}

// allocFrameLocked allocates one frame, borrowing a loaned frame when
// the pool is otherwise exhausted. The frame contents are unspecified.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) allocFrameLocked() (pmm.Paddr, bool, error) {
	// Contiguous objects never hold borrowed frames; their slots must
	// stay at fixed addresses.
	if c.isContiguous() {
		pa, err := c.pool.AllocPage()
		return pa, false, err
	}
	return c.pool.AllocPageBorrowed(borrowRecaller{c})
}

// installPageLocked replaces whatever slot exists at off with an owned
// frame, preserving the pin count. Any replaced frame is freed after
// mappings are notified.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) installPageLocked(off uint64, frame pmm.Paddr, loaned bool, dirty DirtyState) *pageSlot {
	s := &pageSlot{off: off, state: slotPage, frame: frame, loaned: loaned, dirty: dirty}
	if old := c.pages.Insert(s); old != nil {
		s.pinCount = old.pinCount
		s.alwaysNeed = old.alwaysNeed
		if old.state == slotPage {
			c.rangeChangeUpdateLocked(pageRangeAt(off), RangeChangeUnmap)
			c.freeFrameLocked(old)
		}
	}
	c.markMutatedLocked()
	return s
}

// freeFrameLocked returns a slot's frame to the pool. Mappings must have
// been notified already.
//
// Preconditions: c.hs.mu must be locked. s.state == slotPage.
func (c *CowPages) freeFrameLocked(s *pageSlot) {
	globalQueues.forget(c, s.off)
	c.pool.Free(s.frame)
	s.frame = pmm.NilPaddr
}

// markDirtyLocked transitions a written page to the dirty state and
// informs the source on the clean-to-dirty edge.
//
// Preconditions: c.hs.mu must be locked. s.state == slotPage.
func (c *CowPages) markDirtyLocked(s *pageSlot) {
	if !c.dirtyTracking {
		return
	}
	was := s.dirty
	s.dirty = DirtyDirty
	if was != DirtyDirty {
		if dn, ok := c.source.(DirtyNotifier); ok {
			dn.OnDirty(pageRangeAt(s.off))
		}
	}
}

// readThroughSnapshotChildrenLocked calls fn for every snapshot child
// that observes offset off of c by read-through, passing the offset in
// the child's space.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) readThroughSnapshotChildrenLocked(off uint64, fn func(child *CowPages, childOff uint64)) {
	for _, child := range c.children {
		if child.isSlice {
			continue
		}
		if off < child.parentOffset || off >= child.parentOffset+child.parentLimit {
			continue
		}
		childOff := off - child.parentOffset
		if childOff >= child.size || child.pages.Lookup(childOff) != nil {
			continue
		}
		fn(child, childOff)
	}
}

// hasSnapshotReadersLocked reports whether any snapshot child observes
// offset off of c by read-through.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) hasSnapshotReadersLocked(off uint64) bool {
	found := false
	c.readThroughSnapshotChildrenLocked(off, func(*CowPages, uint64) {
		found = true
	})
	return found
}

// hasSnapshotChildrenLocked reports whether c has any snapshot children.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) hasSnapshotChildrenLocked() bool {
	for _, child := range c.children {
		if !child.isSlice {
			return true
		}
	}
	return false
}

// pushDownLocked copies c's frame at off into every snapshot child that
// still reads through that offset, so a subsequent write to c's frame
// cannot change what the children observe.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) pushDownLocked(off uint64) error {
	src := c.pages.Lookup(off)
	if src == nil || src.state != slotPage {
		return nil
	}
	return c.copyDownLocked(off, src.frame)
}

// copyDownLocked gives every snapshot child reading through off a
// private copy of the given frame.
//
// Preconditions: c.hs.mu must be locked. from is a live frame.
func (c *CowPages) copyDownLocked(off uint64, from pmm.Paddr) error {
	var cerr error
	c.readThroughSnapshotChildrenLocked(off, func(child *CowPages, childOff uint64) {
		if cerr != nil {
			return
		}
		frame, loaned, err := child.allocFrameLocked()
		if err != nil {
			cerr = err
			return
		}
		copy(c.pool.PageData(frame), c.pool.PageData(from))
		child.installPageLocked(childOff, frame, loaned, DirtyUntracked)
	})
	return cerr
}

// markZeroDownLocked records, as zero markers, the zero content every
// snapshot child reading through off currently observes.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) markZeroDownLocked(off uint64) {
	changed := false
	c.readThroughSnapshotChildrenLocked(off, func(child *CowPages, childOff uint64) {
		child.pages.Insert(&pageSlot{off: childOff, state: slotZero})
		changed = true
	})
	if changed {
		c.markMutatedLocked()
	}
}

// notifyReadThroughChildrenLocked broadcasts RemoveWrite for offset off
// of c to every child still reading through it.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) notifyReadThroughChildrenLocked(off uint64) {
	for _, child := range c.children {
		if off < child.parentOffset || off >= child.parentOffset+child.parentLimit {
			continue
		}
		childOff := off - child.parentOffset
		if childOff >= child.size {
			continue
		}
		if !child.isSlice && child.pages.Lookup(childOff) != nil {
			continue
		}
		child.rangeChangeUpdateLocked(pageRangeAt(childOff), RangeChangeRemoveWrite)
	}
}

// ensureOwnedPageLocked makes off hold an owned frame in c, forking from
// the parent, fetching from the source, or zero-filling as required. A
// nil slot with a non-nil request means the caller must wait and retry.
//
// forWrite marks the intent to modify the frame: snapshot children are
// shielded first and dirty tracking is updated.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. off is
// page-aligned and < c.size.
func (c *CowPages) ensureOwnedPageLocked(off uint64, forWrite bool) (*pageSlot, *PageRequest, error) {
	if s := c.pages.Lookup(off); s != nil && s.state == slotPage {
		if forWrite {
			if err := c.pushDownLocked(off); err != nil {
				return nil, nil, err
			}
			c.markDirtyLocked(s)
			c.markMutatedLocked()
		}
		return s, nil, nil
	}

	if c.provider != nil {
		s, err := c.reclaimContiguousLocked(off)
		if err != nil {
			return nil, nil, err
		}
		if forWrite {
			c.markMutatedLocked()
		}
		return s, nil, nil
	}

	ref := c.findContentLocked(off)
	var (
		frame    pmm.Paddr
		loaned   bool
		err      error
		fromZero bool
	)
	switch {
	case ref.sourceOwner != nil:
		req, rerr := ref.sourceOwner.requestPageLocked(ref.sourceOff)
		return nil, req, rerr
	case ref.slot != nil && ref.slot.state == slotPage:
		// COW fork: own a copy of the ancestor's frame. Siblings that
		// share the ancestor frame lose write access first.
		frame, loaned, err = c.allocFrameLocked()
		if err != nil {
			return nil, nil, err
		}
		copy(c.pool.PageData(frame), c.pool.PageData(ref.slot.frame))
		ref.owner.notifyReadThroughChildrenLocked(ref.slot.off)
	default:
		// Zero content everywhere above; own a zero-filled frame.
		fromZero = true
		frame, loaned, err = c.allocFrameLocked()
		if err != nil {
			return nil, nil, err
		}
		c.pool.ZeroPage(frame)
	}

	dirty := DirtyUntracked
	if c.dirtyTracking {
		// Content not supplied by the source starts out dirty so the
		// source learns about it on the next writeback cycle.
		dirty = DirtyDirty
	}
	s := c.installPageLocked(off, frame, loaned, dirty)
	if forWrite {
		// The new frame now interposes between snapshot children and the
		// content they were reading through; they keep their prior view
		// before the caller's write lands.
		if fromZero {
			c.markZeroDownLocked(off)
		} else if err := c.pushDownLocked(off); err != nil {
			return nil, nil, err
		}
	}
	if dirty == DirtyDirty {
		if dn, ok := c.source.(DirtyNotifier); ok {
			dn.OnDirty(pageRangeAt(off))
		}
	}
	globalQueues.noteCommitted(c, off)
	return s, nil, nil
}

// reclaimContiguousLocked brings the fixed frame for off back from loan.
// The hierarchy lock is dropped across the pool recall, so callers must
// revalidate any state sampled before the call.
//
// Preconditions: c.hs.mu must be locked. c.provider != nil.
func (c *CowPages) reclaimContiguousLocked(off uint64) (*pageSlot, error) {
	pa := c.provider.FrameAt(off)
	c.hs.mu.Unlock()
	err := c.pool.ReclaimLoan(pa)
	c.hs.mu.Lock()
	if s := c.pages.Lookup(off); s != nil && s.state == slotPage {
		// A racing commit reinstalled the frame while the lock was
		// dropped; its ReclaimLoan won and ours failed.
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	c.pool.ZeroPage(pa)
	return c.installPageLocked(off, pa, false, DirtyUntracked), nil
}

// commitRangeLocked commits every missing page in r, in order. It
// returns the number of bytes committed before a stall or error; on a
// stall the returned request must be waited on and the operation retried
// at the same offsets.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned and within size.
func (c *CowPages) commitRangeLocked(r vmpage.Range) (uint64, *PageRequest, error) {
	var done uint64
	for off := r.Start; off < r.End; off += vmpage.PageSize {
		_, req, err := c.ensureOwnedPageLocked(off, false)
		if req != nil || err != nil {
			return done, req, err
		}
		done += vmpage.PageSize
	}
	return done, nil, nil
}

// pinRangeLocked pins every page in r. All pages must already be owned;
// on any failure the pins taken by this call are released.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned, within size, and non-empty.
func (c *CowPages) pinRangeLocked(r vmpage.Range) error {
	var pinned []*pageSlot
	unwind := func() {
		for _, s := range pinned {
			s.pinCount--
			if s.pinCount == 0 {
				c.pinnedCount--
			}
		}
	}
	for off := r.Start; off < r.End; off += vmpage.PageSize {
		s := c.pages.Lookup(off)
		if s == nil || s.state != slotPage {
			// The page went away between commit and pin; the caller
			// recommits and retries.
			unwind()
			return zxerr.ShouldWait
		}
		if s.pinCount == maxPinCount {
			unwind()
			return zxerr.Unavailable
		}
		if s.pinCount == 0 {
			c.pinnedCount++
		}
		s.pinCount++
		pinned = append(pinned, s)
	}
	c.markMutatedLocked()
	return nil
}

// unpinRangeLocked releases one pin from every page in r. Unpinning a
// page that is not pinned is a hard error.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned, within size, and non-empty.
func (c *CowPages) unpinRangeLocked(r vmpage.Range) {
	for off := r.Start; off < r.End; off += vmpage.PageSize {
		s := c.pages.Lookup(off)
		if s == nil || s.state != slotPage || s.pinCount == 0 {
			panic(fmt.Sprintf("unpin of unpinned page at offset %#x", off))
		}
		s.pinCount--
		if s.pinCount == 0 {
			c.pinnedCount--
		}
	}
	c.markMutatedLocked()
}

// decommitRangeLocked frees all pages in r.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned and within size.
func (c *CowPages) decommitRangeLocked(r vmpage.Range) error {
	if c.isContiguous() && !c.pool.LoaningEnabled() {
		return zxerr.NotSupported
	}
	if c.parent != nil || c.hasSnapshotChildrenLocked() {
		// Pages here may be the content snapshot children observe, and
		// freeing a clone's fork would silently revert it to the parent
		// view. Decommit operates on lone objects only.
		return zxerr.BadState
	}
	if c.pages.AnyPinnedInRange(r) {
		return zxerr.BadState
	}
	offs := c.pages.OffsetsInRange(r)
	if len(offs) == 0 {
		return nil
	}
	c.rangeChangeUpdateLocked(r, RangeChangeUnmap)
	for _, off := range offs {
		s := c.pages.Remove(off)
		if s.state != slotPage {
			continue
		}
		if c.isContiguous() {
			// The frame keeps its fixed identity; lend it out instead of
			// freeing it.
			globalQueues.forget(c, off)
			c.pool.Loan(s.frame)
			continue
		}
		c.freeFrameLocked(s)
	}
	c.markMutatedLocked()
	return nil
}

// zeroPageSlotLocked makes one fully-covered page read as zero,
// releasing its frame when permitted. Snapshot children reading through
// the page keep the content it held. A nil slot with a non-nil request
// means the caller must wait and retry.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. off is
// page-aligned and < c.size.
func (c *CowPages) zeroPageSlotLocked(off uint64) (*PageRequest, error) {
	s := c.pages.Lookup(off)
	if s != nil && s.state != slotPage {
		// Already a zero or discard marker.
		return nil, nil
	}
	if c.isContiguous() {
		if s == nil {
			// A decommitted frame already reads as zero; recommitting it
			// here would change the committed page count.
			return nil, nil
		}
		c.rangeChangeUpdateLocked(pageRangeAt(off), RangeChangeUnmap)
		c.pool.ZeroPage(s.frame)
		c.markMutatedLocked()
		return nil, nil
	}
	if s == nil {
		// Nothing committed locally. A marker is still needed if the
		// parent chain could supply non-zero content, and that content
		// must reach any snapshot children before the marker hides it.
		ref := c.findContentLocked(off)
		switch {
		case ref.slot != nil && ref.slot.state == slotPage:
			if err := c.copyDownLocked(off, ref.slot.frame); err != nil {
				return nil, err
			}
		case ref.sourceOwner != nil:
			if c.hasSnapshotReadersLocked(off) {
				// The children's view is unresident pager content; fetch
				// it before hiding it.
				return ref.sourceOwner.requestPageLocked(ref.sourceOff)
			}
		default:
			return nil, nil
		}
		c.pages.Insert(&pageSlot{off: off, state: slotZero})
		c.markMutatedLocked()
		return nil, nil
	}
	if err := c.pushDownLocked(off); err != nil {
		return nil, err
	}
	if s.pinCount > 0 {
		// Pinned frames stay put; zero the contents in place.
		c.rangeChangeUpdateLocked(pageRangeAt(off), RangeChangeUnmap)
		c.pool.ZeroPage(s.frame)
		c.markDirtyLocked(s)
		c.markMutatedLocked()
		return nil, nil
	}
	c.rangeChangeUpdateLocked(pageRangeAt(off), RangeChangeUnmap)
	c.freeFrameLocked(s)
	s.state = slotZero
	s.loaned = false
	if c.dirtyTracking {
		s.dirty = DirtyDirty
		if dn, ok := c.source.(DirtyNotifier); ok {
			dn.OnDirty(pageRangeAt(off))
		}
	}
	c.markMutatedLocked()
	return nil, nil
}

// resizeLocked changes the object size.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. newSize is
// page-aligned.
func (c *CowPages) resizeLocked(newSize uint64) error {
	if newSize == c.size {
		return nil
	}
	if newSize < c.size {
		tail := vmpage.Range{Start: newSize, End: c.size}
		if c.pages.AnyPinnedInRange(tail) {
			return zxerr.BadState
		}
		c.rangeChangeUpdateLocked(tail, RangeChangeUnmap)
		for _, off := range c.pages.OffsetsInRange(tail) {
			s := c.pages.Remove(off)
			if s.state == slotPage {
				c.freeFrameLocked(s)
			}
		}
	}
	c.size = newSize
	c.markMutatedLocked()
	return nil
}

// takePagesLocked detaches all slots in r into a splice list.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned and within size.
func (c *CowPages) takePagesLocked(r vmpage.Range) (*SpliceList, error) {
	if len(c.children) != 0 || c.isContiguous() {
		return nil, zxerr.BadState
	}
	if c.pages.AnyPinnedInRange(r) {
		return nil, zxerr.BadState
	}
	c.rangeChangeUpdateLocked(r, RangeChangeUnmap)
	sl := NewSpliceList(r.Length())
	for _, s := range c.pages.TakeRange(r) {
		globalQueues.forget(c, s.off)
		s.off -= r.Start
		if s.state == slotGone {
			s.state = slotZero
		}
		s.dirty = DirtyUntracked
		sl.append(s)
	}
	c.markMutatedLocked()
	return sl, nil
}

// supplyPagesLocked installs a splice list into r. Offsets already
// populated keep their page; the incoming frame is freed.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned, within size, and r.Length() == sl.Length().
func (c *CowPages) supplyPagesLocked(r vmpage.Range, sl *SpliceList) error {
	if r.Length() != sl.Length() {
		return zxerr.InvalidArgs
	}
	c.rangeChangeUpdateLocked(r, RangeChangeUnmap)
	for _, s := range sl.take() {
		off := r.Start + s.off
		if c.pages.Lookup(off) != nil {
			if s.state == slotPage {
				c.pool.Free(s.frame)
			}
			continue
		}
		s.off = off
		s.pinCount = 0
		if c.dirtyTracking {
			s.dirty = DirtyClean
		}
		c.pages.Insert(s)
		if s.state == slotPage {
			globalQueues.noteCommitted(c, off)
		}
	}
	if c.source != nil {
		c.source.OnSupply(r)
	}
	c.markMutatedLocked()
	return nil
}

// lookupCommittedLocked walks committed frames in r without committing
// anything, yielding each page's offset and frame.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned and within size.
func (c *CowPages) lookupCommittedLocked(r vmpage.Range, fn func(off uint64, pa pmm.Paddr) error) error {
	var ferr error
	c.pages.ForEachInRange(r, func(s *pageSlot) bool {
		if s.state != slotPage {
			return true
		}
		if err := fn(s.off, s.frame); err != nil {
			ferr = err
			return false
		}
		return true
	})
	return ferr
}

// lookupContiguousLocked returns the base frame of r, requiring every
// page to be committed and physically adjacent to the previous one.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned, within size, and non-empty.
func (c *CowPages) lookupContiguousLocked(r vmpage.Range) (pmm.Paddr, error) {
	if !c.isContiguous() && r.Length() != vmpage.PageSize {
		return pmm.NilPaddr, zxerr.InvalidArgs
	}
	base := pmm.NilPaddr
	for off := r.Start; off < r.End; off += vmpage.PageSize {
		s := c.pages.Lookup(off)
		if s == nil || s.state != slotPage {
			return pmm.NilPaddr, zxerr.NotFound
		}
		if base == pmm.NilPaddr {
			base = s.frame
		} else if s.frame != base+pmm.Paddr(off-r.Start) {
			return pmm.NilPaddr, zxerr.BadState
		}
	}
	return base, nil
}

// attributedPagesLocked counts the pages r resolves to: owned slots plus
// ancestor frames visible by read-through. The full-object query is
// cached against the generation counter.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned and within size.
func (c *CowPages) attributedPagesLocked(r vmpage.Range) uint64 {
	full := r.Start == 0 && r.End == c.size
	if full && c.attrValid && c.attrGen == c.hs.genLocked() {
		return c.attrPages
	}
	var n uint64
	for off := r.Start; off < r.End; off += vmpage.PageSize {
		if ref := c.findContentLocked(off); ref.slot != nil && ref.slot.state == slotPage {
			n++
		}
	}
	if full {
		c.attrGen = c.hs.genLocked()
		c.attrPages = n
		c.attrValid = true
	}
	return n
}

// scanForZeroPagesLocked deduplicates all-zero committed frames into
// zero markers. With reclaim false it only counts candidates.
//
// Preconditions: c.hs.mu must be locked. c is not a slice.
func (c *CowPages) scanForZeroPagesLocked(reclaim bool) uint64 {
	all := vmpage.Range{Start: 0, End: c.size}
	// Writers racing through mappings must fault while the scan compares
	// frame contents.
	c.rangeChangeUpdateLocked(all, RangeChangeRemoveWrite)
	var matched []uint64
	c.pages.ForEachInRange(all, func(s *pageSlot) bool {
		if s.state != slotPage || s.pinCount > 0 || s.loaned {
			return true
		}
		if c.dirtyTracking && s.dirty != DirtyClean && s.dirty != DirtyUntracked {
			return true
		}
		if bytes.Equal(c.pool.PageData(s.frame), zeroPage[:]) {
			matched = append(matched, s.off)
		}
		return true
	})
	if !reclaim {
		return uint64(len(matched))
	}
	for _, off := range matched {
		s := c.pages.Lookup(off)
		c.rangeChangeUpdateLocked(pageRangeAt(off), RangeChangeUnmap)
		c.freeFrameLocked(s)
		s.state = slotZero
		s.loaned = false
	}
	if len(matched) != 0 {
		c.markMutatedLocked()
	}
	return uint64(len(matched))
}

// Discardable state transitions.

// lockRangeLocked takes the discard lock. It reports whether the pages
// were discarded since the object was last locked.
//
// Preconditions: c.hs.mu must be locked. c is discardable and not a
// slice.
func (c *CowPages) lockRangeLocked() bool {
	c.lockCount++
	wasDiscarded := c.discarded
	if wasDiscarded && c.lockCount == 1 {
		c.discarded = false
		for _, off := range c.pages.OffsetsInRange(vmpage.Range{Start: 0, End: c.size}) {
			if s := c.pages.Lookup(off); s.state == slotGone {
				c.pages.Remove(off)
			}
		}
		c.markMutatedLocked()
	}
	return wasDiscarded
}

// tryLockRangeLocked takes the discard lock only if nothing was
// discarded.
//
// Preconditions: as for lockRangeLocked.
func (c *CowPages) tryLockRangeLocked() error {
	if c.discarded {
		return zxerr.Unavailable
	}
	c.lockCount++
	return nil
}

// unlockRangeLocked drops one discard lock.
//
// Preconditions: c.hs.mu must be locked. c is discardable and not a
// slice.
func (c *CowPages) unlockRangeLocked() error {
	if c.lockCount == 0 {
		return zxerr.BadState
	}
	c.lockCount--
	return nil
}

// discardLocked drops every page of an unlocked discardable object,
// leaving markers that read as zero and record the discard. Returns the
// number of frames freed.
//
// Preconditions: c.hs.mu must be locked. c is discardable, not a slice,
// and c.lockCount == 0.
func (c *CowPages) discardLocked() uint64 {
	all := vmpage.Range{Start: 0, End: c.size}
	if c.pages.AnyPinnedInRange(all) {
		return 0
	}
	offs := c.pages.OffsetsInRange(all)
	if len(offs) == 0 {
		return 0
	}
	c.rangeChangeUpdateLocked(all, RangeChangeUnmap)
	var freed uint64
	for _, off := range offs {
		s := c.pages.Lookup(off)
		if s.state == slotPage {
			c.freeFrameLocked(s)
			freed++
		}
		s.state = slotGone
		s.loaned = false
	}
	c.discarded = true
	c.markMutatedLocked()
	log.Debugf("vm: discarded %d pages from unlocked object", freed)
	return freed
}

// evictPageLocked releases one clean pager-backed page for reclaim.
// Returns false if the page is not evictable.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) evictPageLocked(off uint64) bool {
	if c.dead || c.source == nil || !c.source.Properties().IsPreservingPageContent {
		return false
	}
	s := c.pages.Lookup(off)
	if s == nil || s.state != slotPage || s.pinCount > 0 || s.alwaysNeed {
		return false
	}
	if c.dirtyTracking && s.dirty != DirtyClean {
		return false
	}
	c.rangeChangeUpdateLocked(pageRangeAt(off), RangeChangeUnmap)
	c.freeFrameLocked(s)
	c.pages.Remove(off)
	c.markMutatedLocked()
	return true
}

// Dirty tracking and writeback.

// dirtyRangesLocked yields maximal runs of pages in r whose state is
// DirtyDirty.
//
// Preconditions: c.hs.mu must be locked. c is not a slice. r is
// page-aligned and within size.
func (c *CowPages) dirtyRangesLocked(r vmpage.Range) []vmpage.Range {
	var out []vmpage.Range
	c.pages.ForEachInRange(r, func(s *pageSlot) bool {
		if s.dirty != DirtyDirty {
			return true
		}
		if n := len(out); n > 0 && out[n-1].End == s.off {
			out[n-1].End = s.off + vmpage.PageSize
		} else {
			out = append(out, pageRangeAt(s.off))
		}
		return true
	})
	return out
}

// writebackBeginLocked moves dirty pages in r to awaiting-clean and
// downgrades mappings so any write during writeback is observed.
//
// Preconditions: c.hs.mu must be locked. c is not a slice and has dirty
// tracking. r is page-aligned and within size.
func (c *CowPages) writebackBeginLocked(r vmpage.Range) {
	c.rangeChangeUpdateLocked(r, RangeChangeRemoveWrite)
	c.pages.ForEachInRange(r, func(s *pageSlot) bool {
		if s.dirty == DirtyDirty {
			s.dirty = DirtyAwaitingClean
		}
		return true
	})
	c.markMutatedLocked()
}

// writebackEndLocked marks awaiting-clean pages in r clean. Pages
// re-dirtied since writebackBegin stay dirty.
//
// Preconditions: as for writebackBeginLocked.
func (c *CowPages) writebackEndLocked(r vmpage.Range) {
	c.pages.ForEachInRange(r, func(s *pageSlot) bool {
		if s.dirty == DirtyAwaitingClean {
			s.dirty = DirtyClean
			if s.state == slotPage && !s.alwaysNeed {
				// Clean again, so evictable again.
				globalQueues.noteCommitted(c, s.off)
			}
		}
		return true
	})
	c.markMutatedLocked()
}

// detachSourceLocked severs the page source. Outstanding requests fail
// and absent offsets become permanent faults.
//
// Preconditions: c.hs.mu must be locked. c.source != nil.
func (c *CowPages) detachSourceLocked() {
	if c.sourceDetached {
		return
	}
	c.sourceDetached = true
	c.source.Detach()
	c.markMutatedLocked()
}

// Destruction.

// addChildLocked links child under c.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) addChildLocked(child *CowPages) {
	child.parent = c
	c.children = append(c.children, child)
	c.markMutatedLocked()
}

// unlinkChildLocked detaches child from c's child list.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) unlinkChildLocked(child *CowPages) {
	for i, cc := range c.children {
		if cc == child {
			c.children = append(c.children[:i], c.children[i+1:]...)
			break
		}
	}
	child.parent = nil
}

// removeChildLocked unlinks child from c and completes c's own
// destruction if it was only kept alive for this child.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) removeChildLocked(child *CowPages) {
	c.unlinkChildLocked(child)
	if c.dead && len(c.children) == 0 {
		c.releasePagesLocked()
		if c.parent != nil {
			c.parent.removeChildLocked(c)
		}
	}
}

// releasePagesLocked frees every frame and clears the page table.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) releasePagesLocked() {
	all := vmpage.Range{Start: 0, End: c.size}
	c.rangeChangeUpdateLocked(all, RangeChangeUnmap)
	for _, off := range c.pages.OffsetsInRange(all) {
		s := c.pages.Remove(off)
		if s.state == slotPage {
			c.freeFrameLocked(s)
		}
	}
	if c.provider != nil {
		// Loans on decommitted frames end; frames still committed were
		// freed above, so reclaim what remains of the run.
		for off := uint64(0); off < c.size; off += vmpage.PageSize {
			c.pool.EndLoanIfLoaned(c.provider.FrameAt(off))
		}
	}
	c.markMutatedLocked()
}

// destroyLocked tears the container down when its facade's last
// reference drops. Snapshot children inherit the frames they were
// reading through, then all children are reparented to the grandparent.
// A node still referenced by slice children stays, dead, until they go.
//
// Preconditions: c.hs.mu must be locked.
func (c *CowPages) destroyLocked() {
	c.paged = nil
	c.dead = true
	if c.source != nil {
		c.detachSourceLocked()
	}
	globalQueues.dropObject(c)

	hasSlices := false
	var snapshots []*CowPages
	for _, child := range c.children {
		if child.isSlice {
			hasSlices = true
		} else {
			snapshots = append(snapshots, child)
		}
	}

	// Move or copy owned frames into snapshot children that still read
	// through them, preserving their point-in-time view.
	for _, off := range c.pages.OffsetsInRange(vmpage.Range{Start: 0, End: c.size}) {
		s := c.pages.Lookup(off)
		if s.state != slotPage {
			continue
		}
		var takers []*CowPages
		for _, child := range snapshots {
			if off < child.parentOffset || off >= child.parentOffset+child.parentLimit {
				continue
			}
			if childOff := off - child.parentOffset; childOff < child.size && child.pages.Lookup(childOff) == nil {
				takers = append(takers, child)
			}
		}
		for i, child := range takers {
			childOff := off - child.parentOffset
			if i == len(takers)-1 && !hasSlices {
				// Last taker inherits the frame itself.
				c.pages.Remove(off)
				globalQueues.forget(c, off)
				s.off = childOff
				s.pinCount = 0
				s.dirty = DirtyUntracked
				child.pages.Insert(s)
			} else {
				frame, loaned, err := child.allocFrameLocked()
				if err != nil {
					log.Warningf("vm: dropping snapshot content at offset %#x: %v", childOff, err)
					continue
				}
				copy(c.pool.PageData(frame), c.pool.PageData(s.frame))
				child.installPageLocked(childOff, frame, loaned, DirtyUntracked)
			}
		}
	}

	// Reparent snapshot children to the grandparent, composing the two
	// windows. Children are unlinked directly; removeChildLocked would
	// complete this dead node's teardown before reparenting is done.
	for _, child := range snapshots {
		c.unlinkChildLocked(child)
		if c.parent == nil {
			child.parentOffset = 0
			child.parentLimit = 0
			continue
		}
		newOffset := child.parentOffset + c.parentOffset
		newLimit := child.parentLimit
		if child.parentOffset >= c.parentLimit {
			newLimit = 0
		} else if child.parentOffset+newLimit > c.parentLimit {
			newLimit = c.parentLimit - child.parentOffset
		}
		child.parentOffset = newOffset
		child.parentLimit = newLimit
		c.parent.addChildLocked(child)
	}

	if hasSlices {
		// Slice children share these frames directly; the node lingers
		// until removeChildLocked drops the last one.
		c.markMutatedLocked()
		return
	}
	c.releasePagesLocked()
	if c.parent != nil {
		c.parent.removeChildLocked(c)
	}
	c.markMutatedLocked()
}

// borrowRecaller adapts CowPages to pmm.Borrower without letting pool
// recall calls race object destruction; the hierarchy lock is taken
// inside the recall.
type borrowRecaller struct {
	c *CowPages
}

// RecallFrame implements pmm.Borrower.RecallFrame. The pool calls it
// without holding any pool lock; the frame's contents are moved to a
// fresh frame and pa is returned to the loan.
func (br borrowRecaller) RecallFrame(pa pmm.Paddr) error {
	c := br.c
	c.hs.mu.Lock()
	defer c.hs.mu.Unlock()
	var victim *pageSlot
	c.pages.ForEachInRange(vmpage.Range{Start: 0, End: c.size}, func(s *pageSlot) bool {
		if s.state == slotPage && s.loaned && s.frame == pa {
			victim = s
			return false
		}
		return true
	})
	if victim == nil {
		// Already freed; Free left the loan outstanding, so the pool can
		// complete the reclaim on its own.
		return nil
	}
	if victim.pinCount > 0 {
		return zxerr.BadState
	}
	repl, err := c.pool.AllocPage()
	if err != nil {
		return err
	}
	copy(c.pool.PageData(repl), c.pool.PageData(pa))
	c.rangeChangeUpdateLocked(pageRangeAt(victim.off), RangeChangeUnmap)
	victim.frame = repl
	victim.loaned = false
	c.pool.ReturnLoan(pa)
	c.markMutatedLocked()
	return nil
}
