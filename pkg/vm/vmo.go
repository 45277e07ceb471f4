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

// Package vm implements paged virtual-memory objects: reference-counted
// containers of pages with copy-on-write snapshot and slice children,
// per-page pinning and loaning, demand paging against user-pagers with
// dirty tracking, discardable memory, and zero-page deduplication.
//
// All objects in one tree share a single hierarchy lock; operations on
// the tree are linearizable. Operations that stall on a page source drop
// the lock, wait, and retry at the same offsets.
package vm

import (
	"context"
	"fmt"
	"sync/atomic"

	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/log"
	"zvmo.dev/zvmo/pkg/vm/pmm"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// PagedObject is the public face of one VM object. It holds the options,
// cache policy, name and mapping list, and delegates page operations to
// its CowPages.
//
// A PagedObject is reference counted; the container is torn down when
// the last reference drops. Children keep working after a parent's
// destruction: they are reparented and inherit the frames they were
// reading through.
type PagedObject struct {
	refs int64

	hs  *HierarchyState
	cow *CowPages

	options Options

	// The fields below are protected by hs.mu.
	cachePolicy CachePolicy
	name        string
	userID      uint64
	mappings    []mappingEntry
}

func newPagedObject(hs *HierarchyState, cow *CowPages, options Options) *PagedObject {
	o := &PagedObject{
		refs:        1,
		hs:          hs,
		cow:         cow,
		options:     options,
		cachePolicy: CachePolicyCached,
	}
	cow.paged = o
	return o
}

// Create creates an anonymous object of the given size, rounded up to a
// page multiple. Contiguous objects must use CreateContiguous and slices
// CreateChildSlice.
func Create(pool *pmm.Pool, options Options, size uint64) (*PagedObject, error) {
	if options&(OptContiguous|OptSlice) != 0 {
		return nil, zxerr.InvalidArgs
	}
	size, ok := vmpage.RoundUp(size)
	if !ok {
		return nil, zxerr.OutOfRange
	}
	hs := NewHierarchyState()
	cow := newCowPages(hs, pool, options, size)
	if options&OptDiscardable != 0 {
		globalQueues.registerDiscardable(cow)
	}
	return newPagedObject(hs, cow, options), nil
}

// CreateContiguous creates an object whose pages are committed up front
// as one physically contiguous run aligned to 1<<alignLog2 bytes.
// Contiguous objects are not resizable; their page source is a
// PhysicalPageProvider, so decommitted frames keep their identity.
func CreateContiguous(pool *pmm.Pool, size uint64, alignLog2 uint8) (*PagedObject, error) {
	size, ok := vmpage.RoundUp(size)
	if !ok || size == 0 {
		return nil, zxerr.InvalidArgs
	}
	npages := vmpage.Pages(size)
	if alignLog2 == 0 {
		alignLog2 = vmpage.PageShift
	}
	base, err := pool.AllocContiguous(npages, alignLog2)
	if err != nil {
		return nil, err
	}
	hs := NewHierarchyState()
	cow := newCowPages(hs, pool, OptContiguous, size)
	provider := newPhysicalPageProvider(pool, base, size)
	cow.source = provider
	cow.provider = provider
	for off := uint64(0); off < size; off += vmpage.PageSize {
		pa := base + pmm.Paddr(off)
		pool.ZeroPage(pa)
		cow.pages.Insert(&pageSlot{off: off, state: slotPage, frame: pa})
	}
	return newPagedObject(hs, cow, OptContiguous), nil
}

// CreateFromWiredPages imports size bytes of already-allocated frames
// starting at base. With exclusive true the caller relinquishes its own
// use of the frames; with exclusive false every page is pinned so the
// frames can never move or be reclaimed out from under the caller.
func CreateFromWiredPages(pool *pmm.Pool, base pmm.Paddr, size uint64, exclusive bool) (*PagedObject, error) {
	if !vmpage.IsAligned(size) || size == 0 {
		return nil, zxerr.InvalidArgs
	}
	hs := NewHierarchyState()
	cow := newCowPages(hs, pool, 0, size)
	for off := uint64(0); off < size; off += vmpage.PageSize {
		s := &pageSlot{off: off, state: slotPage, frame: base + pmm.Paddr(off)}
		if !exclusive {
			s.pinCount = 1
			cow.pinnedCount++
		}
		cow.pages.Insert(s)
	}
	return newPagedObject(hs, cow, 0), nil
}

// CreateExternal creates an object backed by the given page source.
// Absent offsets fault against the source instead of reading as zero.
// Discardable external objects are not supported.
func CreateExternal(pool *pmm.Pool, src Source, options Options, size uint64) (*PagedObject, error) {
	if options&(OptContiguous|OptSlice|OptDiscardable) != 0 {
		return nil, zxerr.InvalidArgs
	}
	size, ok := vmpage.RoundUp(size)
	if !ok {
		return nil, zxerr.OutOfRange
	}
	hs := NewHierarchyState()
	cow := newCowPages(hs, pool, options, size)
	cow.source = src
	if _, isDirty := src.(DirtyNotifier); isDirty && src.Properties().IsUserPager {
		cow.dirtyTracking = true
	}
	return newPagedObject(hs, cow, options), nil
}

// IncRef takes a reference.
func (o *PagedObject) IncRef() {
	if atomic.AddInt64(&o.refs, 1) <= 1 {
		panic("IncRef on destroyed PagedObject")
	}
}

// DecRef drops a reference, destroying the object when the last one
// goes. Children survive destruction; see CowPages.destroyLocked.
func (o *PagedObject) DecRef() {
	switch refs := atomic.AddInt64(&o.refs, -1); {
	case refs > 0:
		return
	case refs < 0:
		panic("DecRef on destroyed PagedObject")
	}
	o.hs.mu.Lock()
	o.mappings = nil
	o.cow.destroyLocked()
	o.hs.mu.Unlock()
}

// Size returns the current object size in bytes.
func (o *PagedObject) Size() uint64 {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	return o.cow.size
}

// Options returns the creation options.
func (o *PagedObject) Options() Options {
	return o.options
}

// CachePolicy returns the current cache policy.
func (o *PagedObject) CachePolicy() CachePolicy {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	return o.cachePolicy
}

// Name returns the object name.
func (o *PagedObject) Name() string {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	return o.name
}

// SetName sets the object name.
func (o *PagedObject) SetName(name string) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	o.name = name
}

// UserID returns the creator-assigned identifier.
func (o *PagedObject) UserID() uint64 {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	return o.userID
}

// SetUserID sets the creator-assigned identifier.
func (o *PagedObject) SetUserID(id uint64) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	o.userID = id
}

// AddMapping registers a mapping covering object offsets r. The range
// must be within the current size.
func (o *PagedObject) AddMapping(m Mapping, r vmpage.Range) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if !r.WellFormed() || !r.IsPageAligned() || r.End > o.cow.size {
		return zxerr.OutOfRange
	}
	o.mappings = append(o.mappings, mappingEntry{m: m, r: r})
	o.cow.markMutatedLocked()
	return nil
}

// RemoveMapping unregisters a mapping.
func (o *PagedObject) RemoveMapping(m Mapping) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	for i, me := range o.mappings {
		if me.m == m {
			o.mappings = append(o.mappings[:i], o.mappings[i+1:]...)
			o.cow.markMutatedLocked()
			return
		}
	}
}

// alignedRangeLocked validates a page-aligned operation range against
// the current size.
//
// Preconditions: o.hs.mu must be locked.
func (o *PagedObject) alignedRangeLocked(offset, length uint64) (vmpage.Range, error) {
	r, ok := vmpage.MakeRange(offset, length)
	if !ok {
		return vmpage.Range{}, zxerr.OutOfRange
	}
	if !r.IsPageAligned() {
		return vmpage.Range{}, zxerr.InvalidArgs
	}
	if r.End > o.cow.size {
		return vmpage.Range{}, zxerr.OutOfRange
	}
	return r, nil
}

// waitOn waits on a stalled fault with the hierarchy lock dropped. A
// timeout dumps the object state for diagnosis.
func (o *PagedObject) waitOn(ctx context.Context, req *PageRequest) error {
	err := req.Wait(ctx)
	if zxerr.Equals(zxerr.TimedOut, err) {
		log.Warningf("vm: page request for %v timed out", req.Range())
		o.DebugDump()
	}
	return err
}

// CreateChildSlice creates a reference-only view of [offset,
// offset+length) of o. The parent must be non-resizable and cached
// (contiguous parents excepted); the slice shares frames directly, so
// writes to either side are visible to both.
func (o *PagedObject) CreateChildSlice(offset, length uint64) (*PagedObject, error) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return nil, zxerr.InvalidArgs
	}
	if o.options&OptResizable != 0 {
		return nil, zxerr.NotSupported
	}
	if o.cachePolicy != CachePolicyCached && !o.cow.isContiguous() {
		return nil, zxerr.BadState
	}
	childOpts := OptSlice | (o.options & OptContiguous)
	child := newCowPages(o.hs, o.cow.pool, childOpts, length)
	child.isSlice = true
	child.parentOffset = r.Start
	child.parentLimit = length
	o.cow.addChildLocked(child)
	co := newPagedObject(o.hs, child, childOpts)
	co.cachePolicy = o.cachePolicy
	co.name = o.name
	return co, nil
}

// CreateClone creates a snapshot child observing o's content as of this
// instant over [offset, offset+length). Each side forks a private copy
// of a page on its first write to it. Cloning contiguous, discardable
// or non-cached objects is not supported.
func (o *PagedObject) CreateClone(ct CloneType, resizable bool, offset, length uint64) (*PagedObject, error) {
	if ct != CloneSnapshot {
		return nil, zxerr.InvalidArgs
	}
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if o.cow.isContiguous() || o.options&(OptSlice|OptDiscardable) != 0 {
		return nil, zxerr.NotSupported
	}
	if o.cachePolicy != CachePolicyCached {
		return nil, zxerr.BadState
	}
	r, ok := vmpage.MakeRange(offset, length)
	if !ok {
		return nil, zxerr.OutOfRange
	}
	if !r.IsPageAligned() {
		return nil, zxerr.InvalidArgs
	}
	var childOpts Options
	if resizable {
		childOpts |= OptResizable
	}
	child := newCowPages(o.hs, o.cow.pool, childOpts, length)
	child.parentOffset = r.Start
	if r.Start < o.cow.size {
		limit := o.cow.size - r.Start
		if limit > length {
			limit = length
		}
		child.parentLimit = limit
	}
	o.cow.addChildLocked(child)
	// Parent writes must now fault so the pre-write content can be
	// pushed down to the child first.
	o.cow.rangeChangeUpdateLocked(r.Intersect(vmpage.Range{End: o.cow.size}), RangeChangeRemoveWrite)
	return newPagedObject(o.hs, child, childOpts), nil
}

// Read copies len(dst) bytes starting at offset into dst, committing
// nothing. Reads of uncommitted offsets observe parent content, supplied
// pager content, or zeroes.
func (o *PagedObject) Read(ctx context.Context, dst []byte, offset uint64) error {
	return o.copyPages(ctx, offset, uint64(len(dst)), func(c *CowPages, off uint64) ([]byte, *PageRequest, error) {
		return c.readableBytesLocked(off)
	}, func(page []byte, inPage uint64, n uint64, done uint64) {
		copy(dst[done:done+n], page[inPage:inPage+n])
	})
}

// Write copies src into the object starting at offset, committing and
// forking pages as needed.
func (o *PagedObject) Write(ctx context.Context, src []byte, offset uint64) error {
	return o.copyPages(ctx, offset, uint64(len(src)), func(c *CowPages, off uint64) ([]byte, *PageRequest, error) {
		s, req, err := c.ensureOwnedPageLocked(off, true)
		if req != nil || err != nil {
			return nil, req, err
		}
		return c.pool.PageData(s.frame), nil, nil
	}, func(page []byte, inPage uint64, n uint64, done uint64) {
		copy(page[inPage:inPage+n], src[done:done+n])
	})
}

// copyPages runs the per-page copy loop shared by Read and Write:
// resolve the page under the hierarchy lock, copy, and on a stall drop
// the lock, wait, and retry the same offset with bounds revalidated.
func (o *PagedObject) copyPages(ctx context.Context, offset, length uint64, resolve func(c *CowPages, off uint64) ([]byte, *PageRequest, error), xfer func(page []byte, inPage, n, done uint64)) error {
	if length == 0 {
		return nil
	}
	var done uint64
	for {
		o.hs.mu.Lock()
		if o.cachePolicy != CachePolicyCached {
			o.hs.mu.Unlock()
			return zxerr.BadState
		}
		end := offset + length
		if end < offset || end > o.cow.size {
			o.hs.mu.Unlock()
			return zxerr.OutOfRange
		}
		var stall *PageRequest
		for done < length {
			cur := offset + done
			pageOff := vmpage.RoundDown(cur)
			inPage := cur - pageOff
			n := vmpage.PageSize - inPage
			if rest := length - done; n > rest {
				n = rest
			}
			c, tOff := o.cow.walkSliceLocked(pageOff)
			page, req, err := resolve(c, tOff)
			if err != nil {
				o.hs.mu.Unlock()
				return err
			}
			if req != nil {
				stall = req
				break
			}
			xfer(page, inPage, n, done)
			done += n
		}
		o.hs.mu.Unlock()
		if stall == nil {
			return nil
		}
		if err := o.waitOn(ctx, stall); err != nil {
			return err
		}
	}
}

// CommitRange commits every page of [offset, offset+length), waiting on
// the page source as needed. A zero length is a no-op.
func (o *PagedObject) CommitRange(ctx context.Context, offset, length uint64) error {
	if length == 0 {
		return nil
	}
	for {
		o.hs.mu.Lock()
		r, err := o.alignedRangeLocked(offset, length)
		if err != nil {
			o.hs.mu.Unlock()
			return err
		}
		c, base := o.cow.walkSliceLocked(r.Start)
		_, req, err := c.commitRangeLocked(vmpage.Range{Start: base, End: base + r.Length()})
		o.hs.mu.Unlock()
		if req != nil {
			if werr := o.waitOn(ctx, req); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

// CommitRangePinned commits and pins [offset, offset+length). The range
// must be non-empty and fully in bounds; on return every page in it has
// pin count at least one. Any failure leaves no pins behind.
func (o *PagedObject) CommitRangePinned(ctx context.Context, offset, length uint64) error {
	if length == 0 {
		return zxerr.InvalidArgs
	}
	for {
		o.hs.mu.Lock()
		r, err := o.alignedRangeLocked(offset, length)
		if err != nil {
			o.hs.mu.Unlock()
			return err
		}
		c, base := o.cow.walkSliceLocked(r.Start)
		tr := vmpage.Range{Start: base, End: base + r.Length()}
		_, req, err := c.commitRangeLocked(tr)
		if err == nil && req == nil {
			err = c.pinRangeLocked(tr)
			if zxerr.Equals(zxerr.ShouldWait, err) {
				// A page was reclaimed while a contiguous commit dropped
				// the lock; recommit.
				o.hs.mu.Unlock()
				continue
			}
		}
		o.hs.mu.Unlock()
		if req != nil {
			if werr := o.waitOn(ctx, req); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

// Unpin releases one pin from every page of [offset, offset+length).
// Unpinning pages that are not pinned panics; over-release is a caller
// bug, not a runtime condition.
func (o *PagedObject) Unpin(offset, length uint64) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		panic(fmt.Sprintf("Unpin of invalid range [%#x, +%#x): %v", offset, length, err))
	}
	if length == 0 {
		return
	}
	c, base := o.cow.walkSliceLocked(r.Start)
	c.unpinRangeLocked(vmpage.Range{Start: base, End: base + r.Length()})
}

// DecommitRange returns the committed pages of [offset, offset+length)
// to the allocator. Pinned pages in the range fail the whole operation,
// as does a parent or snapshot child anywhere in the object's chain;
// contiguous objects lend their frames out instead of freeing them and
// require pool loaning to be enabled.
func (o *PagedObject) DecommitRange(offset, length uint64) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, ok := vmpage.MakeRange(offset, length)
	if !ok {
		return zxerr.OutOfRange
	}
	if !r.IsPageAligned() {
		return zxerr.InvalidArgs
	}
	// Clip to the current size.
	r = r.Intersect(vmpage.Range{End: o.cow.size})
	if r.Length() == 0 {
		return nil
	}
	c, base := o.cow.walkSliceLocked(r.Start)
	return c.decommitRangeLocked(vmpage.Range{Start: base, End: base + r.Length()})
}

// ZeroRange is an efficient write of zeroes over [offset,
// offset+length). Fully covered pages become zero markers where
// possible; partial head and tail pages are zeroed by byte.
func (o *PagedObject) ZeroRange(ctx context.Context, offset, length uint64) error {
	if length == 0 {
		return nil
	}
	for {
		o.hs.mu.Lock()
		if o.cachePolicy != CachePolicyCached {
			o.hs.mu.Unlock()
			return zxerr.BadState
		}
		end := offset + length
		if end < offset || end > o.cow.size {
			o.hs.mu.Unlock()
			return zxerr.OutOfRange
		}
		req, err := o.zeroRangeLocked(offset, end)
		o.hs.mu.Unlock()
		if req != nil {
			if werr := o.waitOn(ctx, req); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

// zeroRangeLocked performs one pass of ZeroRange, stopping at the first
// stall.
//
// Preconditions: o.hs.mu must be locked. start < end <= size.
func (o *PagedObject) zeroRangeLocked(start, end uint64) (*PageRequest, error) {
	// Partial head page, zeroed by byte.
	if !vmpage.IsAligned(start) {
		headEnd := vmpage.RoundDown(start) + vmpage.PageSize
		if headEnd > end {
			headEnd = end
		}
		if req, err := o.zeroBytesLocked(start, headEnd); req != nil || err != nil {
			return req, err
		}
		start = headEnd
	}
	// Fully covered pages become markers where possible.
	for off := start; off+vmpage.PageSize <= end; off += vmpage.PageSize {
		c, tOff := o.cow.walkSliceLocked(off)
		if req, err := c.zeroPageSlotLocked(tOff); req != nil || err != nil {
			return req, err
		}
	}
	// Partial tail page.
	if tailStart := vmpage.RoundDown(end); !vmpage.IsAligned(end) && tailStart >= start {
		if req, err := o.zeroBytesLocked(tailStart, end); req != nil || err != nil {
			return req, err
		}
	}
	return nil, nil
}

// zeroBytesLocked zeroes the byte range [start, end) inside one page.
// Nothing is committed if the bytes already read as zero.
//
// Preconditions: o.hs.mu must be locked. start and end are in the same
// page; end <= size.
func (o *PagedObject) zeroBytesLocked(start, end uint64) (*PageRequest, error) {
	if start >= end {
		return nil, nil
	}
	pageOff := vmpage.RoundDown(start)
	c, tPage := o.cow.walkSliceLocked(pageOff)
	content, req, err := c.readableBytesLocked(tPage)
	if req != nil || err != nil {
		return req, err
	}
	inStart, inEnd := start-pageOff, end-pageOff
	allZero := true
	for _, b := range content[inStart:inEnd] {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return nil, nil
	}
	s, req, err := c.ensureOwnedPageLocked(tPage, true)
	if req != nil || err != nil {
		return req, err
	}
	clear(c.pool.PageData(s.frame)[inStart:inEnd])
	return nil, nil
}

// Resize sets the object size, rounding up to a page multiple. Only
// resizable objects may be resized; pinned pages in a truncated tail
// fail the resize. Shrinking unmaps the tail from every mapping before
// its frames are freed.
func (o *PagedObject) Resize(newSize uint64) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if o.options&OptResizable == 0 {
		return zxerr.Unavailable
	}
	newSize, ok := vmpage.RoundUp(newSize)
	if !ok {
		return zxerr.OutOfRange
	}
	return o.cow.resizeLocked(newSize)
}

// Lookup walks the committed pages of [offset, offset+length), calling
// fn with each page's object offset and frame address. Missing pages are
// skipped, not committed.
func (o *PagedObject) Lookup(offset, length uint64, fn func(off uint64, pa pmm.Paddr) error) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return err
	}
	c, base := o.cow.walkSliceLocked(r.Start)
	delta := base - r.Start
	return c.lookupCommittedLocked(vmpage.Range{Start: base, End: base + r.Length()}, func(off uint64, pa pmm.Paddr) error {
		return fn(off-delta, pa)
	})
}

// LookupContiguous returns the frame address of offset, requiring every
// page of [offset, offset+length) to be committed and physically
// consecutive. For non-contiguous objects length must be one page.
func (o *PagedObject) LookupContiguous(offset, length uint64) (pmm.Paddr, error) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return pmm.NilPaddr, err
	}
	if length == 0 {
		return pmm.NilPaddr, zxerr.InvalidArgs
	}
	c, base := o.cow.walkSliceLocked(r.Start)
	return c.lookupContiguousLocked(vmpage.Range{Start: base, End: base + r.Length()})
}

// SetCachePolicy changes the cache policy. The object must have no
// mappings, no children, no parent, no pinned pages and no committed
// pages; the policy of live memory cannot change coherently.
func (o *PagedObject) SetCachePolicy(policy CachePolicy) error {
	if policy > CachePolicyWriteCombining {
		return zxerr.InvalidArgs
	}
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if policy == o.cachePolicy {
		return nil
	}
	c := o.cow
	if len(o.mappings) != 0 || len(c.children) != 0 || c.parent != nil || c.pinnedCount != 0 {
		return zxerr.BadState
	}
	committed := false
	c.pages.ForEachInRange(vmpage.Range{End: c.size}, func(s *pageSlot) bool {
		if s.state == slotPage {
			committed = true
			return false
		}
		return true
	})
	// Live non-contiguous memory cannot change policy coherently; a
	// contiguous run can, it is device memory changing its mapping mode.
	if committed && !c.isContiguous() {
		return zxerr.BadState
	}
	if o.cachePolicy == CachePolicyCached {
		c.pages.ForEachInRange(vmpage.Range{End: c.size}, func(s *pageSlot) bool {
			if s.state == slotPage {
				archCleanInvalidateCache(c.pool.PageData(s.frame))
			}
			return true
		})
	}
	o.cachePolicy = policy
	c.markMutatedLocked()
	return nil
}

// LockRange takes the discard lock on a discardable object. The range
// must cover the whole object. It reports whether the contents were
// discarded since the last lock; if so, the object now reads as zero.
func (o *PagedObject) LockRange(offset, length uint64) (discarded bool, err error) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if err := o.discardableRangeLocked(offset, length); err != nil {
		return false, err
	}
	return o.cow.lockRangeLocked(), nil
}

// TryLockRange is LockRange except that it fails with
// zxerr.Unavailable instead of acknowledging a discard.
func (o *PagedObject) TryLockRange(offset, length uint64) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if err := o.discardableRangeLocked(offset, length); err != nil {
		return err
	}
	return o.cow.tryLockRangeLocked()
}

// UnlockRange drops one discard lock, making the object reclaimable
// again once the count reaches zero.
func (o *PagedObject) UnlockRange(offset, length uint64) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if err := o.discardableRangeLocked(offset, length); err != nil {
		return err
	}
	return o.cow.unlockRangeLocked()
}

// discardableRangeLocked validates a discardable lock operation range:
// lock state is whole-object only.
//
// Preconditions: o.hs.mu must be locked.
func (o *PagedObject) discardableRangeLocked(offset, length uint64) error {
	if o.options&OptDiscardable == 0 {
		return zxerr.BadState
	}
	if offset != 0 || length != o.cow.size {
		return zxerr.InvalidArgs
	}
	return nil
}

// HintRange applies an eviction hint over [offset, offset+length).
// Hints only affect objects whose root content comes from a user-pager;
// elsewhere they are accepted and ignored. HintAlwaysNeed commits
// missing pages and may wait on the source.
func (o *PagedObject) HintRange(ctx context.Context, offset, length uint64, hint EvictionHint) error {
	for {
		o.hs.mu.Lock()
		r, err := o.alignedRangeLocked(offset, length)
		if err != nil {
			o.hs.mu.Unlock()
			return err
		}
		c, base := o.cow.walkSliceLocked(r.Start)
		root := c
		for root.parent != nil {
			root = root.parent
		}
		if root.source == nil || !root.source.Properties().IsUserPager {
			o.hs.mu.Unlock()
			return nil
		}
		tr := vmpage.Range{Start: base, End: base + r.Length()}
		var stall *PageRequest
		switch hint {
		case HintDontNeed:
			c.pages.ForEachInRange(tr, func(s *pageSlot) bool {
				s.alwaysNeed = false
				if s.state == slotPage {
					globalQueues.markDontNeed(c, s.off)
				}
				return true
			})
		case HintAlwaysNeed:
			for off := tr.Start; off < tr.End; off += vmpage.PageSize {
				var s *pageSlot
				var req *PageRequest
				s, req, err = c.ensureOwnedPageLocked(off, false)
				if req != nil || err != nil {
					stall = req
					break
				}
				s.alwaysNeed = true
				globalQueues.forget(c, off)
			}
		default:
			err = zxerr.InvalidArgs
		}
		o.hs.mu.Unlock()
		if stall != nil {
			if werr := o.waitOn(ctx, stall); werr != nil {
				return werr
			}
			continue
		}
		return err
	}
}

// ScanForZeroPages finds committed frames that contain only zeroes and,
// with reclaim true, replaces them with zero markers and frees them. It
// returns the number of matching pages. Non-cached objects are skipped.
func (o *PagedObject) ScanForZeroPages(reclaim bool) uint64 {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if o.cachePolicy != CachePolicyCached || o.cow.isContiguous() {
		return 0
	}
	c, _ := o.cow.walkSliceLocked(0)
	return c.scanForZeroPagesLocked(reclaim)
}

// TakePages detaches the pages of [offset, offset+length) into a splice
// list for transfer to another object. Objects with children, contiguity
// or pins in the range refuse.
func (o *PagedObject) TakePages(offset, length uint64) (*SpliceList, error) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return nil, err
	}
	if o.options&OptSlice != 0 {
		return nil, zxerr.NotSupported
	}
	return o.cow.takePagesLocked(r)
}

// SupplyPages installs the pages of a splice list into [offset,
// offset+length), resolving any page-source requests the range covers.
// Offsets already populated keep their existing page.
func (o *PagedObject) SupplyPages(offset, length uint64, sl *SpliceList) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return err
	}
	if o.options&OptSlice != 0 {
		return zxerr.NotSupported
	}
	return o.cow.supplyPagesLocked(r, sl)
}

// AttributedPages counts the pages [offset, offset+length) resolves to,
// including parent frames observed by read-through.
func (o *PagedObject) AttributedPages(offset, length uint64) (uint64, error) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return 0, err
	}
	c, base := o.cow.walkSliceLocked(r.Start)
	return c.attributedPagesLocked(vmpage.Range{Start: base, End: base + r.Length()}), nil
}

// EnumerateDirtyRanges returns the maximal runs of dirty pages in
// [offset, offset+length). The object must have a dirty-tracking
// source.
func (o *PagedObject) EnumerateDirtyRanges(offset, length uint64) ([]vmpage.Range, error) {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if !o.cow.dirtyTracking {
		return nil, zxerr.NotSupported
	}
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return nil, err
	}
	return o.cow.dirtyRangesLocked(r), nil
}

// WritebackBegin starts writeback of [offset, offset+length): dirty
// pages move to awaiting-clean and writes during the window re-dirty.
func (o *PagedObject) WritebackBegin(offset, length uint64) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if !o.cow.dirtyTracking {
		return zxerr.NotSupported
	}
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return err
	}
	o.cow.writebackBeginLocked(r)
	return nil
}

// WritebackEnd completes writeback of [offset, offset+length):
// awaiting-clean pages become clean; re-dirtied pages stay dirty.
func (o *PagedObject) WritebackEnd(offset, length uint64) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if !o.cow.dirtyTracking {
		return zxerr.NotSupported
	}
	r, err := o.alignedRangeLocked(offset, length)
	if err != nil {
		return err
	}
	o.cow.writebackEndLocked(r)
	return nil
}

// DetachSource severs the page source. Reads of offsets that were never
// supplied fail with zxerr.NotFound from now on.
func (o *PagedObject) DetachSource() error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if o.cow.source == nil {
		return zxerr.BadState
	}
	o.cow.detachSourceLocked()
	return nil
}

// FailPageRequests fails every outstanding request of the object's page
// source that overlaps [offset, offset+length) with err. Waiters see
// err from their stalled operation.
func (o *PagedObject) FailPageRequests(offset, length uint64, err error) error {
	o.hs.mu.Lock()
	defer o.hs.mu.Unlock()
	if o.cow.source == nil {
		return zxerr.BadState
	}
	r, rerr := o.alignedRangeLocked(offset, length)
	if rerr != nil {
		return rerr
	}
	o.cow.source.FailRequests(r, err)
	return nil
}
