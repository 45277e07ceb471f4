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
	"zvmo.dev/zvmo/pkg/log"
	"zvmo.dev/zvmo/pkg/sync"
)

// pageRef names one page of one container.
type pageRef struct {
	c   *CowPages
	off uint64
}

// pageQueues is the process-wide reclaim bookkeeping: an eviction queue
// of pager-backed pages, a priority queue of don't-need hinted pages,
// and the registry of discardable objects.
//
// Lock order: every hierarchy lock precedes pq.mu. Reclaim entry points
// therefore snapshot candidates under pq.mu and re-lock each hierarchy
// before evicting, revalidating as they go.
type pageQueues struct {
	mu sync.Mutex

	// present tracks queue membership; order slices may hold stale
	// entries that are skipped on pop.
	present  map[pageRef]struct{}
	lru      []pageRef
	dontNeed []pageRef

	discardable map[*CowPages]struct{}
}

var globalQueues = &pageQueues{
	present:     make(map[pageRef]struct{}),
	discardable: make(map[*CowPages]struct{}),
}

// noteCommitted records a newly committed page as an eviction candidate
// if its object's source can re-supply the content.
func (pq *pageQueues) noteCommitted(c *CowPages, off uint64) {
	if c.source == nil || !c.source.Properties().IsPreservingPageContent {
		return
	}
	ref := pageRef{c, off}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	if _, ok := pq.present[ref]; ok {
		return
	}
	pq.present[ref] = struct{}{}
	pq.lru = append(pq.lru, ref)
}

// markDontNeed moves a page to the front of the reclaim order.
func (pq *pageQueues) markDontNeed(c *CowPages, off uint64) {
	if c.source == nil || !c.source.Properties().IsPreservingPageContent {
		return
	}
	ref := pageRef{c, off}
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.present[ref] = struct{}{}
	pq.dontNeed = append(pq.dontNeed, ref)
}

// forget drops a page from the queues, typically because its frame was
// freed or moved.
func (pq *pageQueues) forget(c *CowPages, off uint64) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	delete(pq.present, pageRef{c, off})
}

// registerDiscardable adds a discardable object to the registry.
func (pq *pageQueues) registerDiscardable(c *CowPages) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.discardable[c] = struct{}{}
}

// dropObject removes every trace of a destroyed container.
func (pq *pageQueues) dropObject(c *CowPages) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	delete(pq.discardable, c)
	for ref := range pq.present {
		if ref.c == c {
			delete(pq.present, ref)
		}
	}
}

// pop returns the next live reclaim candidate, don't-need entries first,
// or false if the queues are empty.
func (pq *pageQueues) pop() (pageRef, bool) {
	pq.mu.Lock()
	defer pq.mu.Unlock()
	for _, q := range []*[]pageRef{&pq.dontNeed, &pq.lru} {
		for len(*q) > 0 {
			ref := (*q)[0]
			*q = (*q)[1:]
			if _, ok := pq.present[ref]; ok {
				delete(pq.present, ref)
				return ref, true
			}
		}
	}
	return pageRef{}, false
}

// ReclaimPages evicts up to target pages from pager-backed objects whose
// sources preserve content, returning the number of frames freed.
// Don't-need hinted pages go first; pinned, always-need and dirty pages
// are never taken. Discardable objects are reclaimed separately by
// ReclaimDiscardable; the ordering between the two classes is a caller
// policy, not fixed here.
func ReclaimPages(target uint64) uint64 {
	var freed uint64
	for freed < target {
		ref, ok := globalQueues.pop()
		if !ok {
			break
		}
		ref.c.hs.mu.Lock()
		if ref.c.evictPageLocked(ref.off) {
			freed++
		}
		ref.c.hs.mu.Unlock()
	}
	if freed != 0 {
		log.Debugf("vm: reclaimed %d pager-backed pages", freed)
	}
	return freed
}

// ReclaimDiscardable discards every currently unlocked discardable
// object, returning the number of frames freed.
func ReclaimDiscardable() uint64 {
	globalQueues.mu.Lock()
	candidates := make([]*CowPages, 0, len(globalQueues.discardable))
	for c := range globalQueues.discardable {
		candidates = append(candidates, c)
	}
	globalQueues.mu.Unlock()

	var freed uint64
	for _, c := range candidates {
		c.hs.mu.Lock()
		if !c.dead && c.lockCount == 0 {
			freed += c.discardLocked()
		}
		c.hs.mu.Unlock()
	}
	return freed
}
