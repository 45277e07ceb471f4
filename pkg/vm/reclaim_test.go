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
	"context"
	"testing"

	"zvmo.dev/zvmo/pkg/errors/zxerr"
)

// TestDiscardableLifecycle is the discard scenario: an unlocked
// discardable object loses its pages to the reclaimer and the next lock
// reports it.
func TestDiscardableLifecycle(t *testing.T) {
	pool := newTestPool(t, 16, false)
	d, err := Create(pool, OptDiscardable, 4*page)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.DecRef()
	mustWrite(t, d, 0, pattern('d', 4*page))

	if freed := ReclaimDiscardable(); freed != 4 {
		t.Fatalf("ReclaimDiscardable: freed %d, want 4", freed)
	}
	discarded, err := d.LockRange(0, 4*page)
	if err != nil {
		t.Fatalf("LockRange: %v", err)
	}
	if !discarded {
		t.Errorf("lock after discard did not report it")
	}
	if got := mustRead(t, d, 0, 4*page); !bytes.Equal(got, make([]byte, 4*page)) {
		t.Errorf("discarded object reads nonzero")
	}

	// Locked objects are never discarded.
	mustWrite(t, d, 0, pattern('e', 2*page))
	if freed := ReclaimDiscardable(); freed != 0 {
		t.Errorf("reclaim of locked object freed %d pages", freed)
	}
	if got := mustRead(t, d, 0, 2*page); !bytes.Equal(got, pattern('e', 2*page)) {
		t.Errorf("locked content lost")
	}

	// Unlock, discard again: try-lock refuses, lock acknowledges.
	if err := d.UnlockRange(0, 4*page); err != nil {
		t.Fatalf("UnlockRange: %v", err)
	}
	if freed := ReclaimDiscardable(); freed != 2 {
		t.Fatalf("second reclaim: freed %d, want 2", freed)
	}
	if err := d.TryLockRange(0, 4*page); !zxerr.Equals(zxerr.Unavailable, err) {
		t.Errorf("TryLockRange after discard: got %v, want %v", err, zxerr.Unavailable)
	}
	if discarded, err := d.LockRange(0, 4*page); err != nil || !discarded {
		t.Errorf("LockRange after discard: got (%t, %v), want (true, nil)", discarded, err)
	}
}

func TestDiscardableLockRules(t *testing.T) {
	pool := newTestPool(t, 8, false)
	o, err := Create(pool, 0, page)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer o.DecRef()
	if _, err := o.LockRange(0, page); !zxerr.Equals(zxerr.BadState, err) {
		t.Errorf("lock of non-discardable: got %v, want %v", err, zxerr.BadState)
	}

	d, err := Create(pool, OptDiscardable, 2*page)
	if err != nil {
		t.Fatalf("Create discardable: %v", err)
	}
	defer d.DecRef()
	if _, err := d.LockRange(0, page); !zxerr.Equals(zxerr.InvalidArgs, err) {
		t.Errorf("partial lock: got %v, want %v", err, zxerr.InvalidArgs)
	}
	if err := d.UnlockRange(0, 2*page); !zxerr.Equals(zxerr.BadState, err) {
		t.Errorf("unlock without lock: got %v, want %v", err, zxerr.BadState)
	}
}

func TestDiscardSkipsPinnedPages(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 8, false)
	d, err := Create(pool, OptDiscardable, 2*page)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer d.DecRef()
	if err := d.CommitRangePinned(ctx, 0, page); err != nil {
		t.Fatalf("CommitRangePinned: %v", err)
	}
	if freed := ReclaimDiscardable(); freed != 0 {
		t.Errorf("discard with pinned pages freed %d", freed)
	}
	d.Unpin(0, page)
}

func TestEvictionRespectsHints(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 16, false)
	e, _ := newPagerObject(t, pool, 2*page)
	supplyBytes(t, pool, e, 0, pattern('h', 2*page))

	if err := e.HintRange(ctx, 0, page, HintAlwaysNeed); err != nil {
		t.Fatalf("HintRange(AlwaysNeed): %v", err)
	}
	if freed := ReclaimPages(16); freed != 1 {
		t.Fatalf("ReclaimPages: freed %d, want 1", freed)
	}
	// The always-need page survived; the other did not.
	if n, _ := e.AttributedPages(0, page); n != 1 {
		t.Errorf("always-need page evicted")
	}
	if n, _ := e.AttributedPages(page, page); n != 0 {
		t.Errorf("evictable page not evicted")
	}
}

func TestDontNeedEvictsFirst(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 16, false)
	e, _ := newPagerObject(t, pool, 2*page)
	supplyBytes(t, pool, e, 0, pattern('j', 2*page))

	if err := e.HintRange(ctx, page, page, HintDontNeed); err != nil {
		t.Fatalf("HintRange(DontNeed): %v", err)
	}
	if freed := ReclaimPages(1); freed != 1 {
		t.Fatalf("ReclaimPages: freed %d, want 1", freed)
	}
	if n, _ := e.AttributedPages(page, page); n != 0 {
		t.Errorf("don't-need page not evicted first")
	}
	if n, _ := e.AttributedPages(0, page); n != 1 {
		t.Errorf("wrong page evicted")
	}
}

func TestDirtyPagesNotEvicted(t *testing.T) {
	pool := newTestPool(t, 16, false)
	e, _ := newPagerObject(t, pool, page)
	supplyBytes(t, pool, e, 0, pattern('k', page))
	mustWrite(t, e, 0, []byte("modified"))

	if freed := ReclaimPages(16); freed != 0 {
		t.Errorf("dirty page evicted: freed %d", freed)
	}

	// Clean it via writeback; it becomes evictable again.
	if err := e.WritebackBegin(0, page); err != nil {
		t.Fatalf("WritebackBegin: %v", err)
	}
	if err := e.WritebackEnd(0, page); err != nil {
		t.Fatalf("WritebackEnd: %v", err)
	}
	if freed := ReclaimPages(16); freed != 1 {
		t.Errorf("clean page not evicted: freed %d", freed)
	}
}

func TestAnonymousPagesNotEvicted(t *testing.T) {
	pool := newTestPool(t, 8, false)
	o, err := Create(pool, 0, page)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer o.DecRef()
	mustWrite(t, o, 0, pattern('a', page))
	if freed := ReclaimPages(16); freed != 0 {
		t.Errorf("anonymous page evicted: freed %d", freed)
	}
	// Content has nowhere to come back from, so it must still be there.
	if got := mustRead(t, o, 0, page); !bytes.Equal(got, pattern('a', page)) {
		t.Errorf("anonymous content lost")
	}
}

func TestContiguousDecommitNeedsLoaning(t *testing.T) {
	pool := newTestPool(t, 8, false)
	k, err := CreateContiguous(pool, 2*page, 0)
	if err != nil {
		t.Fatalf("CreateContiguous: %v", err)
	}
	defer k.DecRef()
	if err := k.DecommitRange(0, page); !zxerr.Equals(zxerr.NotSupported, err) {
		t.Errorf("contiguous decommit without loaning: got %v, want %v", err, zxerr.NotSupported)
	}
}

func TestContiguousReadAfterDecommit(t *testing.T) {
	pool := newTestPool(t, 8, true)
	k, err := CreateContiguous(pool, 2*page, 0)
	if err != nil {
		t.Fatalf("CreateContiguous: %v", err)
	}
	defer k.DecRef()
	mustWrite(t, k, 0, pattern('x', page))
	if err := k.DecommitRange(0, page); err != nil {
		t.Fatalf("DecommitRange: %v", err)
	}

	// The read reclaims the fixed frame synchronously and observes
	// zeroes, not an error.
	if got := mustRead(t, k, 0, page); !bytes.Equal(got, make([]byte, page)) {
		t.Errorf("reclaimed frame reads nonzero")
	}
	if n, _ := k.AttributedPages(0, 2*page); n != 2 {
		t.Errorf("attributed after read-through reclaim: got %d, want 2", n)
	}
	if got := pool.Stats().LoanedFrames; got != 0 {
		t.Errorf("loans outstanding after read-through reclaim: %d", got)
	}
}

func TestContiguousZeroSkipsDecommitted(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 8, true)
	k, err := CreateContiguous(pool, 2*page, 0)
	if err != nil {
		t.Fatalf("CreateContiguous: %v", err)
	}
	defer k.DecRef()
	mustWrite(t, k, page, pattern('y', page))
	if err := k.DecommitRange(0, page); err != nil {
		t.Fatalf("DecommitRange: %v", err)
	}

	// Zeroing must not recommit the decommitted frame; it already reads
	// as zero.
	if err := k.ZeroRange(ctx, 0, 2*page); err != nil {
		t.Fatalf("ZeroRange: %v", err)
	}
	if n, _ := k.AttributedPages(0, 2*page); n != 1 {
		t.Errorf("attributed after zero: got %d, want 1", n)
	}
	if got := pool.Stats().LoanedFrames; got != 1 {
		t.Errorf("loaned frames after zero: got %d, want 1", got)
	}
	if got := mustRead(t, k, page, page); !bytes.Equal(got, make([]byte, page)) {
		t.Errorf("committed page not zeroed")
	}
}

// TestLoanRecall exercises the full loan cycle: a contiguous object
// lends decommitted frames, a general allocation borrows one, and the
// owner's recommit recalls it, relocating the borrower's content.
func TestLoanRecall(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 5, true)

	k, err := CreateContiguous(pool, 4*page, 0)
	if err != nil {
		t.Fatalf("CreateContiguous: %v", err)
	}
	defer k.DecRef()

	// Take the one spare frame so the next allocation must borrow.
	a, err := Create(pool, 0, page)
	if err != nil {
		t.Fatalf("Create a: %v", err)
	}
	mustWrite(t, a, 0, pattern('a', page))

	if err := k.DecommitRange(0, 4*page); err != nil {
		t.Fatalf("contiguous decommit: %v", err)
	}
	if got := pool.Stats().LoanedFrames; got != 4 {
		t.Fatalf("loaned frames: got %d, want 4", got)
	}

	b, err := Create(pool, 0, page)
	if err != nil {
		t.Fatalf("Create b: %v", err)
	}
	defer b.DecRef()
	mustWrite(t, b, 0, pattern('q', page))
	if got := pool.Stats().BorrowedFrames; got != 1 {
		t.Fatalf("borrowed frames: got %d, want 1", got)
	}

	// Free the spare so the borrower has somewhere to move.
	a.DecRef()

	// Recommitting recalls the borrowed frame; the borrower's content
	// must survive the move.
	if err := k.CommitRange(ctx, 0, 4*page); err != nil {
		t.Fatalf("contiguous recommit: %v", err)
	}
	if got := mustRead(t, b, 0, page); !bytes.Equal(got, pattern('q', page)) {
		t.Errorf("borrower content lost in recall")
	}
	if n, _ := k.AttributedPages(0, 4*page); n != 4 {
		t.Errorf("contiguous object not fully recommitted: %d pages", n)
	}
	if _, err := k.LookupContiguous(0, 4*page); err != nil {
		t.Errorf("contiguous layout broken after recommit: %v", err)
	}
	if got := pool.Stats().LoanedFrames; got != 0 {
		t.Errorf("loans outstanding after recommit: %d", got)
	}
	// Recommitted frames read as zero, not stale borrower bytes.
	if got := mustRead(t, k, 0, page); !bytes.Equal(got, make([]byte, page)) {
		t.Errorf("recommitted frame not zeroed")
	}
}
