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
	"time"

	"github.com/google/go-cmp/cmp"

	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/vm/pmm"
	"zvmo.dev/zvmo/pkg/vmpage"
)

func newPagerObject(t *testing.T, pool *pmm.Pool, size uint64) (*PagedObject, *UserPager) {
	t.Helper()
	p := NewUserPager()
	o, err := CreateExternal(pool, p, 0, size)
	if err != nil {
		t.Fatalf("CreateExternal: %v", err)
	}
	t.Cleanup(o.DecRef)
	return o, p
}

// supplyBytes stages data in a scratch object and moves its pages into
// dst, the way a user-pager satisfies a request.
func supplyBytes(t *testing.T, pool *pmm.Pool, dst *PagedObject, off uint64, data []byte) {
	t.Helper()
	n := uint64(len(data))
	staging, err := Create(pool, 0, n)
	if err != nil {
		t.Fatalf("Create staging: %v", err)
	}
	defer staging.DecRef()
	mustWrite(t, staging, 0, data)
	sl, err := staging.TakePages(0, n)
	if err != nil {
		t.Fatalf("TakePages: %v", err)
	}
	if err := dst.SupplyPages(off, n, sl); err != nil {
		t.Fatalf("SupplyPages(off=%#x): %v", off, err)
	}
}

// TestPagerReadWaitsForSupply is the demand-fault scenario: a read of an
// absent page stalls until the supplier moves content in.
func TestPagerReadWaitsForSupply(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 16, false)
	e, pager := newPagerObject(t, pool, 2*page)

	readErr := make(chan error, 1)
	buf := make([]byte, page)
	go func() {
		readErr <- e.Read(ctx, buf, 0)
	}()

	rs, err := pager.WaitOutstanding(ctx)
	if err != nil {
		t.Fatalf("WaitOutstanding: %v", err)
	}
	if want := (vmpage.Range{Start: 0, End: page}); rs[0] != want {
		t.Fatalf("request range: got %v, want %v", rs[0], want)
	}

	supplyBytes(t, pool, e, 0, pattern('F', page))

	if err := <-readErr; err != nil {
		t.Fatalf("stalled read: %v", err)
	}
	if !bytes.Equal(buf, pattern('F', page)) {
		t.Errorf("read returned wrong supplied bytes")
	}
}

func TestPagerCommitWaitsForSupply(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 16, false)
	e, pager := newPagerObject(t, pool, 2*page)

	commitErr := make(chan error, 1)
	go func() {
		commitErr <- e.CommitRange(ctx, 0, 2*page)
	}()

	// Requests arrive page by page as the commit advances.
	for i := uint64(0); i < 2; i++ {
		if _, err := pager.WaitOutstanding(ctx); err != nil {
			t.Fatalf("WaitOutstanding: %v", err)
		}
		supplyBytes(t, pool, e, i*page, pattern(byte('0'+i), page))
	}
	if err := <-commitErr; err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n, _ := e.AttributedPages(0, 2*page); n != 2 {
		t.Errorf("attributed after commit: got %d, want 2", n)
	}
}

func TestPagerFailRequests(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 8, false)
	e, pager := newPagerObject(t, pool, page)

	readErr := make(chan error, 1)
	go func() {
		readErr <- e.Read(ctx, make([]byte, page), 0)
	}()
	if _, err := pager.WaitOutstanding(ctx); err != nil {
		t.Fatalf("WaitOutstanding: %v", err)
	}
	if err := e.FailPageRequests(0, page, zxerr.IO); err != nil {
		t.Fatalf("FailPageRequests: %v", err)
	}
	if err := <-readErr; !zxerr.Equals(zxerr.IO, err) {
		t.Errorf("failed read: got %v, want %v", err, zxerr.IO)
	}
}

func TestPagerTimeout(t *testing.T) {
	pool := newTestPool(t, 8, false)
	e, _ := newPagerObject(t, pool, page)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Read(ctx, make([]byte, 1), 0)
	if !zxerr.Equals(zxerr.TimedOut, err) {
		t.Errorf("timed-out read: got %v, want %v", err, zxerr.TimedOut)
	}
}

func TestPagerDetach(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 8, false)
	e, pager := newPagerObject(t, pool, 2*page)

	supplyBytes(t, pool, e, 0, pattern('s', page))

	// A reader stalled on the unsupplied page sees the source go away.
	readErr := make(chan error, 1)
	go func() {
		readErr <- e.Read(ctx, make([]byte, page), page)
	}()
	if _, err := pager.WaitOutstanding(ctx); err != nil {
		t.Fatalf("WaitOutstanding: %v", err)
	}
	if err := e.DetachSource(); err != nil {
		t.Fatalf("DetachSource: %v", err)
	}
	if err := <-readErr; !zxerr.Equals(zxerr.NotFound, err) {
		t.Errorf("read after detach: got %v, want %v", err, zxerr.NotFound)
	}

	// Supplied content stays readable; absent offsets fail immediately.
	if got := mustRead(t, e, 0, page); !bytes.Equal(got, pattern('s', page)) {
		t.Errorf("supplied page lost on detach")
	}
	if err := e.Read(ctx, make([]byte, 1), page); !zxerr.Equals(zxerr.NotFound, err) {
		t.Errorf("absent page after detach: got %v, want %v", err, zxerr.NotFound)
	}
}

func TestDirtyTracking(t *testing.T) {
	pool := newTestPool(t, 16, false)
	e, pager := newPagerObject(t, pool, 3*page)

	supplyBytes(t, pool, e, 0, pattern('c', 3*page))
	pager.TakeDirtied()

	// Supplied pages are clean until written.
	if rs, err := e.EnumerateDirtyRanges(0, 3*page); err != nil || len(rs) != 0 {
		t.Fatalf("dirty ranges on clean object: %v, %v", rs, err)
	}

	mustWrite(t, e, page, []byte("dirty"))
	want := []vmpage.Range{{Start: page, End: 2 * page}}
	if diff := cmp.Diff(want, pager.TakeDirtied()); diff != "" {
		t.Errorf("OnDirty notifications (-want +got):\n%s", diff)
	}
	rs, err := e.EnumerateDirtyRanges(0, 3*page)
	if err != nil {
		t.Fatalf("EnumerateDirtyRanges: %v", err)
	}
	if diff := cmp.Diff(want, rs); diff != "" {
		t.Errorf("dirty ranges (-want +got):\n%s", diff)
	}

	// A second write to an already-dirty page does not re-notify.
	mustWrite(t, e, page, []byte("again"))
	if got := pager.TakeDirtied(); len(got) != 0 {
		t.Errorf("re-dirty notified: %v", got)
	}
}

func TestWriteback(t *testing.T) {
	pool := newTestPool(t, 16, false)
	e, pager := newPagerObject(t, pool, 2*page)
	supplyBytes(t, pool, e, 0, pattern('w', 2*page))
	pager.TakeDirtied()

	mustWrite(t, e, 0, []byte("a"))
	mustWrite(t, e, page, []byte("b"))

	if err := e.WritebackBegin(0, 2*page); err != nil {
		t.Fatalf("WritebackBegin: %v", err)
	}
	// Pages under writeback are no longer enumerated as dirty.
	if rs, _ := e.EnumerateDirtyRanges(0, 2*page); len(rs) != 0 {
		t.Errorf("dirty ranges during writeback: %v", rs)
	}
	// A write during the window re-dirties its page.
	mustWrite(t, e, page, []byte("B"))
	if err := e.WritebackEnd(0, 2*page); err != nil {
		t.Fatalf("WritebackEnd: %v", err)
	}
	rs, err := e.EnumerateDirtyRanges(0, 2*page)
	if err != nil {
		t.Fatalf("EnumerateDirtyRanges: %v", err)
	}
	want := []vmpage.Range{{Start: page, End: 2 * page}}
	if diff := cmp.Diff(want, rs); diff != "" {
		t.Errorf("dirty ranges after writeback (-want +got):\n%s", diff)
	}
}

func TestWritebackRequiresDirtyTracking(t *testing.T) {
	pool := newTestPool(t, 8, false)
	o, err := Create(pool, 0, page)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer o.DecRef()
	if err := o.WritebackBegin(0, page); !zxerr.Equals(zxerr.NotSupported, err) {
		t.Errorf("writeback on anonymous object: got %v, want %v", err, zxerr.NotSupported)
	}
	if _, err := o.EnumerateDirtyRanges(0, page); !zxerr.Equals(zxerr.NotSupported, err) {
		t.Errorf("dirty enumeration on anonymous object: got %v, want %v", err, zxerr.NotSupported)
	}
}

func TestCloneOfPagerObject(t *testing.T) {
	ctx := context.Background()
	pool := newTestPool(t, 16, false)
	e, pager := newPagerObject(t, pool, page)
	supplyBytes(t, pool, e, 0, pattern('p', page))

	c, err := e.CreateClone(CloneSnapshot, false, 0, page)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	defer c.DecRef()
	if got := mustRead(t, c, 0, page); !bytes.Equal(got, pattern('p', page)) {
		t.Errorf("clone does not read through to supplied content")
	}
	if rs := pager.Outstanding(); len(rs) != 0 {
		t.Errorf("read of supplied content faulted: %v", rs)
	}

	// A clone fault on unsupplied root content still reaches the pager.
	e2, pager2 := newPagerObject(t, pool, page)
	c2, err := e2.CreateClone(CloneSnapshot, false, 0, page)
	if err != nil {
		t.Fatalf("CreateClone: %v", err)
	}
	defer c2.DecRef()
	readErr := make(chan error, 1)
	buf := make([]byte, page)
	go func() {
		readErr <- c2.Read(ctx, buf, 0)
	}()
	if _, err := pager2.WaitOutstanding(ctx); err != nil {
		t.Fatalf("WaitOutstanding: %v", err)
	}
	supplyBytes(t, pool, e2, 0, pattern('q', page))
	if err := <-readErr; err != nil {
		t.Fatalf("clone read: %v", err)
	}
	if !bytes.Equal(buf, pattern('q', page)) {
		t.Errorf("clone read wrong supplied bytes")
	}
}
