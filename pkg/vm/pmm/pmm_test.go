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

package pmm

import (
	"testing"

	"zvmo.dev/zvmo/pkg/errors"
	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/vmpage"
)

func newPool(t *testing.T, frames uint64, loaning bool) *Pool {
	t.Helper()
	p, err := NewPool(Opts{Size: frames * vmpage.PageSize, EnableLoaning: loaning})
	if err != nil {
		t.Fatalf("NewPool(%d frames): %v", frames, err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAllocFreeCycle(t *testing.T) {
	p := newPool(t, 4, false)
	var frames []Paddr
	for i := 0; i < 4; i++ {
		pa, err := p.AllocPage()
		if err != nil {
			t.Fatalf("AllocPage %d: %v", i, err)
		}
		frames = append(frames, pa)
	}
	if _, err := p.AllocPage(); !zxerr.Equals(zxerr.NoMemory, err) {
		t.Errorf("alloc from full pool: got %v, want %v", err, zxerr.NoMemory)
	}
	for _, pa := range frames {
		p.Free(pa)
	}
	if got := p.Stats().AllocatedFrames; got != 0 {
		t.Errorf("allocated after free: %d", got)
	}
}

func TestAllocPages(t *testing.T) {
	p := newPool(t, 4, false)
	frames, err := p.AllocPages(3)
	if err != nil {
		t.Fatalf("AllocPages(3): %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("AllocPages returned %d frames, want 3", len(frames))
	}
	// A failed batch leaves nothing allocated behind.
	if _, err := p.AllocPages(2); !zxerr.Equals(zxerr.NoMemory, err) {
		t.Errorf("oversized batch: got %v, want %v", err, zxerr.NoMemory)
	}
	if got := p.Stats().AllocatedFrames; got != 3 {
		t.Errorf("allocated after failed batch: got %d, want 3", got)
	}
	if _, err := p.AllocPages(0); !zxerr.Equals(zxerr.InvalidArgs, err) {
		t.Errorf("zero-page batch: got %v, want %v", err, zxerr.InvalidArgs)
	}
	for _, pa := range frames {
		p.Free(pa)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	p := newPool(t, 2, false)
	pa, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	p.Free(pa)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	p.Free(pa)
}

func TestPageDataIsolation(t *testing.T) {
	p := newPool(t, 2, false)
	a, _ := p.AllocPage()
	b, _ := p.AllocPage()
	for i := range p.PageData(a) {
		p.PageData(a)[i] = 0xaa
	}
	p.ZeroPage(b)
	for _, v := range p.PageData(b) {
		if v != 0 {
			t.Fatalf("write to one frame leaked into another")
		}
	}
	p.Free(a)
	p.Free(b)
}

func TestAllocContiguous(t *testing.T) {
	for _, tc := range []struct {
		name      string
		npages    uint64
		alignLog2 uint8
		wantErr   *errors.Error
	}{
		{"single", 1, vmpage.PageShift, nil},
		{"run", 4, vmpage.PageShift, nil},
		{"aligned", 2, vmpage.PageShift + 1, nil},
		{"zero pages", 0, vmpage.PageShift, zxerr.InvalidArgs},
		{"align below page", 1, vmpage.PageShift - 1, zxerr.InvalidArgs},
		{"too big", 64, vmpage.PageShift, zxerr.NoMemory},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := newPool(t, 8, false)
			pa, err := p.AllocContiguous(tc.npages, tc.alignLog2)
			if tc.wantErr != nil {
				if !zxerr.Equals(tc.wantErr, err) {
					t.Fatalf("got %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AllocContiguous: %v", err)
			}
			if align := uint64(1) << tc.alignLog2; uint64(pa)%align != 0 {
				t.Errorf("base %#x not aligned to %#x", uint64(pa), align)
			}
			for i := uint64(0); i < tc.npages; i++ {
				p.Free(pa + Paddr(i*vmpage.PageSize))
			}
		})
	}
}

func TestLoanLifecycle(t *testing.T) {
	p := newPool(t, 2, true)
	pa, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	p.Loan(pa)
	if got := p.Stats(); got.LoanedFrames != 1 || got.AllocatedFrames != 0 {
		t.Fatalf("after loan: %+v", got)
	}
	// An unborrowed loan is reclaimed immediately.
	if err := p.ReclaimLoan(pa); err != nil {
		t.Fatalf("ReclaimLoan: %v", err)
	}
	if got := p.Stats(); got.LoanedFrames != 0 || got.AllocatedFrames != 1 {
		t.Fatalf("after reclaim: %+v", got)
	}
	// The loan ended; a second reclaim has nothing to take.
	if err := p.ReclaimLoan(pa); !zxerr.Equals(zxerr.BadState, err) {
		t.Errorf("reclaim of ended loan: got %v, want %v", err, zxerr.BadState)
	}
	p.Free(pa)
}

type copyingBorrower struct {
	p        *Pool
	held     Paddr
	replaced Paddr
	recalls  int
}

func (b *copyingBorrower) RecallFrame(pa Paddr) error {
	repl, err := b.p.AllocPage()
	if err != nil {
		return err
	}
	copy(b.p.PageData(repl), b.p.PageData(pa))
	b.p.ReturnLoan(pa)
	b.held = repl
	b.replaced = pa
	b.recalls++
	return nil
}

func TestBorrowAndRecall(t *testing.T) {
	p := newPool(t, 3, true)
	owner, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	// Fill the pool so the borrower must take the loaned frame.
	spare, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage spare: %v", err)
	}
	blocker, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage blocker: %v", err)
	}
	p.Loan(owner)

	b := &copyingBorrower{p: p}
	pa, loaned, err := p.AllocPageBorrowed(b)
	if err != nil {
		t.Fatalf("AllocPageBorrowed: %v", err)
	}
	if !loaned || pa != owner {
		t.Fatalf("borrow: got (%#x, %t), want (%#x, true)", uint64(pa), loaned, uint64(owner))
	}
	b.held = pa
	copy(p.PageData(pa), []byte("payload"))

	// Make room for the recall replacement, then reclaim.
	p.Free(spare)
	if err := p.ReclaimLoan(owner); err != nil {
		t.Fatalf("ReclaimLoan: %v", err)
	}
	if b.recalls != 1 || b.replaced != owner {
		t.Fatalf("recall bookkeeping: %+v", b)
	}
	if got := string(p.PageData(b.held)[:7]); got != "payload" {
		t.Errorf("borrower content lost: %q", got)
	}

	p.Free(owner)
	p.Free(b.held)
	p.Free(blocker)
}

func TestBorrowDisabledWithoutLoaning(t *testing.T) {
	p := newPool(t, 1, false)
	pa, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	defer p.Free(pa)
	if _, _, err := p.AllocPageBorrowed(nil); !zxerr.Equals(zxerr.NoMemory, err) {
		t.Errorf("borrow from full non-loaning pool: got %v, want %v", err, zxerr.NoMemory)
	}
}

func TestFreedBorrowedFrameStaysLoaned(t *testing.T) {
	p := newPool(t, 1, true)
	owner, err := p.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	p.Loan(owner)
	b := &copyingBorrower{p: p}
	pa, _, err := p.AllocPageBorrowed(b)
	if err != nil {
		t.Fatalf("AllocPageBorrowed: %v", err)
	}
	// The borrower frees the frame; the loan stays outstanding and the
	// owner reclaims without a recall.
	p.Free(pa)
	if err := p.ReclaimLoan(owner); err != nil {
		t.Fatalf("ReclaimLoan: %v", err)
	}
	if b.recalls != 0 {
		t.Errorf("recall of freed frame: %d", b.recalls)
	}
	p.Free(owner)
}
