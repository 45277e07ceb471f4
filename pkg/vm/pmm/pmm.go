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

// Package pmm implements the physical frame pool backing VM objects.
//
// The pool owns one anonymous memory mapping and hands out page-sized
// frames from it, identified by Paddr. Frames can be allocated singly, as
// physically contiguous aligned runs, or borrowed from a contiguous
// owner's loan (see Loan).
//
// Lock order: no Pool method may be called with Pool.mu held; Pool calls
// Borrower.RecallFrame without holding Pool.mu, so a borrower may
// re-enter the pool to allocate a replacement frame.
package pmm

import (
	"fmt"

	"zvmo.dev/zvmo/pkg/bitmap"
	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/log"
	"zvmo.dev/zvmo/pkg/memutil"
	"zvmo.dev/zvmo/pkg/sync"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// Paddr identifies a physical frame: the page-aligned byte offset of the
// frame within the pool's memory.
type Paddr uint64

// NilPaddr is never a valid frame address.
const NilPaddr = ^Paddr(0)

// Borrower is implemented by holders of borrowed (loaned) frames. The
// pool calls RecallFrame when the frame's contiguous owner wants it back;
// the borrower must move its contents to a replacement frame, stop using
// the recalled frame, and hand it back with Pool.ReturnLoan before
// returning.
type Borrower interface {
	RecallFrame(pa Paddr) error
}

// Opts configures a Pool.
type Opts struct {
	// Size is the pool capacity in bytes; it is rounded up to a page
	// multiple.
	Size uint64

	// EnableLoaning permits frames freed from contiguous objects to be
	// lent to general allocations until their owner reclaims them.
	EnableLoaning bool
}

// Pool is a physical frame allocator over one memory mapping.
type Pool struct {
	mem     []byte
	nframes uint32
	loaning bool

	// mu protects the fields below.
	mu sync.Mutex

	// allocated tracks frames currently handed out.
	allocated bitmap.Bitmap

	// loaned tracks frames owned by a contiguous object but currently
	// lent to the general pool. A frame may be loaned and allocated at
	// the same time; such a frame is held by borrowers[frame].
	loaned bitmap.Bitmap

	// borrowers maps loaned+allocated frames to their current holder.
	borrowers map[uint32]Borrower
}

// NewPool creates a Pool with the given options.
func NewPool(opts Opts) (*Pool, error) {
	size, ok := vmpage.RoundUp(opts.Size)
	if !ok || size == 0 {
		return nil, zxerr.InvalidArgs
	}
	nframes := vmpage.Pages(size)
	if nframes > uint64(bitmap.MaxBitEntryLimit) {
		return nil, zxerr.InvalidArgs
	}
	mem, err := memutil.MapAnonymous(int(size))
	if err != nil {
		log.Warningf("pmm: failed to map %d bytes of frame memory: %v", size, err)
		return nil, zxerr.NoMemory
	}
	return &Pool{
		mem:       mem,
		nframes:   uint32(nframes),
		loaning:   opts.EnableLoaning,
		allocated: bitmap.New(uint32(nframes)),
		loaned:    bitmap.New(uint32(nframes)),
		borrowers: make(map[uint32]Borrower),
	}, nil
}

// Close releases the pool's memory. No frames may be in use.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.allocated.GetNumOnes(); n != 0 {
		return fmt.Errorf("pool closed with %d frames still allocated", n)
	}
	return memutil.Unmap(p.mem)
}

// TotalFrames returns the pool capacity in frames.
func (p *Pool) TotalFrames() uint64 {
	return uint64(p.nframes)
}

// LoaningEnabled returns whether frame loaning is enabled by pool policy.
func (p *Pool) LoaningEnabled() bool {
	return p.loaning
}

// Stats describe pool occupancy.
type Stats struct {
	TotalFrames     uint64
	AllocatedFrames uint64
	LoanedFrames    uint64
	BorrowedFrames  uint64
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TotalFrames:     uint64(p.nframes),
		AllocatedFrames: uint64(p.allocated.GetNumOnes()),
		LoanedFrames:    uint64(p.loaned.GetNumOnes()),
		BorrowedFrames:  uint64(len(p.borrowers)),
	}
}

func (p *Pool) frameIndex(pa Paddr) uint32 {
	if !vmpage.IsAligned(uint64(pa)) || uint64(pa) >= uint64(p.nframes)*vmpage.PageSize {
		panic(fmt.Sprintf("invalid frame address %#x", uint64(pa)))
	}
	return uint32(uint64(pa) >> vmpage.PageShift)
}

func frameAddr(i uint32) Paddr {
	return Paddr(uint64(i) << vmpage.PageShift)
}

// PageData returns the backing bytes of the frame at pa. The slice is
// valid until the frame is freed.
func (p *Pool) PageData(pa Paddr) []byte {
	i := p.frameIndex(pa)
	return p.mem[uint64(i)<<vmpage.PageShift : (uint64(i)+1)<<vmpage.PageShift : (uint64(i)+1)<<vmpage.PageShift]
}

// ZeroPage fills the frame at pa with zeroes.
func (p *Pool) ZeroPage(pa Paddr) {
	clear(p.PageData(pa))
}

// allocIndexLocked marks frame i allocated.
//
// Preconditions: p.mu must be locked. Frame i is free.
func (p *Pool) allocIndexLocked(i uint32) {
	if p.allocated.IsSet(i) {
		panic(fmt.Sprintf("frame %d already allocated", i))
	}
	p.allocated.Add(i)
}

// AllocPage allocates one non-loaned frame. The frame contents are
// unspecified; callers that need zeroes must call ZeroPage.
func (p *Pool) AllocPage() (Paddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.findFreeLocked(false)
	if !ok {
		return NilPaddr, zxerr.NoMemory
	}
	p.allocIndexLocked(i)
	return frameAddr(i), nil
}

// AllocPageBorrowed allocates one frame, preferring non-loaned frames but
// falling back to loaned frames if loaning is enabled. If the returned
// frame is loaned, b is registered to receive a recall; the second return
// value reports whether the frame is loaned.
func (p *Pool) AllocPageBorrowed(b Borrower) (Paddr, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i, ok := p.findFreeLocked(false); ok {
		p.allocIndexLocked(i)
		return frameAddr(i), false, nil
	}
	if p.loaning && b != nil {
		if i, ok := p.findFreeLocked(true); ok {
			p.allocIndexLocked(i)
			p.borrowers[i] = b
			return frameAddr(i), true, nil
		}
	}
	return NilPaddr, false, zxerr.NoMemory
}

// findFreeLocked returns a free frame index. With wantLoaned false the
// frame must not be on loan; with wantLoaned true it must be.
//
// Preconditions: p.mu must be locked.
func (p *Pool) findFreeLocked(wantLoaned bool) (uint32, bool) {
	start := uint32(0)
	for {
		i, err := p.allocated.FirstZero(start)
		if err != nil {
			return 0, false
		}
		if p.loaned.IsSet(i) == wantLoaned {
			return i, true
		}
		start = i + 1
		if start >= p.nframes {
			return 0, false
		}
	}
}

// AllocPages allocates npages frames with no adjacency requirement. On
// failure no frames are retained.
func (p *Pool) AllocPages(npages uint64) ([]Paddr, error) {
	if npages == 0 {
		return nil, zxerr.InvalidArgs
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	frames := make([]Paddr, 0, npages)
	for uint64(len(frames)) < npages {
		i, ok := p.findFreeLocked(false)
		if !ok {
			for _, pa := range frames {
				p.allocated.Remove(p.frameIndex(pa))
			}
			return nil, zxerr.NoMemory
		}
		p.allocIndexLocked(i)
		frames = append(frames, frameAddr(i))
	}
	return frames, nil
}

// AllocContiguous allocates npages physically contiguous frames whose
// base address is aligned to 1<<alignLog2 bytes. alignLog2 must be at
// least the page shift.
func (p *Pool) AllocContiguous(npages uint64, alignLog2 uint8) (Paddr, error) {
	if npages == 0 || alignLog2 < vmpage.PageShift || alignLog2 > 30 {
		return NilPaddr, zxerr.InvalidArgs
	}
	frameAlign := uint32(1) << (alignLog2 - vmpage.PageShift)
	p.mu.Lock()
	defer p.mu.Unlock()
	start := uint32(0)
	for {
		i, err := p.allocated.FirstZeroRun(start, uint32(npages), frameAlign)
		if err != nil {
			return NilPaddr, zxerr.NoMemory
		}
		// Loaned frames belong to another contiguous owner and cannot be
		// re-owned, even when free.
		if conflict, err := p.loaned.FirstOne(i); err == nil && conflict < i+uint32(npages) {
			start = conflict + 1
			continue
		}
		for j := i; j < i+uint32(npages); j++ {
			p.allocIndexLocked(j)
		}
		return frameAddr(i), nil
	}
}

// Free returns the frame at pa to the pool. If the frame was borrowed,
// its loan remains outstanding and the frame becomes reclaimable by its
// owner.
func (p *Pool) Free(pa Paddr) {
	i := p.frameIndex(pa)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.allocated.IsSet(i) {
		panic(fmt.Sprintf("double free of frame %#x", uint64(pa)))
	}
	p.allocated.Remove(i)
	delete(p.borrowers, i)
}

// Loan lends the frame at pa, currently owned by the caller, to the
// general pool. The caller gives up use of the frame but retains the
// right to reclaim it with ReclaimLoan.
//
// Preconditions: the frame is allocated to the caller; loaning is
// enabled.
func (p *Pool) Loan(pa Paddr) {
	i := p.frameIndex(pa)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaning {
		panic("frame loaning disabled by pool policy")
	}
	if !p.allocated.IsSet(i) || p.loaned.IsSet(i) {
		panic(fmt.Sprintf("loan of frame %#x in bad state", uint64(pa)))
	}
	p.allocated.Remove(i)
	p.loaned.Add(i)
}

// ReclaimLoan takes the loaned frame at pa back for its owner. If a
// borrower holds the frame, it is recalled first; the borrower copies its
// contents away and returns the frame. On success the caller owns the
// frame again and its contents are unspecified. Reclaiming a frame whose
// loan has already ended returns zxerr.BadState; two racing reclaims of
// the same frame resolve with one winner.
func (p *Pool) ReclaimLoan(pa Paddr) error {
	i := p.frameIndex(pa)
	for {
		p.mu.Lock()
		if !p.loaned.IsSet(i) {
			p.mu.Unlock()
			return zxerr.BadState
		}
		if !p.allocated.IsSet(i) {
			p.loaned.Remove(i)
			p.allocated.Add(i)
			p.mu.Unlock()
			return nil
		}
		b := p.borrowers[i]
		p.mu.Unlock()
		if b == nil {
			// The frame is allocated but has no borrower registered; the
			// holder did not opt in to recall.
			return zxerr.BadState
		}
		if err := b.RecallFrame(pa); err != nil {
			return err
		}
	}
}

// ReturnLoan is called by a borrower relinquishing a recalled frame. The
// loan stays outstanding; the frame becomes free for its owner to
// reclaim.
func (p *Pool) ReturnLoan(pa Paddr) {
	i := p.frameIndex(pa)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaned.IsSet(i) || !p.allocated.IsSet(i) {
		panic(fmt.Sprintf("return of unborrowed frame %#x", uint64(pa)))
	}
	p.allocated.Remove(i)
	delete(p.borrowers, i)
}

// EndLoan cancels the loan on the frame at pa because its owner is going
// away. If a borrower currently holds the frame it simply becomes a
// general-pool frame; otherwise it becomes free.
func (p *Pool) EndLoan(pa Paddr) {
	i := p.frameIndex(pa)
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.loaned.IsSet(i) {
		panic(fmt.Sprintf("end of loan on unloaned frame %#x", uint64(pa)))
	}
	p.loaned.Remove(i)
}

// EndLoanIfLoaned is EndLoan for callers that no longer know whether the
// loan is outstanding.
func (p *Pool) EndLoanIfLoaned(pa Paddr) {
	i := p.frameIndex(pa)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaned.IsSet(i) {
		p.loaned.Remove(i)
	}
}
