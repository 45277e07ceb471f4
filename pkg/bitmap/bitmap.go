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

// Package bitmap provides the implementation of a bitmap. The physical
// frame pool uses it to track allocated and loaned frames.
package bitmap

import (
	"fmt"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

// Bitmap implements an efficient fixed-size bitmap.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the indexable extent in bits.
	size uint32

	// bitBlock holds the bits, 64 entries per word.
	bitBlock []uint64
}

// New creates a new empty Bitmap capable of holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty returns true iff no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Size returns the indexable extent of the bitmap in bits.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// GetNumOnes returns the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}

// IsSet returns true iff bit i is set.
//
// Preconditions: i < b.Size().
func (b *Bitmap) IsSet(i uint32) bool {
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// Add sets bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Add(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i.
//
// Preconditions: i < b.Size().
func (b *Bitmap) Remove(i uint32) {
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// FirstZero returns the first unset bit in the range [start, b.Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w) + i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no unset bits")
}

// FirstOne returns the first set bit in the range [start, b.Size()).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	if i >= n {
		return MaxBitEntryLimit, fmt.Errorf("given start of range exceeds bitmap size")
	}
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64), nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no set bits")
}

// FirstZeroRun returns the first index i >= start such that i is a multiple
// of align and bits [i, i+length) are all unset. align must be a power of
// two; length must be non-zero.
func (b *Bitmap) FirstZeroRun(start, length, align uint32) (uint32, error) {
	if length == 0 || align == 0 || align&(align-1) != 0 {
		return MaxBitEntryLimit, fmt.Errorf("invalid zero-run request: length %d align %d", length, align)
	}
	i := (start + align - 1) &^ (align - 1)
	for i+length <= b.size {
		set, err := b.FirstOne(i)
		if err != nil {
			// No set bits at all past i: the run fits.
			return i, nil
		}
		if set >= i+length {
			return i, nil
		}
		// Restart the search past the conflicting bit.
		i = (set + 1 + align - 1) &^ (align - 1)
	}
	return MaxBitEntryLimit, fmt.Errorf("bitmap has no zero run of %d bits", length)
}

// Minimum returns the smallest set bit, or MaxBitEntryLimit if none.
func (b *Bitmap) Minimum() uint32 {
	for i := 0; i < len(b.bitBlock); i++ {
		if w := b.bitBlock[i]; w != 0 {
			return uint32(bits.TrailingZeros64(w) + i*64)
		}
	}
	return MaxBitEntryLimit
}

// Clone returns a copy of the Bitmap.
func (b *Bitmap) Clone() Bitmap {
	bitmap := Bitmap{b.numOnes, b.size, make([]uint64, len(b.bitBlock))}
	copy(bitmap.bitBlock, b.bitBlock)
	return bitmap
}
