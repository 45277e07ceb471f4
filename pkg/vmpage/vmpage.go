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

// Package vmpage defines the page granule of the VM object library and
// helpers for page arithmetic on object offsets.
package vmpage

// PageShift is the log2 of the page size.
const PageShift = 12

// PageSize is the system page size in bytes.
const PageSize = 1 << PageShift

// PageMask masks the intra-page bits of an offset.
const PageMask = PageSize - 1

// IsAligned returns true if offset is a multiple of the page size.
func IsAligned(offset uint64) bool {
	return offset&PageMask == 0
}

// RoundDown returns offset rounded down to the nearest page boundary.
func RoundDown(offset uint64) uint64 {
	return offset &^ PageMask
}

// RoundUp returns offset rounded up to the nearest page boundary. The
// second return value is false on overflow.
func RoundUp(offset uint64) (uint64, bool) {
	rounded := (offset + PageMask) &^ uint64(PageMask)
	if rounded < offset {
		return 0, false
	}
	return rounded, true
}

// Pages returns the number of pages spanned by length bytes.
//
// Preconditions: length is page-aligned.
func Pages(length uint64) uint64 {
	return length >> PageShift
}
