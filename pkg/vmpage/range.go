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

package vmpage

import "fmt"

// A Range represents a contiguous range of byte offsets into a VM object.
//
// Ranges are semi-open, i.e. [Start, End).
type Range struct {
	// Start is the inclusive start of the range.
	Start uint64

	// End is the exclusive end of the range.
	End uint64
}

// MakeRange returns the range [offset, offset+length). The second return
// value is false on overflow.
func MakeRange(offset, length uint64) (Range, bool) {
	end := offset + length
	if end < offset {
		return Range{}, false
	}
	return Range{offset, end}, true
}

// WellFormed returns true if r.Start <= r.End. All other methods on r
// require that r is well-formed.
func (r Range) WellFormed() bool {
	return r.Start <= r.End
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return r.End - r.Start
}

// IsPageAligned returns true if both ends of r are page-aligned.
func (r Range) IsPageAligned() bool {
	return IsAligned(r.Start) && IsAligned(r.End)
}

// Contains returns true if r contains x.
func (r Range) Contains(x uint64) bool {
	return r.Start <= x && x < r.End
}

// Overlaps returns true if r and r2 overlap.
func (r Range) Overlaps(r2 Range) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// IsSupersetOf returns true if r is a superset of r2; that is, the range r2
// is contained within r.
func (r Range) IsSupersetOf(r2 Range) bool {
	return r.Start <= r2.Start && r.End >= r2.End
}

// Intersect returns the range in both r and r2, or the zero range if there
// is no such range.
func (r Range) Intersect(r2 Range) Range {
	if r.Start < r2.Start {
		r.Start = r2.Start
	}
	if r.End > r2.End {
		r.End = r2.End
	}
	if r.End < r.Start {
		r.End = r.Start
	}
	return r
}

// Offset returns a copy of r shifted by delta.
func (r Range) Offset(delta uint64) Range {
	return Range{r.Start + delta, r.End + delta}
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Start, r.End)
}
