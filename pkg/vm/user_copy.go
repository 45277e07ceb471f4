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
	"context"
	"errors"
	"fmt"

	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// UserFault is returned by UserAddressSpace copies that hit an
// unmapped or protection-faulting user address. The holder of the
// hierarchy lock drops it, soft-faults the address, and retries.
type UserFault struct {
	Addr  uint64
	Write bool
}

func (f *UserFault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}
	return fmt.Sprintf("user %s fault at %#x", kind, f.Addr)
}

// UserAddressSpace is the faultable peer of ReadUser and WriteUser.
//
// CopyOut and CopyIn must not block: a missing translation is reported
// as a *UserFault after copying what was reachable. SoftFault may block;
// it is never called with the hierarchy lock held.
type UserAddressSpace interface {
	// CopyOut copies src to user address addr, returning the number of
	// bytes copied.
	CopyOut(addr uint64, src []byte) (int, error)

	// CopyIn copies from user address addr into dst, returning the
	// number of bytes copied.
	CopyIn(addr uint64, dst []byte) (int, error)

	// SoftFault makes addr accessible for reading, or for writing if
	// write is set.
	SoftFault(ctx context.Context, addr uint64, write bool) error
}

// ReadUser copies length bytes starting at offset to user address addr.
// Faults on the user side are resolved by soft-faulting and retrying the
// current page; the page lookup is redone after every lock drop, so a
// concurrent mutation is observed before any further bytes move.
func (o *PagedObject) ReadUser(ctx context.Context, uas UserAddressSpace, addr uint64, offset, length uint64) error {
	return o.copyUser(ctx, uas, addr, offset, length, false)
}

// WriteUser copies length bytes from user address addr into the object
// starting at offset, committing and forking pages as needed.
func (o *PagedObject) WriteUser(ctx context.Context, uas UserAddressSpace, addr uint64, offset, length uint64) error {
	return o.copyUser(ctx, uas, addr, offset, length, true)
}

func (o *PagedObject) copyUser(ctx context.Context, uas UserAddressSpace, addr uint64, offset, length uint64, write bool) error {
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
		var fault *UserFault
		for done < length {
			cur := offset + done
			pageOff := vmpage.RoundDown(cur)
			inPage := cur - pageOff
			n := vmpage.PageSize - inPage
			if rest := length - done; n > rest {
				n = rest
			}
			c, tOff := o.cow.walkSliceLocked(pageOff)
			var page []byte
			var req *PageRequest
			var err error
			if write {
				var s *pageSlot
				s, req, err = c.ensureOwnedPageLocked(tOff, true)
				if s != nil {
					page = c.pool.PageData(s.frame)
				}
			} else {
				page, req, err = c.readableBytesLocked(tOff)
			}
			if err != nil {
				o.hs.mu.Unlock()
				return err
			}
			if req != nil {
				stall = req
				break
			}
			var nn int
			var cerr error
			if write {
				nn, cerr = uas.CopyIn(addr+done, page[inPage:inPage+n])
			} else {
				nn, cerr = uas.CopyOut(addr+done, page[inPage:inPage+n])
			}
			done += uint64(nn)
			if cerr != nil {
				var uf *UserFault
				if !errors.As(cerr, &uf) {
					o.hs.mu.Unlock()
					return cerr
				}
				fault = uf
				break
			}
		}
		o.hs.mu.Unlock()
		switch {
		case stall != nil:
			if err := o.waitOn(ctx, stall); err != nil {
				return err
			}
		case fault != nil:
			if err := uas.SoftFault(ctx, fault.Addr, fault.Write); err != nil {
				return zxerr.NotFound
			}
		default:
			return nil
		}
	}
}
