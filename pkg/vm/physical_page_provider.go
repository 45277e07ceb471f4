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
	"zvmo.dev/zvmo/pkg/vm/pmm"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// PhysicalPageProvider is the page source of a contiguous object. It
// supplies fixed frames: offset i of the object is always frame base+i.
// Decommitted frames are lent to the general pool and reclaimed, not
// replaced, on the next commit.
type PhysicalPageProvider struct {
	pool *pmm.Pool
	base pmm.Paddr
	size uint64
}

var _ Source = (*PhysicalPageProvider)(nil)

func newPhysicalPageProvider(pool *pmm.Pool, base pmm.Paddr, size uint64) *PhysicalPageProvider {
	return &PhysicalPageProvider{pool: pool, base: base, size: size}
}

// Base returns the first frame of the contiguous run.
func (pp *PhysicalPageProvider) Base() pmm.Paddr {
	return pp.base
}

// FrameAt returns the fixed frame backing object offset off.
func (pp *PhysicalPageProvider) FrameAt(off uint64) pmm.Paddr {
	if !vmpage.IsAligned(off) || off >= pp.size {
		panic("contiguous frame lookup out of range")
	}
	return pp.base + pmm.Paddr(off)
}

// Properties implements Source.Properties.
func (pp *PhysicalPageProvider) Properties() SourceProperties {
	return SourceProperties{
		ProvidesSpecificPhysicalPages: true,
	}
}

// Request implements Source.Request. The provider supplies frames
// synchronously, so a request is resolved before it is returned; the
// retrying caller finds the frame reclaimed on its next lookup.
func (pp *PhysicalPageProvider) Request(r vmpage.Range) *PageRequest {
	pr := newPageRequest(r)
	pr.resolve(nil)
	return pr
}

// OnSupply implements Source.OnSupply.
func (pp *PhysicalPageProvider) OnSupply(r vmpage.Range) {}

// FailRequests implements Source.FailRequests.
func (pp *PhysicalPageProvider) FailRequests(r vmpage.Range, err error) {}

// Detach implements Source.Detach.
func (pp *PhysicalPageProvider) Detach() {}
