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

	"zvmo.dev/zvmo/pkg/errors/zxerr"
	"zvmo.dev/zvmo/pkg/sync"
	"zvmo.dev/zvmo/pkg/vmpage"
)

// SourceProperties describe a page source's behavior to the page
// container.
type SourceProperties struct {
	// IsUserPager is true if the source is an external user-pager, as
	// opposed to a kernel-internal provider.
	IsUserPager bool

	// IsPreservingPageContent is true if the source retains page content
	// after eviction, so committed pages may be reclaimed and later
	// re-fetched.
	IsPreservingPageContent bool

	// ProvidesSpecificPhysicalPages is true if the source supplies fixed
	// physical frames (contiguous objects).
	ProvidesSpecificPhysicalPages bool
}

// A Source supplies page content on demand. The page container calls
// Request when a fault finds no committed page; the supplier later
// installs pages through PagedObject.SupplyPages, which resolves the
// request via OnSupply.
//
// All methods except Request's returned PageRequest.Wait are called with
// the hierarchy lock held and must not block.
type Source interface {
	// Properties returns the source's static properties.
	Properties() SourceProperties

	// Request begins an asynchronous fetch of r. The returned request is
	// resolved by a subsequent OnSupply or FailRequests covering r, or
	// by Detach.
	Request(r vmpage.Range) *PageRequest

	// OnSupply resolves outstanding requests that overlap r.
	OnSupply(r vmpage.Range)

	// FailRequests resolves outstanding requests that overlap r with
	// err.
	FailRequests(r vmpage.Range, err error)

	// Detach terminates the source. All outstanding requests resolve
	// with "source gone" and future Request calls fail immediately.
	Detach()
}

// DirtyNotifier is implemented by sources that track writeback; the page
// container reports first writes so the source can schedule cleaning.
type DirtyNotifier interface {
	OnDirty(r vmpage.Range)
}

// PageRequest represents one stalled fault. The faulting caller waits on
// it with the hierarchy lock dropped, then retries the same offsets.
type PageRequest struct {
	r    vmpage.Range
	done chan struct{}

	mu sync.Mutex
	// err is valid after done is closed.
	err error
	// abandoned is set if the waiter gave up; a late response is
	// discarded.
	abandoned bool
}

func newPageRequest(r vmpage.Range) *PageRequest {
	return &PageRequest{
		r:    r,
		done: make(chan struct{}),
	}
}

// Range returns the offsets the request covers.
func (pr *PageRequest) Range() vmpage.Range {
	return pr.r
}

// Wait blocks until the request is resolved or ctx is done. On
// cancellation the request is marked abandoned and zxerr.Canceled is
// returned; a deadline expiry returns zxerr.TimedOut.
//
// Preconditions: the hierarchy lock must not be held.
func (pr *PageRequest) Wait(ctx context.Context) error {
	select {
	case <-pr.done:
		pr.mu.Lock()
		defer pr.mu.Unlock()
		return pr.err
	case <-ctx.Done():
		pr.mu.Lock()
		pr.abandoned = true
		pr.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zxerr.TimedOut
		}
		return zxerr.Canceled
	}
}

// resolve completes the request. Late and duplicate resolutions are
// discarded.
func (pr *PageRequest) resolve(err error) {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	select {
	case <-pr.done:
		return
	default:
	}
	if pr.abandoned {
		// The waiter is gone; drop the response but still close done so
		// resources are not leaked.
		err = zxerr.Canceled
	}
	pr.err = err
	close(pr.done)
}

// UserPager is the in-process stand-in for an external user-pager
// transport. The supplier side observes outstanding requests with
// WaitOutstanding or Outstanding, then supplies content through
// PagedObject.SupplyPages or fails it through FailPageRequests.
type UserPager struct {
	mu          sync.Mutex
	outstanding []*PageRequest
	detached    bool
	dirtied     []vmpage.Range
	arrival     chan struct{}
}

var _ Source = (*UserPager)(nil)
var _ DirtyNotifier = (*UserPager)(nil)

// NewUserPager creates a UserPager.
func NewUserPager() *UserPager {
	return &UserPager{
		arrival: make(chan struct{}, 1),
	}
}

// Properties implements Source.Properties.
func (p *UserPager) Properties() SourceProperties {
	return SourceProperties{
		IsUserPager:             true,
		IsPreservingPageContent: true,
	}
}

// Request implements Source.Request.
func (p *UserPager) Request(r vmpage.Range) *PageRequest {
	pr := newPageRequest(r)
	p.mu.Lock()
	if p.detached {
		p.mu.Unlock()
		pr.resolve(zxerr.NotFound)
		return pr
	}
	p.outstanding = append(p.outstanding, pr)
	p.mu.Unlock()
	select {
	case p.arrival <- struct{}{}:
	default:
	}
	return pr
}

// OnSupply implements Source.OnSupply.
func (p *UserPager) OnSupply(r vmpage.Range) {
	p.resolveOverlapping(r, nil)
}

// FailRequests implements Source.FailRequests.
func (p *UserPager) FailRequests(r vmpage.Range, err error) {
	p.resolveOverlapping(r, err)
}

func (p *UserPager) resolveOverlapping(r vmpage.Range, err error) {
	p.mu.Lock()
	var resolved, kept []*PageRequest
	for _, pr := range p.outstanding {
		if pr.r.Overlaps(r) {
			resolved = append(resolved, pr)
		} else {
			kept = append(kept, pr)
		}
	}
	p.outstanding = kept
	p.mu.Unlock()
	for _, pr := range resolved {
		pr.resolve(err)
	}
}

// Detach implements Source.Detach.
func (p *UserPager) Detach() {
	p.mu.Lock()
	out := p.outstanding
	p.outstanding = nil
	p.detached = true
	p.mu.Unlock()
	for _, pr := range out {
		pr.resolve(zxerr.NotFound)
	}
}

// OnDirty implements DirtyNotifier.OnDirty.
func (p *UserPager) OnDirty(r vmpage.Range) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirtied = append(p.dirtied, r)
}

// TakeDirtied returns and clears the ranges reported dirty since the
// last call.
func (p *UserPager) TakeDirtied() []vmpage.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	d := p.dirtied
	p.dirtied = nil
	return d
}

// Outstanding returns the ranges of currently unresolved requests.
func (p *UserPager) Outstanding() []vmpage.Range {
	p.mu.Lock()
	defer p.mu.Unlock()
	rs := make([]vmpage.Range, 0, len(p.outstanding))
	for _, pr := range p.outstanding {
		rs = append(rs, pr.r)
	}
	return rs
}

// WaitOutstanding blocks until at least one request is outstanding or
// ctx is done, and returns the outstanding ranges.
func (p *UserPager) WaitOutstanding(ctx context.Context) ([]vmpage.Range, error) {
	for {
		if rs := p.Outstanding(); len(rs) != 0 {
			return rs, nil
		}
		select {
		case <-p.arrival:
		case <-ctx.Done():
			return nil, zxerr.Canceled
		}
	}
}
