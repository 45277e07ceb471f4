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

// Options is the creation option bit-field for a PagedObject.
type Options uint32

const (
	// OptResizable permits Resize.
	OptResizable Options = 1 << iota

	// OptContiguous requires physically contiguous committed frames.
	// It cannot be requested through Create; use CreateContiguous.
	OptContiguous

	// OptSlice marks a reference-only view of a parent sub-range. It is
	// set internally by CreateChildSlice and cannot be requested.
	OptSlice

	// OptDiscardable permits whole-object lock/unlock; unlocked objects
	// may have all pages reclaimed at any time.
	OptDiscardable
)

// CachePolicy describes the hardware caching mode requested for mappings
// of an object.
type CachePolicy uint32

const (
	// CachePolicyCached is the default write-back cached policy.
	CachePolicyCached CachePolicy = iota

	// CachePolicyUncached disables caching entirely.
	CachePolicyUncached

	// CachePolicyUncachedDevice is uncached with device memory ordering.
	CachePolicyUncachedDevice

	// CachePolicyWriteCombining buffers writes but disables caching.
	CachePolicyWriteCombining
)

func (p CachePolicy) String() string {
	switch p {
	case CachePolicyCached:
		return "cached"
	case CachePolicyUncached:
		return "uncached"
	case CachePolicyUncachedDevice:
		return "uncached-device"
	case CachePolicyWriteCombining:
		return "write-combining"
	default:
		return "invalid"
	}
}

// CloneType selects the semantics of CreateClone.
type CloneType int

const (
	// CloneSnapshot creates a child that observes the parent's content
	// as of the creation instant and diverges on first write by either
	// side.
	CloneSnapshot CloneType = iota
)

// EvictionHint is the argument to HintRange.
type EvictionHint int

const (
	// HintDontNeed makes the hinted pages the first reclaim candidates.
	HintDontNeed EvictionHint = iota

	// HintAlwaysNeed commits the hinted range and protects it from
	// reclaim (but not from explicit decommit or detach).
	HintAlwaysNeed
)

// archCleanInvalidateCache performs a hardware cache clean+invalidate
// over the given frame bytes before a transition away from the cached
// policy. Arch-specific maintenance is outside this library; the hook is
// replaceable for kernels that need real maintenance.
var archCleanInvalidateCache = func(frame []byte) {}
