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

// Package zxerr contains status codes exported as error interface
// pointers. This allows for fast comparison and return operations.
// Callers compare against these sentinels directly, or via Equals when
// the error may have crossed a package that rewraps.
package zxerr

import (
	"zvmo.dev/zvmo/pkg/abi/zx"
	"zvmo.dev/zvmo/pkg/errors"
)

// The following errors are the canonical error values returned by every
// operation in the library. Each is a distinct *errors.Error, so pointer
// equality is sufficient for comparison.
var (
	Internal       = errors.New(zx.ErrInternal, "internal error")
	NotSupported   = errors.New(zx.ErrNotSupported, "operation not supported")
	NoResources    = errors.New(zx.ErrNoResources, "no resources")
	NoMemory       = errors.New(zx.ErrNoMemory, "out of memory")
	InvalidArgs    = errors.New(zx.ErrInvalidArgs, "invalid arguments")
	BadHandle      = errors.New(zx.ErrBadHandle, "bad handle")
	WrongType      = errors.New(zx.ErrWrongType, "wrong type")
	OutOfRange     = errors.New(zx.ErrOutOfRange, "out of range")
	BufferTooSmall = errors.New(zx.ErrBufferTooSmall, "buffer too small")
	BadState       = errors.New(zx.ErrBadState, "bad state")
	TimedOut       = errors.New(zx.ErrTimedOut, "timed out")
	ShouldWait     = errors.New(zx.ErrShouldWait, "should wait and retry")
	Canceled       = errors.New(zx.ErrCanceled, "canceled")
	PeerClosed     = errors.New(zx.ErrPeerClosed, "peer closed")
	NotFound       = errors.New(zx.ErrNotFound, "not found")
	AlreadyExists  = errors.New(zx.ErrAlreadyExists, "already exists")
	AlreadyBound   = errors.New(zx.ErrAlreadyBound, "already bound")
	Unavailable    = errors.New(zx.ErrUnavailable, "unavailable")
	AccessDenied   = errors.New(zx.ErrAccessDenied, "access denied")
	IO             = errors.New(zx.ErrIO, "I/O error")
)

// Equals reports whether err and sentinel represent the same status.
// err may be a *errors.Error from a different construction site.
func Equals(sentinel *errors.Error, err error) bool {
	if err == sentinel {
		return true
	}
	if e, ok := err.(*errors.Error); ok && sentinel != nil {
		return e.Status() == sentinel.Status()
	}
	return false
}

// StatusOf returns the zx.Status carried by err, or zx.ErrInternal if
// err is not a library error. A nil err maps to zx.OK.
func StatusOf(err error) zx.Status {
	if err == nil {
		return zx.OK
	}
	if e, ok := err.(*errors.Error); ok {
		return e.Status()
	}
	return zx.ErrInternal
}
