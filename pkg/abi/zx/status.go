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

// Package zx defines Zircon-style status codes. These are the canonical
// result values used throughout the VM object library.
package zx

// Status is a Zircon status code. OK is zero; errors are negative.
type Status int32

// Status codes, mirroring zircon/errors.h.
const (
	OK Status = 0

	ErrInternal     Status = -1
	ErrNotSupported Status = -2
	ErrNoResources  Status = -3
	ErrNoMemory     Status = -4

	ErrInvalidArgs    Status = -10
	ErrBadHandle      Status = -11
	ErrWrongType      Status = -12
	ErrBadSyscall     Status = -13
	ErrOutOfRange     Status = -14
	ErrBufferTooSmall Status = -15

	ErrBadState      Status = -20
	ErrTimedOut      Status = -21
	ErrShouldWait    Status = -22
	ErrCanceled      Status = -23
	ErrPeerClosed    Status = -24
	ErrNotFound      Status = -25
	ErrAlreadyExists Status = -26
	ErrAlreadyBound  Status = -27
	ErrUnavailable   Status = -28
	ErrAccessDenied  Status = -29
	ErrIO            Status = -30
)

// String implements fmt.Stringer.String.
func (s Status) String() string {
	switch s {
	case OK:
		return "ZX_OK"
	case ErrInternal:
		return "ZX_ERR_INTERNAL"
	case ErrNotSupported:
		return "ZX_ERR_NOT_SUPPORTED"
	case ErrNoResources:
		return "ZX_ERR_NO_RESOURCES"
	case ErrNoMemory:
		return "ZX_ERR_NO_MEMORY"
	case ErrInvalidArgs:
		return "ZX_ERR_INVALID_ARGS"
	case ErrBadHandle:
		return "ZX_ERR_BAD_HANDLE"
	case ErrWrongType:
		return "ZX_ERR_WRONG_TYPE"
	case ErrBadSyscall:
		return "ZX_ERR_BAD_SYSCALL"
	case ErrOutOfRange:
		return "ZX_ERR_OUT_OF_RANGE"
	case ErrBufferTooSmall:
		return "ZX_ERR_BUFFER_TOO_SMALL"
	case ErrBadState:
		return "ZX_ERR_BAD_STATE"
	case ErrTimedOut:
		return "ZX_ERR_TIMED_OUT"
	case ErrShouldWait:
		return "ZX_ERR_SHOULD_WAIT"
	case ErrCanceled:
		return "ZX_ERR_CANCELED"
	case ErrPeerClosed:
		return "ZX_ERR_PEER_CLOSED"
	case ErrNotFound:
		return "ZX_ERR_NOT_FOUND"
	case ErrAlreadyExists:
		return "ZX_ERR_ALREADY_EXISTS"
	case ErrAlreadyBound:
		return "ZX_ERR_ALREADY_BOUND"
	case ErrUnavailable:
		return "ZX_ERR_UNAVAILABLE"
	case ErrAccessDenied:
		return "ZX_ERR_ACCESS_DENIED"
	case ErrIO:
		return "ZX_ERR_IO"
	default:
		return "ZX_ERR_UNKNOWN"
	}
}
