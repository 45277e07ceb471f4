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

// Package errors holds the standardized error definition for the VM
// object library.
package errors

import (
	"zvmo.dev/zvmo/pkg/abi/zx"
)

// Error represents a status code with a descriptive message.
type Error struct {
	status  zx.Status
	message string
}

// New creates a new *Error.
func New(status zx.Status, message string) *Error {
	return &Error{
		status:  status,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Status returns the underlying zx.Status value.
func (e *Error) Status() zx.Status { return e.status }
