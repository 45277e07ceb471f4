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

//go:build linux || darwin

// Package memutil provides utilities for working with memory mappings.
package memutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// MapAnonymous maps size bytes of anonymous, private, read-write memory and
// returns it as a slice. size need not be page-aligned; the kernel rounds it
// up.
func MapAnonymous(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid mapping size %d", size)
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("anonymous mmap of %d bytes failed: %w", size, err)
	}
	return b, nil
}

// Unmap unmaps a mapping returned by MapAnonymous.
func Unmap(b []byte) error {
	return unix.Munmap(b)
}
