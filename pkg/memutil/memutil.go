// Copyright 2025 The Blink Authors.
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

// Package memutil provides utilities for working with anonymous memory
// mappings.
package memutil

import (
	"golang.org/x/sys/unix"
)

// MapSlice maps size bytes of zeroed anonymous private memory and returns
// it as a slice.
func MapSlice(size int) ([]byte, error) {
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
}

// RemapSlice grows a mapping returned by MapSlice to size bytes. The
// mapping may be relocated; the returned slice supersedes the argument,
// which must not be used again. The added tail reads as zeroes.
func RemapSlice(slice []byte, size int) ([]byte, error) {
	return unix.Mremap(slice, size, unix.MREMAP_MAYMOVE)
}

// UnmapSlice unmaps a mapping returned by MapSlice.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}
