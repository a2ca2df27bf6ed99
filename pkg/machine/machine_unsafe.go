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

package machine

import (
	"unsafe"
)

// hostSlice returns an n-byte view of host memory at a raw address.
// Host page table entries and the linear mapping store such addresses
// in their address field; the referenced memory is host-owned and never
// relocates.
func hostSlice(addr uint64, n int) []byte {
	if addr == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// HostPTE builds a leaf entry exposing the page of host-owned memory at
// the start of buf to the guest. The buffer must be page-aligned and outlive the mapping.
func HostPTE(buf []byte, flags uint64) uint64 {
	return uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))) | flags
}
