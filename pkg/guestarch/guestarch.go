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

// Package guestarch describes the guest-visible memory architecture: the
// 48-bit signed virtual address space, the 4096-byte page frame, and the
// 64-bit page table entry format used by the 4-level radix tree.
package guestarch

import (
	"encoding/binary"
)

const (
	// PageSize is the size of a page frame in bytes.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// PageMask selects the offset within a page.
	PageMask = PageSize - 1

	// TableBits is the number of virtual address bits translated by one
	// level of the radix tree.
	TableBits = 9

	// TableEntries is the number of entries in one page table frame.
	TableEntries = 1 << TableBits

	// RootShift is the bit position indexed by the root (PML4) level.
	// Levels walk RootShift, RootShift-9, ... down to PageShift.
	RootShift = 39

	// MinAddr and MaxAddr bound the canonical guest virtual address
	// space: MinAddr <= v < MaxAddr.
	MinAddr = -(1 << 47)
	MaxAddr = 1 << 47
)

// ByteOrder is the guest byte order. The guest is x86_64, so page table
// entries and pointer words are little-endian.
var ByteOrder = binary.LittleEndian

// Addr is a guest virtual address. Canonical addresses are sign-extended
// from bit 47, so the type is signed and negative values are legal.
type Addr int64

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ PageMask
}

// RoundUp returns the address rounded up to the nearest page boundary.
// ok is false iff rounding up overflowed int64 and wrapped around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = (v + PageMask).RoundDown()
	ok = addr >= v
	return
}

// PageOffset returns the offset of the address within its page.
func (v Addr) PageOffset() uint64 {
	return uint64(v) & PageMask
}

// Canonical returns true if the address lies within the 48-bit signed
// virtual address space.
func (v Addr) Canonical() bool {
	return MinAddr <= int64(v) && int64(v) < MaxAddr
}

// TableIndex returns the index of the address within the table at the
// given level shift.
func (v Addr) TableIndex(shift uint) uint64 {
	return uint64(v>>shift) & (TableEntries - 1)
}

// Load64 reads a guest pointer word or page table entry from b.
func Load64(b []byte) uint64 {
	return ByteOrder.Uint64(b)
}

// Store64 writes a guest pointer word or page table entry to b.
func Store64(b []byte, v uint64) {
	ByteOrder.PutUint64(b, v)
}
