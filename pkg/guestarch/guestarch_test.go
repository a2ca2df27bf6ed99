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

package guestarch

import (
	"testing"
)

func TestRoundDown(t *testing.T) {
	for _, tc := range []struct {
		addr, want Addr
	}{
		{0, 0},
		{1, 0},
		{4095, 0},
		{4096, 4096},
		{0x5fff, 0x5000},
		{-1, -4096},
		{-4096, -4096},
		{-4097, -8192},
	} {
		if got := tc.addr.RoundDown(); got != tc.want {
			t.Errorf("RoundDown(%#x): got %#x, wanted %#x", tc.addr, got, tc.want)
		}
	}
}

func TestRoundUp(t *testing.T) {
	for _, tc := range []struct {
		addr, want Addr
		ok         bool
	}{
		{0, 0, true},
		{1, 4096, true},
		{4096, 4096, true},
		{0x5001, 0x6000, true},
		{-1, 0, true},
	} {
		got, ok := tc.addr.RoundUp()
		if got != tc.want || ok != tc.ok {
			t.Errorf("RoundUp(%#x): got (%#x, %t), wanted (%#x, %t)", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestCanonical(t *testing.T) {
	for _, tc := range []struct {
		addr Addr
		want bool
	}{
		{0, true},
		{MinAddr, true},
		{MaxAddr - 1, true},
		{MaxAddr, false},
		{MinAddr - 1, false},
		{Addr(^uint64(0) >> 1), false},
	} {
		if got := tc.addr.Canonical(); got != tc.want {
			t.Errorf("Canonical(%#x): got %t, wanted %t", tc.addr, got, tc.want)
		}
	}
}

func TestTableIndex(t *testing.T) {
	// 0x7f45_3000_1000 walks to distinct indices at each level.
	v := Addr(0x7f4530001000)
	for _, tc := range []struct {
		shift uint
		want  uint64
	}{
		{RootShift, uint64(v>>39) & 511},
		{30, uint64(v>>30) & 511},
		{21, uint64(v>>21) & 511},
		{PageShift, uint64(v>>12) & 511},
	} {
		if got := v.TableIndex(tc.shift); got != tc.want {
			t.Errorf("TableIndex(%d): got %d, wanted %d", tc.shift, got, tc.want)
		}
	}
	// Negative addresses index the top half of the root table.
	n := Addr(-4096)
	if got := n.TableIndex(RootShift); got != 511 {
		t.Errorf("TableIndex(root) of %#x: got %d, wanted 511", n, got)
	}
}

func TestPTEBits(t *testing.T) {
	e := PTE(0x7000 | PteValid | PteWrite)
	if !e.Valid() || e.Reserved() || e.Host() {
		t.Errorf("flags of %#x: valid=%t reserved=%t host=%t", uint64(e), e.Valid(), e.Reserved(), e.Host())
	}
	if got := e.Address(); got != 0x7000 {
		t.Errorf("Address: got %#x, wanted 0x7000", got)
	}

	r := PTE(0x9000 | PteRsrv)
	if r.Valid() || !r.Reserved() {
		t.Errorf("reserved entry %#x: valid=%t reserved=%t", uint64(r), r.Valid(), r.Reserved())
	}

	h := PTE(0xdead000 | PteValid | PteHost)
	if !h.Host() {
		t.Errorf("host entry %#x not recognized", uint64(h))
	}

	// The address mask keeps only bits 12 through 46.
	top := PTE(^uint64(0))
	if got := top.Address(); got != PteAddrMask {
		t.Errorf("Address of all-ones: got %#x, wanted %#x", got, PteAddrMask)
	}
}

func TestLoadStore64(t *testing.T) {
	var b [8]byte
	Store64(b[:], 0x0807060504030201)
	if b[0] != 0x01 || b[7] != 0x08 {
		t.Errorf("Store64 byte order: % x", b)
	}
	if got := Load64(b[:]); got != 0x0807060504030201 {
		t.Errorf("Load64: got %#x", got)
	}
}
