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
	"github.com/rsamnz/blink/pkg/guestarch"
	"github.com/rsamnz/blink/pkg/realmem"
	"github.com/rsamnz/blink/pkg/tlb"
)

// PageAddress projects a page table entry to its host frame. For host
// entries the address field is a host linear address; otherwise it is a
// pool offset, and the projection is nil when it falls outside the pool.
func (s *System) PageAddress(entry uint64) []byte {
	if entry&guestarch.PteHost != 0 {
		return hostSlice(entry&guestarch.PteAddrMask, guestarch.PageSize)
	}
	return s.real.Slice(int64(entry&guestarch.PteAddrMask), guestarch.PageSize)
}

// findPageTableEntry translates a page-aligned guest virtual address to
// its leaf entry, committing reserved pages on the way. Returns 0 when
// the page is unmapped or outside the canonical address space.
func (m *Machine) findPageTableEntry(page int64) uint64 {
	if !m.invalidated.Load() {
		if entry := m.tlb.Lookup(page); entry != 0 {
			return entry
		}
	} else {
		m.tlb.Reset()
		m.invalidated.Store(false)
	}
	if !guestarch.Addr(page).Canonical() {
		return 0
	}
	m.tlb.CountMiss()
	s := m.system
	entry := s.cr3
	if entry == 0 {
		return 0
	}
	var table, index uint64
	for level := uint(guestarch.RootShift); ; level -= guestarch.TableBits {
		table = entry
		index = guestarch.Addr(page).TableIndex(level)
		host := s.PageAddress(table)
		if host == nil {
			return 0
		}
		entry = guestarch.Load64(host[index*8:])
		if level == guestarch.PageShift {
			break
		}
		if entry&guestarch.PteValid == 0 {
			return 0
		}
	}
	// A leaf is exactly one of clear, reserved, or valid.
	if entry&guestarch.PteRsrv != 0 {
		if entry = m.handlePageFault(entry, table, index); entry == 0 {
			return 0
		}
	} else if entry&guestarch.PteValid == 0 {
		return 0
	}
	m.tlb.Insert(page, entry)
	return entry
}

// handlePageFault commits a reserved leaf: it takes a frame from the
// pool and patches the entry in place, preserving the reservation key's
// flag bits. No peer broadcast is needed here: reserved and absent
// leaves are never cached, so no TLB can hold the old entry.
func (m *Machine) handlePageFault(entry, table, index uint64) uint64 {
	s := m.system
	s.mu.Lock()
	defer s.mu.Unlock()
	host := s.PageAddress(table)
	if host == nil {
		return 0
	}
	// A peer may have won the race and committed this page already.
	if cur := guestarch.Load64(host[index*8:]); cur&guestarch.PteRsrv == 0 {
		if cur&guestarch.PteValid != 0 {
			return cur
		}
		return 0
	} else {
		entry = cur
	}
	page, err := s.real.AllocateFrame()
	if err != nil {
		return 0
	}
	s.real.Memstat().Reserved--
	x := (uint64(page) & (guestarch.PteAddrMask | guestarch.PteHost | guestarch.PteMap)) |
		(entry &^ (guestarch.PteAddrMask | guestarch.PteRsrv)) |
		guestarch.PteValid
	// The allocation may have relocated the pool.
	host = s.PageAddress(table)
	guestarch.Store64(host[index*8:], x)
	return x
}

// ReserveReal ensures the physical pool has capacity for at least n
// bytes, growing (and possibly relocating) it.
func (m *Machine) ReserveReal(n int64) error {
	s := m.system
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.real.Reserve(n)
}

// ReserveVirtual marks every page in [virt, virt+size) with key, which
// carries the reservation flag bits but not the valid bit. Missing
// intermediate tables are allocated on the way down; pages that are
// already reserved or mapped are left untouched, so reservation is
// idempotent. The walk advances through contiguous leaf slots without
// re-descending, wrapping at the end of each table.
func (m *Machine) ReserveVirtual(virt int64, size int64, key uint64) error {
	s := m.system
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cr3 == 0 {
		page, err := s.real.AllocateFrame()
		if err != nil {
			return err
		}
		s.real.Memstat().PageTables++
		s.cr3 = uint64(page) | guestarch.PteValid
	}
	for end := virt + size; ; {
		pt := s.cr3
		for level := uint(guestarch.RootShift); level >= guestarch.PageShift; level -= guestarch.TableBits {
			ti := guestarch.Addr(virt).TableIndex(level)
			mi := int64(pt&guestarch.PteAddrMask) + int64(ti)*8
			pt = s.real.Load64(mi)
			if level > guestarch.PageShift {
				if pt&guestarch.PteValid == 0 {
					page, err := s.real.AllocateFrame()
					if err != nil {
						return err
					}
					pt = uint64(page)
					s.real.Store64(mi, pt|guestarch.PteTable)
					s.real.Memstat().PageTables++
				}
				continue
			}
			for {
				if pt&(guestarch.PteValid|guestarch.PteRsrv) == 0 {
					s.real.Store64(mi, key)
					// A key carrying the valid bit installs a live
					// mapping, not a reservation.
					if key&guestarch.PteRsrv != 0 {
						s.real.Memstat().Reserved++
					}
				}
				if virt += guestarch.PageSize; virt >= end {
					return nil
				}
				if ti++; ti == guestarch.TableEntries {
					break
				}
				mi += 8
				pt = s.real.Load64(mi)
			}
		}
	}
}

// FindVirtual scans upward from virt for a free run of size bytes.
// Absence at a table level credits that level's whole span; any mapped
// or reserved leaf restarts the scan past it. Fails with out-of-memory
// when the scan leaves the canonical address space.
func (m *Machine) FindVirtual(virt int64, size int64) (int64, error) {
	s := m.system
	s.mu.RLock()
	defer s.mu.RUnlock()
	var got int64
	for got < size {
		probe := virt + got
		if probe >= guestarch.MaxAddr {
			return -1, realmem.ErrOutOfMemory
		}
		free := false
		freeLevel := uint(guestarch.RootShift)
		if pt := s.cr3; pt == 0 {
			free = true
		} else {
			for level := uint(guestarch.RootShift); level >= guestarch.PageShift; level -= guestarch.TableBits {
				mi := int64(pt&guestarch.PteAddrMask) + int64(guestarch.Addr(probe).TableIndex(level))*8
				pt = s.real.Load64(mi)
				if level == guestarch.PageShift {
					if pt&(guestarch.PteValid|guestarch.PteRsrv) == 0 {
						free, freeLevel = true, level
					}
				} else if pt&guestarch.PteValid == 0 {
					free, freeLevel = true, level
					break
				}
			}
		}
		if free {
			got += int64(1) << freeLevel
		} else {
			virt = probe + guestarch.PageSize
			got = 0
		}
	}
	return virt, nil
}

// FreeVirtual clears every leaf in [base, base+size). Reserved leaves
// surrender only their reservation; committed leaves return their frame
// to the pool free list. Absent subtrees are skipped at their level's
// stride. Every TLB that may cache the range is invalidated.
func (m *Machine) FreeVirtual(base, size int64) {
	s := m.system
	s.mu.Lock()
	for virt, end := base, base+size; virt < end; {
		stride := uint(guestarch.RootShift)
		if s.cr3 != 0 {
			pt := s.cr3
			for level := uint(guestarch.RootShift); ; level -= guestarch.TableBits {
				stride = level
				mi := int64(pt&guestarch.PteAddrMask) + int64(guestarch.Addr(virt).TableIndex(level))*8
				pt = s.real.Load64(mi)
				if pt&(guestarch.PteValid|guestarch.PteRsrv) == 0 {
					break
				}
				if level == guestarch.PageShift {
					st := s.real.Memstat()
					if pt&guestarch.PteRsrv != 0 {
						st.Reserved--
					} else if pt&guestarch.PteHost == 0 {
						st.Committed--
						s.real.AppendFree(int64(pt & guestarch.PteAddrMask))
					}
					// Host leaves hold host pointers, not pool
					// frames; only the mapping is dropped.
					s.real.Store64(mi, 0)
					break
				}
			}
		}
		virt += int64(1) << stride
	}
	s.mu.Unlock()
	m.tlb.Reset()
	s.invalidatePeers(m)
}

// The hint probe requires a power-of-two entry count filling whole
// hint words.
var (
	_ [0]struct{} = [tlb.NumEntries & (tlb.NumEntries - 1)]struct{}{}
	_ [0]struct{} = [tlb.NumEntries % 8]struct{}{}
)
