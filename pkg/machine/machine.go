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

// Package machine implements the guest memory subsystem of the emulator:
// the per-guest System that owns the physical pool and page table tree,
// and the per-CPU Machine that caches translations and mediates guest
// accesses for the instruction interpreter.
//
// A System may be shared by several Machines. Mutation of the shared
// address space (reservation, commit, free, pool growth) is serialized
// by the System lock and broadcast to peers through their invalidation
// flags; translation itself is lock-free.
package machine

import (
	"fmt"

	"github.com/rsamnz/blink/pkg/atomicbitops"
	"github.com/rsamnz/blink/pkg/guestarch"
	"github.com/rsamnz/blink/pkg/realmem"
	"github.com/rsamnz/blink/pkg/sync"
	"github.com/rsamnz/blink/pkg/tlb"
)

// Mode is the guest CPU operating mode.
type Mode uint8

const (
	// ModeReal addresses memory as an identity window over the low
	// physical pool.
	ModeReal Mode = iota

	// ModeLegacy is 32-bit protected mode.
	ModeLegacy

	// ModeLong is 64-bit mode with 4-level paging.
	ModeLong
)

// SegmentationFaultError is returned by ResolveAddress and the access
// paths built on it when a guest access cannot be translated. The
// interpreter unwinds the current instruction and delivers the signal.
type SegmentationFaultError struct {
	// Addr is the faulting guest virtual address.
	Addr int64
}

// Error implements error.Error.
func (e *SegmentationFaultError) Error() string {
	return fmt.Sprintf("segmentation fault at %#x", e.Addr)
}

// SystemOpts configures a System.
type SystemOpts struct {
	// MaxRealSize caps the physical pool. Zero means
	// realmem.DefaultMaxSize.
	MaxRealSize int64

	// LinearMapping short-circuits translation: guest virtual
	// addresses, offset by LinearOffset, are host addresses.
	LinearMapping bool

	// LinearOffset is the skew added to guest addresses under
	// LinearMapping.
	LinearOffset int64
}

// System is the state shared by the Machines of one guest: the physical
// pool and the page table tree rooted at cr3.
type System struct {
	// mu serializes mutation of cr3, the page table tree, the pool
	// free list and the statistics. Walkers do not take it; they
	// re-read entries from pool memory and rely on the invalidation
	// broadcast.
	mu sync.RWMutex

	// real is the physical pool.
	real *realmem.Pool

	// cr3 is the root table pointer. Zero means no address space has
	// been created yet; ReserveVirtual installs the root on first
	// use.
	cr3 uint64

	opts SystemOpts

	// machinesMu protects machines.
	machinesMu sync.Mutex
	machines   []*Machine
}

// NewSystem creates an empty System.
func NewSystem(opts SystemOpts) *System {
	s := &System{opts: opts}
	s.real = realmem.New(opts.MaxRealSize, s.invalidateAll)
	return s
}

// invalidateAll flags every attached Machine, including the caller's.
// Runs as the pool's resize hook, after every growth of the mapping.
func (s *System) invalidateAll() {
	s.machinesMu.Lock()
	defer s.machinesMu.Unlock()
	for _, m := range s.machines {
		m.invalidated.Store(true)
	}
}

// invalidatePeers flags every attached Machine except m, which is
// expected to reset its own TLB synchronously.
func (s *System) invalidatePeers(m *Machine) {
	s.machinesMu.Lock()
	defer s.machinesMu.Unlock()
	for _, peer := range s.machines {
		if peer != m {
			peer.invalidated.Store(true)
		}
	}
}

// Pool returns the physical pool.
func (s *System) Pool() *realmem.Pool {
	return s.real
}

// maxReal returns the configured pool capacity limit, which also bounds
// the real-mode identity window.
func (s *System) maxReal() int64 {
	if s.opts.MaxRealSize != 0 {
		return s.opts.MaxRealSize
	}
	return realmem.DefaultMaxSize
}

// Destroy releases the physical pool. All Machines must be destroyed
// first.
func (s *System) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cr3 = 0
	s.real.Destroy()
}

// opCache is the per-CPU scratch the interpreter reuses across
// instructions.
type opCache struct {
	// stash buffers a page-crossing access for one instruction.
	stash [guestarch.PageSize]byte

	// stashSize is the live prefix of stash.
	stashSize int

	// writable records whether the stash must be copied back at
	// retire.
	writable bool
}

// Machine is one guest CPU.
type Machine struct {
	// Mode is set by the instruction decoder.
	Mode Mode

	system *System

	tlb tlb.TLB

	// invalidated is set by peers (or the pool) when the shared
	// address space changed under us. The walker's fast path observes
	// it with relaxed ordering and resets the TLB.
	invalidated atomicbitops.Bool

	opcache *opCache

	// stashAddr is the guest address of the active stash, or zero.
	stashAddr int64

	// reserving is set while the interpreter holds a pointer from
	// ReserveAddress.
	reserving bool

	// pageOverlaps counts accesses that straddled a page boundary.
	pageOverlaps uint64

	// Accessed-range bookkeeping for debuggers and signal delivery.
	readAddr  int64
	readSize  uint32
	writeAddr int64
	writeSize uint32

	// freelist pins host buffers returned to the interpreter, such as
	// page-crossing LoadStr results, until teardown.
	freelist [][]byte
}

// NewMachine creates a CPU attached to s.
func NewMachine(s *System) *Machine {
	m := &Machine{
		Mode:    ModeLong,
		system:  s,
		opcache: &opCache{},
	}
	s.machinesMu.Lock()
	s.machines = append(s.machines, m)
	s.machinesMu.Unlock()
	return m
}

// System returns the shared System.
func (m *Machine) System() *System {
	return m.system
}

// ResetMem tears down the guest address space: the pool free list and
// watermark, the statistics, cr3 and every TLB.
func (m *Machine) ResetMem() {
	s := m.system
	s.mu.Lock()
	s.real.Reset()
	s.cr3 = 0
	s.mu.Unlock()
	m.tlb.Reset()
	s.invalidatePeers(m)
}

// ResetTlb evicts all cached translations.
func (m *Machine) ResetTlb() {
	m.tlb.Reset()
}

// Destroy detaches the machine and releases its scratch: the
// user-string freelist first, then the per-CPU scratch. The pool itself
// belongs to the System.
func (m *Machine) Destroy() {
	m.freelist = nil
	m.opcache = nil
	s := m.system
	s.machinesMu.Lock()
	for i, peer := range s.machines {
		if peer == m {
			s.machines = append(s.machines[:i], s.machines[i+1:]...)
			break
		}
	}
	s.machinesMu.Unlock()
}

// MemStat returns a snapshot of the shared memory accounting.
func (m *Machine) MemStat() realmem.Stats {
	s := m.system
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.real.Stat()
}

// TLBStat returns this CPU's translation counters.
func (m *Machine) TLBStat() tlb.Stats {
	return m.tlb.Stat()
}

// PageOverlaps returns how many accesses straddled a page boundary.
func (m *Machine) PageOverlaps() uint64 {
	return m.pageOverlaps
}

// Reserving reports whether the interpreter holds a ReserveAddress
// pointer for the current instruction.
func (m *Machine) Reserving() bool {
	return m.reserving
}

// SetReserving clears or sets the reservation mark; the interpreter
// resets it at instruction boundaries.
func (m *Machine) SetReserving(v bool) {
	m.reserving = v
}
