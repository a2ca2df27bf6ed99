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

// Package realmem implements the physical memory pool backing guest
// frames.
//
// The pool is a single anonymous mapping that grows on demand. Offsets
// into the pool are the guest physical addresses stored in page table
// entries. Growth may relocate the mapping, so host views of pool memory
// are invalidated by any allocation; the resize hook lets the owner
// broadcast that invalidation.
//
// Callers are expected to serialize mutation; the pool performs no
// locking of its own.
package realmem

import (
	"errors"

	"github.com/rsamnz/blink/pkg/guestarch"
	"github.com/rsamnz/blink/pkg/log"
	"github.com/rsamnz/blink/pkg/memutil"
)

const (
	// FrameSize is the physical allocation granule.
	FrameSize = guestarch.PageSize

	// initialCapacity is the size of the first mapping.
	initialCapacity = 0x10000

	// DefaultMaxSize is the default capacity limit.
	DefaultMaxSize = 1 << 32
)

// ErrOutOfMemory is returned when the pool cannot grow any further, or
// when the host refuses to back more of it.
var ErrOutOfMemory = errors.New("physical pool exhausted")

// Stats are the memory accounting counters. Allocated, Freed,
// Reclaimed, Resizes and PageTables are monotone; Committed and
// Reserved mirror state transitions.
//
// The conservation invariant is Allocated + Reclaimed == Committed + Freed:
// every frame handed out by the allocator is committed, and every
// surrender moves one frame from committed to freed, even if it is
// later reclaimed.
type Stats struct {
	// Allocated counts frames bump-allocated from fresh capacity.
	Allocated int64

	// Freed counts frames ever returned to the free list.
	Freed int64

	// Reclaimed counts frames popped back off the free list.
	Reclaimed int64

	// Resizes counts relocations of the backing mapping.
	Resizes int64

	// Committed counts frames currently backing guest pages or page
	// tables.
	Committed int64

	// Reserved counts leaf entries awaiting commit on first touch.
	Reserved int64

	// PageTables counts frames holding page table levels.
	PageTables int64
}

// FreeRun describes one node of the frame free list.
type FreeRun struct {
	// Start is the pool offset of the first frame in the run.
	Start int64

	// Length is the byte length of the run, a multiple of FrameSize.
	Length int64
}

// freeRun is a node of the singly-linked free list. Runs coalesce only
// with the head node, so adjacent frames freed in ascending order form a
// single run while descending frees form one node each.
type freeRun struct {
	start  int64
	length int64
	next   *freeRun
}

// Pool is the growable physical memory pool.
type Pool struct {
	// p is the backing mapping; len(p) is the current capacity. Both
	// used and len(p) are frame multiples, used <= len(p).
	p []byte

	// used is the bump allocation watermark.
	used int64

	// free is the frame free list.
	free *freeRun

	// max is the capacity limit.
	max int64

	// stat is the accounting described above. Mutated directly by the
	// owning system's reservation and paging paths, under its lock.
	stat Stats

	// resized, if set, runs after every relocation of p.
	resized func()
}

// New returns an empty pool limited to max bytes of capacity. resized,
// which may be nil, runs after every growth of the backing mapping,
// while the pool still holds no host views of the old mapping.
func New(max int64, resized func()) *Pool {
	if max <= 0 {
		max = DefaultMaxSize
	}
	return &Pool{max: max, resized: resized}
}

// Capacity returns the current capacity in bytes.
func (p *Pool) Capacity() int64 {
	return int64(len(p.p))
}

// Used returns the bump allocation watermark.
func (p *Pool) Used() int64 {
	return p.used
}

// Memstat returns the accounting counters for mutation by the owner.
func (p *Pool) Memstat() *Stats {
	return &p.stat
}

// Stat returns a snapshot of the accounting counters.
func (p *Pool) Stat() Stats {
	return p.stat
}

// FreeRuns returns the free list shape, head first.
func (p *Pool) FreeRuns() []FreeRun {
	var runs []FreeRun
	for rf := p.free; rf != nil; rf = rf.next {
		runs = append(runs, FreeRun{Start: rf.start, Length: rf.length})
	}
	return runs
}

// grow extends capacity by half again, from a floor of initialCapacity,
// rounded up to a frame and clamped to the limit.
func (p *Pool) grow() error {
	n := int64(len(p.p))
	if n != 0 {
		n += n >> 1
	} else {
		n = initialCapacity
	}
	n = (n + FrameSize - 1) &^ (FrameSize - 1)
	if n > p.max {
		n = p.max
	}
	if n <= int64(len(p.p)) {
		return ErrOutOfMemory
	}
	return p.setCapacity(n)
}

// setCapacity remaps the pool to exactly n bytes, n > len(p.p).
func (p *Pool) setCapacity(n int64) error {
	var (
		m   []byte
		err error
	)
	if p.p == nil {
		m, err = memutil.MapSlice(int(n))
	} else {
		m, err = memutil.RemapSlice(p.p, int(n))
	}
	if err != nil {
		log.Warningf("could not grow physical pool to %#x bytes: %v", n, err)
		return ErrOutOfMemory
	}
	p.p = m
	p.stat.Resizes++
	log.Debugf("physical pool resized to %#x bytes", n)
	if p.resized != nil {
		p.resized()
	}
	return nil
}

// Reserve ensures capacity is at least n bytes. n is rounded up to a
// frame. The mapping may relocate.
func (p *Pool) Reserve(n int64) error {
	n = (n + FrameSize - 1) &^ (FrameSize - 1)
	if n > p.max {
		return ErrOutOfMemory
	}
	if int64(len(p.p)) < n {
		return p.setCapacity(n)
	}
	return nil
}

// AllocateFrameRaw hands out one frame, preferring the free list over
// fresh capacity. The frame contents are whatever was left there. On
// failure the offset is -1.
func (p *Pool) AllocateFrameRaw() (int64, error) {
	if rf := p.free; rf != nil {
		i := rf.start
		rf.start += FrameSize
		rf.length -= FrameSize
		if rf.length == 0 {
			p.free = rf.next
		}
		p.stat.Reclaimed++
		p.stat.Committed++
		return i, nil
	}
	if p.used == int64(len(p.p)) {
		if err := p.grow(); err != nil {
			return -1, err
		}
	}
	i := p.used
	p.used += FrameSize
	p.stat.Allocated++
	p.stat.Committed++
	return i, nil
}

// AllocateFrame is AllocateFrameRaw plus zeroing.
func (p *Pool) AllocateFrame() (int64, error) {
	i, err := p.AllocateFrameRaw()
	if err != nil {
		return i, err
	}
	clear(p.p[i : i+FrameSize])
	return i, nil
}

// AppendFree returns the frame at addr to the free list. The head run is
// extended when addr lands exactly at its end; otherwise a new head node
// is pushed.
func (p *Pool) AppendFree(addr int64) {
	if rf := p.free; rf != nil && addr == rf.start+rf.length {
		rf.length += FrameSize
	} else {
		p.free = &freeRun{start: addr, length: FrameSize, next: p.free}
	}
	p.stat.Freed++
}

// Slice returns the host view of pool bytes [off, off+n), or nil when
// the range is not within capacity. The view dangles across any resize.
func (p *Pool) Slice(off, n int64) []byte {
	if off < 0 || n < 0 || off+n > int64(len(p.p)) {
		return nil
	}
	return p.p[off : off+n : off+n]
}

// Load64 reads the 8-byte little-endian word at pool offset off.
func (p *Pool) Load64(off int64) uint64 {
	return guestarch.Load64(p.p[off:])
}

// Store64 writes the 8-byte little-endian word at pool offset off.
func (p *Pool) Store64(off int64, v uint64) {
	guestarch.Store64(p.p[off:], v)
}

// Reset drops the free list, rewinds the watermark and zeroes the
// statistics. Capacity is retained.
func (p *Pool) Reset() {
	p.free = nil
	p.used = 0
	p.stat = Stats{}
}

// Destroy releases the backing mapping. The pool must not be used
// afterwards.
func (p *Pool) Destroy() {
	if p.p != nil {
		if err := memutil.UnmapSlice(p.p); err != nil {
			log.Warningf("could not unmap physical pool: %v", err)
		}
		p.p = nil
	}
	p.free = nil
	p.used = 0
}
