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

package realmem

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGrowthLadder(t *testing.T) {
	p := New(1<<30, nil)
	if got := p.Capacity(); got != 0 {
		t.Fatalf("fresh pool capacity: got %d, wanted 0", got)
	}

	// The first allocation maps the initial capacity.
	if _, err := p.AllocateFrame(); err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if got := p.Capacity(); got != 0x10000 {
		t.Errorf("capacity after first frame: got %#x, wanted %#x", got, 0x10000)
	}

	// Fill it; the next allocation grows by half again.
	for p.Used() < 0x10000 {
		if _, err := p.AllocateFrame(); err != nil {
			t.Fatalf("AllocateFrame: %v", err)
		}
	}
	if _, err := p.AllocateFrame(); err != nil {
		t.Fatalf("AllocateFrame past capacity: %v", err)
	}
	if got := p.Capacity(); got != 0x18000 {
		t.Errorf("capacity after growth: got %#x, wanted %#x", got, 0x18000)
	}
	if got := p.Stat().Resizes; got != 2 {
		t.Errorf("resizes: got %d, wanted 2", got)
	}
	p.Destroy()
}

func TestGrowthRoundsToFrame(t *testing.T) {
	p := New(1<<30, nil)
	if err := p.Reserve(3 * FrameSize); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	// Fill the reserved frames, then grow: 12288 + 6144 rounds up to
	// five frames.
	for i := 0; i < 4; i++ {
		if _, err := p.AllocateFrame(); err != nil {
			t.Fatalf("AllocateFrame: %v", err)
		}
	}
	if got := p.Capacity(); got != 5*FrameSize {
		t.Errorf("capacity: got %#x, wanted %#x", got, 5*FrameSize)
	}
	p.Destroy()
}

func TestAllocationFailsAtLimit(t *testing.T) {
	const max = 0x10000 // sixteen frames
	p := New(max, nil)
	defer p.Destroy()
	for i := 0; i < max/FrameSize; i++ {
		if _, err := p.AllocateFrame(); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}
	if _, err := p.AllocateFrameRaw(); err != ErrOutOfMemory {
		t.Errorf("allocation past the limit: got %v, wanted %v", err, ErrOutOfMemory)
	}
}

func TestReserveBeyondLimit(t *testing.T) {
	p := New(0x10000, nil)
	defer p.Destroy()
	if err := p.Reserve(0x20000); err != ErrOutOfMemory {
		t.Errorf("Reserve past the limit: got %v, wanted %v", err, ErrOutOfMemory)
	}
}

func TestResizeHook(t *testing.T) {
	resizes := 0
	p := New(1<<30, func() { resizes++ })
	defer p.Destroy()
	if _, err := p.AllocateFrame(); err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if resizes != 1 {
		t.Errorf("resize hook ran %d times, wanted 1", resizes)
	}
	if err := p.Reserve(0x20000); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if resizes != 2 {
		t.Errorf("resize hook ran %d times, wanted 2", resizes)
	}
}

func TestFreeListCoalescing(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	var frames []int64
	for i := 0; i < 3; i++ {
		f, err := p.AllocateFrame()
		if err != nil {
			t.Fatalf("AllocateFrame: %v", err)
		}
		frames = append(frames, f)
	}

	// Ascending frees extend the head run.
	for _, f := range frames {
		p.AppendFree(f)
	}
	want := []FreeRun{{Start: frames[0], Length: 3 * FrameSize}}
	if diff := cmp.Diff(want, p.FreeRuns()); diff != "" {
		t.Errorf("free list after in-order frees (-want +got):\n%s", diff)
	}

	// Drain, then free in reverse: one node per frame.
	for i := 0; i < 3; i++ {
		if _, err := p.AllocateFrame(); err != nil {
			t.Fatalf("AllocateFrame: %v", err)
		}
	}
	for i := len(frames) - 1; i >= 0; i-- {
		p.AppendFree(frames[i])
	}
	want = []FreeRun{
		{Start: frames[0], Length: FrameSize},
		{Start: frames[1], Length: FrameSize},
		{Start: frames[2], Length: FrameSize},
	}
	if diff := cmp.Diff(want, p.FreeRuns()); diff != "" {
		t.Errorf("free list after reverse frees (-want +got):\n%s", diff)
	}
}

func TestReclaimBeforeBump(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	f, err := p.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	used := p.Used()
	p.AppendFree(f)
	g, err := p.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if g != f {
		t.Errorf("reclaim: got frame %#x, wanted %#x", g, f)
	}
	if p.Used() != used {
		t.Errorf("watermark moved on reclaim: got %#x, wanted %#x", p.Used(), used)
	}
}

func TestReclaimedFrameIsZeroed(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	f, err := p.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	b := p.Slice(f, FrameSize)
	for i := range b {
		b[i] = 0xcc
	}
	p.AppendFree(f)
	g, err := p.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	for i, c := range p.Slice(g, FrameSize) {
		if c != 0 {
			t.Fatalf("reclaimed frame byte %d: got %#x, wanted 0", i, c)
		}
	}
}

// Every frame handed out is committed; every surrendered frame is freed
// until reclaimed.
func TestFrameConservation(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	var frames []int64
	for i := 0; i < 20; i++ {
		f, err := p.AllocateFrame()
		if err != nil {
			t.Fatalf("AllocateFrame: %v", err)
		}
		frames = append(frames, f)
	}
	for _, f := range frames[:7] {
		st := p.Stat()
		if st.Committed <= 0 {
			t.Fatalf("committed %d before free", st.Committed)
		}
		p.Memstat().Committed--
		p.AppendFree(f)
	}
	for i := 0; i < 3; i++ {
		if _, err := p.AllocateFrame(); err != nil {
			t.Fatalf("AllocateFrame: %v", err)
		}
	}
	st := p.Stat()
	if got, want := st.Allocated+st.Reclaimed, st.Committed+st.Freed; got != want {
		t.Errorf("conservation: allocated+reclaimed = %d, committed+freed = %d", got, want)
	}
	if st.Reclaimed != 3 {
		t.Errorf("reclaimed: got %d, wanted 3", st.Reclaimed)
	}
	// Freed is cumulative; reclaiming does not roll it back.
	if st.Freed != 7 {
		t.Errorf("freed: got %d, wanted 7", st.Freed)
	}
}

func TestSliceBounds(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	if _, err := p.AllocateFrame(); err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	if p.Slice(0, FrameSize) == nil {
		t.Errorf("Slice of first frame: got nil")
	}
	if got := p.Slice(p.Capacity(), FrameSize); got != nil {
		t.Errorf("Slice past capacity: got %d bytes, wanted nil", len(got))
	}
	if got := p.Slice(-FrameSize, FrameSize); got != nil {
		t.Errorf("Slice at negative offset: got %d bytes, wanted nil", len(got))
	}
}

func TestLoadStore64(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	f, err := p.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	p.Store64(f+16, 0x1122334455667788)
	if got := p.Load64(f + 16); got != 0x1122334455667788 {
		t.Errorf("Load64: got %#x, wanted %#x", got, uint64(0x1122334455667788))
	}
	// Little endian on the wire.
	if b := p.Slice(f+16, 1); b[0] != 0x88 {
		t.Errorf("byte order: first byte %#x, wanted 0x88", b[0])
	}
}

func TestReset(t *testing.T) {
	p := New(1<<30, nil)
	defer p.Destroy()
	f, err := p.AllocateFrame()
	if err != nil {
		t.Fatalf("AllocateFrame: %v", err)
	}
	p.AppendFree(f)
	p.Reset()
	if got := p.Used(); got != 0 {
		t.Errorf("used after reset: got %d, wanted 0", got)
	}
	if runs := p.FreeRuns(); runs != nil {
		t.Errorf("free list after reset: got %v, wanted none", runs)
	}
	if diff := cmp.Diff(Stats{}, p.Stat()); diff != "" {
		t.Errorf("stats after reset (-want +got):\n%s", diff)
	}
	if got := p.Capacity(); got == 0 {
		t.Errorf("capacity dropped on reset")
	}
}
